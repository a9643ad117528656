package scheduler

import (
	"context"
	"feedsync/models"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Jobs is the work the scheduler dispatches
type Jobs interface {
	SyncAll(ctx context.Context) (models.SyncReport, error)
	SyncSource(ctx context.Context, sourceID int64, force bool) models.SyncResult
	Prune(ctx context.Context) (int64, error)
}

// cronLogger routes the cron library's messages through logrus
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

// Scheduler runs the recurring sync and prune passes. A pass that is still
// running when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	jobs   Jobs
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(jobs Jobs, syncSpec, pruneSpec string) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, jobs: jobs, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(syncSpec, s.syncAll); err != nil {
		cancel()
		return nil, fmt.Errorf("sync schedule %q: %w", syncSpec, err)
	}
	if _, err := c.AddFunc(pruneSpec, s.prune); err != nil {
		cancel()
		return nil, fmt.Errorf("prune schedule %q: %w", pruneSpec, err)
	}
	return s, nil
}

func (s *Scheduler) syncAll() {
	report, err := s.jobs.SyncAll(s.ctx)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("Scheduled sync failed")
		return
	}
	log.WithFields(log.Fields{
		"synced":  report.Synced,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Debug("Scheduled sync done")
}

func (s *Scheduler) prune() {
	deleted, err := s.jobs.Prune(s.ctx)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("Scheduled prune failed")
		return
	}
	log.WithFields(log.Fields{"deleted": deleted}).Info("Pruned old entries")
}

func (s *Scheduler) Start() {
	log.WithFields(log.Fields{"jobs": len(s.cron.Entries())}).Info("Starting scheduler")
	s.cron.Start()
}

// Trigger syncs one source right away. It returns at once, the result is
// delivered on the channel when the sync completes.
func (s *Scheduler) Trigger(ctx context.Context, sourceID int64, force bool) <-chan models.SyncResult {
	done := make(chan models.SyncResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.jobs.SyncSource(ctx, sourceID, force)
	}()
	return done
}

// Stop cancels running passes and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Info("Scheduler stopped")
}
