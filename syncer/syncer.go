package syncer

import (
	"context"
	"errors"
	"feedsync/config"
	"feedsync/db"
	"feedsync/lock"
	"feedsync/models"
	"feedsync/sources"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Coordinator runs sync passes for sources and the retention pass. Every
// pass holds a lease so overlapping runs for the same source are skipped.
type Coordinator struct {
	db        *db.DB
	registry  *sources.Registry
	locker    lock.Locker
	sync      config.Sync
	retention config.Retention
	lease     time.Duration
}

func NewCoordinator(database *db.DB, registry *sources.Registry, locker lock.Locker, cfg *config.Config) *Coordinator {
	return &Coordinator{
		db:        database,
		registry:  registry,
		locker:    locker,
		sync:      cfg.Sync,
		retention: cfg.Retention,
		lease:     cfg.Lock.Lease.Duration,
	}
}

// SyncSource fetches one source and stores its entries. Errors are captured in
// the result and never returned. force skips the cooldown check only.
func (c *Coordinator) SyncSource(ctx context.Context, sourceID int64, force bool) (result models.SyncResult) {
	result.SourceId = sourceID
	kind := "unknown"
	start := time.Now()
	defer func() {
		syncOutcomes.WithLabelValues(kind, string(result.Outcome)).Inc()
		syncDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	release, ok, err := c.locker.Acquire(ctx, lock.SourceKey(sourceID), c.lease)
	if err != nil {
		log.WithFields(log.Fields{"source": sourceID, "error": err}).Warn("Failed to acquire sync lock")
		return failed(result, err)
	}
	if !ok {
		log.WithFields(log.Fields{"source": sourceID}).Debug("Source is already syncing, skipping")
		result.Outcome = models.OutcomeLocked
		return result
	}
	defer release()

	source, err := c.db.GetSource(ctx, sourceID)
	if err != nil {
		log.WithFields(log.Fields{"source": sourceID, "error": err}).Warn("Failed to load source")
		return failed(result, err)
	}
	kind = string(source.Kind)

	now := c.db.Now()
	cooldown := c.sync.Cooldown.Duration
	if !force && source.LastFetch != nil && now.Sub(*source.LastFetch) < cooldown {
		log.WithFields(log.Fields{
			"source":    source.Name,
			"lastFetch": source.LastFetch,
		}).Info("Source synced recently, skipping")
		result.Outcome = models.OutcomeCooldown
		return result
	}

	fetched, err := c.fetch(ctx, source)
	if err == nil && !fetched.Unchanged {
		result.Inserted, result.Updated, err = c.db.Upsert(ctx, source.Id, source.UserId, fetched.Entries)
	}

	// entries are written before last_fetch advances so a crash only causes a re-fetch
	record := db.FetchRecord{At: now, Err: err}
	if err == nil {
		record.Meta = fetched.Metadata
		if record.Meta == nil {
			record.Meta = source.FetchMeta
		}
		if fetched.RawPayload != "" {
			record.RawPayload = &fetched.RawPayload
		}
	}
	if recordErr := c.db.RecordFetch(ctx, source.Id, record); recordErr != nil {
		log.WithFields(log.Fields{"source": source.Name, "error": recordErr}).Error("Failed to record fetch")
		if err == nil {
			err = recordErr
		}
	}

	fields := log.Fields{"source": source.Name, "kind": source.Kind}
	switch {
	case err != nil:
		fields["error"] = err
		if sources.IsPermanent(err) {
			log.WithFields(fields).Error("Source sync failed")
		} else {
			log.WithFields(fields).Warn("Source sync failed")
		}
		return failed(result, err)
	case fetched.Unchanged:
		log.WithFields(fields).Debug("Source not modified")
		result.Outcome = models.OutcomeUnchanged
	default:
		fields["inserted"] = result.Inserted
		fields["updated"] = result.Updated
		log.WithFields(fields).Info("Synced source")
		result.Outcome = models.OutcomeSynced
		upsertedEntries.WithLabelValues("insert").Add(float64(result.Inserted))
		upsertedEntries.WithLabelValues("update").Add(float64(result.Updated))
	}
	return result
}

func (c *Coordinator) fetch(ctx context.Context, source *models.Source) (*sources.Result, error) {
	adapter, err := c.registry.Lookup(source.Kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.sync.FetchTimeout.Duration)
	defer cancel()

	res, err := adapter.Fetch(ctx, sources.Request{
		URL:         source.Url,
		AccessToken: source.AccessToken,
		Filters:     source.Filters,
		Prior:       source.FetchMeta,
		FirstSync:   source.LastFetch == nil,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("fetch timed out after %s: %w", c.sync.FetchTimeout.Duration, err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func failed(result models.SyncResult, err error) models.SyncResult {
	result.Outcome = models.OutcomeFailed
	result.Err = err
	return result
}

// SyncAll syncs every source on a bounded worker pool. Failing sources are
// counted in the report, only listing the sources can fail the call.
func (c *Coordinator) SyncAll(ctx context.Context) (models.SyncReport, error) {
	all, err := c.db.ListAllSources(ctx)
	if err != nil {
		return models.SyncReport{}, fmt.Errorf("list sources: %w", err)
	}

	pool := NewPool(ctx, c.sync.Workers, len(all), func(ctx context.Context, id int64) models.SyncResult {
		return c.SyncSource(ctx, id, false)
	})
	pool.Start()
	for _, source := range all {
		pool.Submit(source.Id)
	}
	report := pool.Wait()

	log.WithFields(log.Fields{
		"sources":   len(all),
		"synced":    report.Synced,
		"unchanged": report.Unchanged,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"inserted":  report.Inserted,
	}).Info("Batch sync finished")
	return report, nil
}

// Prune runs the retention pass. A pass already running elsewhere is skipped.
func (c *Coordinator) Prune(ctx context.Context) (int64, error) {
	release, ok, err := c.locker.Acquire(ctx, lock.PruneKey, c.lease)
	if err != nil {
		return 0, err
	}
	if !ok {
		log.Debug("Prune already running, skipping")
		return 0, nil
	}
	defer release()

	deleted, err := c.db.Tidy(ctx, db.TidyOptions{
		MaxAge:      c.retention.MaxAge.Duration,
		MinRetained: c.retention.MinRetained,
	})
	if err != nil {
		return deleted, fmt.Errorf("prune: %w", err)
	}
	prunedEntries.Add(float64(deleted))
	return deleted, nil
}
