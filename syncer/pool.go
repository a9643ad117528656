package syncer

import (
	"context"
	"feedsync/models"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Pool runs source syncs on a fixed number of workers
type Pool struct {
	maxWorkers int
	jobQueue   chan int64
	results    chan models.SyncResult
	syncFn     func(ctx context.Context, sourceID int64) models.SyncResult
	wg         sync.WaitGroup
	ctx        context.Context
}

func NewPool(ctx context.Context, maxWorkers, queueSize int, syncFn func(ctx context.Context, sourceID int64) models.SyncResult) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		maxWorkers: maxWorkers,
		jobQueue:   make(chan int64, queueSize),
		results:    make(chan models.SyncResult, queueSize),
		syncFn:     syncFn,
		ctx:        ctx,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.startWorker(i)
	}
}

func (p *Pool) startWorker(id int) {
	defer p.wg.Done()

	for sourceID := range p.jobQueue {
		if err := p.ctx.Err(); err != nil {
			p.results <- models.SyncResult{SourceId: sourceID, Outcome: models.OutcomeFailed, Err: err}
			continue
		}
		batchInFlight.Inc()
		p.results <- p.syncFn(p.ctx, sourceID)
		batchInFlight.Dec()
	}
	log.Tracef("Worker %d: Shutting down", id)
}

// Submit queues a source. It must not be called after Wait.
func (p *Pool) Submit(sourceID int64) {
	p.jobQueue <- sourceID
}

// Wait closes the queue, waits for the workers and aggregates their results
func (p *Pool) Wait() models.SyncReport {
	close(p.jobQueue)
	go func() {
		p.wg.Wait()
		close(p.results)
	}()

	var report models.SyncReport
	for res := range p.results {
		report.Add(res)
	}
	return report
}
