package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/measurely/errors"
)

// WorkerPool leases work items and runs them through the orchestrator.
// Runs for the same integration are serialized in process; runs for
// different integrations proceed in parallel up to the worker count.
type WorkerPool struct {
	queue        *Queue
	orchestrator *Orchestrator
	workers      int
	lease        time.Duration
	log          *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	busy map[string]bool // integration IDs with a run in flight
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(ctx context.Context, queue *Queue, orchestrator *Orchestrator, workers int, lease time.Duration, log *zap.SugaredLogger) *WorkerPool {
	wctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:        queue,
		orchestrator: orchestrator,
		workers:      workers,
		lease:        lease,
		log:          log,
		ctx:          wctx,
		cancel:       cancel,
		busy:         make(map[string]bool),
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Infow("Worker pool started", "workers", wp.workers)
}

// Stop signals the workers and waits for in-flight executions to
// finish. Leased items interrupted mid-run are reclaimed by lease
// expiry on the next start.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.log.Infow("Worker pool stopped")
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNext(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.log.Errorw("Worker error", "worker_id", id, "error", err, "consecutive_errors", errorCount)
				if errorCount >= 5 {
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNext leases and runs one item. Returns nil when the queue is
// empty.
func (wp *WorkerPool) processNext() error {
	item, err := wp.queue.Lease(wp.lease)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}

	if !wp.acquire(item.IntegrationID) {
		// Another run for this integration is in flight; put the item
		// back for a later worker.
		return wp.queue.Release(item.ID)
	}
	defer wp.release(item.IntegrationID)

	return wp.orchestrator.Process(wp.ctx, item)
}

func (wp *WorkerPool) acquire(integrationID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.busy[integrationID] {
		return false
	}
	wp.busy[integrationID] = true
	return true
}

func (wp *WorkerPool) release(integrationID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.busy, integrationID)
}
