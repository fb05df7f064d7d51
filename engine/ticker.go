package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/integration"
)

// Ticker scans for due integrations and turns each into exactly one
// queued work item per nominal instant, then advances the schedule.
type Ticker struct {
	integrations *integration.Store
	queue        *Queue
	interval     time.Duration
	log          *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a ticker.
func NewTicker(ctx context.Context, integrations *integration.Store, queue *Queue, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	tctx, cancel := context.WithCancel(ctx)
	return &Ticker{
		integrations: integrations,
		queue:        queue,
		interval:     interval,
		log:          log,
		ctx:          tctx,
		cancel:       cancel,
	}
}

// Start launches the scan loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Ticker started", "interval", t.interval)
}

// Stop halts the scan loop and waits for the current tick to finish.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := t.Tick(tickTime); err != nil {
				t.log.Warnw("Tick error", "error", err)
			}
		}
	}
}

// Tick enqueues work for every integration due at or before now.
// Exported so a manual trigger and tests can drive the scan directly.
func (t *Ticker) Tick(now time.Time) error {
	due, err := t.integrations.ListDue(now)
	if err != nil {
		return err
	}

	for _, integ := range due {
		nominal, err := integ.NextRunTime()
		if err != nil {
			t.log.Errorw("Skipping integration with corrupt schedule",
				"integration_id", integ.ID, "error", err)
			continue
		}

		enqueued, err := t.queue.Enqueue(integ.ID, nominal)
		if err != nil {
			t.log.Errorw("Failed to enqueue due integration",
				"integration_id", integ.ID, "error", err)
			continue
		}

		// The schedule advances whether or not the item was new, so a
		// crashed advance is repaired on the next tick by the enqueue
		// dedup rather than by double-running.
		next := datewindow.Next(integ.Frequency, nominal)
		if err := t.integrations.AdvanceSchedule(integ.ID, next); err != nil {
			t.log.Errorw("Failed to advance schedule",
				"integration_id", integ.ID, "error", err)
			continue
		}

		if enqueued {
			t.log.Debugw("Enqueued scheduled run",
				"integration_id", integ.ID,
				"measure_key", integ.MeasureKey,
				"nominal_at", nominal.Format(time.RFC3339),
				"next_run_at", next.Format(time.RFC3339),
			)
		}
	}

	if stats, err := t.queue.GetStats(); err == nil {
		queueDepth.Set(float64(stats.Queued + stats.Leased))
	}
	return nil
}
