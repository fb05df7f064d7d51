package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/measurely/am"
	"github.com/teranos/measurely/catalog"
	"github.com/teranos/measurely/credential"
	"github.com/teranos/measurely/dispatch"
	"github.com/teranos/measurely/errors"
	"github.com/teranos/measurely/integration"
	"github.com/teranos/measurely/logger"
	"github.com/teranos/measurely/notify"
	"github.com/teranos/measurely/reading"
	"github.com/teranos/measurely/template"
	"github.com/teranos/measurely/tracking"
)

const maintenanceInterval = time.Hour

// Engine owns the full pipeline: ticker, queue, worker pool, and the
// periodic maintenance that keeps history bounded and recovers work
// lost to crashes.
type Engine struct {
	cfg *am.Config
	db  *sql.DB

	Catalog      *catalog.Catalog
	Templates    *template.Store
	Connections  *integration.ConnectionStore
	Integrations *integration.Store
	Credentials  *credential.Store
	Executions   *tracking.Store
	Readings     *reading.Store
	WorkQueue    *Queue

	ticker *Ticker
	pool   *WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine from an open database and configuration. The
// backend executor can be overridden through opts for tests and local
// runs without a gateway.
func New(ctx context.Context, db *sql.DB, cfg *am.Config, masterKey string, opts ...Option) (*Engine, error) {
	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}
	credStore, err := credential.NewStore(db, masterKey)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		db:           db,
		Catalog:      cat,
		Templates:    template.NewStore(db),
		Connections:  integration.NewConnectionStore(db),
		Integrations: integration.NewStore(db, cat),
		Credentials:  credStore,
		Executions:   tracking.NewStore(db),
		Readings:     reading.NewStore(db),
		WorkQueue:    NewQueue(db),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	settings := &options{}
	for _, opt := range opts {
		opt(settings)
	}

	executor := settings.executor
	if executor == nil {
		backend, err := dispatch.NewAnthropicBackend(cfg.Backend)
		if err != nil {
			return nil, errors.Wrap(err, "failed to configure retrieval backend")
		}
		executor = dispatch.NewDispatcher(backend,
			time.Duration(cfg.Engine.ExecutionTimeoutSeconds)*time.Second)
	}

	publisher := settings.publisher
	if publisher == nil {
		publisher = notify.NewLogPublisher()
	}

	var limiter *rate.Limiter
	if rpm := cfg.Engine.BackendRequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}

	orchestrator := NewOrchestrator(OrchestratorConfig{
		DB:                  db,
		Catalog:             cat,
		Templates:           e.Templates,
		Integrations:        e.Integrations,
		Credentials:         credential.NewProvider(credStore),
		Executor:            executor,
		Executions:          e.Executions,
		Readings:            e.Readings,
		Queue:               e.WorkQueue,
		Publisher:           publisher,
		Limiter:             limiter,
		MaxAttempts:         cfg.Engine.MaxDeliveryAttempts,
		EscalationThreshold: cfg.Notify.EscalationThreshold,
	})

	lease := time.Duration(cfg.Engine.LeaseSeconds) * time.Second
	e.ticker = NewTicker(e.ctx, e.Integrations, e.WorkQueue,
		time.Duration(cfg.Engine.TickerIntervalSeconds)*time.Second, logger.Logger)
	e.pool = NewWorkerPool(e.ctx, e.WorkQueue, orchestrator,
		cfg.Engine.Workers, lease, logger.Logger)

	return e, nil
}

type options struct {
	executor  Executor
	publisher notify.Publisher
}

// Option customizes engine construction.
type Option func(*options)

// WithExecutor substitutes the backend executor.
func WithExecutor(executor Executor) Option {
	return func(o *options) { o.executor = executor }
}

// WithPublisher substitutes the notification publisher.
func WithPublisher(publisher notify.Publisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// Start recovers orphaned work, then launches the ticker, workers, and
// maintenance loop.
func (e *Engine) Start() error {
	staleAfter := 2 * time.Duration(e.cfg.Engine.ExecutionTimeoutSeconds) * time.Second
	recovered, err := e.Executions.RecoverOrphans(staleAfter)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		logger.Warnw("Recovered orphaned executions from previous run", "count", len(recovered))
	}

	e.ticker.Start()
	e.pool.Start()

	e.wg.Add(1)
	go e.maintenanceLoop()

	logger.Infow("Engine started",
		"workers", e.cfg.Engine.Workers,
		"ticker_interval_s", e.cfg.Engine.TickerIntervalSeconds,
		"execution_timeout_s", e.cfg.Engine.ExecutionTimeoutSeconds,
	)
	return nil
}

// Stop drains the engine: no new work is scheduled and in-flight
// executions run to completion.
func (e *Engine) Stop() {
	e.ticker.Stop()
	e.pool.Stop()
	e.cancel()
	e.wg.Wait()
	logger.Infow("Engine stopped")
}

// TriggerNow enqueues an immediate run of an integration with the
// current instant as the nominal time. Duplicate triggers within the
// same second collapse onto one execution.
func (e *Engine) TriggerNow(integrationID string) (time.Time, error) {
	integ, err := e.Integrations.Get(integrationID)
	if err != nil {
		return time.Time{}, err
	}
	if integ.State != integration.StateActive {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest,
			"integration %s is %s", integrationID, integ.State)
	}

	nominal := time.Now().UTC().Truncate(time.Second)
	if _, err := e.WorkQueue.Enqueue(integrationID, nominal); err != nil {
		return time.Time{}, err
	}
	logger.Infow("Manual run triggered",
		"integration_id", integrationID, "nominal_at", nominal.Format(time.RFC3339))
	return nominal, nil
}

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance()
		}
	}
}

func (e *Engine) runMaintenance() {
	staleAfter := 2 * time.Duration(e.cfg.Engine.ExecutionTimeoutSeconds) * time.Second
	if recovered, err := e.Executions.RecoverOrphans(staleAfter); err != nil {
		logger.Errorw("Orphan recovery failed", "error", err)
	} else if len(recovered) > 0 {
		logger.Warnw("Recovered orphaned executions", "count", len(recovered))
	}

	retention := e.cfg.Engine.RetentionDays
	if n, err := e.Executions.CleanupOldExecutions(retention); err != nil {
		logger.Errorw("Execution cleanup failed", "error", err)
	} else if n > 0 {
		logger.Infow("Cleaned up old executions", "deleted", n)
	}

	if n, err := e.WorkQueue.Cleanup(time.Duration(retention) * 24 * time.Hour); err != nil {
		logger.Errorw("Work queue cleanup failed", "error", err)
	} else if n > 0 {
		logger.Infow("Cleaned up finished work items", "deleted", n)
	}
}
