package engine

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/measurely/catalog"
	"github.com/teranos/measurely/credential"
	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/dispatch"
	"github.com/teranos/measurely/errors"
	"github.com/teranos/measurely/integration"
	"github.com/teranos/measurely/logger"
	"github.com/teranos/measurely/notify"
	"github.com/teranos/measurely/reading"
	"github.com/teranos/measurely/template"
	"github.com/teranos/measurely/tracking"
)

// schemaRetryBudget caps redeliveries after a response schema violation.
// A malformed response is usually model nondeterminism and worth another
// try, but persistent shape mismatches are template bugs that more
// attempts cannot fix.
const schemaRetryBudget = 2

// Executor runs one backend invocation. Satisfied by dispatch.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, req dispatch.Request, schema map[string]template.FieldSpec) (*dispatch.Result, error)
}

// Orchestrator runs one work item end to end: window calculation,
// prompt assembly, backend dispatch, result validation, and bookkeeping
// on every exit path.
type Orchestrator struct {
	db           *sql.DB
	catalog      *catalog.Catalog
	templates    *template.Store
	integrations *integration.Store
	credentials  *credential.Provider
	executor     Executor
	executions   *tracking.Store
	readings     *reading.Store
	queue        *Queue
	publisher    notify.Publisher
	limiter      *rate.Limiter

	maxAttempts         int
	escalationThreshold int
}

// OrchestratorConfig wires an orchestrator.
type OrchestratorConfig struct {
	DB           *sql.DB
	Catalog      *catalog.Catalog
	Templates    *template.Store
	Integrations *integration.Store
	Credentials  *credential.Provider
	Executor     Executor
	Executions   *tracking.Store
	Readings     *reading.Store
	Queue        *Queue
	Publisher    notify.Publisher
	Limiter      *rate.Limiter

	MaxAttempts         int
	EscalationThreshold int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		db:                  cfg.DB,
		catalog:             cfg.Catalog,
		templates:           cfg.Templates,
		integrations:        cfg.Integrations,
		credentials:         cfg.Credentials,
		executor:            cfg.Executor,
		executions:          cfg.Executions,
		readings:            cfg.Readings,
		queue:               cfg.Queue,
		publisher:           cfg.Publisher,
		limiter:             cfg.Limiter,
		maxAttempts:         cfg.MaxAttempts,
		escalationThreshold: cfg.EscalationThreshold,
	}
}

// Process runs a leased work item. All outcomes, including failures,
// are absorbed into queue and execution state; the returned error only
// reports infrastructure problems the worker should back off on.
func (o *Orchestrator) Process(ctx context.Context, item *WorkItem) error {
	nominal, err := item.NominalTime()
	if err != nil {
		return o.queue.DeadLetter(item.ID, err)
	}

	integ, err := o.integrations.Get(item.IntegrationID)
	if errors.IsNotFoundError(err) {
		return o.queue.DeadLetter(item.ID, err)
	}
	if err != nil {
		return err
	}
	if integ.State != integration.StateActive {
		logger.Debugw("dropping work for inactive integration",
			"integration_id", integ.ID, "state", integ.State)
		return o.queue.Drop(item.ID)
	}

	loc, err := integ.Location()
	if err != nil {
		return o.failBeforeExecution(item, integ, err)
	}
	window, err := datewindow.Calculate(integ.Frequency, nominal, loc)
	if err != nil {
		return o.failBeforeExecution(item, integ, err)
	}

	exec, started, err := o.executions.Begin(integ.ID, nominal, window)
	if err != nil {
		return err
	}
	if !started {
		if exec.Status == tracking.StatusRunning {
			// Another worker holds this run, most likely past its lease.
			// The item stays queued so a crashed run is redelivered once
			// orphan recovery settles the record.
			logger.Debugw("redelivery while execution in flight",
				"integration_id", integ.ID, "nominal_at", item.NominalAt)
			return o.queue.Release(item.ID)
		}
		logger.Debugw("duplicate delivery absorbed",
			"integration_id", integ.ID, "nominal_at", item.NominalAt, "status", exec.Status)
		return o.queue.Complete(item.ID)
	}

	start := time.Now()
	result, err := o.runPipeline(ctx, integ, window)
	if err != nil {
		return o.failExecution(item, integ, exec.ID, err)
	}

	// The terminal transition and its reading commit together. A crash
	// can then only land before the record turns completed, where
	// redelivery reruns the attempt, never between a completed record
	// and a missing reading.
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin completion transaction")
	}
	defer tx.Rollback()
	if err := o.executions.CompleteTx(tx, exec.ID, tracking.Outcome{
		Value:        result.Value,
		RawPayload:   result.RawPayload,
		TokensUsed:   result.TokensUsed,
		CostEstimate: result.CostEstimate,
		ToolsInvoked: result.ToolsInvoked,
	}); err != nil {
		return err
	}
	if _, err := o.readings.RecordFromExecutionTx(tx, integ.MeasureKey, integ.ID, exec.ID, result.Value, window); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit completion")
	}

	if err := o.integrations.RecordRun(integ.ID, nominal, exec.ID); err != nil {
		return err
	}
	if err := o.integrations.ResetConsecutiveFailures(integ.ID); err != nil {
		return err
	}

	executionsTotal.WithLabelValues(tracking.StatusCompleted).Inc()
	executionDuration.Observe(time.Since(start).Seconds())
	backendTokensTotal.Add(float64(result.TokensUsed))
	backendCostTotal.Add(result.CostEstimate)

	logger.Infow("execution completed",
		"integration_id", integ.ID,
		"measure_key", integ.MeasureKey,
		"execution_id", exec.ID,
		"value", result.Value,
		"window_from", window.FromDate(),
		"window_to", window.ToDate(),
		"tokens", result.TokensUsed,
	)
	return o.queue.Complete(item.ID)
}

// runPipeline assembles the prompt and dispatches it.
func (o *Orchestrator) runPipeline(ctx context.Context, integ *integration.MeasureIntegration, window datewindow.Window) (*dispatch.Result, error) {
	cfg, err := o.catalog.GetConfig(integ.ConfigKey)
	if err != nil {
		return nil, err
	}
	doc, err := o.templates.Resolve(cfg.TemplateKey)
	if err != nil {
		return nil, err
	}

	merged, err := template.Merge(doc, integ.ParameterValues, map[string]string{
		"fromDate": window.FromDate(),
		"toDate":   window.ToDate(),
	})
	if err != nil {
		return nil, err
	}
	prompt := template.Render(doc, merged)

	secret, err := o.credentials.Get(ctx, integ.ConnectionID)
	if err != nil {
		return nil, err
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait aborted")
		}
	}

	return o.executor.Execute(ctx, dispatch.Request{
		Prompt: prompt,
		Connection: dispatch.Connection{
			ID:        integ.ConnectionID,
			SystemKey: cfg.SystemKey,
			Secret:    secret,
		},
	}, doc.ResponseSchema)
}

// failBeforeExecution handles failures that occur before an execution
// record exists. These are configuration problems; the item is
// dead-lettered and the tenant notified.
func (o *Orchestrator) failBeforeExecution(item *WorkItem, integ *integration.MeasureIntegration, cause error) error {
	logger.Errorw("execution setup failed",
		"integration_id", integ.ID, "error", cause)
	o.notifyFailure(integ, "", tracking.ClassConfiguration)
	if err := o.bumpFailures(integ); err != nil {
		return err
	}
	return o.queue.DeadLetter(item.ID, cause)
}

// failExecution records a failed execution and routes the work item to
// retry or the dead letter queue depending on the failure class.
func (o *Orchestrator) failExecution(item *WorkItem, integ *integration.MeasureIntegration, execID string, cause error) error {
	class := tracking.ClassifyError(cause)
	if err := o.executions.Fail(execID, class, cause.Error()); err != nil {
		return err
	}
	executionsTotal.WithLabelValues(tracking.StatusForClass(class)).Inc()

	o.notifyFailure(integ, execID, class)
	if err := o.bumpFailures(integ); err != nil {
		return err
	}

	if !errors.Retryable(cause) {
		logger.Warnw("execution failed permanently",
			"integration_id", integ.ID, "execution_id", execID, "class", class, "error", cause)
		return o.queue.DeadLetter(item.ID, cause)
	}

	maxAttempts := o.maxAttempts
	if class == tracking.ClassSchemaViolation && schemaRetryBudget+1 < maxAttempts {
		maxAttempts = schemaRetryBudget + 1
	}

	requeued, err := o.queue.Retry(item.ID, cause, maxAttempts)
	if err != nil {
		return err
	}
	logger.Warnw("execution failed",
		"integration_id", integ.ID,
		"execution_id", execID,
		"class", class,
		"will_retry", requeued,
		"error", cause,
	)
	return nil
}

func (o *Orchestrator) bumpFailures(integ *integration.MeasureIntegration) error {
	count, err := o.integrations.IncrementConsecutiveFailures(integ.ID)
	if err != nil {
		return err
	}
	if count == o.escalationThreshold {
		o.publish(notify.Notification{
			Kind:          notify.KindConsecutiveFailures,
			TenantID:      integ.TenantID,
			IntegrationID: integ.ID,
			MeasureKey:    integ.MeasureKey,
			Message:       notify.Escalation(integ.MeasureKey, count),
		})
	}
	return nil
}

func (o *Orchestrator) notifyFailure(integ *integration.MeasureIntegration, execID, class string) {
	o.publish(notify.Notification{
		Kind:          notify.KindForClass(class),
		TenantID:      integ.TenantID,
		IntegrationID: integ.ID,
		MeasureKey:    integ.MeasureKey,
		ExecutionID:   execID,
		Message:       notify.MessageForClass(class, integ.MeasureKey),
	})
}

func (o *Orchestrator) publish(n notify.Notification) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(context.Background(), n); err != nil {
		logger.Errorw("failed to publish notification", "kind", n.Kind, "error", err)
		return
	}
	notificationsTotal.WithLabelValues(n.Kind).Inc()
}
