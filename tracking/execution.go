// Package tracking persists execution records, the durable history of
// every retrieval attempt. Records are keyed by integration and nominal
// instant so redeliveries of the same scheduled run converge on one row.
package tracking

import (
	"context"
	"time"

	"github.com/teranos/measurely/errors"
)

// Execution statuses. Terminal statuses are never left once entered;
// a redelivery of a failed or timed out run reopens the record as
// running with an incremented attempt counter.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Error classes recorded on failed executions.
const (
	ClassConfiguration   = "configuration"
	ClassCredential      = "credential"
	ClassAuthentication  = "authentication"
	ClassRateLimited     = "rate_limited"
	ClassSchemaViolation = "schema_violation"
	ClassTimeout         = "timeout"
	ClassExecution       = "execution"
	ClassOrphaned        = "orphaned"
)

// ExecutionRecord is one scheduled retrieval attempt for an integration.
type ExecutionRecord struct {
	ID            string   `json:"id"`
	IntegrationID string   `json:"integration_id"`
	NominalAt     string   `json:"nominal_at"` // RFC3339 timestamp identifying the scheduled instant
	Status        string   `json:"status"`
	Attempt       int      `json:"attempt"`
	WindowFrom    string   `json:"window_from"` // YYYY-MM-DD
	WindowTo      string   `json:"window_to"`   // YYYY-MM-DD
	StartedAt     string   `json:"started_at"`  // RFC3339 timestamp
	CompletedAt   *string  `json:"completed_at,omitempty"`
	DurationMs    *int64   `json:"duration_ms,omitempty"`
	Value         *float64 `json:"value,omitempty"`
	RawPayload    *string  `json:"raw_payload,omitempty"`
	TokensUsed    int      `json:"tokens_used"`
	CostEstimate  float64  `json:"cost_estimate"`
	ToolsInvoked  *string  `json:"tools_invoked,omitempty"` // JSON array of tool names
	ErrorClass    *string  `json:"error_class,omitempty"`
	ErrorMessage  *string  `json:"error_message,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Terminal reports whether the record has reached a final status.
func (e *ExecutionRecord) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed || e.Status == StatusTimedOut
}

// NominalTime parses the record's nominal instant.
func (e *ExecutionRecord) NominalTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, e.NominalAt)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse nominal_at for execution %s", e.ID)
	}
	return t, nil
}

// ClassifyError maps a pipeline error to its recorded class. Context
// cancellation and deadline expiry count as timeouts regardless of how
// deep in the call stack they surfaced.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, errors.ErrMissingRequiredParameter),
		errors.Is(err, errors.ErrTemplateNotFound),
		errors.Is(err, errors.ErrTemplateMalformed),
		errors.Is(err, errors.ErrInvalidRequest),
		errors.Is(err, errors.ErrNotFound):
		return ClassConfiguration
	case errors.Is(err, errors.ErrCredentialInvalid):
		return ClassCredential
	case errors.Is(err, errors.ErrAuthenticationFailed):
		return ClassAuthentication
	case errors.Is(err, errors.ErrExternalRateLimited):
		return ClassRateLimited
	case errors.Is(err, errors.ErrResponseSchemaViolation):
		return ClassSchemaViolation
	default:
		return ClassExecution
	}
}

// StatusForClass returns the terminal status a failure class lands in.
func StatusForClass(class string) string {
	if class == ClassTimeout {
		return StatusTimedOut
	}
	return StatusFailed
}
