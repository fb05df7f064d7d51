// Package notify turns execution failures into tenant-facing
// notifications. Messages are written for operators of the affected
// integration and never include raw payloads or credential material.
package notify

import (
	"context"
	"fmt"

	"github.com/teranos/measurely/logger"
	"github.com/teranos/measurely/tracking"
)

// Notification kinds.
const (
	KindConnectionFailed    = "connection_failed"
	KindAuthenticationError = "authentication_failed"
	KindRateLimitExceeded   = "rate_limit_exceeded"
	KindDataExtractionError = "data_extraction_failed"
	KindTimeout             = "timeout"
	KindConsecutiveFailures = "consecutive_failures"
)

// Notification is a single alert about an integration.
type Notification struct {
	Kind          string `json:"kind"`
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id"`
	MeasureKey    string `json:"measure_key"`
	ExecutionID   string `json:"execution_id,omitempty"`
	Message       string `json:"message"`
}

// Publisher delivers notifications to tenants. Implementations must be
// safe for concurrent use by multiple workers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// KindForClass maps a recorded error class to the notification kind
// shown to the tenant.
func KindForClass(class string) string {
	switch class {
	case tracking.ClassAuthentication, tracking.ClassCredential:
		return KindAuthenticationError
	case tracking.ClassRateLimited:
		return KindRateLimitExceeded
	case tracking.ClassSchemaViolation:
		return KindDataExtractionError
	case tracking.ClassTimeout:
		return KindTimeout
	default:
		return KindConnectionFailed
	}
}

// MessageForClass renders the operator-facing message for a failure.
// Error details from the backend are summarized, never quoted, so
// nothing sensitive leaks into the notification channel.
func MessageForClass(class, measureKey string) string {
	switch class {
	case tracking.ClassAuthentication, tracking.ClassCredential:
		return fmt.Sprintf("Authentication with the external system failed while retrieving %s. Check the connection credentials.", measureKey)
	case tracking.ClassRateLimited:
		return fmt.Sprintf("The external system rate limited retrieval of %s. The run will be retried.", measureKey)
	case tracking.ClassSchemaViolation:
		return fmt.Sprintf("The retrieval backend returned data for %s that did not match the expected shape.", measureKey)
	case tracking.ClassTimeout:
		return fmt.Sprintf("Retrieval of %s did not finish within the allowed time.", measureKey)
	case tracking.ClassConfiguration:
		return fmt.Sprintf("The integration for %s is misconfigured and cannot run. Review its parameters.", measureKey)
	default:
		return fmt.Sprintf("Retrieval of %s failed.", measureKey)
	}
}

// Escalation renders the repeated-failure alert raised when an
// integration crosses the consecutive failure threshold.
func Escalation(measureKey string, count int) string {
	return fmt.Sprintf("The integration for %s has failed %d times in a row and may need attention.", measureKey, count)
}

// LogPublisher writes notifications to the structured log. It stands in
// for a real delivery channel in single-node deployments and tests.
type LogPublisher struct{}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Publish logs the notification.
func (p *LogPublisher) Publish(ctx context.Context, n Notification) error {
	logger.Warnw("integration notification",
		"kind", n.Kind,
		"tenant_id", n.TenantID,
		"integration_id", n.IntegrationID,
		"measure_key", n.MeasureKey,
		"execution_id", n.ExecutionID,
		"message", n.Message,
	)
	return nil
}
