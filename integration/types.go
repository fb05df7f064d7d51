// Package integration manages external system connections and the
// measure integrations scheduled against them.
package integration

import (
	"time"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
)

// Connection states
const (
	ConnectionActive   = "active"
	ConnectionDisabled = "disabled"
)

// Integration states
const (
	StateActive   = "active"
	StateDisabled = "disabled"
)

// Connection is a tenant's configured link to an external system.
// Credentials are stored separately, encrypted at rest.
type Connection struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SystemKey string `json:"system_key"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"` // RFC3339 timestamp
	UpdatedAt string `json:"updated_at"` // RFC3339 timestamp
}

// MeasureIntegration binds a measure to a connection with a frequency
// and stored parameter values. At most one active integration may exist
// per measure key.
type MeasureIntegration struct {
	ID                  string               `json:"id"`
	TenantID            string               `json:"tenant_id"`
	MeasureKey          string               `json:"measure_key"`
	ConnectionID        string               `json:"connection_id"`
	ConfigKey           string               `json:"config_key"`
	Frequency           datewindow.Frequency `json:"frequency"`
	Timezone            string               `json:"timezone"`
	ParameterValues     map[string]string    `json:"parameter_values"`
	State               string               `json:"state"`
	NextRunAt           string               `json:"next_run_at"`                 // RFC3339 timestamp
	LastRunAt           *string              `json:"last_run_at,omitempty"`       // RFC3339 timestamp
	LastExecutionID     *string              `json:"last_execution_id,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	CreatedAt           string               `json:"created_at"` // RFC3339 timestamp
	UpdatedAt           string               `json:"updated_at"` // RFC3339 timestamp
}

// Location resolves the integration's IANA timezone. An empty timezone
// means UTC.
func (m *MeasureIntegration) Location() (*time.Location, error) {
	if m.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", m.Timezone)
	}
	return loc, nil
}

// NextRunTime parses the stored next_run_at timestamp.
func (m *MeasureIntegration) NextRunTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, m.NextRunAt)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse next_run_at for integration %s", m.ID)
	}
	return t, nil
}
