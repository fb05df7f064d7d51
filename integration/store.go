package integration

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/teranos/measurely/catalog"
	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
)

// Store persists measure integrations. Writes are validated against the
// measure catalog so stored parameter values can never shadow
// system-generated keys like the date range.
type Store struct {
	db      *sql.DB
	catalog *catalog.Catalog
}

// NewStore creates an integration store backed by the given catalog.
func NewStore(db *sql.DB, cat *catalog.Catalog) *Store {
	return &Store{db: db, catalog: cat}
}

// CreateParams carries the caller-supplied fields for a new integration.
type CreateParams struct {
	TenantID        string
	MeasureKey      string
	ConnectionID    string
	ConfigKey       string
	Frequency       datewindow.Frequency
	Timezone        string
	ParameterValues map[string]string
}

// Create validates and inserts a new active integration. The single
// active integration per measure is enforced by a partial unique index;
// a second active integration surfaces as a conflict error.
func (s *Store) Create(p CreateParams) (*MeasureIntegration, error) {
	if !p.Frequency.IsValid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid frequency %q", p.Frequency)
	}

	cfg, err := s.catalog.GetConfig(p.ConfigKey)
	if err != nil {
		return nil, err
	}
	if cfg.MeasureKey != p.MeasureKey {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"config %s does not serve measure %s", p.ConfigKey, p.MeasureKey)
	}
	if err := validateParameterValues(cfg, p.ParameterValues); err != nil {
		return nil, err
	}

	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", p.Timezone)
		}
	}

	params := p.ParameterValues
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode parameter values")
	}

	now := time.Now().UTC()
	m := &MeasureIntegration{
		ID:              uuid.New().String(),
		TenantID:        p.TenantID,
		MeasureKey:      p.MeasureKey,
		ConnectionID:    p.ConnectionID,
		ConfigKey:       p.ConfigKey,
		Frequency:       p.Frequency,
		Timezone:        p.Timezone,
		ParameterValues: params,
		State:           StateActive,
		NextRunAt:       datewindow.Next(p.Frequency, now).Format(time.RFC3339),
		CreatedAt:       now.Format(time.RFC3339),
		UpdatedAt:       now.Format(time.RFC3339),
	}

	_, err = s.db.Exec(`
		INSERT INTO measure_integrations (
			id, tenant_id, measure_key, connection_id, config_key,
			frequency, timezone, parameter_values, state,
			next_run_at, consecutive_failures, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.TenantID, m.MeasureKey, m.ConnectionID, m.ConfigKey,
		string(m.Frequency), m.Timezone, string(paramsJSON), m.State,
		m.NextRunAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict,
				"measure %s already has an active integration", p.MeasureKey)
		}
		return nil, errors.Wrap(err, "failed to create integration")
	}
	return m, nil
}

// validateParameterValues rejects values for keys the catalog marks as
// system generated. Date range keys are always computed by the engine
// from the nominal execution instant; a stored value would silently
// freeze the window.
func validateParameterValues(cfg catalog.SystemMeasureConfig, values map[string]string) error {
	systemKeys := map[string]bool{}
	for _, name := range cfg.SystemGeneratedNames() {
		systemKeys[name] = true
	}
	known := map[string]bool{}
	for _, p := range cfg.Parameters {
		known[p.Name] = true
	}

	for key := range values {
		if systemKeys[key] {
			return errors.Wrapf(errors.ErrInvalidRequest,
				"parameter %q is system generated and cannot be stored", key)
		}
		if !known[key] {
			return errors.Wrapf(errors.ErrInvalidRequest,
				"parameter %q is not declared for config %s", key, cfg.Key)
		}
	}
	return nil
}

// Get returns an integration by ID.
func (s *Store) Get(id string) (*MeasureIntegration, error) {
	row := s.db.QueryRow(selectIntegration+" WHERE id = ?", id)
	m, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("integration %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get integration %s", id)
	}
	return m, nil
}

// ListDue returns active integrations whose next run is at or before now,
// ordered oldest first.
func (s *Store) ListDue(now time.Time) ([]*MeasureIntegration, error) {
	rows, err := s.db.Query(
		selectIntegration+" WHERE state = ? AND next_run_at <= ? ORDER BY next_run_at",
		StateActive, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due integrations")
	}
	defer rows.Close()
	return scanIntegrations(rows)
}

// ListByTenant returns a tenant's integrations.
func (s *Store) ListByTenant(tenantID string) ([]*MeasureIntegration, error) {
	rows, err := s.db.Query(selectIntegration+" WHERE tenant_id = ? ORDER BY created_at", tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list integrations")
	}
	defer rows.Close()
	return scanIntegrations(rows)
}

// UpdateParameterValues replaces the stored user parameters after
// validating them against the catalog, and recomputes the next run so
// the changed configuration takes effect on a fresh schedule.
func (s *Store) UpdateParameterValues(id string, values map[string]string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	cfg, err := s.catalog.GetConfig(m.ConfigKey)
	if err != nil {
		return err
	}
	if err := validateParameterValues(cfg, values); err != nil {
		return err
	}
	if values == nil {
		values = map[string]string{}
	}
	paramsJSON, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "failed to encode parameter values")
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE measure_integrations SET parameter_values = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		string(paramsJSON), datewindow.Next(m.Frequency, now).Format(time.RFC3339),
		now.Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to update integration %s", id)
}

// UpdateSchedule changes the integration's frequency and timezone and
// recomputes the next run from the current instant.
func (s *Store) UpdateSchedule(id string, freq datewindow.Frequency, timezone string) error {
	if !freq.IsValid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid frequency %q", freq)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", timezone)
		}
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE measure_integrations
		SET frequency = ?, timezone = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		string(freq), timezone, datewindow.Next(freq, now).Format(time.RFC3339),
		now.Format(time.RFC3339), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule for integration %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("integration %s not found", id)
	}
	return nil
}

// Enable reactivates a disabled integration and schedules its next run
// from the current instant, never from the stale pre-disable schedule.
func (s *Store) Enable(id string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE measure_integrations
		SET state = ?, next_run_at = ?, consecutive_failures = 0, updated_at = ?
		WHERE id = ?`,
		StateActive, datewindow.Next(m.Frequency, now).Format(time.RFC3339),
		now.Format(time.RFC3339), id,
	)
	if err != nil && isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict,
			"measure %s already has an active integration", m.MeasureKey)
	}
	return errors.Wrapf(err, "failed to enable integration %s", id)
}

// Disable deactivates an integration. In-flight executions finish; no
// new ones are scheduled.
func (s *Store) Disable(id string) error {
	result, err := s.db.Exec(`
		UPDATE measure_integrations SET state = ?, updated_at = ? WHERE id = ?`,
		StateDisabled, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to disable integration %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("integration %s not found", id)
	}
	return nil
}

// AdvanceSchedule moves the integration's next run forward. Called by
// the ticker once the due run is enqueued, so retries of the enqueued
// run never disturb the schedule.
func (s *Store) AdvanceSchedule(id string, nextRun time.Time) error {
	_, err := s.db.Exec(`
		UPDATE measure_integrations SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRun.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to advance schedule for integration %s", id)
}

// RecordRun stamps the integration with its most recent execution.
func (s *Store) RecordRun(id string, lastRun time.Time, executionID string) error {
	_, err := s.db.Exec(`
		UPDATE measure_integrations
		SET last_run_at = ?, last_execution_id = ?, updated_at = ?
		WHERE id = ?`,
		lastRun.UTC().Format(time.RFC3339), executionID,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to record run for integration %s", id)
}

// ResetConsecutiveFailures zeroes the failure counter after a completed run.
func (s *Store) ResetConsecutiveFailures(id string) error {
	_, err := s.db.Exec(`
		UPDATE measure_integrations SET consecutive_failures = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to reset failure counter for integration %s", id)
}

// IncrementConsecutiveFailures bumps the failure counter and returns the
// new value so the caller can decide whether to escalate.
func (s *Store) IncrementConsecutiveFailures(id string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		UPDATE measure_integrations
		SET consecutive_failures = consecutive_failures + 1, updated_at = ?
		WHERE id = ?
		RETURNING consecutive_failures`,
		time.Now().UTC().Format(time.RFC3339), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("integration %s not found", id)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment failure counter for integration %s", id)
	}
	return count, nil
}

const selectIntegration = `
	SELECT id, tenant_id, measure_key, connection_id, config_key,
	       frequency, timezone, parameter_values, state,
	       next_run_at, last_run_at, last_execution_id,
	       consecutive_failures, created_at, updated_at
	FROM measure_integrations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(row rowScanner) (*MeasureIntegration, error) {
	m := &MeasureIntegration{}
	var freq, paramsJSON string
	var lastRunAt, lastExecutionID sql.NullString

	err := row.Scan(
		&m.ID, &m.TenantID, &m.MeasureKey, &m.ConnectionID, &m.ConfigKey,
		&freq, &m.Timezone, &paramsJSON, &m.State,
		&m.NextRunAt, &lastRunAt, &lastExecutionID,
		&m.ConsecutiveFailures, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Frequency = datewindow.Frequency(freq)
	if lastRunAt.Valid {
		m.LastRunAt = &lastRunAt.String
	}
	if lastExecutionID.Valid {
		m.LastExecutionID = &lastExecutionID.String
	}
	if err := json.Unmarshal([]byte(paramsJSON), &m.ParameterValues); err != nil {
		return nil, errors.Wrapf(err, "corrupt parameter values for integration %s", m.ID)
	}
	return m, nil
}

func scanIntegrations(rows *sql.Rows) ([]*MeasureIntegration, error) {
	var out []*MeasureIntegration
	for rows.Next() {
		m, err := scanIntegration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan integration")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
