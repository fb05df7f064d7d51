// Package reading is the result sink: the append-only log of accepted
// measure values. Rows are inserted, never updated; a correction is a
// new row with manual provenance, and consumers pick the latest row per
// period.
package reading

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
)

// Provenance values.
const (
	ProvenanceIntegration = "integration"
	ProvenanceManual      = "manual"
)

// Reading is one accepted value for a measure over a reporting period.
type Reading struct {
	ID            string  `json:"id"`
	MeasureKey    string  `json:"measure_key"`
	IntegrationID *string `json:"integration_id,omitempty"`
	ExecutionID   *string `json:"execution_id,omitempty"`
	Value         float64 `json:"value"`
	PeriodFrom    string  `json:"period_from"` // YYYY-MM-DD
	PeriodTo      string  `json:"period_to"`   // YYYY-MM-DD
	Provenance    string  `json:"provenance"`
	RecordedAt    string  `json:"recorded_at"` // RFC3339 timestamp
	CreatedAt     string  `json:"created_at"`
}

// Store persists readings.
type Store struct {
	db *sql.DB
}

// NewStore creates a reading store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordFromExecution appends a reading produced by a completed
// integration run, carrying full provenance back to the execution.
func (s *Store) RecordFromExecution(measureKey, integrationID, executionID string, value float64, window datewindow.Window) (*Reading, error) {
	return insertOn(s.db, executionReading(measureKey, integrationID, executionID, value, window))
}

// RecordFromExecutionTx is RecordFromExecution inside a caller-owned
// transaction, so the reading commits atomically with the execution's
// terminal transition.
func (s *Store) RecordFromExecutionTx(tx *sql.Tx, measureKey, integrationID, executionID string, value float64, window datewindow.Window) (*Reading, error) {
	return insertOn(tx, executionReading(measureKey, integrationID, executionID, value, window))
}

func executionReading(measureKey, integrationID, executionID string, value float64, window datewindow.Window) *Reading {
	return &Reading{
		ID:            uuid.New().String(),
		MeasureKey:    measureKey,
		IntegrationID: &integrationID,
		ExecutionID:   &executionID,
		Value:         value,
		PeriodFrom:    window.FromDate(),
		PeriodTo:      window.ToDate(),
		Provenance:    ProvenanceIntegration,
	}
}

// RecordManual appends a manually entered value for a period. Earlier
// rows for the same period are left untouched; this row supersedes them
// by recency.
func (s *Store) RecordManual(measureKey string, value float64, periodFrom, periodTo string) (*Reading, error) {
	if measureKey == "" || periodFrom == "" || periodTo == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "measure key and period are required")
	}
	r := &Reading{
		ID:         uuid.New().String(),
		MeasureKey: measureKey,
		Value:      value,
		PeriodFrom: periodFrom,
		PeriodTo:   periodTo,
		Provenance: ProvenanceManual,
	}
	return insertOn(s.db, r)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertOn(e execer, r *Reading) (*Reading, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	r.RecordedAt = now
	r.CreatedAt = now

	var integrationID, executionID interface{}
	if r.IntegrationID != nil {
		integrationID = *r.IntegrationID
	}
	if r.ExecutionID != nil {
		executionID = *r.ExecutionID
	}

	_, err := e.Exec(`
		INSERT INTO readings (
			id, measure_key, integration_id, execution_id, value,
			period_from, period_to, provenance, recorded_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MeasureKey, integrationID, executionID, r.Value,
		r.PeriodFrom, r.PeriodTo, r.Provenance, r.RecordedAt, r.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record reading for measure %s", r.MeasureKey)
	}
	return r, nil
}

// Latest returns the most recent reading for a measure and period, with
// manual rows superseding integration rows recorded at the same instant.
func (s *Store) Latest(measureKey, periodFrom, periodTo string) (*Reading, error) {
	r, err := scanReading(s.db.QueryRow(
		selectReading+`
		WHERE measure_key = ? AND period_from = ? AND period_to = ?
		ORDER BY recorded_at DESC, provenance DESC, created_at DESC
		LIMIT 1`,
		measureKey, periodFrom, periodTo,
	))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no reading for measure %s over %s..%s",
			measureKey, periodFrom, periodTo)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest reading")
	}
	return r, nil
}

// ListByMeasure returns a measure's readings ordered by period, newest
// first, including superseded rows.
func (s *Store) ListByMeasure(measureKey string, limit int) ([]*Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		selectReading+" WHERE measure_key = ? ORDER BY period_from DESC, recorded_at DESC LIMIT ?",
		measureKey, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list readings")
	}
	defer rows.Close()

	var out []*Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan reading")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectReading = `
	SELECT id, measure_key, integration_id, execution_id, value,
	       period_from, period_to, provenance, recorded_at, created_at
	FROM readings`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (*Reading, error) {
	r := &Reading{}
	var integrationID, executionID sql.NullString
	err := row.Scan(
		&r.ID, &r.MeasureKey, &integrationID, &executionID, &r.Value,
		&r.PeriodFrom, &r.PeriodTo, &r.Provenance, &r.RecordedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if integrationID.Valid {
		r.IntegrationID = &integrationID.String
	}
	if executionID.Valid {
		r.ExecutionID = &executionID.String
	}
	return r, nil
}
