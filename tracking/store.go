package tracking

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
)

// Store handles persistence of execution records.
type Store struct {
	db *sql.DB
}

// NewStore creates an execution record store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin opens an execution attempt for the given integration and nominal
// instant. It is the idempotency gate for at-least-once delivery:
//
//   - no record yet: a running record is inserted with attempt 1
//   - newest record is completed or running: nothing changes and
//     started=false, so the caller skips the duplicate delivery
//   - newest record is failed or timed out: a fresh record is inserted
//     with the attempt counter advanced, leaving the terminal record
//     untouched as history
//
// The partial unique index on open and completed records makes the
// insert race-safe: two workers racing on the same nominal tick can
// only produce one running row.
func (s *Store) Begin(integrationID string, nominal time.Time, window datewindow.Window) (*ExecutionRecord, bool, error) {
	nominalStr := nominal.UTC().Format(time.RFC3339)

	newest, err := s.newestByNominal(integrationID, nominalStr)
	if err != nil {
		return nil, false, err
	}

	attempt := 1
	if newest != nil {
		switch newest.Status {
		case StatusCompleted, StatusRunning:
			return newest, false, nil
		}
		attempt = newest.Attempt + 1
	}

	now := time.Now().UTC().Format(time.RFC3339)
	exec := &ExecutionRecord{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		NominalAt:     nominalStr,
		Status:        StatusRunning,
		Attempt:       attempt,
		WindowFrom:    window.FromDate(),
		WindowTo:      window.ToDate(),
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.Exec(`
		INSERT INTO execution_records (
			id, integration_id, nominal_at, status, attempt,
			window_from, window_to, started_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.IntegrationID, exec.NominalAt, exec.Status, exec.Attempt,
		exec.WindowFrom, exec.WindowTo, exec.StartedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race with another worker; treat as duplicate delivery
			dup, derr := s.newestByNominal(integrationID, nominalStr)
			if derr != nil {
				return nil, false, derr
			}
			return dup, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to create execution")
	}
	return exec, true, nil
}

// newestByNominal returns the highest-attempt record for a nominal
// instant, or nil when none exists.
func (s *Store) newestByNominal(integrationID, nominalStr string) (*ExecutionRecord, error) {
	exec, err := scanExecution(s.db.QueryRow(
		selectExecution+" WHERE integration_id = ? AND nominal_at = ? ORDER BY attempt DESC LIMIT 1",
		integrationID, nominalStr,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load existing execution")
	}
	return exec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Outcome carries the payload of a completed execution.
type Outcome struct {
	Value        float64
	RawPayload   string
	TokensUsed   int
	CostEstimate float64
	ToolsInvoked []string
}

// execer is satisfied by *sql.DB and *sql.Tx, so terminal transitions
// can run standalone or inside a caller-owned transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Complete transitions a running execution to completed. The status
// guard keeps terminal records immutable under concurrent writers.
func (s *Store) Complete(id string, outcome Outcome) error {
	return completeOn(s.db, id, outcome)
}

// CompleteTx is Complete inside a caller-owned transaction, so the
// terminal transition can commit atomically with the reading it
// produced.
func (s *Store) CompleteTx(tx *sql.Tx, id string, outcome Outcome) error {
	return completeOn(tx, id, outcome)
}

func completeOn(e execer, id string, outcome Outcome) error {
	tools, err := json.Marshal(outcome.ToolsInvoked)
	if err != nil {
		return errors.Wrap(err, "failed to encode invoked tools")
	}
	return finish(id, StatusCompleted, func(now string) (sql.Result, error) {
		return e.Exec(`
			UPDATE execution_records
			SET status = ?, completed_at = ?, updated_at = ?,
			    duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
			    value = ?, raw_payload = ?, tokens_used = ?, cost_estimate = ?, tools_invoked = ?
			WHERE id = ? AND status = ?`,
			StatusCompleted, now, now, now,
			outcome.Value, outcome.RawPayload, outcome.TokensUsed, outcome.CostEstimate, string(tools),
			id, StatusRunning,
		)
	})
}

// Fail transitions a running execution to its terminal failure status.
// The status is derived from the error class, so timeouts land in
// timed_out and everything else in failed.
func (s *Store) Fail(id, errorClass, errorMessage string) error {
	status := StatusForClass(errorClass)
	return finish(id, status, func(now string) (sql.Result, error) {
		return s.db.Exec(`
			UPDATE execution_records
			SET status = ?, completed_at = ?, updated_at = ?,
			    duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
			    error_class = ?, error_message = ?
			WHERE id = ? AND status = ?`,
			status, now, now, now,
			errorClass, errorMessage,
			id, StatusRunning,
		)
	})
}

func finish(id, status string, exec func(now string) (sql.Result, error)) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := exec(now)
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s %s", id, status)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s is not running", id)
	}
	return nil
}

// Get returns an execution by ID.
func (s *Store) Get(id string) (*ExecutionRecord, error) {
	exec, err := scanExecution(s.db.QueryRow(selectExecution+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// GetByNominal returns the newest attempt for an integration's nominal
// instant.
func (s *Store) GetByNominal(integrationID string, nominal time.Time) (*ExecutionRecord, error) {
	exec, err := s.newestByNominal(integrationID, nominal.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.NewNotFoundError("no execution for integration %s at %s",
			integrationID, nominal.UTC().Format(time.RFC3339))
	}
	return exec, nil
}

// ListByIntegration returns an integration's execution history, newest
// first.
func (s *Store) ListByIntegration(integrationID string, limit int) ([]*ExecutionRecord, error) {
	return s.ListByIntegrationFiltered(integrationID, "", limit, 0)
}

// ListByIntegrationFiltered pages through an integration's history,
// optionally narrowed to one status.
func (s *Store) ListByIntegrationFiltered(integrationID, status string, limit, offset int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectExecution + " WHERE integration_id = ?"
	args := []interface{}{integrationID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY nominal_at DESC, attempt DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ListRecentCompletions returns completed executions since the given time.
func (s *Store) ListRecentCompletions(since time.Time, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		selectExecution+" WHERE status = ? AND completed_at >= ? ORDER BY completed_at DESC LIMIT ?",
		StatusCompleted, since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent completions")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// RecoverOrphans fails running executions whose worker stopped reporting.
// Returns the IDs of recovered records so the engine can requeue them.
func (s *Store) RecoverOrphans(staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := s.db.Query(`
		UPDATE execution_records
		SET status = ?, completed_at = ?, updated_at = ?, error_class = ?, error_message = ?
		WHERE status = ? AND started_at < ?
		RETURNING id`,
		StatusFailed, now, now, ClassOrphaned, "worker stopped reporting before completion",
		StatusRunning, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover orphaned executions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan recovered execution")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CleanupOldExecutions deletes terminal records older than the retention
// period. Running records are never deleted.
func (s *Store) CleanupOldExecutions(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`
		DELETE FROM execution_records
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		StatusCompleted, StatusFailed, StatusTimedOut, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old executions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

const selectExecution = `
	SELECT id, integration_id, nominal_at, status, attempt,
	       window_from, window_to, started_at, completed_at, duration_ms,
	       value, raw_payload, tokens_used, cost_estimate, tools_invoked,
	       error_class, error_message, created_at, updated_at
	FROM execution_records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	exec := &ExecutionRecord{}
	var completedAt, rawPayload, toolsInvoked, errorClass, errorMessage sql.NullString
	var durationMs sql.NullInt64
	var value sql.NullFloat64

	err := row.Scan(
		&exec.ID, &exec.IntegrationID, &exec.NominalAt, &exec.Status, &exec.Attempt,
		&exec.WindowFrom, &exec.WindowTo, &exec.StartedAt, &completedAt, &durationMs,
		&value, &rawPayload, &exec.TokensUsed, &exec.CostEstimate, &toolsInvoked,
		&errorClass, &errorMessage, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	if value.Valid {
		exec.Value = &value.Float64
	}
	if rawPayload.Valid {
		exec.RawPayload = &rawPayload.String
	}
	if toolsInvoked.Valid {
		exec.ToolsInvoked = &toolsInvoked.String
	}
	if errorClass.Valid {
		exec.ErrorClass = &errorClass.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	return exec, nil
}

func scanExecutions(rows *sql.Rows) ([]*ExecutionRecord, error) {
	var out []*ExecutionRecord
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
