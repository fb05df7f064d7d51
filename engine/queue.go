// Package engine drives the retrieval pipeline: a ticker that turns due
// integrations into queued work, a worker pool that leases work items,
// and the orchestrator that runs one execution end to end.
package engine

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/teranos/measurely/errors"
)

// Work item statuses.
const (
	ItemQueued = "queued"
	ItemLeased = "leased"
	ItemDone   = "done"
	ItemDead   = "dead"
)

// WorkItem is one queued delivery of a scheduled run. The unique
// (integration_id, nominal_at) pair deduplicates at-least-once trigger
// delivery before a worker ever sees the item.
type WorkItem struct {
	ID            string
	IntegrationID string
	NominalAt     string // RFC3339 timestamp
	Status        string
	Attempts      int
	LeaseExpires  *string
	LastError     *string
	CreatedAt     string
	UpdatedAt     string
}

// NominalTime parses the item's nominal instant.
func (w *WorkItem) NominalTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, w.NominalAt)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse nominal_at for work item %s", w.ID)
	}
	return t, nil
}

// Queue is the durable due-work queue consumed by the worker pool.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a work queue.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a work item for the integration's nominal instant.
// A duplicate enqueue is absorbed silently; enqueued reports whether a
// new item was created.
func (q *Queue) Enqueue(integrationID string, nominal time.Time) (enqueued bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.db.Exec(`
		INSERT INTO work_items (id, integration_id, nominal_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), integrationID, nominal.UTC().Format(time.RFC3339), now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to enqueue work for integration %s", integrationID)
	}
	return true, nil
}

// Lease claims the oldest available work item for the given duration and
// returns nil when the queue is empty. Items whose lease expired are
// reclaimed the same way as queued items, which is how work survives a
// crashed worker.
func (q *Queue) Lease(leaseFor time.Duration) (*WorkItem, error) {
	now := time.Now().UTC()
	item := &WorkItem{}
	var leaseExpires, lastError sql.NullString

	err := q.db.QueryRow(`
		UPDATE work_items
		SET status = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = ?
			   OR (status = ? AND lease_expires_at < ?)
			ORDER BY created_at
			LIMIT 1
		)
		RETURNING id, integration_id, nominal_at, status, attempts,
		          lease_expires_at, last_error, created_at, updated_at`,
		ItemLeased, now.Add(leaseFor).Format(time.RFC3339), now.Format(time.RFC3339),
		ItemQueued, ItemLeased, now.Format(time.RFC3339),
	).Scan(
		&item.ID, &item.IntegrationID, &item.NominalAt, &item.Status, &item.Attempts,
		&leaseExpires, &lastError, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease work item")
	}

	if leaseExpires.Valid {
		item.LeaseExpires = &leaseExpires.String
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	return item, nil
}

// Complete marks a leased item done.
func (q *Queue) Complete(id string) error {
	_, err := q.db.Exec(`
		UPDATE work_items SET status = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		ItemDone, time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to complete work item %s", id)
}

// Retry returns a failed item to the queue with the attempt counted, or
// dead-letters it once attempts reach maxAttempts. Reports whether the
// item will be retried.
func (q *Queue) Retry(id string, itemErr error, maxAttempts int) (requeued bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var status string
	err = q.db.QueryRow(`
		UPDATE work_items
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
		    lease_expires_at = NULL,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
		RETURNING status`,
		maxAttempts, ItemDead, ItemQueued, itemErr.Error(), now, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, errors.NewNotFoundError("work item %s not found", id)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to retry work item %s", id)
	}
	return status == ItemQueued, nil
}

// DeadLetter parks an item immediately, bypassing remaining attempts.
// Used for failures no retry can fix, like bad configuration.
func (q *Queue) DeadLetter(id string, itemErr error) error {
	_, err := q.db.Exec(`
		UPDATE work_items
		SET status = ?, attempts = attempts + 1, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		ItemDead, itemErr.Error(), time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to dead-letter work item %s", id)
}

// Release returns a leased item to the queue without counting an
// attempt. Used when a worker cannot run it yet, such as when another
// run for the same integration is in flight.
func (q *Queue) Release(id string) error {
	_, err := q.db.Exec(`
		UPDATE work_items SET status = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		ItemQueued, time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to release work item %s", id)
}

// Drop removes a leased item without recording an attempt. Used when
// the work no longer applies, such as an integration disabled after
// enqueue.
func (q *Queue) Drop(id string) error {
	_, err := q.db.Exec("DELETE FROM work_items WHERE id = ?", id)
	return errors.Wrapf(err, "failed to drop work item %s", id)
}

// Stats summarizes the queue by status.
type Stats struct {
	Queued int `json:"queued"`
	Leased int `json:"leased"`
	Done   int `json:"done"`
	Dead   int `json:"dead"`
}

// GetStats counts items per status.
func (q *Queue) GetStats() (*Stats, error) {
	rows, err := q.db.Query("SELECT status, COUNT(*) FROM work_items GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue stats")
		}
		switch status {
		case ItemQueued:
			stats.Queued = count
		case ItemLeased:
			stats.Leased = count
		case ItemDone:
			stats.Done = count
		case ItemDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// Cleanup deletes done items older than the retention cutoff. Dead
// items are kept for operator inspection.
func (q *Queue) Cleanup(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := q.db.Exec(
		"DELETE FROM work_items WHERE status = ? AND updated_at < ?",
		ItemDone, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up work items")
	}
	return result.RowsAffected()
}
