package integration

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/measurely/errors"
)

// ConnectionStore persists external system connections.
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore creates a connection store.
func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Create inserts a new connection and returns it with generated fields set.
func (s *ConnectionStore) Create(tenantID, systemKey, name string) (*Connection, error) {
	if tenantID == "" || systemKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "tenant and system key are required")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	conn := &Connection{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		SystemKey: systemKey,
		Name:      name,
		Status:    ConnectionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO connections (id, tenant_id, system_key, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.TenantID, conn.SystemKey, conn.Name, conn.Status, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection")
	}
	return conn, nil
}

// Get returns a connection by ID.
func (s *ConnectionStore) Get(id string) (*Connection, error) {
	conn := &Connection{}
	err := s.db.QueryRow(`
		SELECT id, tenant_id, system_key, name, status, created_at, updated_at
		FROM connections WHERE id = ?`, id,
	).Scan(&conn.ID, &conn.TenantID, &conn.SystemKey, &conn.Name, &conn.Status, &conn.CreatedAt, &conn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("connection %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get connection %s", id)
	}
	return conn, nil
}

// SetStatus transitions a connection between active and disabled.
func (s *ConnectionStore) SetStatus(id, status string) error {
	if status != ConnectionActive && status != ConnectionDisabled {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid connection status %q", status)
	}
	result, err := s.db.Exec(`
		UPDATE connections SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update connection %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("connection %s not found", id)
	}
	return nil
}

// ListByTenant returns all connections owned by a tenant.
func (s *ConnectionStore) ListByTenant(tenantID string) ([]*Connection, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, system_key, name, status, created_at, updated_at
		FROM connections WHERE tenant_id = ? ORDER BY created_at`, tenantID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn := &Connection{}
		if err := rows.Scan(&conn.ID, &conn.TenantID, &conn.SystemKey, &conn.Name, &conn.Status, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan connection")
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}
