package template

import (
	"database/sql"
	"time"

	"github.com/teranos/measurely/errors"
)

// Store persists versioned template documents. Documents are append-only;
// the pointer row marks the active version per key.
type Store struct {
	db *sql.DB
}

// NewStore creates a template store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Publish writes a new version of a template and makes it active.
// The content is validated before anything is written.
func (s *Store) Publish(key, content string) (*Document, error) {
	var nextVersion int
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(version), 0) + 1 FROM template_documents WHERE key = ?", key,
	).Scan(&nextVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "determine next version for template %s", key)
	}

	doc, err := ParseDocument(key, nextVersion, content)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin publish tx")
	}

	if _, err := tx.Exec(
		"INSERT INTO template_documents (key, version, content, created_at) VALUES (?, ?, ?, ?)",
		key, nextVersion, content, now,
	); err != nil {
		tx.Rollback()
		return nil, errors.Wrapf(err, "insert template %s v%d", key, nextVersion)
	}

	if _, err := tx.Exec(`
		INSERT INTO template_pointers (key, active_version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET active_version = excluded.active_version, updated_at = excluded.updated_at`,
		key, nextVersion, now,
	); err != nil {
		tx.Rollback()
		return nil, errors.Wrapf(err, "update active pointer for template %s", key)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "commit publish for template %s", key)
	}

	return doc, nil
}

// Resolve loads the active version of a template.
func (s *Store) Resolve(key string) (*Document, error) {
	var version int
	err := s.db.QueryRow(
		"SELECT active_version FROM template_pointers WHERE key = ?", key,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTemplateNotFound, "template %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve active version for template %s", key)
	}

	return s.ResolveVersion(key, version)
}

// ResolveVersion loads a specific version of a template.
func (s *Store) ResolveVersion(key string, version int) (*Document, error) {
	var content string
	err := s.db.QueryRow(
		"SELECT content FROM template_documents WHERE key = ? AND version = ?", key, version,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTemplateNotFound, "template %s v%d", key, version)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load template %s v%d", key, version)
	}

	return ParseDocument(key, version, content)
}

// Versions lists the stored versions of a template, oldest first.
func (s *Store) Versions(key string) ([]int, error) {
	rows, err := s.db.Query(
		"SELECT version FROM template_documents WHERE key = ? ORDER BY version ASC", key,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list versions for template %s", key)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
