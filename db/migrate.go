package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/teranos/measurely/errors"
	"github.com/teranos/measurely/logger"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

// Migrate brings the schema up to date. Each pending migration runs in
// its own transaction together with the row that records it, so a failed
// migration leaves no partial state behind.
func Migrate(db *sql.DB) error {
	files, err := fs.Glob(migrationFS, "sqlite/migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(files)

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	var ran int
	for _, file := range files {
		version := migrationVersion(file)
		if applied[version] {
			continue
		}
		if err := applyMigration(db, file, version); err != nil {
			return err
		}
		ran++
	}

	if ran > 0 {
		logger.Infow("Database schema migrated", "applied", ran, "total", len(files))
	}
	return nil
}

// appliedVersions reads the set of recorded migration versions. Before
// the first migration the tracking table does not exist yet and the set
// is empty.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&tables)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect schema")
	}

	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, file, version string) error {
	ddl, err := migrationFS.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "failed to read migration %s", file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction for migration %s", version)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(ddl)); err != nil {
		return errors.Wrapf(err, "failed to apply migration %s", version)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return errors.Wrapf(err, "failed to record migration %s", version)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit migration %s", version)
	}

	logger.Debugw("Applied migration", "version", version, "file", path.Base(file))
	return nil
}

// migrationVersion extracts the numeric prefix of a migration filename,
// e.g. "003" from "003_execution_records.sql".
func migrationVersion(file string) string {
	return strings.SplitN(path.Base(file), "_", 2)[0]
}
