package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()

	// All engine tables should exist after migrations
	for _, table := range []string{
		"schema_migrations",
		"connections",
		"connection_credentials",
		"measure_integrations",
		"execution_records",
		"readings",
		"template_documents",
		"template_pointers",
		"work_items",
	} {
		var exists int
		err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
		require.NoError(t, err)
		assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "running migrations multiple times should be safe")
}

func TestOneActiveIntegrationPerMeasure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO connections (id, tenant_id, system_key, name, created_at, updated_at)
		VALUES ('cn_1', 't1', 'acme_erp', 'ERP', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)

	insert := `INSERT INTO measure_integrations
		(id, tenant_id, measure_key, connection_id, config_key, frequency, created_at, updated_at)
		VALUES (?, 't1', 'revenue', 'cn_1', 'acme_erp.revenue', 'monthly', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`

	_, err = db.Exec(insert, "mi_1")
	require.NoError(t, err)

	// Second active integration for the same measure violates the partial index
	_, err = db.Exec(insert, "mi_2")
	assert.Error(t, err)

	// A disabled integration for the same measure is fine
	_, err = db.Exec(`INSERT INTO measure_integrations
		(id, tenant_id, measure_key, connection_id, config_key, frequency, state, created_at, updated_at)
		VALUES ('mi_3', 't1', 'revenue', 'cn_1', 'acme_erp.revenue', 'monthly', 'disabled', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	assert.NoError(t, err)
}
