package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
	mtest "github.com/teranos/measurely/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := mtest.CreateTestDB(t)

	_, err := db.Exec(`INSERT INTO connections (id, tenant_id, system_key, name, created_at, updated_at)
		VALUES ('cn_1', 't1', 'acme_erp', 'ERP', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO measure_integrations (
			id, tenant_id, measure_key, connection_id, config_key, frequency,
			next_run_at, created_at, updated_at
		) VALUES ('int_1', 't1', 'revenue', 'cn_1', 'acme_erp.revenue', 'monthly',
			'2025-12-01T02:00:00Z', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO execution_records (
			id, integration_id, nominal_at, status, window_from, window_to,
			started_at, created_at, updated_at
		) VALUES ('exec_1', 'int_1', '2025-12-01T02:00:00Z', 'completed', '2025-11-01', '2025-11-30',
			'2025-12-01T02:00:00Z', '2025-12-01T02:00:00Z', '2025-12-01T02:00:00Z')`)
	require.NoError(t, err)

	return NewStore(db)
}

func novemberWindow(t *testing.T) datewindow.Window {
	t.Helper()
	w, err := datewindow.Calculate(datewindow.Monthly, time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	return w
}

func TestRecordFromExecution(t *testing.T) {
	store := newTestStore(t)

	r, err := store.RecordFromExecution("revenue", "int_1", "exec_1", 1234.56, novemberWindow(t))
	require.NoError(t, err)

	assert.Equal(t, ProvenanceIntegration, r.Provenance)
	assert.Equal(t, "2025-11-01", r.PeriodFrom)
	assert.Equal(t, "2025-11-30", r.PeriodTo)
	require.NotNil(t, r.IntegrationID)
	assert.Equal(t, "int_1", *r.IntegrationID)
	require.NotNil(t, r.ExecutionID)
	assert.Equal(t, "exec_1", *r.ExecutionID)
}

func TestManualOverrideSupersedesWithoutMutation(t *testing.T) {
	store := newTestStore(t)

	original, err := store.RecordFromExecution("revenue", "int_1", "exec_1", 1000, novemberWindow(t))
	require.NoError(t, err)

	override, err := store.RecordManual("revenue", 1050, "2025-11-01", "2025-11-30")
	require.NoError(t, err)
	assert.Equal(t, ProvenanceManual, override.Provenance)
	assert.Nil(t, override.IntegrationID)
	assert.Nil(t, override.ExecutionID)

	// Latest resolves to the override
	latest, err := store.Latest("revenue", "2025-11-01", "2025-11-30")
	require.NoError(t, err)
	assert.Equal(t, override.ID, latest.ID)
	assert.Equal(t, 1050.0, latest.Value)

	// The original row survives untouched
	all, err := store.ListByMeasure("revenue", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, r := range all {
		if r.ID == original.ID {
			assert.Equal(t, 1000.0, r.Value)
			assert.Equal(t, ProvenanceIntegration, r.Provenance)
		}
	}
}

func TestManualRequiresPeriod(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordManual("revenue", 1, "", "2025-11-30")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestLatestNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Latest("revenue", "2025-10-01", "2025-10-31")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}
