package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
	mtest "github.com/teranos/measurely/internal/testing"
)

var testNominal = time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)

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

	return NewStore(db)
}

func testWindow(t *testing.T) datewindow.Window {
	t.Helper()
	w, err := datewindow.Calculate(datewindow.Monthly, testNominal, time.UTC)
	require.NoError(t, err)
	return w
}

func TestBeginCreatesRunningExecution(t *testing.T) {
	store := newTestStore(t)

	exec, started, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, 1, exec.Attempt)
	assert.Equal(t, "2025-11-01", exec.WindowFrom)
	assert.Equal(t, "2025-11-30", exec.WindowTo)
}

func TestBeginIsIdempotentPerNominalInstant(t *testing.T) {
	store := newTestStore(t)

	first, started, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.True(t, started)

	// Duplicate delivery while the first is still running
	dup, started, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, first.ID, dup.ID)

	// Duplicate delivery after completion also refuses to reopen
	require.NoError(t, store.Complete(first.ID, Outcome{Value: 42}))
	dup, started, err = store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StatusCompleted, dup.Status)

	// Exactly one record exists for the nominal instant
	history, err := store.ListByIntegration("int_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBeginAddsAttemptAfterFailure(t *testing.T) {
	store := newTestStore(t)

	first, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.NoError(t, store.Fail(first.ID, ClassExecution, "backend exploded"))

	second, started, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StatusRunning, second.Status)
	assert.Equal(t, 2, second.Attempt)

	// The failed attempt stays behind untouched
	prior, err := store.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, prior.Status)
	require.NotNil(t, prior.ErrorClass)
	assert.Equal(t, ClassExecution, *prior.ErrorClass)
	require.NotNil(t, prior.ErrorMessage)

	// History carries both attempts, newest first
	history, err := store.ListByIntegration("int_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)

	// The nominal-instant lookup resolves to the newest attempt
	newest, err := store.GetByNominal("int_1", testNominal)
	require.NoError(t, err)
	assert.Equal(t, second.ID, newest.ID)
}

func TestCompleteRecordsOutcome(t *testing.T) {
	store := newTestStore(t)

	exec, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)

	outcome := Outcome{
		Value:        1234.56,
		RawPayload:   `{"value": 1234.56}`,
		TokensUsed:   850,
		CostEstimate: 0.0127,
		ToolsInvoked: []string{"erp_query", "sum"},
	}
	require.NoError(t, store.Complete(exec.ID, outcome))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Value)
	assert.Equal(t, 1234.56, *got.Value)
	assert.Equal(t, 850, got.TokensUsed)
	require.NotNil(t, got.ToolsInvoked)
	assert.JSONEq(t, `["erp_query","sum"]`, *got.ToolsInvoked)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DurationMs)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	store := newTestStore(t)

	exec, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.NoError(t, store.Complete(exec.ID, Outcome{Value: 1}))

	err = store.Fail(exec.ID, ClassExecution, "late failure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = store.Complete(exec.ID, Outcome{Value: 2})
	require.Error(t, err)

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1.0, *got.Value)
}

func TestFailTimeoutLandsInTimedOut(t *testing.T) {
	store := newTestStore(t)

	exec, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.NoError(t, store.Fail(exec.ID, ClassTimeout, "deadline exceeded"))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, got.Status)
	require.NotNil(t, got.ErrorClass)
	assert.Equal(t, ClassTimeout, *got.ErrorClass)
}

func TestRecoverOrphans(t *testing.T) {
	store := newTestStore(t)

	exec, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)

	// Nothing is stale yet
	ids, err := store.RecoverOrphans(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Everything started before now is stale at zero grace
	ids, err = store.RecoverOrphans(-time.Second)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, exec.ID, ids[0])

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ClassOrphaned, *got.ErrorClass)
}

func TestCleanupOldExecutions(t *testing.T) {
	store := newTestStore(t)

	exec, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.NoError(t, store.Complete(exec.ID, Outcome{Value: 1}))

	// Fresh records survive
	n, err := store.CleanupOldExecutions(30)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Backdate and clean again
	_, err = store.db.Exec("UPDATE execution_records SET created_at = '2020-01-01T00:00:00Z' WHERE id = ?", exec.ID)
	require.NoError(t, err)
	n, err = store.CleanupOldExecutions(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.ErrTimeout, ClassTimeout},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.Wrap(errors.ErrCredentialInvalid, "decrypt"), ClassCredential},
		{errors.ErrAuthenticationFailed, ClassAuthentication},
		{errors.ErrExternalRateLimited, ClassRateLimited},
		{errors.ErrResponseSchemaViolation, ClassSchemaViolation},
		{errors.NewMissingParameters([]string{"itemCategory"}), ClassConfiguration},
		{errors.ErrTemplateNotFound, ClassConfiguration},
		{errors.New("anything else"), ClassExecution},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(tc.err), "error: %v", tc.err)
	}
}

func TestListByIntegrationFiltered(t *testing.T) {
	store := newTestStore(t)

	first, _, err := store.Begin("int_1", testNominal, testWindow(t))
	require.NoError(t, err)
	require.NoError(t, store.Complete(first.ID, Outcome{Value: 1}))

	later := testNominal.AddDate(0, 1, 0)
	w, err := datewindow.Calculate(datewindow.Monthly, later, time.UTC)
	require.NoError(t, err)
	second, _, err := store.Begin("int_1", later, w)
	require.NoError(t, err)
	require.NoError(t, store.Fail(second.ID, ClassExecution, "boom"))

	completed, err := store.ListByIntegrationFiltered("int_1", StatusCompleted, 10, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	all, err := store.ListByIntegrationFiltered("int_1", "", 1, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID, "offset pages past the newest record")
}
