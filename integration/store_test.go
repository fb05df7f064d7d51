package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/measurely/catalog"
	"github.com/teranos/measurely/datewindow"
	"github.com/teranos/measurely/errors"
	mtest "github.com/teranos/measurely/internal/testing"
)

func newTestStores(t *testing.T) (*Store, *ConnectionStore) {
	t.Helper()
	db := mtest.CreateTestDB(t)
	cat, err := catalog.Load()
	require.NoError(t, err)
	return NewStore(db, cat), NewConnectionStore(db)
}

func createTestConnection(t *testing.T, conns *ConnectionStore) *Connection {
	t.Helper()
	conn, err := conns.Create("t1", "acme_erp", "Acme production")
	require.NoError(t, err)
	return conn
}

func validCreateParams(connectionID string) CreateParams {
	return CreateParams{
		TenantID:     "t1",
		MeasureKey:   "revenue",
		ConnectionID: connectionID,
		ConfigKey:    "acme_erp.revenue",
		Frequency:    datewindow.Monthly,
		Timezone:     "UTC",
		ParameterValues: map[string]string{
			"itemCategory": "Machinery",
		},
	}
}

func TestCreateIntegration(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StateActive, m.State)
	assert.Equal(t, 0, m.ConsecutiveFailures)

	next, err := m.NextRunTime()
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().Add(-time.Minute)))

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.MeasureKey, got.MeasureKey)
	assert.Equal(t, map[string]string{"itemCategory": "Machinery"}, got.ParameterValues)
}

func TestCreateRejectsSystemGeneratedKeys(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	p := validCreateParams(conn.ID)
	p.ParameterValues["fromDate"] = "2020-01-01"

	_, err := store.Create(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "fromDate")
}

func TestCreateRejectsUndeclaredKeys(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	p := validCreateParams(conn.ID)
	p.ParameterValues["bogus"] = "x"

	_, err := store.Create(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCreateRejectsInvalidFrequencyAndTimezone(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	p := validCreateParams(conn.ID)
	p.Frequency = "fortnightly"
	_, err := store.Create(p)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	p = validCreateParams(conn.ID)
	p.Timezone = "Mars/Olympus_Mons"
	_, err = store.Create(p)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestSingleActiveIntegrationPerMeasure(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	first, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	_, err = store.Create(validCreateParams(conn.ID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// Disabling the first frees the measure for a new active integration
	require.NoError(t, store.Disable(first.ID))
	_, err = store.Create(validCreateParams(conn.ID))
	assert.NoError(t, err)
}

func TestEnableRecomputesSchedule(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	_, err = store.IncrementConsecutiveFailures(m.ID)
	require.NoError(t, err)
	require.NoError(t, store.Disable(m.ID))
	require.NoError(t, store.Enable(m.ID))

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 0, got.ConsecutiveFailures)

	next, err := got.NextRunTime()
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
}

func TestListDue(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	due, err := store.ListDue(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "freshly created integration is not yet due")

	next, err := m.NextRunTime()
	require.NoError(t, err)
	due, err = store.ListDue(next.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, m.ID, due[0].ID)

	// Disabled integrations never come due
	require.NoError(t, store.Disable(m.ID))
	due, err = store.ListDue(next.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAdvanceScheduleAndRecordRun(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	lastRun := time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)
	nextRun := datewindow.Next(datewindow.Monthly, lastRun)
	require.NoError(t, store.AdvanceSchedule(m.ID, nextRun))
	require.NoError(t, store.RecordRun(m.ID, lastRun, "exec-1"))

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, lastRun.Format(time.RFC3339), *got.LastRunAt)
	require.NotNil(t, got.LastExecutionID)
	assert.Equal(t, "exec-1", *got.LastExecutionID)
	assert.Equal(t, nextRun.Format(time.RFC3339), got.NextRunAt)
}

func TestFailureCounter(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := store.IncrementConsecutiveFailures(m.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, store.ResetConsecutiveFailures(m.ID))
	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestConnectionLifecycle(t *testing.T) {
	_, conns := newTestStores(t)

	conn := createTestConnection(t, conns)
	assert.Equal(t, ConnectionActive, conn.Status)

	require.NoError(t, conns.SetStatus(conn.ID, ConnectionDisabled))
	got, err := conns.Get(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, ConnectionDisabled, got.Status)

	listed, err := conns.ListByTenant("t1")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	err = conns.SetStatus("ghost", ConnectionActive)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateSchedule(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	require.NoError(t, store.UpdateSchedule(m.ID, datewindow.Weekly, "America/New_York"))

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, datewindow.Weekly, got.Frequency)
	assert.Equal(t, "America/New_York", got.Timezone)

	next, err := got.NextRunTime()
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()), "schedule update recomputes the next run")

	err = store.UpdateSchedule(m.ID, "hourly", "UTC")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	err = store.UpdateSchedule("ghost", datewindow.Daily, "UTC")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateParameterValues(t *testing.T) {
	store, conns := newTestStores(t)
	conn := createTestConnection(t, conns)

	m, err := store.Create(validCreateParams(conn.ID))
	require.NoError(t, err)

	err = store.UpdateParameterValues(m.ID, map[string]string{
		"itemCategory": "Electronics",
		"region":       "EMEA",
	})
	require.NoError(t, err)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Electronics", got.ParameterValues["itemCategory"])
	assert.Equal(t, "EMEA", got.ParameterValues["region"])

	next, err := got.NextRunTime()
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()), "parameter update recomputes the next run")

	err = store.UpdateParameterValues(m.ID, map[string]string{"toDate": "2020-01-01"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
