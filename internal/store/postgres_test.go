package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/campaign"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresStore(mock), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS organizations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT id, org_id, name, status, scheduled_at, config, metrics, created_at, updated_at FROM campaign_runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimRow_ConditionalUpdate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE campaign_rows\s+SET status = 'calling'.*WHERE id = \$1 AND status = 'pending'`).
		WithArgs("row-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE campaign_rows\s+SET status = 'calling'.*WHERE id = \$1 AND status = 'pending'`).
		WithArgs("row-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.ClaimRow(context.Background(), "row-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimRow(context.Background(), "row-1", now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must observe the row already left pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimRow_PersistenceError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE campaign_rows`).
		WithArgs("row-1", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := s.ClaimRow(context.Background(), "row-1", time.Now())
	require.Error(t, err)
	assert.True(t, campaign.IsKind(err, campaign.KindPersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_WithoutMutation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE campaign_runs SET status = \$2, updated_at = now\(\) WHERE id = \$1 AND status = ANY\(\$3\)`).
		WithArgs("run-1", "paused", []string{"ready", "scheduled", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.TransitionRun(context.Background(), "run-1",
		[]campaign.RunStatus{campaign.RunStatusReady, campaign.RunStatusScheduled, campaign.RunStatusRunning},
		campaign.RunStatusPaused, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_ConditionNotMet(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, metrics FROM campaign_runs WHERE id = \$1 FOR UPDATE`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "metrics"}).AddRow("paused", []byte(`{}`)))
	mock.ExpectCommit()

	called := false
	ok, err := s.TransitionRun(context.Background(), "run-1",
		[]campaign.RunStatus{campaign.RunStatusRunning}, campaign.RunStatusCompleted,
		func(m *campaign.RunMetrics) { called = true })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRowsByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT status, count\(\*\) FROM campaign_rows WHERE run_id = \$1 GROUP BY status`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(2)).
			AddRow("calling", int64(1)).
			AddRow("completed", int64(4)))

	got, err := s.CountRowsByStatus(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.RowCounts{Pending: 2, Calling: 1, Completed: 4}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementRunCounter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`UPDATE campaign_runs\s+SET metrics = jsonb_set`).
		WithArgs("run-1", "calls.completed", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(int64(7)))

	v, err := s.IncrementRunCounter(context.Background(), "run-1", "calls.completed", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountActiveCalls(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM calls\s+WHERE org_id = \$1 AND status IN \('pending', 'in-progress'\)`).
		WithArgs("org-1", "").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := s.CountActiveCalls(context.Background(), "org-1", "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRows_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectCopyFrom(pgx.Identifier{"campaign_rows"}, rowCopyColumns).WillReturnResult(2)

	err := s.InsertRows(context.Background(), []campaign.Row{
		{ID: "r1", RunID: "run-1", OrgID: "org-1", Variables: map[string]string{"firstName": "Ann"}},
		{ID: "r2", RunID: "run-1", OrgID: "org-1", ContactID: "c1", SortIndex: 1},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRows_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	require.NoError(t, s.InsertRows(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertContact_ConflictReturnsExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO contacts .* ON CONFLICT \(hash\) DO NOTHING`).
		WithArgs("new-id", "Ann", "Lee", "1980-02-03", "5551234567", "h1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, first_name, last_name, dob, phone, hash, created_at FROM contacts WHERE hash = \$1`).
		WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "first_name", "last_name", "dob", "phone", "hash", "created_at"}).
			AddRow("existing-id", "Ann", "Lee", "1980-02-03", "5551234567", "h1", created))

	got, isNew, err := s.UpsertContact(context.Background(), campaign.Contact{
		ID: "new-id", FirstName: "Ann", LastName: "Lee", DOB: "1980-02-03", Phone: "5551234567", Hash: "h1",
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "existing-id", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetRunSchedule_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE campaign_runs SET scheduled_at = \$2`).
		WithArgs("run-x", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetRunSchedule(context.Background(), "run-x", at)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
