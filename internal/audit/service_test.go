package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AppendRequiresOrgAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)

	assert.ErrorIs(t, svc.Append(context.Background(), Event{Type: EventTypeRunTransition}), ErrInvalidEvent)
	assert.ErrorIs(t, svc.Append(context.Background(), Event{OrgID: "o"}), ErrInvalidEvent)
}

func TestService_LogRunTransition(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	svc.clock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	svc.LogRunTransition(context.Background(), "org-1", "run-1", Actor{UserID: "u1", Role: "org_admin"}, "ready", "running", "started")
	svc.LogRunTransition(context.Background(), "org-1", "run-2", SystemActor, "running", "completed", "")

	evs := repo.ForRun("run-1")
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].ID)
	assert.Equal(t, EventTypeRunTransition, evs[0].Type)
	assert.Equal(t, "ready", evs[0].FromStatus)
	assert.Equal(t, "running", evs[0].ToStatus)
	assert.Equal(t, "u1", evs[0].ActorUserID)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), evs[0].CreatedAt)
	assert.Len(t, repo.Events(), 2)
}

func TestService_LogRowsIngestedEncodesStats(t *testing.T) {
	repo := NewMemoryRepo()
	NewService(repo, nil).LogRowsIngested(context.Background(), "org-1", "run-1", SystemActor, map[string]int{"valid": 2})

	evs := repo.Events()
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"valid":2}`, evs[0].Metadata)
}

type failingRepo struct{}

func (failingRepo) Append(ctx context.Context, e Event) error { return errors.New("disk full") }

func (failingRepo) ListForRun(ctx context.Context, runID string, limit int) ([]Event, error) {
	return nil, errors.New("disk full")
}

func TestService_BestEffort(t *testing.T) {
	assert.NotPanics(t, func() {
		NewService(failingRepo{}, nil).LogRunTransition(context.Background(), "o", "r", SystemActor, "a", "b", "")
		var nilSvc *Service
		nilSvc.LogRunTransition(context.Background(), "o", "r", SystemActor, "a", "b", "")
	})
}

func TestPostgresRepo_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO run_audit_events`).
		WithArgs("e1", "org-1", "run-1", "run_transition", "", "system", "running", "paused", "outside_office_hours", "{}", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewPostgresRepo(mock).Append(context.Background(), Event{
		ID: "e1", OrgID: "org-1", RunID: "run-1", Type: EventTypeRunTransition, ActorRole: "system",
		FromStatus: "running", ToStatus: "paused", Message: "outside_office_hours", CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_HistoryKeepsMostRecent(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	for _, to := range []string{"running", "paused", "running", "completed"} {
		svc.LogRunTransition(ctx, "org-1", "run-1", SystemActor, "", to, "")
	}
	svc.LogRunTransition(ctx, "org-1", "run-2", SystemActor, "", "running", "")

	evs, err := svc.History(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "running", evs[0].ToStatus)
	assert.Equal(t, "completed", evs[1].ToStatus)

	_, err = svc.History(ctx, "", 0)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPostgresRepo_ListForRunReturnsOldestFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	cols := []string{"id", "org_id", "run_id", "type", "actor_user_id", "actor_role", "from_status", "to_status", "message", "metadata", "created_at"}
	mock.ExpectQuery(`FROM run_audit_events`).
		WithArgs("run-1", 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("e2", "org-1", "run-1", "run_transition", "", "system", "running", "completed", "", "{}", t2).
			AddRow("e1", "org-1", "run-1", "run_transition", "u1", "operator", "ready", "running", "", "{}", t1))

	evs, err := NewPostgresRepo(mock).ListForRun(context.Background(), "run-1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e1", evs[0].ID)
	assert.Equal(t, EventTypeRunTransition, evs[0].Type)
	assert.Equal(t, "e2", evs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
