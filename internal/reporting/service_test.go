package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/store"
)

func seedRun(t *testing.T, st *store.MemoryStore, run campaign.Run, rowStatuses ...campaign.RowStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, run))
	var rows []campaign.Row
	for i, s := range rowStatuses {
		rows = append(rows, campaign.Row{ID: run.ID + "-row-" + string(rune('a'+i)), RunID: run.ID, OrgID: run.OrgID, Status: s, SortIndex: i})
	}
	require.NoError(t, st.InsertRows(ctx, rows))
}

func TestRunSummary_OrgIsolation(t *testing.T) {
	st := store.NewMemoryStore()
	seedRun(t, st, campaign.Run{ID: "run-1", OrgID: "org-1", Status: campaign.RunStatusRunning}, campaign.RowStatusPending)
	svc := NewService(st)

	_, err := svc.RunSummary(context.Background(), "org-2", "run-1")
	assert.True(t, campaign.IsKind(err, campaign.KindNotFound))

	_, err = svc.RunSummary(context.Background(), "", "run-1")
	assert.True(t, campaign.IsKind(err, campaign.KindValidation))

	_, err = svc.RunSummary(context.Background(), "org-1", "missing")
	assert.True(t, campaign.IsKind(err, campaign.KindNotFound))
}

func TestRunSummary_CompletedRunReconciles(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	done := time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC)
	final := campaign.RowCounts{Completed: 2, Failed: 1}
	seedRun(t, st, campaign.Run{
		ID: "run-1", OrgID: "org-1", Name: "Reminders", Status: campaign.RunStatusCompleted,
		Metrics: campaign.RunMetrics{
			Rows:        campaign.IngestTotals{Total: 4, Valid: 3, Invalid: 1},
			Counters:    map[string]int64{campaign.CounterCallsStarted: 3},
			Final:       &final,
			CompletedAt: &done,
		},
	}, campaign.RowStatusCompleted, campaign.RowStatusCompleted, campaign.RowStatusFailed)

	for i, s := range []calls.Status{calls.StatusCompleted, calls.StatusVoicemail, calls.StatusBusy} {
		require.NoError(t, st.CreateCall(ctx, calls.Call{
			ID: string(rune('x' + i)), OrgID: "org-1", RunID: "run-1", ProviderCallID: "p" + string(rune('x'+i)),
			Status: s, DurationSeconds: 30 * (i + 1),
		}))
	}

	sum, err := NewService(st).RunSummary(ctx, "org-1", "run-1")
	require.NoError(t, err)
	assert.True(t, sum.Reconciled, sum.Discrepancies)
	assert.Equal(t, final, sum.Rows)
	assert.Equal(t, 3, sum.Calls.TotalCalls)
	assert.Equal(t, 1, sum.Calls.VoicemailCalls)
	assert.Equal(t, 60, sum.Calls.AverageDurationSeconds)
	assert.InDelta(t, 2.0/3.0, sum.Calls.ConnectionRate, 1e-9)
	assert.Equal(t, &done, sum.CompletedAt)
}

func TestReconcile_FlagsDisagreements(t *testing.T) {
	final := campaign.RowCounts{Completed: 3}
	run := campaign.Run{
		Status: campaign.RunStatusCompleted,
		Metrics: campaign.RunMetrics{
			Rows:     campaign.IngestTotals{Valid: 4},
			Final:    &final,
			Counters: map[string]int64{campaign.CounterCallsStarted: 1},
		},
	}
	counts := campaign.RowCounts{Completed: 2, Calling: 1}
	got := Reconcile(run, counts, CallsSummary{TotalCalls: 3, ActiveCalls: 2})

	assert.Equal(t, []string{
		"ingested 4 valid rows but 3 are stored",
		"2 active calls for 1 calling rows",
		"1 rows still calling in a completed run",
		"final breakdown {Pending:0 Calling:0 Completed:3 Failed:0 Skipped:0} differs from stored rows {Pending:0 Calling:1 Completed:2 Failed:0 Skipped:0}",
	}, got)

	assert.Empty(t, Reconcile(campaign.Run{Status: campaign.RunStatusRunning}, campaign.RowCounts{Pending: 2}, CallsSummary{}))
}
