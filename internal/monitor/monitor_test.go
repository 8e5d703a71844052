package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/store"
)

var testNow = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

type counterLog struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *counterLog) Increment(runID, path string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[path] += delta
}

type fixture struct {
	st       *store.MemoryStore
	pub      *events.MemoryPublisher
	counters *counterLog
	mon      *Monitor
}

func newFixture(t *testing.T, rowIDs ...string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.Now = func() time.Time { return testNow }
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, campaign.Run{ID: "run-1", OrgID: "org-1", Status: campaign.RunStatusRunning}))

	var rows []campaign.Row
	for i, id := range rowIDs {
		rows = append(rows, campaign.Row{ID: id, RunID: "run-1", OrgID: "org-1", SortIndex: i})
	}
	require.NoError(t, st.InsertRows(ctx, rows))
	for _, id := range rowIDs {
		ok, err := st.ClaimRow(ctx, id, testNow.Add(-10*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		st.SetRowUpdatedAt(id, testNow.Add(-10*time.Minute))
	}

	pub := events.NewMemoryPublisher()
	counters := &counterLog{}
	mon := New(st, counters, events.NewNotifier(pub, nil), Options{}, nil)
	mon.now = func() time.Time { return testNow }
	return &fixture{st: st, pub: pub, counters: counters, mon: mon}
}

func (f *fixture) addCall(t *testing.T, id, rowID string, status calls.Status, age time.Duration) {
	t.Helper()
	require.NoError(t, f.st.CreateCall(context.Background(), calls.Call{
		ID: id, OrgID: "org-1", RunID: "run-1", RowID: rowID, ProviderCallID: "p-" + id,
		Status: status, Direction: calls.DirectionOutbound, CreatedAt: testNow.Add(-age),
	}))
}

func (f *fixture) row(t *testing.T, id string) campaign.Row {
	t.Helper()
	r, err := f.st.GetRow(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestSweep_ResetsStuckRowsOnce(t *testing.T) {
	f := newFixture(t, "row-1", "row-2")
	ctx := context.Background()

	rep, err := f.mon.Sweep(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, Report{StuckRowsReset: 2}, rep)

	r := f.row(t, "row-1")
	assert.Equal(t, campaign.RowStatusPending, r.Status)
	assert.True(t, r.Diagnostics.ResetFromStuck)
	assert.Equal(t, 1, r.Diagnostics.StuckResetCount)
	assert.Equal(t, testNow, *r.Diagnostics.LastResetAt)
	assert.Nil(t, r.Diagnostics.ClaimedAt)
	assert.Equal(t, int64(2), f.counters.counts[campaign.CounterStuckReset])

	metrics := f.pub.Named(events.MetricsUpdated)
	require.Len(t, metrics, 1)
	assert.Equal(t, map[string]any{"stuckRowsReset": 2, "stuckRowsFailed": 0}, metrics[0].Payload)

	rep, err = f.mon.Sweep(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, rep.Empty())
	assert.Len(t, f.pub.Named(events.MetricsUpdated), 1)
}

func TestResetStuckRows_FreshRowsUntouched(t *testing.T) {
	f := newFixture(t, "row-1")
	f.st.SetRowUpdatedAt("row-1", testNow.Add(-time.Minute))

	reset, failed, err := f.mon.ResetStuckRows(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, reset)
	assert.Zero(t, failed)
	assert.Equal(t, campaign.RowStatusCalling, f.row(t, "row-1").Status)
}

func TestResetStuckRows_LiveCallProtectsRow(t *testing.T) {
	f := newFixture(t, "row-1")
	f.addCall(t, "call-1", "row-1", calls.StatusInProgress, 8*time.Minute)

	reset, _, err := f.mon.ResetStuckRows(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, reset)
	assert.Equal(t, campaign.RowStatusCalling, f.row(t, "row-1").Status)
}

func TestResetStuckRows_CancelsStaleLiveCall(t *testing.T) {
	f := newFixture(t, "row-1")
	f.addCall(t, "call-1", "row-1", calls.StatusPending, 45*time.Minute)

	reset, _, err := f.mon.ResetStuckRows(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Equal(t, campaign.RowStatusPending, f.row(t, "row-1").Status)

	n, err := f.st.CountActiveCalls(context.Background(), "org-1", "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetStuckRows_FailsRepeatedlyStuckRow(t *testing.T) {
	f := newFixture(t, "row-1")
	ctx := context.Background()
	_, err := f.st.TransitionRow(ctx, "row-1", []campaign.RowStatus{campaign.RowStatusCalling}, campaign.RowStatusCalling, func(r *campaign.Row) {
		r.Diagnostics.StuckResetCount = DefaultMaxStuckResets
	})
	require.NoError(t, err)
	f.st.SetRowUpdatedAt("row-1", testNow.Add(-time.Hour))

	reset, failed, err := f.mon.ResetStuckRows(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, reset)
	assert.Equal(t, 1, failed)

	r := f.row(t, "row-1")
	assert.Equal(t, campaign.RowStatusFailed, r.Status)
	assert.Equal(t, FailureRepeatedlyStuck, r.Diagnostics.FailureReason)
}

func TestReconcileMissedWebhooks(t *testing.T) {
	f := newFixture(t, "row-1", "row-2", "row-3")
	f.addCall(t, "call-1", "row-1", calls.StatusCompleted, 2*time.Minute)
	f.addCall(t, "call-2", "row-2", calls.StatusVoicemail, 2*time.Minute)
	f.addCall(t, "call-3", "row-3", calls.StatusBusy, 2*time.Minute)
	ctx := context.Background()

	n, err := f.mon.ReconcileMissedWebhooks(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	r1 := f.row(t, "row-1")
	assert.Equal(t, campaign.RowStatusCompleted, r1.Status)
	assert.True(t, r1.Diagnostics.FixedByMonitor)
	assert.Equal(t, testNow, *r1.Diagnostics.MonitorFixedAt)
	assert.Equal(t, campaign.RowStatusCompleted, f.row(t, "row-2").Status)

	r3 := f.row(t, "row-3")
	assert.Equal(t, campaign.RowStatusFailed, r3.Status)
	assert.Equal(t, "call_busy", r3.Diagnostics.FailureReason)
	assert.Equal(t, int64(3), f.counters.counts[campaign.CounterMonitorFixed])

	n, err = f.mon.ReconcileMissedWebhooks(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileMissedWebhooks_IgnoresCallFromEarlierClaim(t *testing.T) {
	f := newFixture(t, "row-1")
	f.addCall(t, "call-1", "row-1", calls.StatusInProgress, 45*time.Minute)
	ctx := context.Background()

	reset, _, err := f.mon.ResetStuckRows(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, reset)
	require.Equal(t, campaign.RowStatusPending, f.row(t, "row-1").Status)

	// The dispatcher claims the row again and is still placing the new call.
	ok, err := f.st.ClaimRow(ctx, "row-1", testNow)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.mon.ReconcileMissedWebhooks(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	r := f.row(t, "row-1")
	assert.Equal(t, campaign.RowStatusCalling, r.Status)
	assert.Empty(t, r.Diagnostics.FailureReason)
	assert.Zero(t, f.counters.counts[campaign.CounterMonitorFixed])
}

func TestSweep_ReconcilesBeforeResetting(t *testing.T) {
	f := newFixture(t, "row-1")
	f.addCall(t, "call-1", "row-1", calls.StatusNoAnswer, 9*time.Minute)

	rep, err := f.mon.Sweep(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Report{WebhooksReconciled: 1}, rep)
	assert.Equal(t, campaign.RowStatusCompleted, f.row(t, "row-1").Status)
}

func TestRowStatusFor(t *testing.T) {
	assert.Equal(t, campaign.RowStatusCompleted, RowStatusFor(calls.StatusCompleted))
	assert.Equal(t, campaign.RowStatusCompleted, RowStatusFor(calls.StatusNoAnswer))
	assert.Equal(t, campaign.RowStatusFailed, RowStatusFor(calls.StatusFailed))
	assert.Equal(t, campaign.RowStatusFailed, RowStatusFor(calls.StatusCanceled))
}
