package runs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/scheduler"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
)

// Upload, start, dial at one call per second, then complete every call through
// the status webhook path and watch the run finish on its own.
func TestEndToEnd_RunCompletesAfterWebhooks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	prov := telephony.NewFakeProvider()
	pub := events.NewMemoryPublisher()
	notifier := events.NewNotifier(pub, nil)
	counters := events.NewDebouncer(st, notifier, 10*time.Millisecond, quietLogger())
	auditSvc := audit.NewService(audit.NewMemoryRepo(), quietLogger())

	mgr := scheduler.NewManager(scheduler.Deps{
		Store:    st,
		Provider: prov,
		Notifier: notifier,
		Counters: counters,
		Audit:    auditSvc,
	}, scheduler.Options{IdleWait: 10 * time.Millisecond, CapacityWait: 10 * time.Millisecond}, quietLogger())

	workers, stopWorkers := context.WithCancel(ctx)
	mgr.Start(workers)
	debounced := make(chan struct{})
	go func() {
		defer close(debounced)
		_ = counters.Run(workers)
	}()
	t.Cleanup(func() {
		stopWorkers()
		<-debounced
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, mgr.Stop(stopCtx))
	})

	svc := NewService(Deps{
		Store:      st,
		Pipeline:   ingest.NewPipeline(contacts.NewResolver(st), st, ingest.Options{Logger: quietLogger()}),
		Dispatcher: mgr,
		Notifier:   notifier,
		Counters:   counters,
		Audit:      auditSvc,
	}, quietLogger())

	require.NoError(t, st.CreateRun(ctx, campaign.Run{
		ID: "run-1", OrgID: "org-1", Name: "Flu shots", Status: campaign.RunStatusDraft,
		Config: campaign.RunConfig{CallsPerMinute: 60, ConcurrencyLimit: 10, FromNumber: "+15550000000"},
	}))
	upload := "First Name,Last Name,Phone\nAnn,Lee,555-123-0001\nBob,Ray,555-123-0002\nCy,Fox,555-123-0003\n"
	res, err := svc.Ingest(ctx, "org-1", "run-1", IngestRequest{Data: []byte(upload), FileName: "flu.csv"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Stats.ValidRows)

	require.NoError(t, svc.StartRun(ctx, "run-1", "org-1"))
	require.Eventually(t, func() bool { return len(st.Calls("run-1")) == 3 }, 5*time.Second, 10*time.Millisecond)

	placed := prov.Calls()
	require.Len(t, placed, 3)
	for i := 1; i < len(placed); i++ {
		assert.GreaterOrEqual(t, placed[i].At.Sub(placed[i-1].At), 950*time.Millisecond)
	}
	for _, r := range st.Rows("run-1") {
		assert.Equal(t, campaign.RowStatusCalling, r.Status)
	}

	for _, p := range placed {
		for _, s := range []calls.Status{calls.StatusInProgress, calls.StatusCompleted} {
			require.NoError(t, svc.ApplyCallStatus(ctx, telephony.StatusUpdate{
				Provider: "fake", ProviderCallID: p.ProviderCallID, Status: s, DurationSeconds: 20,
				Metadata: p.Request.Metadata,
			}))
		}
	}

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, "run-1")
		return err == nil && run.Status == campaign.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.Metrics.Final)
	assert.Equal(t, campaign.RowCounts{Completed: 3}, *run.Metrics.Final)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, "run-1")
		return err == nil && run.Metrics.Counters[campaign.CounterCallsCompleted] == 3 &&
			run.Metrics.Counters[campaign.CounterCallsStarted] == 3
	}, 5*time.Second, 10*time.Millisecond)

	sum, err := svc.Summary(ctx, "run-1", "org-1")
	require.NoError(t, err)
	assert.True(t, sum.Reconciled, sum.Discrepancies)
	assert.Equal(t, 3, sum.Calls.CompletedCalls)
}
