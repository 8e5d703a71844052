// Package monitor repairs rows the dispatch path left behind: rows stuck in
// calling with no live call, and rows whose call ended without the provider
// webhook reaching us.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/store"
)

const (
	DefaultStaleAfter      = 5 * time.Minute
	DefaultMaxCallDuration = 30 * time.Minute
	DefaultMaxStuckResets  = 3

	FailureRepeatedlyStuck = "repeatedly_stuck"
)

type Options struct {
	// StaleAfter is how long a row may sit in calling without an update.
	StaleAfter time.Duration
	// MaxCallDuration bounds how long an active call protects its row.
	MaxCallDuration time.Duration
	// MaxStuckResets is how many times a row is reset before it is failed.
	MaxStuckResets int
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MaxCallDuration <= 0 {
		o.MaxCallDuration = DefaultMaxCallDuration
	}
	if o.MaxStuckResets <= 0 {
		o.MaxStuckResets = DefaultMaxStuckResets
	}
	return o
}

// CounterSink receives counter deltas. *events.Debouncer satisfies it.
type CounterSink interface {
	Increment(runID, path string, delta int64)
}

// Report summarizes one sweep.
type Report struct {
	WebhooksReconciled int `json:"webhooksReconciled"`
	StuckRowsReset     int `json:"stuckRowsReset"`
	StuckRowsFailed    int `json:"stuckRowsFailed"`
}

func (r Report) Empty() bool {
	return r.WebhooksReconciled == 0 && r.StuckRowsReset == 0 && r.StuckRowsFailed == 0
}

type Monitor struct {
	store    store.Store
	counters CounterSink
	notifier *events.Notifier
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func New(st store.Store, counters CounterSink, notifier *events.Notifier, opts Options, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: st, counters: counters, notifier: notifier, opts: opts.withDefaults(), log: log, now: time.Now}
}

// Sweep reconciles missed webhooks first, so rows whose call already ended
// are completed rather than reset, then resets stuck rows. An empty runID
// sweeps every run.
func (m *Monitor) Sweep(ctx context.Context, runID string) (Report, error) {
	var rep Report
	n, err := m.ReconcileMissedWebhooks(ctx, runID)
	rep.WebhooksReconciled = n
	if err != nil {
		return rep, err
	}
	reset, failed, err := m.ResetStuckRows(ctx, runID)
	rep.StuckRowsReset, rep.StuckRowsFailed = reset, failed
	if !rep.Empty() {
		m.log.InfoContext(ctx, "consistency sweep repaired rows", "run_id", runID,
			"webhooks_reconciled", rep.WebhooksReconciled, "stuck_reset", reset, "stuck_failed", failed)
	}
	return rep, err
}

// ReconcileMissedWebhooks moves calling rows whose call is terminal to the
// matching row status. Call outcome counters were already counted when the
// call changed status; only rows.monitor_fixed is counted here.
func (m *Monitor) ReconcileMissedWebhooks(ctx context.Context, runID string) (int, error) {
	terminal, err := m.store.ListTerminalCallsForCallingRows(ctx, runID)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, c := range terminal {
		// The row may have been reset and re-claimed since the listing.
		row, err := m.store.GetRow(ctx, c.RowID)
		if err != nil {
			return fixed, err
		}
		if row.Status != campaign.RowStatusCalling || !row.CallWithinClaim(c.CreatedAt) {
			continue
		}
		to := RowStatusFor(c.Status)
		now := m.now().UTC()
		ok, err := m.store.TransitionRow(ctx, c.RowID, []campaign.RowStatus{campaign.RowStatusCalling}, to, func(r *campaign.Row) {
			r.Diagnostics.FixedByMonitor = true
			r.Diagnostics.MonitorFixedAt = &now
			r.Diagnostics.LastCallID = c.ID
			if to == campaign.RowStatusFailed {
				r.Diagnostics.FailureReason = "call_" + string(c.Status)
				r.LastError = "call ended " + string(c.Status)
			}
		})
		if err != nil {
			return fixed, err
		}
		if !ok {
			continue
		}
		fixed++
		m.count(c.RunID, campaign.CounterMonitorFixed, 1)
		m.log.DebugContext(ctx, "row fixed from call record", "run_id", c.RunID, "row_id", c.RowID, "call_status", c.Status)
	}
	return fixed, nil
}

// RowStatusFor maps a terminal call status to the row outcome. Voicemail and
// no-answer count as completed: the call was placed and resolved.
func RowStatusFor(s calls.Status) campaign.RowStatus {
	if s.Reached() {
		return campaign.RowStatusCompleted
	}
	return campaign.RowStatusFailed
}

// ResetStuckRows returns stale calling rows to pending. Rows with a live call
// younger than MaxCallDuration are left alone; a stale live call is canceled
// first so the row never has two active calls. Rows reset MaxStuckResets
// times are failed instead.
func (m *Monitor) ResetStuckRows(ctx context.Context, runID string) (reset, failed int, err error) {
	now := m.now().UTC()
	stuck, err := m.store.ListStuckRows(ctx, runID, now.Add(-m.opts.StaleAfter))
	if err != nil {
		return 0, 0, err
	}

	perRun := map[string]*Report{}
	for _, row := range stuck {
		call, cerr := m.store.LatestCallForRow(ctx, row.ID, time.Time{})
		switch {
		case cerr == nil && call.Status.Active():
			if now.Sub(call.CreatedAt) < m.opts.MaxCallDuration {
				continue
			}
			if _, _, err := m.store.UpdateCallStatus(ctx, call.ID, calls.StatusCanceled, 0); err != nil {
				return reset, failed, err
			}
		case cerr != nil && !store.IsNotFound(cerr):
			return reset, failed, cerr
		}

		rep := perRun[row.RunID]
		if rep == nil {
			rep = &Report{}
			perRun[row.RunID] = rep
		}

		if row.Diagnostics.StuckResetCount >= m.opts.MaxStuckResets {
			ok, err := m.store.TransitionRow(ctx, row.ID, []campaign.RowStatus{campaign.RowStatusCalling}, campaign.RowStatusFailed, func(r *campaign.Row) {
				r.Diagnostics.FailureReason = FailureRepeatedlyStuck
				r.LastError = "row stuck in calling too many times"
			})
			if err != nil {
				return reset, failed, err
			}
			if ok {
				failed++
				rep.StuckRowsFailed++
			}
			continue
		}

		ok, err := m.store.TransitionRow(ctx, row.ID, []campaign.RowStatus{campaign.RowStatusCalling}, campaign.RowStatusPending, func(r *campaign.Row) {
			r.Diagnostics.ResetFromStuck = true
			r.Diagnostics.StuckResetCount++
			r.Diagnostics.LastResetAt = &now
			r.Diagnostics.ClaimedAt = nil
		})
		if err != nil {
			return reset, failed, err
		}
		if ok {
			reset++
			rep.StuckRowsReset++
			m.count(row.RunID, campaign.CounterStuckReset, 1)
		}
	}

	for id, rep := range perRun {
		if rep.StuckRowsReset == 0 && rep.StuckRowsFailed == 0 {
			continue
		}
		m.notifier.MetricsUpdated(ctx, id, map[string]any{
			"stuckRowsReset":  rep.StuckRowsReset,
			"stuckRowsFailed": rep.StuckRowsFailed,
		})
	}
	return reset, failed, nil
}

func (m *Monitor) count(runID, path string, n int64) {
	if m.counters != nil {
		m.counters.Increment(runID, path, n)
	}
}
