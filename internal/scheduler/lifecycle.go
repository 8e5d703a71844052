package scheduler

import (
	"context"

	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/store"
)

// pauseForOfficeHours pauses the run and polls until office hours open.
// The loop resumes the run only if it is still paused for office hours;
// a user pause, or any other status, ends the loop.
func (m *Manager) pauseForOfficeHours(ctx context.Context, run campaign.Run) (bool, error) {
	ok, err := m.deps.Store.TransitionRun(ctx, run.ID, []campaign.RunStatus{campaign.RunStatusRunning}, campaign.RunStatusPaused, func(mt *campaign.RunMetrics) {
		mt.PauseReason = campaign.PauseReasonOutsideOfficeHours
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	m.log.Info("run paused outside office hours", "run_id", run.ID)
	m.deps.Notifier.RunPaused(ctx, run, campaign.PauseReasonOutsideOfficeHours)
	m.audit(ctx, run, campaign.RunStatusRunning, campaign.RunStatusPaused, campaign.PauseReasonOutsideOfficeHours)

	for {
		if err := m.sleep(ctx, m.opts.OfficeHoursPoll); err != nil {
			return false, err
		}
		cur, err := m.deps.Store.GetRun(ctx, run.ID)
		if err != nil {
			if store.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		switch {
		case cur.Status == campaign.RunStatusRunning:
			// Resumed by an operator while we waited.
			return false, nil
		case cur.Status != campaign.RunStatusPaused || cur.Metrics.PauseReason != campaign.PauseReasonOutsideOfficeHours:
			return true, nil
		}

		org, err := m.organization(ctx, cur)
		if err != nil {
			return false, err
		}
		if !WithinOfficeHours(org, m.now()) {
			continue
		}
		ok, err := m.deps.Store.TransitionRun(ctx, run.ID, []campaign.RunStatus{campaign.RunStatusPaused}, campaign.RunStatusRunning, func(mt *campaign.RunMetrics) {
			mt.PauseReason = ""
		})
		if err != nil {
			return false, err
		}
		if ok {
			m.log.Info("office hours open, run resumed", "run_id", run.ID)
			if resumed, err := m.deps.Store.GetRun(ctx, run.ID); err == nil {
				m.deps.Notifier.RunUpdated(ctx, resumed)
			}
			m.audit(ctx, cur, campaign.RunStatusPaused, campaign.RunStatusRunning, "office_hours_open")
		}
		return false, nil
	}
}

// complete moves the run to completed and records the final row breakdown.
// Losing the transition is a no-op.
func (m *Manager) complete(ctx context.Context, run campaign.Run, counts campaign.RowCounts) error {
	now := m.now().UTC()
	ok, err := m.deps.Store.TransitionRun(ctx, run.ID, []campaign.RunStatus{campaign.RunStatusRunning}, campaign.RunStatusCompleted, func(mt *campaign.RunMetrics) {
		final := counts
		mt.Final = &final
		mt.CompletedAt = &now
		mt.PauseReason = ""
		if mt.StartedAt != nil {
			mt.DurationSeconds = int64(now.Sub(*mt.StartedAt).Seconds())
		}
	})
	if err != nil || !ok {
		return err
	}
	m.log.Info("run completed", "run_id", run.ID, "completed", counts.Completed, "failed", counts.Failed)
	if done, err := m.deps.Store.GetRun(ctx, run.ID); err == nil {
		m.deps.Notifier.RunUpdated(ctx, done)
	}
	m.audit(ctx, run, campaign.RunStatusRunning, campaign.RunStatusCompleted, "")
	return nil
}

// failRun records a run-level error. stack is set for recovered panics.
func (m *Manager) failRun(ctx context.Context, runID string, cause error, stack string) {
	ctx = context.WithoutCancel(ctx)
	var from campaign.RunStatus
	if run, err := m.deps.Store.GetRun(ctx, runID); err == nil {
		from = run.Status
	}
	ok, err := m.deps.Store.TransitionRun(ctx, runID, []campaign.RunStatus{campaign.RunStatusRunning, campaign.RunStatusPaused}, campaign.RunStatusFailed, func(mt *campaign.RunMetrics) {
		mt.Error = cause.Error()
		mt.ErrorStack = stack
	})
	if err != nil {
		m.log.Error("run failure not recorded", "run_id", runID, "cause", cause, "err", err)
		return
	}
	if !ok {
		return
	}
	run, err := m.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	m.deps.Notifier.RunUpdated(ctx, run)
	m.audit(ctx, run, from, campaign.RunStatusFailed, cause.Error())
}
