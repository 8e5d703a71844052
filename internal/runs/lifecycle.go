package runs

import (
	"context"
	"fmt"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/ingest"
)

// IngestRequest is one upload for a run.
type IngestRequest struct {
	Data         []byte
	FileName     string
	Schema       *ingest.Schema
	ValidateOnly bool
}

// Rows can be added until the run starts dialing, and while it is paused.
var ingestable = []campaign.RunStatus{campaign.RunStatusDraft, campaign.RunStatusReady, campaign.RunStatusPaused}

// Ingest parses an upload into rows of runID. With ValidateOnly nothing is
// written; the result reports what an import would do.
func (s *Service) Ingest(ctx context.Context, orgID, runID string, req IngestRequest) (*ingest.Result, error) {
	const op = "ingest"
	run, err := s.owned(ctx, op, runID, orgID)
	if err != nil {
		return nil, err
	}
	if s.deps.Pipeline == nil {
		return nil, fmt.Errorf("runs: ingestion pipeline not configured")
	}
	if len(req.Data) == 0 {
		return nil, campaign.Validationf(op, "empty upload")
	}

	in := ingest.Input{Data: req.Data, FileName: req.FileName, Schema: req.Schema, OrgID: orgID, Mode: ingest.ModeValidate}
	if !req.ValidateOnly {
		if !statusIn(run.Status, ingestable) {
			return nil, campaign.Validationf(op, "cannot add rows to a %s run", run.Status)
		}
		in.Mode = ingest.ModeImport
		in.RunID = run.ID
	}

	res, err := s.deps.Pipeline.Ingest(ctx, in)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "rows ingested", "run_id", run.ID, "org_id", orgID, "mode", in.Mode,
		"valid", res.Stats.ValidRows, "invalid", res.Stats.InvalidRows, "duplicates", res.Stats.DuplicatePatients)
	if in.Mode == ingest.ModeImport && s.deps.Audit != nil {
		s.deps.Audit.LogRowsIngested(ctx, orgID, run.ID, audit.ActorFrom(ctx), res.Stats)
	}
	return res, nil
}

var startable = []campaign.RunStatus{campaign.RunStatusReady, campaign.RunStatusPaused, campaign.RunStatusScheduled}

// StartRun moves the run to running and hands it to the dispatcher. Starting
// a run that is already running only makes sure its loop is alive.
func (s *Service) StartRun(ctx context.Context, runID, orgID string) error {
	const op = "start run"
	run, err := s.owned(ctx, op, runID, orgID)
	if err != nil {
		return err
	}
	if run.Status == campaign.RunStatusRunning {
		return s.dispatch(run.ID)
	}
	if !statusIn(run.Status, startable) {
		return campaign.Validationf(op, "cannot start a %s run", run.Status)
	}

	now := s.now().UTC()
	ok, err := s.deps.Store.TransitionRun(ctx, run.ID, startable, campaign.RunStatusRunning, func(m *campaign.RunMetrics) {
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
		m.PauseReason = ""
		m.Error = ""
	})
	if err != nil {
		return err
	}
	if !ok {
		return campaign.Conflict(op)
	}
	s.log.InfoContext(ctx, "run started", "run_id", run.ID, "org_id", orgID, "from", run.Status)
	s.deps.Notifier.RunUpdated(ctx, s.refreshed(ctx, run, campaign.RunStatusRunning))
	s.audit(ctx, run, run.Status, campaign.RunStatusRunning, "")
	return s.dispatch(run.ID)
}

// PauseRun pauses any non-terminal run on behalf of a user. A run already
// paused for office hours becomes user-paused, so it no longer resumes by itself.
func (s *Service) PauseRun(ctx context.Context, runID, orgID string) error {
	const op = "pause run"
	run, err := s.owned(ctx, op, runID, orgID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return campaign.Validationf(op, "cannot pause a %s run", run.Status)
	}
	from := append(campaign.SourcesFor(campaign.RunStatusPaused), campaign.RunStatusPaused)
	ok, err := s.deps.Store.TransitionRun(ctx, run.ID, from, campaign.RunStatusPaused, func(m *campaign.RunMetrics) {
		m.PauseReason = campaign.PauseReasonUser
	})
	if err != nil {
		return err
	}
	if !ok {
		return campaign.Conflict(op)
	}
	s.log.InfoContext(ctx, "run paused", "run_id", run.ID, "org_id", orgID, "from", run.Status)
	s.deps.Notifier.RunPaused(ctx, run, campaign.PauseReasonUser)
	s.audit(ctx, run, run.Status, campaign.RunStatusPaused, campaign.PauseReasonUser)
	return nil
}

var schedulable = []campaign.RunStatus{campaign.RunStatusReady, campaign.RunStatusPaused, campaign.RunStatusScheduled}

// ScheduleRun arranges for the run to start at `at`, which must be in the future.
// Rescheduling a scheduled run moves its start time.
func (s *Service) ScheduleRun(ctx context.Context, runID string, at time.Time, orgID string) error {
	const op = "schedule run"
	run, err := s.owned(ctx, op, runID, orgID)
	if err != nil {
		return err
	}
	if !at.After(s.now()) {
		return campaign.Validationf(op, "scheduled time %s is not in the future", at.UTC().Format(time.RFC3339))
	}
	if !statusIn(run.Status, schedulable) {
		return campaign.Validationf(op, "cannot schedule a %s run", run.Status)
	}

	// The time is written first: a scheduled run without one is never due.
	if err := s.deps.Store.SetRunSchedule(ctx, run.ID, at); err != nil {
		return err
	}
	ok, err := s.deps.Store.TransitionRun(ctx, run.ID, schedulable, campaign.RunStatusScheduled, func(m *campaign.RunMetrics) {
		m.PauseReason = ""
	})
	if err != nil {
		return err
	}
	if !ok {
		return campaign.Conflict(op)
	}
	s.log.InfoContext(ctx, "run scheduled", "run_id", run.ID, "org_id", orgID, "at", at.UTC())
	s.deps.Notifier.RunUpdated(ctx, s.refreshed(ctx, run, campaign.RunStatusScheduled))
	s.audit(ctx, run, run.Status, campaign.RunStatusScheduled, at.UTC().Format(time.RFC3339))
	return nil
}

// ActivateDueRuns starts every scheduled run whose time has come. A run that
// cannot be handed to the dispatcher is failed. It returns how many runs started.
func (s *Service) ActivateDueRuns(ctx context.Context) (int, error) {
	scheduled, err := s.deps.Store.ListRunsByStatus(ctx, campaign.RunStatusScheduled)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	started := 0
	for _, run := range scheduled {
		if run.ScheduledAt == nil || run.ScheduledAt.After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return started, err
		}
		ok, err := s.deps.Store.TransitionRun(ctx, run.ID, []campaign.RunStatus{campaign.RunStatusScheduled}, campaign.RunStatusRunning, func(m *campaign.RunMetrics) {
			if m.StartedAt == nil {
				m.StartedAt = &now
			}
			m.LastActivatedAt = &now
		})
		if err != nil {
			s.log.ErrorContext(ctx, "scheduled run not activated", "run_id", run.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		s.audit(ctx, run, campaign.RunStatusScheduled, campaign.RunStatusRunning, "scheduled")
		if err := s.dispatch(run.ID); err != nil {
			s.failActivation(ctx, run, err)
			continue
		}
		s.log.InfoContext(ctx, "scheduled run activated", "run_id", run.ID, "org_id", run.OrgID)
		s.deps.Notifier.RunUpdated(ctx, s.refreshed(ctx, run, campaign.RunStatusRunning))
		started++
	}
	return started, nil
}

func (s *Service) failActivation(ctx context.Context, run campaign.Run, cause error) {
	msg := "activation failed: " + cause.Error()
	ok, err := s.deps.Store.TransitionRun(ctx, run.ID, []campaign.RunStatus{campaign.RunStatusRunning}, campaign.RunStatusFailed, func(m *campaign.RunMetrics) {
		m.Error = msg
	})
	if err != nil || !ok {
		s.log.ErrorContext(ctx, "activation failure not recorded", "run_id", run.ID, "cause", cause, "err", err)
		return
	}
	s.log.ErrorContext(ctx, "scheduled run failed to activate", "run_id", run.ID, "err", cause)
	s.deps.Notifier.RunUpdated(ctx, s.refreshed(ctx, run, campaign.RunStatusFailed))
	s.audit(ctx, run, campaign.RunStatusRunning, campaign.RunStatusFailed, msg)
}

// ResumeActiveRuns hands every running run back to the dispatcher. Called on
// boot, since loops do not survive a restart.
func (s *Service) ResumeActiveRuns(ctx context.Context) (int, error) {
	running, err := s.deps.Store.ListRunsByStatus(ctx, campaign.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, run := range running {
		if s.deps.Dispatcher == nil {
			break
		}
		ok, err := s.deps.Dispatcher.StartRun(run.ID)
		if err != nil {
			return resumed, err
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 {
		s.log.InfoContext(ctx, "resumed running runs", "count", resumed)
	}
	return resumed, nil
}

func (s *Service) dispatch(runID string) error {
	if s.deps.Dispatcher == nil {
		return nil
	}
	_, err := s.deps.Dispatcher.StartRun(runID)
	return err
}

func statusIn(s campaign.RunStatus, set []campaign.RunStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
