// Package runs implements the inbound operations on runs: ingestion, the
// user-driven lifecycle, scheduled activation and provider status webhooks.
//
// Every operation that names a run checks that the caller's organization owns
// it; a run of another organization is reported as not found.
package runs

import (
	"context"
	"log/slog"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/store"
)

// Dispatcher runs the dispatch loop of a run. *scheduler.Manager satisfies it.
type Dispatcher interface {
	StartRun(runID string) (bool, error)
}

// CounterSink receives counter deltas. *events.Debouncer satisfies it.
type CounterSink interface {
	Increment(runID, path string, delta int64)
}

// Auditor records lifecycle changes. *audit.Service satisfies it.
type Auditor interface {
	LogRunTransition(ctx context.Context, orgID, runID string, actor audit.Actor, from, to, reason string)
	LogRowsIngested(ctx context.Context, orgID, runID string, actor audit.Actor, stats any)
}

// Deps are the collaborators of Service. Store is required.
type Deps struct {
	Store      store.Store
	Pipeline   *ingest.Pipeline
	Dispatcher Dispatcher
	Notifier   *events.Notifier
	Counters   CounterSink
	Audit      Auditor
	Reports    *reporting.Service
}

type Service struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

func NewService(deps Deps, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deps.Reports == nil && deps.Store != nil {
		deps.Reports = reporting.NewService(deps.Store)
	}
	return &Service{deps: deps, log: log, now: time.Now}
}

// GetRun returns the run if orgID owns it.
func (s *Service) GetRun(ctx context.Context, runID, orgID string) (campaign.Run, error) {
	return s.owned(ctx, "get run", runID, orgID)
}

func (s *Service) owned(ctx context.Context, op, runID, orgID string) (campaign.Run, error) {
	if runID == "" || orgID == "" {
		return campaign.Run{}, campaign.Validationf(op, "run id and org id are required")
	}
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return campaign.Run{}, err
	}
	if run.OrgID != orgID {
		return campaign.Run{}, campaign.NotFound(op, "run", runID)
	}
	return run, nil
}

// Summary returns the reporting summary of an owned run.
func (s *Service) Summary(ctx context.Context, runID, orgID string) (reporting.RunSummary, error) {
	return s.deps.Reports.RunSummary(ctx, orgID, runID)
}

func (s *Service) count(runID, path string, n int64) {
	if s.deps.Counters != nil && path != "" {
		s.deps.Counters.Increment(runID, path, n)
	}
}

func (s *Service) audit(ctx context.Context, run campaign.Run, from, to campaign.RunStatus, reason string) {
	if s.deps.Audit != nil {
		s.deps.Audit.LogRunTransition(ctx, run.OrgID, run.ID, audit.ActorFrom(ctx), string(from), string(to), reason)
	}
}

// refreshed re-reads the run after a transition for event payloads. On error
// it falls back to the stale copy with the new status.
func (s *Service) refreshed(ctx context.Context, run campaign.Run, status campaign.RunStatus) campaign.Run {
	if cur, err := s.deps.Store.GetRun(ctx, run.ID); err == nil {
		return cur
	}
	run.Status = status
	return run
}
