// Package reporting builds run summaries and checks that a run's rows, calls
// and metrics agree.
package reporting

import (
	"context"
	"errors"
	"fmt"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side reporting needs. store.Store satisfies it.
//
// Implementations return campaign NotFound errors for unknown runs.
type Repository interface {
	GetRun(ctx context.Context, runID string) (campaign.Run, error)
	CountRowsByStatus(ctx context.Context, runID string) (campaign.RowCounts, error)
	ListCallsForRun(ctx context.Context, runID string) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// RunSummary returns the summary of runID. A run owned by another org is
// reported as not found.
func (s *Service) RunSummary(ctx context.Context, orgID, runID string) (RunSummary, error) {
	const op = "run summary"
	if orgID == "" || runID == "" {
		return RunSummary{}, campaign.Validationf(op, "%v", ErrInvalidRequest)
	}
	if s.repo == nil {
		return RunSummary{}, errors.New("reporting: repository not configured")
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	if run.OrgID != orgID {
		return RunSummary{}, campaign.NotFound(op, "run", runID)
	}
	counts, err := s.repo.CountRowsByStatus(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	list, err := s.repo.ListCallsForRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}

	out := RunSummary{
		RunID:           run.ID,
		OrgID:           run.OrgID,
		Name:            run.Name,
		Status:          run.Status,
		Rows:            counts,
		Ingested:        run.Metrics.Rows,
		Counters:        run.Metrics.Counters,
		Calls:           SummarizeCalls(list),
		StartedAt:       run.Metrics.StartedAt,
		CompletedAt:     run.Metrics.CompletedAt,
		DurationSeconds: run.Metrics.DurationSeconds,
		PauseReason:     run.Metrics.PauseReason,
		Error:           run.Metrics.Error,
	}
	out.Discrepancies = Reconcile(run, counts, out.Calls)
	out.Reconciled = len(out.Discrepancies) == 0
	return out, nil
}

func SummarizeCalls(list []calls.Call) CallsSummary {
	var out CallsSummary
	reached, ended := 0, 0
	for _, c := range list {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusVoicemail:
			out.VoicemailCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusBusy:
			out.BusyCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusCanceled:
			out.CanceledCalls++
		case calls.StatusPending, calls.StatusInProgress:
			out.ActiveCalls++
		}
		if c.Status.Terminal() {
			ended++
			if c.Status.Reached() {
				reached++
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	if ended > 0 {
		out.ConnectionRate = float64(reached) / float64(ended)
	}
	return out
}

// Reconcile lists every way the run's stored state disagrees with itself.
// Checks that only hold at quiescence are skipped while rows are in flight.
func Reconcile(run campaign.Run, counts campaign.RowCounts, cs CallsSummary) []string {
	var out []string
	if v := run.Metrics.Rows.Valid; v > 0 && v != counts.Sum() {
		out = append(out, fmt.Sprintf("ingested %d valid rows but %d are stored", v, counts.Sum()))
	}
	if cs.ActiveCalls > counts.Calling {
		out = append(out, fmt.Sprintf("%d active calls for %d calling rows", cs.ActiveCalls, counts.Calling))
	}
	if run.Status.Terminal() && counts.Calling > 0 {
		out = append(out, fmt.Sprintf("%d rows still calling in a %s run", counts.Calling, run.Status))
	}
	if run.Status == campaign.RunStatusCompleted {
		switch {
		case run.Metrics.Final == nil:
			out = append(out, "completed run has no final row breakdown")
		case *run.Metrics.Final != counts:
			out = append(out, fmt.Sprintf("final breakdown %+v differs from stored rows %+v", *run.Metrics.Final, counts))
		}
	}
	if started := run.Metrics.Counters[campaign.CounterCallsStarted]; counts.Calling == 0 && started > 0 && int64(cs.TotalCalls) > started {
		out = append(out, fmt.Sprintf("%d calls recorded but only %d counted as started", cs.TotalCalls, started))
	}
	return out
}
