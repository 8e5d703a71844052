package runs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/monitor"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
)

// ApplyCallStatus applies a provider status callback. It is idempotent:
// repeated or out-of-order callbacks never move a call backwards, and
// counters change only when the call's status does.
//
// A callback for an unknown provider call id is ignored unless its metadata
// names a row that is still calling; the call is then recorded, since the
// provider accepted a request the dispatcher saw fail.
func (s *Service) ApplyCallStatus(ctx context.Context, u telephony.StatusUpdate) error {
	log := s.log.With("provider", u.Provider, "provider_call_id", u.ProviderCallID, "status", u.Status)
	if u.ProviderCallID == "" {
		return campaign.Validationf("apply call status", "provider call id is required")
	}

	call, err := s.deps.Store.GetCallByProviderID(ctx, u.ProviderCallID)
	if store.IsNotFound(err) {
		var ok bool
		call, ok, err = s.adoptCall(ctx, u)
		if err != nil {
			return err
		}
		if !ok {
			log.DebugContext(ctx, "status for unknown call ignored")
			return nil
		}
	} else if err != nil {
		return err
	}

	updated, changed, err := s.deps.Store.UpdateCallStatus(ctx, call.ID, u.Status, u.DurationSeconds)
	if err != nil {
		return err
	}
	if !changed {
		log.DebugContext(ctx, "stale or duplicate call status ignored", "current", updated.Status)
		return nil
	}
	s.count(updated.RunID, updated.Status.CounterPath(), 1)
	if !updated.Status.Terminal() {
		return nil
	}
	return s.finishRow(ctx, updated)
}

// adoptCall records a call the dispatcher never stored.
func (s *Service) adoptCall(ctx context.Context, u telephony.StatusUpdate) (calls.Call, bool, error) {
	md := u.Metadata
	if md.RowID == "" {
		return calls.Call{}, false, nil
	}
	row, err := s.deps.Store.GetRow(ctx, md.RowID)
	if store.IsNotFound(err) {
		return calls.Call{}, false, nil
	}
	if err != nil {
		return calls.Call{}, false, err
	}
	if row.Status != campaign.RowStatusCalling ||
		(md.OrgID != "" && md.OrgID != row.OrgID) ||
		(md.RunID != "" && md.RunID != row.RunID) {
		return calls.Call{}, false, nil
	}

	c := calls.Call{
		ID:             uuid.NewString(),
		OrgID:          row.OrgID,
		RunID:          row.RunID,
		RowID:          row.ID,
		ProviderCallID: u.ProviderCallID,
		Status:         calls.StatusPending,
		Direction:      calls.DirectionOutbound,
		Metadata:       calls.Metadata{Attempt: row.CallAttempts},
	}
	err = s.deps.Store.CreateCall(ctx, c)
	if campaign.IsKind(err, campaign.KindConcurrencyConflict) {
		// The dispatcher recorded it in the meantime.
		existing, gerr := s.deps.Store.GetCallByProviderID(ctx, u.ProviderCallID)
		return existing, gerr == nil, gerr
	}
	if err != nil {
		return calls.Call{}, false, err
	}
	s.log.InfoContext(ctx, "call recorded from status callback", "run_id", row.RunID, "row_id", row.ID, "call_id", c.ID)
	return c, true, nil
}

// finishRow moves the call's row out of calling, unless a newer call owns the row.
func (s *Service) finishRow(ctx context.Context, c calls.Call) error {
	if c.RowID == "" {
		return nil
	}
	latest, err := s.deps.Store.LatestCallForRow(ctx, c.RowID, time.Time{})
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	if err == nil && latest.ID != c.ID {
		return nil
	}
	to := monitor.RowStatusFor(c.Status)
	_, err = s.deps.Store.TransitionRow(ctx, c.RowID, []campaign.RowStatus{campaign.RowStatusCalling}, to, func(r *campaign.Row) {
		r.Diagnostics.LastCallID = c.ID
		if to == campaign.RowStatusFailed {
			r.Diagnostics.FailureReason = "call_" + string(c.Status)
		}
	})
	return err
}

var _ telephony.StatusApplier = (*Service)(nil)
