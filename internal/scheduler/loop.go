package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
)

type outcome int

const (
	// outcomeSkipped: no dispatch was attempted (lost claim, bad data, timezone).
	outcomeSkipped outcome = iota
	outcomeDispatched
	outcomeFailed
)

var calling = []campaign.RowStatus{campaign.RowStatusCalling}

func (m *Manager) runLoop(ctx context.Context, st *runState) {
	defer m.wg.Done()
	defer m.finish(st.id)

	log := m.log.With("run_id", st.id)
	if m.deps.Guard != nil {
		leaseCtx, release, ok, err := m.acquire(ctx, st.id)
		if err != nil || !ok {
			if err == nil {
				log.Info("run held by another process")
			}
			return
		}
		defer release()
		ctx = leaseCtx
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("run loop panicked", "panic", r)
			m.failRun(ctx, st.id, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()

	log.Info("run loop started")
	for {
		stop, err := m.iterate(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("run loop interrupted")
				return
			}
			log.Error("run loop failed", "err", err)
			m.failRun(ctx, st.id, err, "")
			return
		}
		if stop {
			log.Info("run loop finished")
			return
		}
	}
}

// acquire retries transient guard errors until ctx ends.
func (m *Manager) acquire(ctx context.Context, runID string) (context.Context, func(), bool, error) {
	for {
		leaseCtx, release, ok, err := m.deps.Guard.Acquire(ctx, runID)
		if err == nil {
			return leaseCtx, release, ok, nil
		}
		m.log.Warn("run lease unavailable", "run_id", runID, "err", err)
		if serr := m.sleep(ctx, m.opts.CapacityWait); serr != nil {
			return nil, func() {}, false, serr
		}
	}
}

// iterate runs one pass of the dispatch loop. stop=true ends the loop
// without error; an error fails the run unless ctx is done.
func (m *Manager) iterate(ctx context.Context, st *runState) (bool, error) {
	run, err := m.deps.Store.GetRun(ctx, st.id)
	if err != nil {
		if store.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if run.Status != campaign.RunStatusRunning {
		return true, nil
	}
	org, err := m.organization(ctx, run)
	if err != nil {
		return false, err
	}

	if !WithinOfficeHours(org, m.now()) {
		return m.pauseForOfficeHours(ctx, run)
	}

	cfg := run.Config.WithDefaults()
	m.prepare(st, cfg)

	capacity, err := m.capacity(ctx, run, org)
	if err != nil {
		return false, err
	}
	if capacity <= 0 {
		return false, m.sleep(ctx, m.opts.CapacityWait)
	}

	from, ok := m.originNumber(run, org)
	if !ok {
		return false, campaign.Validationf("dispatch", "no origin number configured for run %s", run.ID)
	}

	limit := min(capacity, st.sizer.Size())
	rows, err := m.deps.Store.NextPendingRows(ctx, run.ID, limit, st.excluded(m.now()))
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		counts, err := m.deps.Store.CountRowsByStatus(ctx, run.ID)
		if err != nil {
			return false, err
		}
		if counts.Pending == 0 && counts.Calling == 0 {
			return true, m.complete(ctx, run, counts)
		}
		m.maybeSweep(ctx, st)
		return false, m.sleep(ctx, m.opts.IdleWait)
	}

	attempted, succeeded := 0, 0
	cutShort := false
batch:
	for _, row := range rows {
		if err := st.limiter.Wait(ctx); err != nil {
			return false, err
		}
		if still, err := m.stillRunning(ctx, run.ID); err != nil || !still {
			return !still, err
		}

		out := m.processRow(ctx, st, run, org, from, row)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch out {
		case outcomeDispatched:
			attempted++
			succeeded++
			st.consecutiveFailures = 0
			st.failureRounds = 0
		case outcomeFailed:
			attempted++
			st.consecutiveFailures++
			if st.consecutiveFailures < m.opts.FailureThreshold {
				continue
			}
			st.consecutiveFailures = 0
			st.failureRounds++
			size := st.sizer.Shrink()
			if st.failureRounds > m.opts.MaxFailureRounds {
				return false, campaign.ProviderError("dispatch", fmt.Errorf("%d consecutive failure rounds without a successful call", st.failureRounds))
			}
			m.log.Warn("consecutive dispatch failures, backing off",
				"run_id", run.ID, "round", st.failureRounds, "batch_size", size, "backoff", m.opts.FailureBackoff)
			if err := m.sleep(ctx, m.opts.FailureBackoff); err != nil {
				return false, err
			}
			cutShort = true
			break batch
		}
	}

	size := st.settleBatch(attempted, succeeded, cutShort)
	m.log.Debug("batch finished", "run_id", run.ID, "attempted", attempted, "succeeded", succeeded, "next_batch_size", size)
	m.maybeSweep(ctx, st)
	return false, nil
}

// settleBatch feeds a finished batch to the sizer. A batch cut short by the
// failure threshold was already shrunk once and is not observed again.
func (st *runState) settleBatch(attempted, succeeded int, cutShort bool) int {
	if cutShort {
		return st.sizer.Size()
	}
	return st.sizer.Observe(attempted, succeeded)
}

// prepare creates or retunes the per-run sizer and limiter.
func (m *Manager) prepare(st *runState, cfg campaign.RunConfig) {
	if st.sizer == nil {
		st.sizer = NewBatchSizer(cfg.BatchSize, max(cfg.BatchSize, m.opts.MaxBatchSize))
	}
	every := rate.Every(time.Minute / time.Duration(cfg.CallsPerMinute))
	if st.limiter == nil {
		st.limiter = rate.NewLimiter(every, 1)
	} else if st.cpm != cfg.CallsPerMinute {
		st.limiter.SetLimit(every)
	}
	st.cpm = cfg.CallsPerMinute
}

// excluded lists rows in flight or deferred past now. Expired deferrals are dropped.
func (st *runState) excluded(now time.Time) []string {
	out := make([]string, 0, len(st.inflight)+len(st.deferred))
	for id := range st.inflight {
		out = append(out, id)
	}
	for id, until := range st.deferred {
		if !now.Before(until) {
			delete(st.deferred, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (m *Manager) organization(ctx context.Context, run campaign.Run) (campaign.Organization, error) {
	org, err := m.deps.Store.GetOrganization(ctx, run.OrgID)
	if store.IsNotFound(err) {
		return campaign.Organization{ID: run.OrgID}, nil
	}
	return org, err
}

// capacity = min(orgLimit - orgActive, runLimit - runActive).
func (m *Manager) capacity(ctx context.Context, run campaign.Run, org campaign.Organization) (int, error) {
	orgLimit := org.ConcurrencyLimit
	if orgLimit <= 0 {
		orgLimit = m.opts.DefaultOrgConcurrency
	}
	runLimit := run.Config.ConcurrencyLimit
	if runLimit <= 0 {
		runLimit = orgLimit
	}
	orgActive, err := m.deps.Store.CountActiveCalls(ctx, run.OrgID, "")
	if err != nil {
		return 0, err
	}
	runActive, err := m.deps.Store.CountActiveCalls(ctx, run.OrgID, run.ID)
	if err != nil {
		return 0, err
	}
	return min(orgLimit-orgActive, runLimit-runActive), nil
}

func (m *Manager) originNumber(run campaign.Run, org campaign.Organization) (string, bool) {
	if run.Config.FromNumber != "" {
		return run.Config.FromNumber, true
	}
	if org.DefaultFromNumber != "" {
		return org.DefaultFromNumber, true
	}
	return m.deps.Numbers.Pick()
}

func (m *Manager) stillRunning(ctx context.Context, runID string) (bool, error) {
	run, err := m.deps.Store.GetRun(ctx, runID)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Status == campaign.RunStatusRunning, nil
}

func (m *Manager) maybeSweep(ctx context.Context, st *runState) {
	if m.deps.Monitor == nil {
		return
	}
	now := m.now()
	if !st.lastSweep.IsZero() && now.Sub(st.lastSweep) < m.opts.MonitorInterval {
		return
	}
	st.lastSweep = now
	if _, err := m.deps.Monitor.Sweep(ctx, st.id); err != nil && ctx.Err() == nil {
		m.log.Warn("run sweep failed", "run_id", st.id, "err", err)
	}
}

// processRow claims and dispatches one row. Row-level errors and panics are
// absorbed by the retry policy and never end the loop.
func (m *Manager) processRow(ctx context.Context, st *runState, run campaign.Run, org campaign.Organization, from string, row campaign.Row) (out outcome) {
	log := m.log.With("run_id", run.ID, "row_id", row.ID)

	ok, err := m.deps.Store.ClaimRow(ctx, row.ID, m.now())
	if err != nil {
		log.Warn("row claim failed", "err", err)
		return outcomeFailed
	}
	if !ok {
		log.Debug("row claim lost")
		return outcomeSkipped
	}

	st.inflight[row.ID] = struct{}{}
	defer delete(st.inflight, row.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("row dispatch panicked", "panic", r)
			out = m.handleFailure(ctx, st, run, row, fmt.Errorf("panic: %v", r))
		}
	}()
	return m.dispatch(ctx, st, run, org, from, row)
}

func (m *Manager) dispatch(ctx context.Context, st *runState, run campaign.Run, org campaign.Organization, from string, row campaign.Row) outcome {
	log := m.log.With("run_id", run.ID, "row_id", row.ID)
	now := m.now()

	phone, ok := ResolvePhone(row.Variables)
	if !ok {
		m.failRow(ctx, row, "missing_phone", "no phone number in row variables")
		return outcomeSkipped
	}

	if run.Config.RespectTimezone {
		loc := ContactTimezone(row, run, org)
		if !WithinCallingHours(run.Config, loc, now) {
			_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusPending, func(r *campaign.Row) {
				r.Diagnostics.SkippedOutsideHours++
				r.Diagnostics.LastSkippedAt = &now
				r.Diagnostics.ClaimedAt = nil
			})
			if err != nil {
				log.Warn("timezone skip not recorded", "err", err)
			}
			st.deferred[row.ID] = now.Add(m.opts.TimezoneDeferral)
			m.count(run.ID, campaign.CounterSkippedOutsideHours, 1)
			log.Debug("row outside contact calling hours", "timezone", loc.String())
			return outcomeSkipped
		}
	}

	resolveErr := m.linkContact(ctx, run, &row, phone)

	attempt := row.CallAttempts + 1
	_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusCalling, func(r *campaign.Row) {
		r.CallAttempts = attempt
		r.Diagnostics.ContactResolveError = resolveErr
	})
	if err != nil {
		return m.handleFailure(ctx, st, run, row, err)
	}

	agentID := run.Config.AgentID
	if agentID == "" {
		agentID = org.DefaultAgentID
	}
	if agentID == "" {
		agentID = m.opts.DefaultAgentID
	}
	req := telephony.PlaceCallRequest{
		To:        E164(phone),
		From:      from,
		AgentID:   agentID,
		Variables: BuildVariables(row, run, org, attempt),
		Metadata:  telephony.CallMetadata{OrgID: run.OrgID, RunID: run.ID, RowID: row.ID},
	}

	res, err := m.deps.Provider.PlaceCall(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			m.release(row)
			return outcomeSkipped
		}
		perr := campaign.ProviderError("place call", err)
		if call, found := m.recheck(ctx, row); found {
			log.Info("provider error but call exists, treating as dispatched", "call_id", call.ID, "err", err)
			m.markDispatched(ctx, run, row, call, true)
			return outcomeDispatched
		}
		return m.handleFailure(ctx, st, run, row, perr)
	}

	// Stamped with the claim's clock so sweeps can tell this claim's call apart
	// from earlier attempts.
	call := calls.Call{
		ID:             uuid.NewString(),
		OrgID:          run.OrgID,
		RunID:          run.ID,
		RowID:          row.ID,
		ProviderCallID: res.ProviderCallID,
		Status:         calls.StatusPending,
		Direction:      calls.DirectionOutbound,
		From:           req.From,
		To:             req.To,
		Metadata:       calls.Metadata{Variables: req.Variables, Attempt: attempt, AgentID: agentID},
		CreatedAt:      m.now().UTC(),
	}
	if err := m.deps.Store.CreateCall(ctx, call); err != nil {
		if campaign.IsKind(err, campaign.KindConcurrencyConflict) {
			// The status webhook registered the call first.
			if existing, gerr := m.deps.Store.GetCallByProviderID(ctx, res.ProviderCallID); gerr == nil {
				call = existing
			}
		} else {
			// The call is live at the provider; the monitor resolves the row.
			log.Error("call placed but not recorded", "provider_call_id", res.ProviderCallID, "err", err)
		}
	}
	m.markDispatched(ctx, run, row, call, false)
	return outcomeDispatched
}

// linkContact resolves the row's contact when ingestion left it unlinked.
// Failures are returned as a diagnostic string and never block the call.
func (m *Manager) linkContact(ctx context.Context, run campaign.Run, row *campaign.Row, phone string) string {
	if row.ContactID != "" || m.deps.Resolver == nil {
		return ""
	}
	res, err := m.deps.Resolver.FindOrCreate(ctx, contacts.Identity{
		FirstName: row.Variables["firstName"],
		LastName:  row.Variables["lastName"],
		DOB:       row.Variables["dob"],
		Phone:     phone,
		OrgID:     run.OrgID,
	})
	if err != nil {
		m.log.Warn("contact resolution failed", "run_id", run.ID, "row_id", row.ID, "err", err)
		return err.Error()
	}
	if err := m.deps.Store.SetRowContact(ctx, row.ID, res.ContactID); err != nil {
		m.log.Warn("row contact not saved", "run_id", run.ID, "row_id", row.ID, "err", err)
		return err.Error()
	}
	row.ContactID = res.ContactID
	return ""
}

// recheck waits and then looks for a call created for the row despite the
// provider error.
func (m *Manager) recheck(ctx context.Context, row campaign.Row) (calls.Call, bool) {
	if err := m.sleep(ctx, m.opts.RecheckDelay); err != nil {
		return calls.Call{}, false
	}
	call, err := m.deps.Store.LatestCallForRow(ctx, row.ID, m.now().Add(-m.opts.RecheckWindow))
	if err != nil || call.ID == row.Diagnostics.LastCallID {
		return calls.Call{}, false
	}
	return call, true
}

func (m *Manager) markDispatched(ctx context.Context, run campaign.Run, row campaign.Row, call calls.Call, recovered bool) {
	// A fast webhook may already have moved the row on; that is fine.
	_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusCalling, func(r *campaign.Row) {
		r.LastError = ""
		r.Diagnostics.LastCallID = call.ID
		if recovered {
			r.Diagnostics.ProviderErrorRecovered = true
		}
	})
	if err != nil {
		m.log.Warn("dispatch bookkeeping failed", "run_id", run.ID, "row_id", row.ID, "err", err)
	}
	m.deps.Notifier.CallStarted(ctx, run.OrgID, events.CallStartedPayload{
		RunID:          run.ID,
		RowID:          row.ID,
		CallID:         call.ID,
		ProviderCallID: call.ProviderCallID,
		To:             call.To,
		Attempt:        call.Metadata.Attempt,
	})
	m.count(run.ID, campaign.CounterCallsStarted, 1)
}

// handleFailure applies the retry policy: back to pending with one more
// retry while retryCount < maxRetries, otherwise failed.
func (m *Manager) handleFailure(ctx context.Context, st *runState, run campaign.Run, row campaign.Row, cause error) outcome {
	ctx = context.WithoutCancel(ctx)
	cfg := run.Config.WithDefaults()
	msg := cause.Error()
	log := m.log.With("run_id", run.ID, "row_id", row.ID)

	if row.RetryCount < cfg.MaxRetries {
		_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusPending, func(r *campaign.Row) {
			r.RetryCount++
			r.LastError = msg
			r.Diagnostics.ClaimedAt = nil
		})
		if err != nil {
			log.Error("retry not recorded", "err", err)
		}
		st.deferred[row.ID] = m.now().Add(m.opts.RetryDelay)
		log.Warn("dispatch failed, will retry", "retry", row.RetryCount+1, "max_retries", cfg.MaxRetries, "err", cause)
	} else {
		m.failRow(ctx, row, "max_retries_exceeded", msg)
		log.Warn("dispatch failed, retries exhausted", "err", cause)
	}
	m.count(run.ID, campaign.CounterDispatchFailed, 1)
	return outcomeFailed
}

func (m *Manager) failRow(ctx context.Context, row campaign.Row, reason, msg string) {
	_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusFailed, func(r *campaign.Row) {
		r.LastError = msg
		r.Diagnostics.FailureReason = reason
	})
	if err != nil {
		m.log.Error("row failure not recorded", "row_id", row.ID, "err", err)
	}
}

// release returns a claimed row to pending without charging a retry.
func (m *Manager) release(row campaign.Row) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.deps.Store.TransitionRow(ctx, row.ID, calling, campaign.RowStatusPending, func(r *campaign.Row) {
		r.Diagnostics.ClaimedAt = nil
	})
	if err != nil {
		m.log.Warn("row release failed", "row_id", row.ID, "err", err)
	}
}
