// Package scheduler dispatches calls for running runs.
//
// One goroutine per run executes the dispatch loop. The Manager owns every
// piece of per-process state (which runs are processing, their batch sizers,
// rate limiters and deferred rows), so nothing lives in package globals.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/monitor"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
)

// Options tunes the dispatch loop. Zero values take the defaults below.
type Options struct {
	IdleWait        time.Duration
	CapacityWait    time.Duration
	OfficeHoursPoll time.Duration
	MonitorInterval time.Duration

	MaxBatchSize int

	// FailureThreshold consecutive dispatch failures shrink the batch and
	// trigger FailureBackoff. More than MaxFailureRounds such rounds with no
	// success in between fail the run.
	FailureThreshold int
	FailureBackoff   time.Duration
	MaxFailureRounds int

	// After a provider error, wait RecheckDelay and look for a call created
	// for the row within RecheckWindow before counting the failure.
	RecheckDelay  time.Duration
	RecheckWindow time.Duration

	// RetryDelay defers a row returned to pending after a failure.
	RetryDelay time.Duration
	// TimezoneDeferral defers a row skipped outside the contact's calling hours.
	TimezoneDeferral time.Duration

	DefaultOrgConcurrency int
	// DefaultAgentID is used when neither the run nor the org names an agent.
	DefaultAgentID string
}

func (o Options) withDefaults() Options {
	if o.IdleWait <= 0 {
		o.IdleWait = 5 * time.Second
	}
	if o.CapacityWait <= 0 {
		o.CapacityWait = 2 * time.Second
	}
	if o.OfficeHoursPoll <= 0 {
		o.OfficeHoursPoll = 15 * time.Minute
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = time.Minute
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 20
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = 30 * time.Second
	}
	if o.MaxFailureRounds <= 0 {
		o.MaxFailureRounds = 5
	}
	if o.RecheckDelay <= 0 {
		o.RecheckDelay = 2 * time.Second
	}
	if o.RecheckWindow <= 0 {
		o.RecheckWindow = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.TimezoneDeferral <= 0 {
		o.TimezoneDeferral = 15 * time.Minute
	}
	if o.DefaultOrgConcurrency <= 0 {
		o.DefaultOrgConcurrency = 10
	}
	return o
}

// ContactResolver links a row to a contact when ingestion could not.
type ContactResolver interface {
	FindOrCreate(ctx context.Context, id contacts.Identity) (contacts.Resolution, error)
}

// CounterSink receives counter deltas. *events.Debouncer satisfies it.
type CounterSink interface {
	Increment(runID, path string, delta int64)
}

// Sweeper runs a consistency sweep for one run. *monitor.Monitor satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, runID string) (monitor.Report, error)
}

// Auditor records run lifecycle transitions. *audit.Service satisfies it.
type Auditor interface {
	LogRunTransition(ctx context.Context, orgID, runID string, actor audit.Actor, from, to, reason string)
}

// Deps are the collaborators of the dispatch loop. Store and Provider are
// required; the rest are optional.
type Deps struct {
	Store    store.Store
	Provider telephony.Provider
	Numbers  *telephony.NumberPool
	Resolver ContactResolver
	Notifier *events.Notifier
	Counters CounterSink
	Monitor  Sweeper
	Audit    Auditor
	Guard    Guard
}

// runState is owned by the run's loop goroutine.
type runState struct {
	id       string
	sizer    *BatchSizer
	limiter  *rate.Limiter
	cpm      int
	deferred map[string]time.Time
	inflight map[string]struct{}

	consecutiveFailures int
	failureRounds       int
	lastSweep           time.Time
}

var ErrNotStarted = errors.New("scheduler: manager not started")

type Manager struct {
	deps Deps
	opts Options
	log  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	base       context.Context
	cancel     context.CancelFunc
	processing map[string]*runState
	wg         sync.WaitGroup
}

func NewManager(deps Deps, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		deps:       deps,
		opts:       opts.withDefaults(),
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
		processing: map[string]*runState{},
	}
}

// Start makes the manager accept runs. Loops stop when ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base != nil {
		return
	}
	m.base, m.cancel = context.WithCancel(ctx)
}

// Stop cancels every loop and waits for them to exit or for ctx to end.
// Runs stay in running; ResumeActiveRuns picks them up on the next boot.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRun launches the loop for runID. It returns false when the run is
// already processing in this process.
func (m *Manager) StartRun(runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil || m.base.Err() != nil {
		return false, ErrNotStarted
	}
	if _, ok := m.processing[runID]; ok {
		return false, nil
	}
	st := &runState{
		id:       runID,
		deferred: map[string]time.Time{},
		inflight: map[string]struct{}{},
	}
	m.processing[runID] = st
	m.wg.Add(1)
	go m.runLoop(m.base, st)
	return true, nil
}

func (m *Manager) IsProcessing(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processing[runID]
	return ok
}

// Active returns the ids of processing runs, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.processing))
	for id := range m.processing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) finish(runID string) {
	m.mu.Lock()
	delete(m.processing, runID)
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) count(runID, path string, n int64) {
	if m.deps.Counters != nil {
		m.deps.Counters.Increment(runID, path, n)
	}
}

func (m *Manager) audit(ctx context.Context, run campaign.Run, from, to campaign.RunStatus, reason string) {
	if m.deps.Audit != nil {
		m.deps.Audit.LogRunTransition(ctx, run.OrgID, run.ID, audit.SystemActor, string(from), string(to), reason)
	}
}
