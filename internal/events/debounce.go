package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"campaign-dialer/internal/campaign"
)

// DefaultDebounceWindow is how long increments to one counter are coalesced.
const DefaultDebounceWindow = 500 * time.Millisecond

// CounterStore persists counter deltas. store.RunStore satisfies it.
type CounterStore interface {
	IncrementRunCounter(ctx context.Context, runID, path string, delta int64) (int64, error)
}

type counterKey struct {
	runID string
	path  string
}

type pendingDelta struct {
	delta    int64
	deadline time.Time
}

// Debouncer coalesces counter increments per (run, path).
//
// The first increment for a key fixes its deadline at now+window; later
// increments before the deadline only add to the delta. When the deadline
// passes, the summed delta is written once and metrics-updated is published
// with the stored value.
type Debouncer struct {
	store    CounterStore
	notifier *Notifier
	window   time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[counterKey]*pendingDelta
	wake    chan struct{}
}

func NewDebouncer(store CounterStore, notifier *Notifier, window time.Duration, log *slog.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Debouncer{
		store:    store,
		notifier: notifier,
		window:   window,
		log:      log,
		now:      time.Now,
		pending:  map[counterKey]*pendingDelta{},
		wake:     make(chan struct{}, 1),
	}
}

// Window returns the coalescing window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Increment queues delta for the counter at path. It never blocks on storage.
func (d *Debouncer) Increment(runID, path string, delta int64) {
	if runID == "" || path == "" || delta == 0 {
		return
	}
	d.mu.Lock()
	k := counterKey{runID: runID, path: path}
	p, ok := d.pending[k]
	if !ok {
		p = &pendingDelta{deadline: d.now().Add(d.window)}
		d.pending[k] = p
	}
	p.delta += delta
	d.mu.Unlock()

	if !ok {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of keys waiting to be flushed.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run flushes keys as their deadlines pass until ctx is done. Callers
// should Flush after Run returns to drain what is left.
func (d *Debouncer) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var fire <-chan time.Time
		if next, ok := d.nextDeadline(); ok {
			wait := next.Sub(d.now())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			fire = timer.C
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-fire:
			d.flush(ctx, d.takeDue(d.now()))
		}
	}
}

// Flush writes every pending key immediately.
func (d *Debouncer) Flush(ctx context.Context) {
	d.flush(ctx, d.takeDue(time.Time{}))
}

func (d *Debouncer) nextDeadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var next time.Time
	for _, p := range d.pending {
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return next, !next.IsZero()
}

// takeDue removes and returns keys due at now. A zero now takes everything.
func (d *Debouncer) takeDue(now time.Time) map[counterKey]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[counterKey]int64{}
	for k, p := range d.pending {
		if now.IsZero() || !p.deadline.After(now) {
			out[k] = p.delta
			delete(d.pending, k)
		}
	}
	return out
}

func (d *Debouncer) flush(ctx context.Context, due map[counterKey]int64) {
	for k, delta := range due {
		value, err := d.store.IncrementRunCounter(ctx, k.runID, k.path, delta)
		if err != nil {
			if campaign.IsKind(err, campaign.KindNotFound) || ctx.Err() != nil {
				d.log.WarnContext(ctx, "dropping counter delta", "run_id", k.runID, "path", k.path, "delta", delta, "err", err)
				continue
			}
			d.log.WarnContext(ctx, "counter flush failed, requeued", "run_id", k.runID, "path", k.path, "err", err)
			d.Increment(k.runID, k.path, delta)
			continue
		}
		d.notifier.MetricsUpdated(ctx, k.runID, map[string]any{"path": k.path, "value": value})
	}
}
