package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process, indexed by run. Tests and the offline
// CLI use it.
type MemoryRepo struct {
	mu    sync.Mutex
	all   []Event
	byRun map[string][]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byRun: map[string][]int{}} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[e.RunID] = append(r.byRun[e.RunID], len(r.all))
	r.all = append(r.all, e)
	return nil
}

// ListForRun returns up to limit of the run's most recent events, oldest first.
func (r *MemoryRepo) ListForRun(_ context.Context, runID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byRun[runID]
	if limit > 0 && len(idx) > limit {
		idx = idx[len(idx)-limit:]
	}
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.all[i])
	}
	return out, nil
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.all...)
}

// ForRun is ListForRun without a limit.
func (r *MemoryRepo) ForRun(runID string) []Event {
	evs, _ := r.ListForRun(context.Background(), runID, 0)
	return evs
}
