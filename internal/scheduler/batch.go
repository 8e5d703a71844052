package scheduler

import "sync"

const (
	growThreshold   = 0.9
	shrinkThreshold = 0.7
)

// BatchSizer adapts the per-iteration batch size (AIMD).
// A success rate >= 0.9 grows the size by one up to max; below 0.7 it halves,
// never below 1.
type BatchSizer struct {
	mu   sync.Mutex
	size int
	max  int
}

func NewBatchSizer(initial, max int) *BatchSizer {
	if max < 1 {
		max = 1
	}
	if initial < 1 {
		initial = 1
	}
	if initial > max {
		initial = max
	}
	return &BatchSizer{size: initial, max: max}
}

func (b *BatchSizer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Observe adjusts the size from one batch's outcome. Batches with no
// dispatch attempts leave it unchanged.
func (b *BatchSizer) Observe(attempted, succeeded int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if attempted <= 0 {
		return b.size
	}
	rate := float64(succeeded) / float64(attempted)
	switch {
	case rate >= growThreshold:
		if b.size < b.max {
			b.size++
		}
	case rate < shrinkThreshold:
		b.halveLocked()
	}
	return b.size
}

// Shrink halves the size after a run of consecutive failures.
func (b *BatchSizer) Shrink() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halveLocked()
	return b.size
}

func (b *BatchSizer) halveLocked() {
	b.size /= 2
	if b.size < 1 {
		b.size = 1
	}
}
