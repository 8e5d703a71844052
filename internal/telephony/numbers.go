package telephony

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// WeightedNumber is one caller-id in the pool. Weight must be > 0.
type WeightedNumber struct {
	Number string
	Weight int
}

// NumberPool picks an origin number when neither the run nor the org sets one.
// Selection is weighted random; numbers with weight <= 0 are never picked.
type NumberPool struct {
	mu      sync.Mutex
	numbers []WeightedNumber
	total   int
	rng     *rand.Rand
}

func NewNumberPool(numbers []WeightedNumber, rng *rand.Rand) *NumberPool {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &NumberPool{rng: rng}
	for _, n := range numbers {
		if n.Weight <= 0 || strings.TrimSpace(n.Number) == "" {
			continue
		}
		p.numbers = append(p.numbers, n)
		p.total += n.Weight
	}
	return p
}

// Len returns the number of eligible numbers.
func (p *NumberPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.numbers)
}

// Pick returns a number, or false when the pool is empty.
func (p *NumberPool) Pick() (string, bool) {
	if p == nil || p.total <= 0 {
		return "", false
	}
	p.mu.Lock()
	r := p.rng.Intn(p.total) // 0..total-1
	p.mu.Unlock()

	var acc int
	for _, n := range p.numbers {
		acc += n.Weight
		if r < acc {
			return n.Number, true
		}
	}
	return "", false
}
