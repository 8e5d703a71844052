package events

import (
	"context"
	"sync"
)

// Published is one event recorded by MemoryPublisher.
type Published struct {
	Channel string
	Event   string
	Payload any
}

// MemoryPublisher records events in memory. Used by tests and the CLI.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Published

	// Err, when set, is returned by every Publish.
	Err error
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, Published{Channel: channel, Event: event, Payload: payload})
	return nil
}

func (p *MemoryPublisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events with the given name, in publish order.
func (p *MemoryPublisher) Named(event string) []Published {
	var out []Published
	for _, e := range p.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
