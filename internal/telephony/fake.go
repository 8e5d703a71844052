package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PlacedCall is one call recorded by FakeProvider.
type PlacedCall struct {
	Request        PlaceCallRequest
	ProviderCallID string
	At             time.Time
}

// FakeProvider records calls in memory. Used by tests and local development.
type FakeProvider struct {
	mu    sync.Mutex
	calls []PlacedCall
	seq   int

	// Fail, when set, decides per request whether PlaceCall returns an error.
	Fail func(req PlaceCallRequest) error
	// OnPlace runs after a successful call is recorded.
	OnPlace func(c PlacedCall)
}

func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *FakeProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := req.Validate(); err != nil {
		return PlaceCallResult{}, err
	}
	if p.Fail != nil {
		if err := p.Fail(req); err != nil {
			return PlaceCallResult{}, err
		}
	}
	p.mu.Lock()
	p.seq++
	c := PlacedCall{Request: req, ProviderCallID: fmt.Sprintf("fake-%d", p.seq), At: time.Now()}
	p.calls = append(p.calls, c)
	hook := p.OnPlace
	p.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return PlaceCallResult{ProviderCallID: c.ProviderCallID}, nil
}

func (p *FakeProvider) Calls() []PlacedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlacedCall, len(p.calls))
	copy(out, p.calls)
	return out
}
