// Package events publishes best-effort run notifications and debounced counters.
package events

import (
	"context"
	"time"
)

// Event names.
const (
	CallStarted    = "call-started"
	RunUpdated     = "run-updated"
	RunPaused      = "run-paused"
	MetricsUpdated = "metrics-updated"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher delivers an event on a logical channel. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

func RunChannel(runID string) string { return "run:" + runID }
func OrgChannel(orgID string) string { return "org:" + orgID }
