package events

import (
	"context"
	"log/slog"

	"campaign-dialer/internal/campaign"
)

type CallStartedPayload struct {
	RunID          string `json:"runId"`
	RowID          string `json:"rowId"`
	CallID         string `json:"callId"`
	ProviderCallID string `json:"providerCallId"`
	To             string `json:"to"`
	Attempt        int    `json:"attempt"`
}

type RunUpdatedPayload struct {
	RunID   string              `json:"runId"`
	Status  campaign.RunStatus  `json:"status"`
	Metrics campaign.RunMetrics `json:"metrics"`
}

type RunPausedPayload struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason"`
}

// Notifier publishes engine events on the run and organization channels.
// Publishing never fails the caller: errors are logged and dropped.
// A nil *Notifier is a no-op.
type Notifier struct {
	pub Publisher
	log *slog.Logger
}

func NewNotifier(pub Publisher, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, log: log}
}

func (n *Notifier) CallStarted(ctx context.Context, orgID string, p CallStartedPayload) {
	n.both(ctx, orgID, p.RunID, CallStarted, p)
}

func (n *Notifier) RunUpdated(ctx context.Context, run campaign.Run) {
	n.both(ctx, run.OrgID, run.ID, RunUpdated, RunUpdatedPayload{RunID: run.ID, Status: run.Status, Metrics: run.Metrics})
}

func (n *Notifier) RunPaused(ctx context.Context, run campaign.Run, reason string) {
	n.both(ctx, run.OrgID, run.ID, RunPaused, RunPausedPayload{RunID: run.ID, Reason: reason})
}

// MetricsUpdated publishes on the run channel only; org dashboards follow run-updated.
func (n *Notifier) MetricsUpdated(ctx context.Context, runID string, payload map[string]any) {
	if n == nil || n.pub == nil {
		return
	}
	n.send(ctx, RunChannel(runID), MetricsUpdated, payload)
}

func (n *Notifier) both(ctx context.Context, orgID, runID, event string, payload any) {
	if n == nil || n.pub == nil {
		return
	}
	n.send(ctx, RunChannel(runID), event, payload)
	if orgID != "" {
		n.send(ctx, OrgChannel(orgID), event, payload)
	}
}

func (n *Notifier) send(ctx context.Context, channel, event string, payload any) {
	if err := n.pub.Publish(ctx, channel, event, payload); err != nil {
		n.log.WarnContext(ctx, "event publish failed", "channel", channel, "event", event, "err", err)
	}
}
