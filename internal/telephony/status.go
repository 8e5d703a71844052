package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"campaign-dialer/internal/calls"
)

// StatusUpdate is a provider status callback translated to internal types.
type StatusUpdate struct {
	Provider        string       `json:"provider"`
	ProviderCallID  string       `json:"provider_call_id"`
	Status          calls.Status `json:"status"`
	DurationSeconds int          `json:"duration_seconds"`

	// Metadata is whatever correlation data the provider echoed back.
	Metadata CallMetadata `json:"metadata"`
}

var ErrUnknownStatus = errors.New("telephony: unknown call status")

// NormalizeStatus maps provider vocabularies (Twilio and voice-agent
// platforms) onto calls.Status.
func NormalizeStatus(raw string) (calls.Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "queued", "initiated", "ringing", "registered", "pending", "created":
		return calls.StatusPending, nil
	case "in-progress", "answered", "ongoing", "active", "started":
		return calls.StatusInProgress, nil
	case "completed", "ended", "finished", "success":
		return calls.StatusCompleted, nil
	case "voicemail", "machine", "answering-machine":
		return calls.StatusVoicemail, nil
	case "no-answer", "noanswer", "unanswered":
		return calls.StatusNoAnswer, nil
	case "busy":
		return calls.StatusBusy, nil
	case "canceled", "cancelled":
		return calls.StatusCanceled, nil
	case "failed", "error":
		return calls.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// agentStatusPayload accepts both snake and camel case keys.
type agentStatusPayload struct {
	CallID      string        `json:"call_id"`
	CallIDCamel string        `json:"callId"`
	Status      string        `json:"status"`
	Duration    float64       `json:"duration"`
	EndedReason string        `json:"ended_reason"`
	Metadata    *CallMetadata `json:"metadata"`
}

// ParseAgentStatus decodes a JSON status callback from the voice-agent platform.
// A completed call whose ended reason mentions voicemail is reported as voicemail.
func ParseAgentStatus(r io.Reader) (StatusUpdate, error) {
	var p agentStatusPayload
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&p); err != nil {
		return StatusUpdate{}, fmt.Errorf("telephony: decode status: %w", err)
	}
	id := p.CallID
	if id == "" {
		id = p.CallIDCamel
	}
	if id == "" {
		return StatusUpdate{}, errors.New("telephony: status callback missing call id")
	}
	st, err := NormalizeStatus(p.Status)
	if err != nil {
		return StatusUpdate{}, err
	}
	if st == calls.StatusCompleted && strings.Contains(strings.ToLower(p.EndedReason), "voicemail") {
		st = calls.StatusVoicemail
	}
	out := StatusUpdate{Provider: "agent", ProviderCallID: id, Status: st, DurationSeconds: int(p.Duration)}
	if p.Metadata != nil {
		out.Metadata = *p.Metadata
	}
	return out, nil
}
