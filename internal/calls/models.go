package calls

import "time"

// Call is one outbound provider call attempt tied to a campaign row.
//
// Multi-tenant invariant: OrgID is required on every call.
//
// Provider-specific identifiers live in ProviderCallID; the rest of the model
// stays provider-agnostic.
type Call struct {
	ID     string `json:"id" db:"id"`
	OrgID  string `json:"org_id" db:"org_id"`
	RunID  string `json:"run_id" db:"run_id"`
	RowID  string `json:"row_id" db:"row_id"`

	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Status    Status    `json:"status" db:"status"`
	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Metadata Metadata `json:"metadata" db:"metadata"`

	// DurationSeconds is reported by the provider once the call ends.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Metadata is what was sent to the provider for this attempt.
type Metadata struct {
	Variables map[string]string `json:"variables,omitempty"`
	Attempt   int               `json:"attempt"`
	AgentID   string            `json:"agent_id,omitempty"`
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusVoicemail  Status = "voicemail"
	StatusNoAnswer   Status = "no-answer"
	StatusBusy       Status = "busy"
	StatusCanceled   Status = "canceled"
)

// ActiveStatuses are the statuses that occupy a concurrency slot.
var ActiveStatuses = []Status{StatusPending, StatusInProgress}

// TerminalStatuses are the statuses a call never leaves.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusVoicemail, StatusNoAnswer, StatusBusy, StatusCanceled}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusVoicemail, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	default:
		return false
	}
}

// rank orders statuses so late or duplicated webhooks never move a call backwards.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		if s.Terminal() {
			return 2
		}
		return -1
	}
}

// Advances reports whether moving from s to next is a forward transition.
// Terminal calls never change again.
func (s Status) Advances(next Status) bool {
	if next.rank() < 0 || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Reached reports whether the provider resolved the call, as opposed to a dispatch
// or line failure. Voicemail and no-answer count as reached for row purposes.
func (s Status) Reached() bool {
	return s == StatusCompleted || s == StatusVoicemail || s == StatusNoAnswer
}

// CounterPath is the run metrics counter incremented when a call ends in s.
func (s Status) CounterPath() string {
	switch s {
	case StatusCompleted:
		return "calls.completed"
	case StatusVoicemail:
		return "calls.voicemail"
	case StatusNoAnswer:
		return "calls.no_answer"
	case StatusFailed, StatusBusy, StatusCanceled:
		return "calls.failed"
	default:
		return ""
	}
}
