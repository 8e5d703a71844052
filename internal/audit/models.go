package audit

import (
	"context"
	"time"
)

// Event is an immutable, append-only audit log record of a run lifecycle change.
//
// Invariants:
// - Events are never updated or deleted.
// - org_id is required for tenancy isolation.
// - actor capture is best-effort; do not block critical flows on audit failures.
//
// Storage (Postgres): table run_audit_events, INSERT-only.
type Event struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`
	RunID string `json:"run_id,omitempty" db:"run_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event. Empty for the engine.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRunTransition EventType = "run_transition"
	EventTypeRowsIngested  EventType = "rows_ingested"
)

// Actor identifies who caused an event.
type Actor struct {
	UserID string
	Role   string
}

// SystemActor is used for transitions made by the scheduler, monitor and cron jobs.
var SystemActor = Actor{Role: "system"}

type ctxKey int

const ctxActor ctxKey = iota

// WithActor records who is acting for the rest of the request.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

// ActorFrom returns the actor stored by WithActor, or SystemActor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(ctxActor).(Actor); ok && (a.UserID != "" || a.Role != "") {
		return a
	}
	return SystemActor
}
