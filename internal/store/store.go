// Package store persists runs, rows, calls, contacts and organizations.
//
// Two implementations exist: MemoryStore (tests, the validate CLI) and
// PostgresStore (production). Both must honor the same conditional-write
// semantics: a row claim and every status transition are single atomic
// compare-and-set operations.
package store

import (
	"context"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
)

// RowMutation edits a row inside a conditional transition. It must not change
// ID, RunID or OrgID.
type RowMutation func(r *campaign.Row)

// RunMutation edits run metrics inside a locked read-modify-write.
type RunMutation func(m *campaign.RunMetrics)

// RunStore persists runs and organizations.
type RunStore interface {
	CreateRun(ctx context.Context, run campaign.Run) error
	GetRun(ctx context.Context, runID string) (campaign.Run, error)
	ListRunsByStatus(ctx context.Context, status campaign.RunStatus) ([]campaign.Run, error)

	// TransitionRun moves the run to `to` only if its current status is one of
	// from. It returns false (no error) when the condition did not hold.
	// mutate, if non-nil, is applied to the metrics in the same write.
	TransitionRun(ctx context.Context, runID string, from []campaign.RunStatus, to campaign.RunStatus, mutate RunMutation) (bool, error)

	UpdateRunMetrics(ctx context.Context, runID string, mutate RunMutation) error
	SetRunSchedule(ctx context.Context, runID string, at time.Time) error

	// IncrementRunCounter adds delta to metrics.counters[path] and returns the new value.
	IncrementRunCounter(ctx context.Context, runID, path string, delta int64) (int64, error)

	GetOrganization(ctx context.Context, orgID string) (campaign.Organization, error)
	UpsertOrganization(ctx context.Context, org campaign.Organization) error
}

// RowStore persists rows.
type RowStore interface {
	InsertRows(ctx context.Context, rows []campaign.Row) error
	GetRow(ctx context.Context, rowID string) (campaign.Row, error)

	// NextPendingRows returns up to limit pending rows ordered by priority desc,
	// sort index asc, skipping ids in exclude.
	NextPendingRows(ctx context.Context, runID string, limit int, exclude []string) ([]campaign.Row, error)

	// ClaimRow atomically moves a row pending -> calling. It returns false when
	// the row was no longer pending.
	ClaimRow(ctx context.Context, rowID string, now time.Time) (bool, error)

	// TransitionRow applies mutate and sets status `to` only if the row's
	// current status is one of from. It returns false when the condition did not hold.
	TransitionRow(ctx context.Context, rowID string, from []campaign.RowStatus, to campaign.RowStatus, mutate RowMutation) (bool, error)

	SetRowContact(ctx context.Context, rowID, contactID string) error
	CountRowsByStatus(ctx context.Context, runID string) (campaign.RowCounts, error)

	// ListStuckRows returns calling rows last updated before cutoff. An empty
	// runID lists across all runs.
	ListStuckRows(ctx context.Context, runID string, cutoff time.Time) ([]campaign.Row, error)
}

// CallStore persists calls.
type CallStore interface {
	CreateCall(ctx context.Context, call calls.Call) error
	GetCallByProviderID(ctx context.Context, providerCallID string) (calls.Call, error)

	// UpdateCallStatus applies status only if it advances the call
	// (see calls.Status.Advances). It returns the stored call and whether it changed.
	UpdateCallStatus(ctx context.Context, callID string, status calls.Status, durationSeconds int) (calls.Call, bool, error)

	// CountActiveCalls counts pending/in-progress calls for the org, narrowed
	// to a run when runID is not empty.
	CountActiveCalls(ctx context.Context, orgID, runID string) (int, error)

	// LatestCallForRow returns the newest call created for the row at or after since.
	LatestCallForRow(ctx context.Context, rowID string, since time.Time) (calls.Call, error)

	// ListTerminalCallsForCallingRows returns terminal calls whose row is still
	// calling. An empty runID lists across all runs.
	ListTerminalCallsForCallingRows(ctx context.Context, runID string) ([]calls.Call, error)

	// ListCallsForRun returns every call of the run, oldest first.
	ListCallsForRun(ctx context.Context, runID string) ([]calls.Call, error)
}

// ContactStore persists contacts and their organization links.
type ContactStore interface {
	FindContactByHash(ctx context.Context, hash string) (campaign.Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (campaign.Contact, error)

	// UpsertContact inserts c unless a contact with the same hash exists, and
	// returns the stored contact plus whether this call created it.
	UpsertContact(ctx context.Context, c campaign.Contact) (campaign.Contact, bool, error)

	EnsureOrgLink(ctx context.Context, orgID, contactID string) error
}

// Store is the full persistence contract.
type Store interface {
	RunStore
	RowStore
	CallStore
	ContactStore
}
