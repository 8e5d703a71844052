package campaign

import "time"

// Run is one execution of a calling campaign against a set of rows.
//
// Multi-tenant invariant: OrgID is required and every inbound operation
// checks it against the caller's organization.
//
// Config and Metrics are typed here and only become JSON documents at the
// storage boundary (config / metrics JSONB columns).
type Run struct {
	ID     string    `json:"id" db:"id"`
	OrgID  string    `json:"org_id" db:"org_id"`
	Name   string    `json:"name" db:"name"`
	Status RunStatus `json:"status" db:"status"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`

	Config  RunConfig  `json:"config" db:"config"`
	Metrics RunMetrics `json:"metrics" db:"metrics"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RunConfig is the user-supplied dispatch configuration of a run.
// Zero values mean "use the default" (see WithDefaults).
type RunConfig struct {
	BatchSize        int  `json:"batch_size,omitempty"`
	CallsPerMinute   int  `json:"calls_per_minute,omitempty"`
	MaxRetries       int  `json:"max_retries,omitempty"`
	ConcurrencyLimit int  `json:"concurrency_limit,omitempty"`
	RespectTimezone  bool `json:"respect_timezone,omitempty"`

	// CallStartHour/CallEndHour bound the contact's local hour: start <= h < end.
	CallStartHour int    `json:"call_start_hour,omitempty"`
	CallEndHour   int    `json:"call_end_hour,omitempty"`
	Timezone      string `json:"timezone,omitempty"`

	AgentID      string `json:"agent_id,omitempty"`
	FromNumber   string `json:"from_number,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

const (
	DefaultBatchSize      = 5
	DefaultCallsPerMinute = 10
	DefaultMaxRetries     = 2
	DefaultCallStartHour  = 9
	DefaultCallEndHour    = 20
)

// WithDefaults fills zero values. It never overrides explicit settings.
func (c RunConfig) WithDefaults() RunConfig {
	out := c
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.CallsPerMinute <= 0 {
		out.CallsPerMinute = DefaultCallsPerMinute
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.CallStartHour == 0 && out.CallEndHour == 0 {
		out.CallStartHour = DefaultCallStartHour
		out.CallEndHour = DefaultCallEndHour
	}
	return out
}

// RowCounts is the per-status breakdown of a run's rows.
type RowCounts struct {
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sum returns the number of rows accounted for by the breakdown.
func (c RowCounts) Sum() int {
	return c.Pending + c.Calling + c.Completed + c.Failed + c.Skipped
}

// Add increments the bucket for status.
func (c *RowCounts) Add(status RowStatus, n int) {
	switch status {
	case RowStatusPending:
		c.Pending += n
	case RowStatusCalling:
		c.Calling += n
	case RowStatusCompleted:
		c.Completed += n
	case RowStatusFailed:
		c.Failed += n
	case RowStatusSkipped:
		c.Skipped += n
	}
}

// IngestTotals records what ingestion produced for a run.
type IngestTotals struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// RunMetrics is the aggregate metadata of a run.
type RunMetrics struct {
	Rows IngestTotals `json:"rows"`

	// Counters holds debounced counters keyed by dotted path (e.g. calls.completed).
	Counters map[string]int64 `json:"counters,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	Final           *RowCounts `json:"final,omitempty"`

	// LastActivatedAt is when a scheduled run was last moved to running.
	LastActivatedAt *time.Time `json:"last_activated_at,omitempty"`

	PauseReason string `json:"pause_reason,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorStack  string `json:"error_stack,omitempty"`
}

// Counter counter paths used across the engine.
const (
	CounterCallsStarted        = "calls.started"
	CounterCallsCompleted      = "calls.completed"
	CounterCallsFailed         = "calls.failed"
	CounterCallsVoicemail      = "calls.voicemail"
	CounterCallsNoAnswer       = "calls.no_answer"
	CounterDispatchFailed      = "calls.failed_dispatch"
	CounterSkippedOutsideHours = "rows.skipped_outside_hours"
	CounterStuckReset          = "rows.stuck_reset"
	CounterMonitorFixed        = "rows.monitor_fixed"
)

// Pause reasons.
const (
	PauseReasonUser               = "user"
	PauseReasonOutsideOfficeHours = "outside_office_hours"
)

// Row is one contact-call unit belonging to a Run.
type Row struct {
	ID     string    `json:"id" db:"id"`
	RunID  string    `json:"run_id" db:"run_id"`
	OrgID  string    `json:"org_id" db:"org_id"`
	Status RowStatus `json:"status" db:"status"`

	Variables map[string]string `json:"variables" db:"variables"`

	// ContactID is empty when the contact could not be resolved.
	ContactID   string `json:"contact_id,omitempty" db:"contact_id"`
	ContactHash string `json:"contact_hash,omitempty" db:"contact_hash"`

	RetryCount   int    `json:"retry_count" db:"retry_count"`
	CallAttempts int    `json:"call_attempts" db:"call_attempts"`
	LastError    string `json:"last_error,omitempty" db:"last_error"`

	Priority  int `json:"priority" db:"priority"`
	SortIndex int `json:"sort_index" db:"sort_index"`

	Diagnostics RowDiagnostics `json:"diagnostics" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RowDiagnostics holds timestamps and flags recorded while a row is processed.
type RowDiagnostics struct {
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	ResetFromStuck  bool       `json:"reset_from_stuck,omitempty"`
	StuckResetCount int        `json:"stuck_reset_count,omitempty"`
	LastResetAt     *time.Time `json:"last_reset_at,omitempty"`

	FixedByMonitor bool       `json:"fixed_by_monitor,omitempty"`
	MonitorFixedAt *time.Time `json:"monitor_fixed_at,omitempty"`

	SkippedOutsideHours int        `json:"skipped_outside_hours,omitempty"`
	LastSkippedAt       *time.Time `json:"last_skipped_at,omitempty"`

	ContactResolveError    string `json:"contact_resolve_error,omitempty"`
	ProviderErrorRecovered bool   `json:"provider_error_recovered,omitempty"`
	FailureReason          string `json:"failure_reason,omitempty"`
	LastCallID             string `json:"last_call_id,omitempty"`
}

// CallWithinClaim reports whether a call created at created was placed under
// the row's current claim. Calls from an earlier claim must not decide the row.
// A row with no recorded claim accepts any call.
func (r Row) CallWithinClaim(created time.Time) bool {
	return r.Diagnostics.ClaimedAt == nil || !created.Before(*r.Diagnostics.ClaimedAt)
}

// Contact is a deduplicated person record shared across runs and organizations.
type Contact struct {
	ID        string    `json:"id" db:"id"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	DOB       string    `json:"dob,omitempty" db:"dob"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Hash      string    `json:"hash" db:"hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DayWindow is an office-hours window in "HH:MM" local time.
type DayWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Organization carries the org-level dispatch settings the engine needs.
type Organization struct {
	ID               string `json:"id" db:"id"`
	Name             string `json:"name" db:"name"`
	Timezone         string `json:"timezone" db:"timezone"`
	ConcurrencyLimit int    `json:"concurrency_limit" db:"concurrency_limit"`

	// OfficeHours is keyed by lowercase weekday name ("monday"...). An empty
	// map means no restriction.
	OfficeHours map[string]DayWindow `json:"office_hours,omitempty" db:"office_hours"`

	DefaultFromNumber string `json:"default_from_number,omitempty" db:"default_from_number"`
	DefaultAgentID    string `json:"default_agent_id,omitempty" db:"default_agent_id"`
}
