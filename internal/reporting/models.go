package reporting

import (
	"time"

	"campaign-dialer/internal/campaign"
)

// CallsSummary aggregates the calls placed for one run.
type CallsSummary struct {
	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	VoicemailCalls int `json:"voicemail_calls"`
	NoAnswerCalls  int `json:"no_answer_calls"`
	BusyCalls      int `json:"busy_calls"`
	FailedCalls    int `json:"failed_calls"`
	CanceledCalls  int `json:"canceled_calls"`
	ActiveCalls    int `json:"active_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// ConnectionRate is reached calls over ended calls.
	ConnectionRate float64 `json:"connection_rate"`
}

// RunSummary is the operator view of a run.
//
// Reconciled is false when stored rows, call records and run metrics
// disagree; Discrepancies says how.
type RunSummary struct {
	RunID  string             `json:"run_id"`
	OrgID  string             `json:"org_id"`
	Name   string             `json:"name"`
	Status campaign.RunStatus `json:"status"`

	Rows     campaign.RowCounts    `json:"rows"`
	Ingested campaign.IngestTotals `json:"ingested"`
	Counters map[string]int64      `json:"counters,omitempty"`
	Calls    CallsSummary          `json:"calls"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	PauseReason     string     `json:"pause_reason,omitempty"`
	Error           string     `json:"error,omitempty"`

	Reconciled    bool     `json:"reconciled"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}
