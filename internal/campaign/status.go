package campaign

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusDraft     RunStatus = "draft"
	RunStatusReady     RunStatus = "ready"
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// runTransitions lists the allowed edges of the run state machine.
// Pause is reachable from every non-terminal state.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusDraft:     {RunStatusReady, RunStatusPaused},
	RunStatusReady:     {RunStatusScheduled, RunStatusRunning, RunStatusPaused},
	RunStatusScheduled: {RunStatusRunning, RunStatusFailed, RunStatusPaused},
	RunStatusRunning:   {RunStatusPaused, RunStatusCompleted, RunStatusFailed},
	RunStatusPaused:    {RunStatusRunning, RunStatusScheduled, RunStatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may transition into to.
func SourcesFor(to RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{RunStatusDraft, RunStatusReady, RunStatusScheduled, RunStatusRunning, RunStatusPaused} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// RowStatus is the dispatch state of a Row.
type RowStatus string

const (
	RowStatusPending   RowStatus = "pending"
	RowStatusCalling   RowStatus = "calling"
	RowStatusCompleted RowStatus = "completed"
	RowStatusFailed    RowStatus = "failed"
	RowStatusSkipped   RowStatus = "skipped"
)

// Valid reports whether s is a known row status.
func (s RowStatus) Valid() bool {
	switch s {
	case RowStatusPending, RowStatusCalling, RowStatusCompleted, RowStatusFailed, RowStatusSkipped:
		return true
	default:
		return false
	}
}

// Done reports whether the row needs no further dispatch.
func (s RowStatus) Done() bool {
	return s == RowStatusCompleted || s == RowStatusFailed || s == RowStatusSkipped
}
