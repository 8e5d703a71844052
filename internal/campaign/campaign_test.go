package campaign

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_StateMachine(t *testing.T) {
	allowed := [][2]RunStatus{
		{RunStatusDraft, RunStatusReady},
		{RunStatusReady, RunStatusScheduled},
		{RunStatusReady, RunStatusRunning},
		{RunStatusScheduled, RunStatusRunning},
		{RunStatusScheduled, RunStatusFailed},
		{RunStatusRunning, RunStatusPaused},
		{RunStatusPaused, RunStatusRunning},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	denied := [][2]RunStatus{
		{RunStatusDraft, RunStatusRunning},
		{RunStatusCompleted, RunStatusRunning},
		{RunStatusFailed, RunStatusPaused},
		{RunStatusPaused, RunStatusCompleted},
		{RunStatusReady, RunStatusCompleted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestSourcesFor_Paused(t *testing.T) {
	got := SourcesFor(RunStatusPaused)
	assert.ElementsMatch(t, []RunStatus{RunStatusDraft, RunStatusReady, RunStatusScheduled, RunStatusRunning}, got)
}

func TestRunConfig_WithDefaults(t *testing.T) {
	c := RunConfig{CallsPerMinute: 60}.WithDefaults()
	assert.Equal(t, 60, c.CallsPerMinute)
	assert.Equal(t, DefaultBatchSize, c.BatchSize)
	assert.Equal(t, DefaultMaxRetries, c.MaxRetries)
	assert.Equal(t, DefaultCallStartHour, c.CallStartHour)
	assert.Equal(t, DefaultCallEndHour, c.CallEndHour)

	c = RunConfig{CallStartHour: 0, CallEndHour: 24}.WithDefaults()
	assert.Equal(t, 0, c.CallStartHour)
	assert.Equal(t, 24, c.CallEndHour)
}

func TestRowCounts_AddAndSum(t *testing.T) {
	var c RowCounts
	c.Add(RowStatusPending, 2)
	c.Add(RowStatusCalling, 1)
	c.Add(RowStatusCompleted, 3)
	c.Add(RowStatusFailed, 1)
	c.Add(RowStatusSkipped, 1)
	c.Add(RowStatus("bogus"), 10)
	assert.Equal(t, 8, c.Sum())
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NotFound("start run", "run", "r1"))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindParse))
	assert.Contains(t, err.Error(), `run "r1" not found`)

	conflict := fmt.Errorf("claim: %w", Conflict("claim row"))
	assert.True(t, errors.Is(conflict, ErrConcurrencyConflict))
	assert.False(t, errors.Is(NotFound("x", "run", "y"), ErrConcurrencyConflict))

	base := errors.New("connection refused")
	p := PersistenceError("insert rows", base)
	assert.True(t, IsKind(p, KindPersistence))
	assert.ErrorIs(t, p, base)

	// Typed errors are not re-wrapped as persistence failures.
	assert.True(t, IsKind(PersistenceError("get run", NotFound("get run", "run", "x")), KindNotFound))
	assert.NoError(t, PersistenceError("noop", nil))
}
