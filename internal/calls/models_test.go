package calls

import "testing"

func TestStatusPredicates(t *testing.T) {
	for _, s := range ActiveStatuses {
		if !s.Active() || s.Terminal() {
			t.Fatalf("expected %q active and non-terminal", s)
		}
	}
	for _, s := range TerminalStatuses {
		if s.Active() || !s.Terminal() {
			t.Fatalf("expected %q terminal", s)
		}
		if s.CounterPath() == "" {
			t.Fatalf("expected counter path for %q", s)
		}
	}
}

func TestStatusAdvances(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, true},
		{StatusInProgress, StatusNoAnswer, true},
		{StatusInProgress, StatusPending, false},
		{StatusInProgress, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusPending, Status("ringing"), false},
	}
	for _, tc := range cases {
		if got := tc.from.Advances(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestStatusReached(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusVoicemail, StatusNoAnswer} {
		if !s.Reached() {
			t.Fatalf("expected %q reached", s)
		}
	}
	for _, s := range []Status{StatusFailed, StatusBusy, StatusCanceled, StatusInProgress} {
		if s.Reached() {
			t.Fatalf("expected %q not reached", s)
		}
	}
}
