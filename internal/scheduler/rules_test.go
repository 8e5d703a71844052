package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/campaign"
)

func TestWithinOfficeHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	at := func(day, hour, min int) time.Time {
		// March 3, 2025 is a Monday.
		return time.Date(2025, 3, day, hour, min, 0, 0, ny).UTC()
	}
	org := campaign.Organization{
		Timezone: "America/New_York",
		OfficeHours: map[string]campaign.DayWindow{
			"monday":    {Start: "09:00", End: "17:00"},
			"tuesday":   {Start: "00:00", End: "00:00"},
			"wednesday": {Start: "00:00", End: "23:59"},
			"thursday":  {Start: "nine", End: "17:00"},
		},
	}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before open", at(3, 8, 59), false},
		{"at open", at(3, 9, 0), true},
		{"at close", at(3, 17, 0), true},
		{"after close", at(3, 17, 1), false},
		{"closed all day", at(4, 12, 0), false},
		{"open all day late", at(5, 23, 59), true},
		{"open all day midnight", at(5, 0, 0), true},
		{"malformed window", at(6, 12, 0), false},
		{"weekday not configured", at(8, 12, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WithinOfficeHours(org, tc.now))
		})
	}

	assert.True(t, WithinOfficeHours(campaign.Organization{}, at(8, 3, 0)), "no office hours means open")
}

func TestWithinCallingHours(t *testing.T) {
	cfg := campaign.RunConfig{CallStartHour: 9, CallEndHour: 20}
	day := func(h, m int) time.Time { return time.Date(2025, 3, 3, h, m, 0, 0, time.UTC) }

	assert.False(t, WithinCallingHours(cfg, time.UTC, day(8, 59)))
	assert.True(t, WithinCallingHours(cfg, time.UTC, day(9, 0)))
	assert.True(t, WithinCallingHours(cfg, time.UTC, day(19, 59)))
	assert.False(t, WithinCallingHours(cfg, time.UTC, day(20, 0)))

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// 17:00 UTC is 09:00 in Los Angeles (PST).
	assert.True(t, WithinCallingHours(cfg, la, day(17, 0)))
	assert.False(t, WithinCallingHours(cfg, la, day(16, 59)))
}

func TestContactTimezone(t *testing.T) {
	row := campaign.Row{Variables: map[string]string{"timezone": "America/Chicago"}}
	run := campaign.Run{Config: campaign.RunConfig{Timezone: "America/Denver"}}
	org := campaign.Organization{Timezone: "America/New_York"}

	assert.Equal(t, "America/Chicago", ContactTimezone(row, run, org).String())
	assert.Equal(t, "America/Denver", ContactTimezone(campaign.Row{}, run, org).String())
	assert.Equal(t, "America/New_York", ContactTimezone(campaign.Row{}, campaign.Run{}, org).String())

	bad := campaign.Row{Variables: map[string]string{"timezone": "Mars/Olympus"}}
	assert.Equal(t, "America/Denver", ContactTimezone(bad, run, org).String())
	assert.Equal(t, time.UTC, ContactTimezone(campaign.Row{}, campaign.Run{}, campaign.Organization{}))
}

func TestBatchSizer_AIMD(t *testing.T) {
	b := NewBatchSizer(4, 6)
	assert.Equal(t, 5, b.Observe(10, 10))
	assert.Equal(t, 6, b.Observe(10, 9))
	assert.Equal(t, 6, b.Observe(10, 10), "capped at max")
	assert.Equal(t, 6, b.Observe(10, 7), "0.7 holds steady")
	assert.Equal(t, 3, b.Observe(10, 4))
	assert.Equal(t, 1, b.Observe(10, 2))
	assert.Equal(t, 1, b.Observe(10, 0), "never below one")
	assert.Equal(t, 1, b.Observe(0, 0))
	assert.Equal(t, 1, b.Shrink())

	assert.Equal(t, 3, NewBatchSizer(9, 3).Size())
	assert.Equal(t, 1, NewBatchSizer(0, 0).Size())
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 15*time.Minute, o.OfficeHoursPoll)
	assert.Equal(t, 20, o.MaxBatchSize)
	assert.Equal(t, 3, o.FailureThreshold)

	o = Options{OfficeHoursPoll: time.Hour}.withDefaults()
	assert.Equal(t, time.Hour, o.OfficeHoursPoll)
}

func TestSettleBatch_FailureCutShrinksOnce(t *testing.T) {
	st := &runState{sizer: NewBatchSizer(10, 10)}
	assert.Equal(t, 5, st.sizer.Shrink())
	assert.Equal(t, 5, st.settleBatch(3, 0, true))

	assert.Equal(t, 2, st.settleBatch(3, 0, false), "a full batch below the threshold halves")
	assert.Equal(t, 3, st.settleBatch(4, 4, false))
}

func TestResolvePhone(t *testing.T) {
	p, ok := ResolvePhone(map[string]string{"cell": "555-000-1111", "phone": " 5551234567 "})
	assert.True(t, ok)
	assert.Equal(t, "5551234567", p)

	_, ok = ResolvePhone(map[string]string{"primaryPhone": "  "})
	assert.False(t, ok)
}

func TestE164(t *testing.T) {
	assert.Equal(t, "+15551234567", E164("5551234567"))
	assert.Equal(t, "+15551234567", E164("1 (555) 123-4567"))
	assert.Equal(t, "+442071234567", E164("442071234567"))
	assert.Equal(t, "+15551234567", E164("+15551234567"))
	assert.Equal(t, "abc", E164("abc"))
}

func TestBuildVariables(t *testing.T) {
	row := campaign.Row{ID: "row-1", RetryCount: 1, Variables: map[string]string{"firstName": "Ada", "runId": "spoofed"}}
	run := campaign.Run{ID: "run-1", Name: "Flu shots", Config: campaign.RunConfig{CustomPrompt: "Be brief"}}
	org := campaign.Organization{Name: "Acme Clinic"}

	got := BuildVariables(row, run, org, 2)
	assert.Equal(t, map[string]string{
		"firstName":        "Ada",
		"organizationName": "Acme Clinic",
		"campaignName":     "Flu shots",
		"customPrompt":     "Be brief",
		"retryCount":       "1",
		"attempt":          "2",
		"runId":            "run-1",
		"rowId":            "row-1",
	}, got)
}

type leaseScript struct {
	acquire  bool
	refresh  atomic.Bool
	released atomic.Int32
}

func (l *leaseScript) funcs() leaseFuncs {
	return leaseFuncs{
		acquire: func(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
			return l.acquire, nil
		},
		refresh: func(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
			return l.refresh.Load(), nil
		},
		release: func(ctx context.Context, key, token string) error {
			l.released.Add(1)
			return nil
		},
	}
}

func TestRedisGuard_HeldElsewhere(t *testing.T) {
	l := &leaseScript{}
	g := newRedisGuard(l.funcs(), "dialer:", 30*time.Millisecond, nil)

	_, release, ok, err := g.Acquire(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, ok)
	release()
	assert.Zero(t, l.released.Load())
}

func TestRedisGuard_LostLeaseCancelsContext(t *testing.T) {
	l := &leaseScript{acquire: true}
	l.refresh.Store(true)
	g := newRedisGuard(l.funcs(), "dialer:", 30*time.Millisecond, nil)
	assert.Equal(t, "dialer:run-lease:run-1", g.key("run-1"))

	leaseCtx, release, ok, err := g.Acquire(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, leaseCtx.Err(), "refreshed lease stays valid")

	l.refresh.Store(false)
	require.Eventually(t, func() bool { return leaseCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(leaseCtx.Err(), context.Canceled))

	release()
	assert.Equal(t, int32(1), l.released.Load())
}
