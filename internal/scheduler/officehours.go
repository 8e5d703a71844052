package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"campaign-dialer/internal/campaign"
)

// LoadLocation returns the named zone, falling back to UTC for empty or
// unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WithinOfficeHours reports whether the organization accepts calls at now.
//
// Rules, evaluated in the organization's timezone:
//   - no office hours configured: always open
//   - weekday absent from a configured map: closed
//   - 00:00-00:00: closed all day
//   - 00:00-23:59: open all day
//   - otherwise open when start <= hh:mm <= end
//
// A malformed window is treated as closed.
func WithinOfficeHours(org campaign.Organization, now time.Time) bool {
	if len(org.OfficeHours) == 0 {
		return true
	}
	local := now.In(LoadLocation(org.Timezone))
	w, ok := org.OfficeHours[strings.ToLower(local.Weekday().String())]
	if !ok {
		return false
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	if start == 0 && end == 0 {
		return false
	}
	if start == 0 && end == 23*60+59 {
		return true
	}
	m := local.Hour()*60 + local.Minute()
	return m >= start && m <= end
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("scheduler: invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("scheduler: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("scheduler: invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ContactTimezone picks the zone a row is dialed in: the row's timezone
// variable, else the run's, else the organization's.
func ContactTimezone(row campaign.Row, run campaign.Run, org campaign.Organization) *time.Location {
	for _, name := range []string{row.Variables["timezone"], run.Config.Timezone, org.Timezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// WithinCallingHours reports whether the contact's local hour is in
// [CallStartHour, CallEndHour).
func WithinCallingHours(cfg campaign.RunConfig, loc *time.Location, now time.Time) bool {
	cfg = cfg.WithDefaults()
	h := now.In(loc).Hour()
	return h >= cfg.CallStartHour && h < cfg.CallEndHour
}
