package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"campaign-dialer/internal/contacts"
)

// DefaultPhoneRegion is assumed for numbers written without a country code.
const DefaultPhoneRegion = "US"

// parsePhone accepts national numbers for DefaultPhoneRegion, "+"-prefixed
// international numbers and bare international digits ("442071234567").
func parsePhone(raw string) (*phonenumbers.PhoneNumber, error) {
	num, err := phonenumbers.Parse(raw, DefaultPhoneRegion)
	if err == nil && phonenumbers.IsPossibleNumber(num) {
		return num, nil
	}
	if d := contacts.Digits(raw); len(d) > 10 && !strings.HasPrefix(strings.TrimSpace(raw), "+") {
		if intl, ierr := phonenumbers.Parse("+"+d, ""); ierr == nil && phonenumbers.IsPossibleNumber(intl) {
			return intl, nil
		}
	}
	return nil, fmt.Errorf("invalid phone number %q", raw)
}

// NormalizePhone returns the canonical digit string for a phone number:
// the national number for the default region, country code plus national
// number otherwise.
func NormalizePhone(raw string) (string, error) {
	num, err := parsePhone(raw)
	if err != nil {
		return "", err
	}
	nsn := phonenumbers.GetNationalSignificantNumber(num)
	cc := int(num.GetCountryCode())
	if cc == phonenumbers.GetCountryCodeForRegion(DefaultPhoneRegion) {
		return nsn, nil
	}
	return strconv.Itoa(cc) + nsn, nil
}

// FormatE164 renders a phone number as E.164 ("+15551234567").
func FormatE164(raw string) (string, error) {
	num, err := parsePhone(raw)
	if err != nil {
		return "", err
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func formatShortDate(raw string) (string, error) {
	t, err := parseCalendarDate(raw)
	if err != nil {
		return "", err
	}
	return t.Format("01/02/2006"), nil
}

func formatLongDate(raw string) (string, error) {
	t, err := parseCalendarDate(raw)
	if err != nil {
		return "", err
	}
	return t.Format("January 2, 2006"), nil
}

var timeLayouts = []string{
	"3:04 PM",
	"3:04PM",
	"3:04 pm",
	"3:04pm",
	"3 PM",
	"3PM",
	"3pm",
	"3:04:05 PM",
	"15:04",
	"15:04:05",
}

// formatTime renders a time of day as "3:04 PM". Spreadsheet day fractions
// (0.5 = noon) are accepted.
func formatTime(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("3:04 PM"), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f < 1 {
		mins := int(math.Round(f * 24 * 60))
		t := time.Date(0, 1, 1, mins/60, mins%60, 0, 0, time.UTC)
		return t.Format("3:04 PM"), nil
	}
	return "", fmt.Errorf("unrecognized time %q", raw)
}

var credentials = map[string]bool{
	"md": true, "do": true, "np": true, "pa": true, "pac": true, "dds": true,
	"dmd": true, "dpm": true, "od": true, "phd": true, "rn": true, "fnp": true,
	"aprn": true, "dnp": true, "facp": true, "mba": true, "jr": true, "sr": true,
}

// formatProviderName renders "LAST, FIRST MD" or "First Last, DO" as
// "Dr. First Last".
func formatProviderName(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, p := range []string{"dr.", "dr "} {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}

	var first, last []string
	if left, right, ok := strings.Cut(s, ","); ok {
		rest := stripCredentials(strings.Fields(right))
		name := stripCredentials(strings.Fields(left))
		if len(rest) > 0 {
			// LAST, FIRST [MIDDLE] [CRED]
			first, last = rest, name
		} else if len(name) > 0 {
			first, last = name[:1], name[1:]
		}
	} else {
		name := stripCredentials(strings.Fields(s))
		if len(name) > 0 {
			first, last = name[:1], name[1:]
		}
	}
	parts := append(append([]string{}, first...), last...)
	if len(parts) == 0 {
		return "", fmt.Errorf("unrecognized provider name %q", raw)
	}
	return "Dr. " + TitleCase(strings.Join(parts, " ")), nil
}

func stripCredentials(ws []string) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		if credentials[normalize(w)] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TitleCase capitalizes names given in a single case ("ANN LEE", "o'brien").
// Mixed-case input such as "McDonald" is kept as typed.
func TitleCase(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s != strings.ToUpper(s) && s != strings.ToLower(s) {
		return s
	}
	// A Caser is stateful; one per call.
	caser := cases.Title(language.English)
	parts := strings.Split(s, "'")
	for i, p := range parts {
		parts[i] = caser.String(p)
	}
	return strings.Join(parts, "'")
}

// splitFullName handles "Last, First" and "First Middle Last".
func splitFullName(full string) (first, last string) {
	if l, f, ok := strings.Cut(full, ","); ok {
		return strings.TrimSpace(f), strings.TrimSpace(l)
	}
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
