package ingest

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxBirthAge is the age above which a two-digit birth year is read
// as previous-century.
const DefaultMaxBirthAge = 80

// BirthYearPolicy resolves dates of birth, including two-digit years:
//
//   - yy greater than the current two-digit year is previous-century;
//   - otherwise current-century, unless that implies an age over MaxAge,
//     in which case previous-century;
//   - any resulting date in the future is shifted back 100 years.
type BirthYearPolicy struct {
	MaxAge int
	Now    func() time.Time
}

func DefaultBirthYearPolicy() BirthYearPolicy {
	return BirthYearPolicy{MaxAge: DefaultMaxBirthAge, Now: time.Now}
}

func (p BirthYearPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p BirthYearPolicy) maxAge() int {
	if p.MaxAge <= 0 {
		return DefaultMaxBirthAge
	}
	return p.MaxAge
}

// Resolve parses raw as a date of birth.
func (p BirthYearPolicy) Resolve(raw string) (time.Time, error) {
	d, err := parseDate(raw)
	if err != nil {
		return time.Time{}, err
	}
	now := p.now()
	year := d.year
	if d.twoDigitYear {
		cur := now.Year()
		cur2 := cur % 100
		century := cur - cur2
		if year > cur2 {
			year = century - 100 + year
		} else {
			year = century + year
			if ageOn(year, d.month, d.day, now) > p.maxAge() {
				year -= 100
			}
		}
	}
	t, err := makeDate(year, d.month, d.day)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now) {
		t = t.AddDate(-100, 0, 0)
	}
	return t, nil
}

// Format resolves raw and renders it as YYYY-MM-DD.
func (p BirthYearPolicy) Format(raw string) (string, error) {
	t, err := p.Resolve(raw)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

func ageOn(year int, month time.Month, day int, now time.Time) int {
	age := now.Year() - year
	if now.Month() < month || (now.Month() == month && now.Day() < day) {
		age--
	}
	return age
}

type dateParts struct {
	year         int
	month        time.Month
	day          int
	twoDigitYear bool
}

var (
	numericDate = regexp.MustCompile(`^(\d{1,4})[/\-.](\d{1,2})[/\-.](\d{1,4})$`)
	excelSerial = regexp.MustCompile(`^\d{1,6}(\.\d+)?$`)

	// Named-month and timestamp layouts tried after the numeric forms.
	textDateLayouts = []string{
		"January 2, 2006",
		"January 2 2006",
		"Jan 2, 2006",
		"Jan 2 2006",
		"2 January 2006",
		"2 Jan 2006",
		"02-Jan-2006",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"01/02/2006 15:04",
		"01/02/2006 15:04:05",
	}
)

// excelEpoch is day zero of the 1900 date system (with the 1900 leap-year bug).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

func parseDate(raw string) (dateParts, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return dateParts{}, fmt.Errorf("empty date")
	}

	if m := numericDate.FindStringSubmatch(s); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		c, _ := strconv.Atoi(m[3])
		var d dateParts
		if len(m[1]) == 4 {
			d = dateParts{year: a, month: time.Month(b), day: c}
		} else {
			if len(m[3]) != 2 && len(m[3]) != 4 {
				return dateParts{}, fmt.Errorf("unrecognized date %q", raw)
			}
			d = dateParts{year: c, month: time.Month(a), day: b, twoDigitYear: len(m[3]) == 2}
		}
		if _, err := makeDate(d.year, d.month, d.day); err != nil && !d.twoDigitYear {
			return dateParts{}, err
		}
		if d.month < 1 || d.month > 12 || d.day < 1 || d.day > 31 {
			return dateParts{}, fmt.Errorf("invalid date %q", raw)
		}
		return d, nil
	}

	if excelSerial.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil && f >= 1 && f < 2958466 {
			t := excelEpoch.AddDate(0, 0, int(math.Floor(f)))
			return dateParts{year: t.Year(), month: t.Month(), day: t.Day()}, nil
		}
	}

	for _, layout := range textDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateParts{year: t.Year(), month: t.Month(), day: t.Day()}, nil
		}
	}
	return dateParts{}, fmt.Errorf("unrecognized date %q", raw)
}

// makeDate rejects dates time.Date would normalize (Feb 30 -> Mar 2).
func makeDate(year int, month time.Month, day int) (time.Time, error) {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid date %04d-%02d-%02d", year, int(month), day)
	}
	return t, nil
}

// parseCalendarDate parses a non-birth date. Two-digit years are current century.
func parseCalendarDate(raw string) (time.Time, error) {
	d, err := parseDate(raw)
	if err != nil {
		return time.Time{}, err
	}
	year := d.year
	if d.twoDigitYear {
		year += 2000
	}
	return makeDate(year, d.month, d.day)
}
