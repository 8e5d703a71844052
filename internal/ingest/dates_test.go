package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }
}

func TestBirthYearPolicy_TwoDigitYears(t *testing.T) {
	tests := []struct {
		name   string
		now    func() time.Time
		maxAge int
		in     string
		want   string
	}{
		{name: "greater than current yy is previous century", now: fixedNow(2025, 6, 1), in: "01/15/46", want: "1946-01-15"},
		{name: "current century within max age", now: fixedNow(2025, 6, 1), in: "01/15/05", want: "2005-01-15"},
		{name: "current century over max age moves back", now: fixedNow(2025, 6, 1), maxAge: 10, in: "01/15/05", want: "1905-01-15"},
		{name: "late century clock over 80", now: fixedNow(2095, 6, 1), in: "01/15/05", want: "1905-01-15"},
		{name: "late century clock under 80", now: fixedNow(2095, 6, 1), in: "01/15/30", want: "2030-01-15"},
		{name: "future date shifts back", now: fixedNow(2025, 6, 1), in: "12/31/25", want: "1925-12-31"},
		{name: "four digit year untouched", now: fixedNow(2025, 6, 1), in: "02/03/1980", want: "1980-02-03"},
		{name: "iso", now: fixedNow(2025, 6, 1), in: "1980-02-03", want: "1980-02-03"},
		{name: "long form", now: fixedNow(2025, 6, 1), in: "February 3, 1980", want: "1980-02-03"},
		{name: "four digit future year shifts back", now: fixedNow(2025, 6, 1), in: "03/04/2030", want: "1930-03-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BirthYearPolicy{MaxAge: tt.maxAge, Now: tt.now}
			got, err := p.Format(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBirthYearPolicy_Rejects(t *testing.T) {
	p := BirthYearPolicy{Now: fixedNow(2025, 6, 1)}
	for _, in := range []string{"", "not a date", "13/01/1980", "02/30/1980", "1/2/3"} {
		_, err := p.Format(in)
		assert.Error(t, err, in)
	}
}

func TestParseDate_ExcelSerial(t *testing.T) {
	// 29254 is 1980-02-03 in the 1900 date system.
	p := BirthYearPolicy{Now: fixedNow(2025, 6, 1)}
	got, err := p.Format("29254")
	require.NoError(t, err)
	assert.Equal(t, "1980-02-03", got)
}
