// Package timeutil holds the pure clock arithmetic the scheduler is built on:
// converting a local "HH:MM" on a calendar day plus a UTC offset into an
// absolute instant, and back for display.
//
// Days are "YYYY-MM-DD" strings; clock times are zero-padded 24-hour "HH:MM".
// All functions are stateless and side-effect free.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// ParseHHMM parses a zero-padded 24-hour clock string into minutes of day.
func ParseHHMM(hhmm string) (int, error) {
	s := strings.TrimSpace(hhmm)
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("timeutil: invalid clock time %q", hhmm)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("timeutil: invalid clock time %q", hhmm)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("timeutil: invalid clock time %q", hhmm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("timeutil: clock time out of range %q", hhmm)
	}
	return h*60 + m, nil
}

// FormatHHMM renders minutes-of-day as "HH:MM". The input is reduced
// modulo 1440 first, so negative and overflowing values wrap.
func FormatHHMM(minutes int) string {
	m := ((minutes % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseDay parses a "YYYY-MM-DD" calendar day into its UTC midnight.
func ParseDay(day string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(day))
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil: invalid day %q: %w", day, err)
	}
	return t, nil
}

// AddDays shifts a "YYYY-MM-DD" day by n calendar days.
func AddDays(day string, n int) (string, error) {
	t, err := ParseDay(day)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format("2006-01-02"), nil
}

// CurrentDay returns the calendar day at the given UTC offset for the
// supplied instant. The scheduler uses a single fixed regional offset here,
// not per-subscriber local time; see schedule.Config.RegionOffsetMinutes.
func CurrentDay(now time.Time, offsetMinutes int) string {
	return now.UTC().Add(time.Duration(offsetMinutes) * time.Minute).Format("2006-01-02")
}

// LocalToAbsolute converts a local clock time on a calendar day into an
// absolute instant. offsetMinutes is the subscriber's personal adjustment and
// regionOffsetMinutes the fixed base-region UTC offset; the whole conversion
// is one linear subtraction so repeated round trips cannot drift.
//
// The result may fall on the previous or next UTC day when the combined
// offset pushes the clock time across midnight.
func LocalToAbsolute(day, hhmm string, offsetMinutes, regionOffsetMinutes int) (time.Time, error) {
	midnight, err := ParseDay(day)
	if err != nil {
		return time.Time{}, err
	}
	mins, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	total := mins - offsetMinutes - regionOffsetMinutes
	return midnight.Add(time.Duration(total) * time.Minute), nil
}

// AbsoluteToLocal is the display-side inverse of LocalToAbsolute: it renders
// an instant as the local "HH:MM" it represents under the same offsets.
func AbsoluteToLocal(t time.Time, offsetMinutes, regionOffsetMinutes int) string {
	local := t.UTC().Add(time.Duration(offsetMinutes+regionOffsetMinutes) * time.Minute)
	return fmt.Sprintf("%02d:%02d", local.Hour(), local.Minute())
}

// AddMinutes shifts a clock time by delta minutes, wrapping modulo 24h.
// AddMinutes("00:10", -30) == "23:40".
func AddMinutes(hhmm string, delta int) (string, error) {
	mins, err := ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return FormatHHMM(mins + delta), nil
}
