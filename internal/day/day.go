// Package day provides civil-date (YYYY-MM-DD) arithmetic and resolves
// "today" for a user whose day may end after midnight.
package day

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // user zones must resolve on hosts without zoneinfo
)

// Layout is the storage and wire format of a calendar date.
const Layout = "2006-01-02"

// Parse validates a YYYY-MM-DD date and returns it at UTC midnight.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// Valid reports whether s is a well-formed date
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Format renders the calendar date of t in t's location.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Today returns the calendar date the user is living in at now.
// cutoffHour shifts the day boundary: with cutoffHour=3, 02:30 local still
// belongs to the previous date.
func Today(now time.Time, loc *time.Location, cutoffHour int) string {
	if loc == nil {
		loc = time.UTC
	}
	if cutoffHour < 0 || cutoffHour > 23 {
		cutoffHour = 0
	}
	local := now.In(loc).Add(-time.Duration(cutoffHour) * time.Hour)
	return Format(local)
}

// LoadLocation resolves an IANA zone name, falling back to UTC.
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

// AddDays returns the date n days after d (n may be negative).
func AddDays(d string, n int) (string, error) {
	t, err := Parse(d)
	if err != nil {
		return "", err
	}
	return Format(t.AddDate(0, 0, n)), nil
}

// Between returns the number of whole days from a to b (b - a).
func Between(a, b string) (int, error) {
	ta, err := Parse(a)
	if err != nil {
		return 0, err
	}
	tb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	// Both are UTC midnights, so there is no DST skew.
	return int(tb.Sub(ta).Hours() / 24), nil
}

// Weekday returns the weekday of d.
func Weekday(d string) (time.Weekday, error) {
	t, err := Parse(d)
	if err != nil {
		return 0, err
	}
	return t.Weekday(), nil
}

// Resolve parses user input into a date relative to today.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Keywords: "today", "yesterday", "tomorrow"
//   - Relative days: "-3d", "+1d"
//   - Relative weeks: "-2w", "+1w"
//   - Day names: "monday", "tuesday", etc. (most recent occurrence, today included)
func Resolve(input, today string) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}
	base, err := Parse(today)
	if err != nil {
		return "", err
	}

	if t, err := time.Parse(Layout, input); err == nil {
		return Format(t), nil
	}

	switch input {
	case "today":
		return today, nil
	case "yesterday":
		return Format(base.AddDate(0, 0, -1)), nil
	case "tomorrow":
		return Format(base.AddDate(0, 0, 1)), nil
	}

	if (strings.HasPrefix(input, "+") || strings.HasPrefix(input, "-")) && len(input) >= 3 {
		sign := 1
		if input[0] == '-' {
			sign = -1
		}
		suffix := input[len(input)-1]
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err == nil && n >= 0 {
			switch suffix {
			case 'd':
				return Format(base.AddDate(0, 0, sign*n)), nil
			case 'w':
				return Format(base.AddDate(0, 0, sign*n*7)), nil
			default:
				return "", fmt.Errorf("unknown relative unit %q in %q (use d or w)", string(suffix), input)
			}
		}
	}

	dayMap := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := dayMap[input]; ok {
		back := (int(base.Weekday()) - int(target) + 7) % 7
		return Format(base.AddDate(0, 0, -back)), nil
	}

	return "", fmt.Errorf("unrecognized date format: %q", input)
}
