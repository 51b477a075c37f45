// Package dateparse parses the date strings users type for transactions
// into calendar dates (YYYY-MM-DD) and does the calendar arithmetic the
// recurring generator and the budget periods rely on.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the storage format of calendar dates.
const Layout = "2006-01-02"

// MonthLayout is the format of year_month keys.
const MonthLayout = "2006-01"

// Unit is a recurrence step.
type Unit int

const (
	Day Unit = iota
	Week
	Month
	Year
)

// ParseUnit maps a frequency name (daily, weekly, monthly, yearly) to its Unit.
func ParseUnit(frequency string) (Unit, error) {
	switch frequency {
	case "daily":
		return Day, nil
	case "weekly":
		return Week, nil
	case "monthly":
		return Month, nil
	case "yearly":
		return Year, nil
	}
	return 0, fmt.Errorf("unknown frequency %q", frequency)
}

// ParseDate parses a date input string relative to today.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Relative days: "-3d", "+7d"
//   - Relative weeks: "-2w", "+1w"
//   - Relative months: "-1m", "+1m" (clamped to the month's last day)
//   - Day names: "monday", "tuesday", etc. (most recent, today included)
//   - Keywords: "today", "yesterday", "tomorrow", "this-month", "last-month"
func ParseDate(input string) (string, error) {
	return ParseDateFrom(input, time.Now())
}

// ParseDateFrom parses a date input string relative to the given reference time.
// This variant enables deterministic testing with a fixed "now".
func ParseDateFrom(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}

	if t, err := time.Parse(Layout, input); err == nil {
		return Format(t), nil
	}

	today := Truncate(now)
	switch input {
	case "today":
		return Format(today), nil
	case "yesterday":
		return Format(today.AddDate(0, 0, -1)), nil
	case "tomorrow":
		return Format(today.AddDate(0, 0, 1)), nil
	case "this-month":
		return Format(MonthStart(today)), nil
	case "last-month":
		return Format(AddMonths(MonthStart(today), -1)), nil
	}

	// Relative offsets: ±Nd, ±Nw, ±Nm
	if (input[0] == '+' || input[0] == '-') && len(input) >= 3 {
		suffix := input[len(input)-1]
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err == nil && n >= 0 {
			if input[0] == '-' {
				n = -n
			}
			switch suffix {
			case 'd':
				return Format(today.AddDate(0, 0, n)), nil
			case 'w':
				return Format(today.AddDate(0, 0, n*7)), nil
			case 'm':
				return Format(AddMonths(today, n)), nil
			default:
				return "", fmt.Errorf("unknown relative unit %q in %q (use d, w, or m)", string(suffix), input)
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
		daysBack := (int(today.Weekday()) - int(target) + 7) % 7
		return Format(today.AddDate(0, 0, -daysBack)), nil
	}

	return "", fmt.Errorf("unrecognized date format: %q", input)
}

// Parse reads a stored YYYY-MM-DD date as midnight UTC.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// ParseMonth reads a YYYY-MM key as the first day of that month, UTC.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return t, nil
}

// Format renders t as YYYY-MM-DD.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Truncate drops the clock part of t, keeping its calendar date in UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths moves t by n months keeping its day, clamped to the last day of
// the target month: Jan 31 + 1 month is Feb 28 (or 29), never Mar 3.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + n
	ty := y + floorDiv(total, 12)
	tm := time.Month(total-floorDiv(total, 12)*12 + 1)
	d = min(d, DaysIn(ty, tm))
	return time.Date(ty, tm, d, 0, 0, 0, 0, time.UTC)
}

// Step returns the n-th occurrence after start for the unit. Months and
// years are counted from start itself, so a day clamped in a short month
// springs back in the next long one (Jan 31, Feb 29, Mar 31, Apr 30).
func Step(start time.Time, unit Unit, n int) time.Time {
	start = Truncate(start)
	switch unit {
	case Week:
		return start.AddDate(0, 0, 7*n)
	case Month:
		return AddMonths(start, n)
	case Year:
		return AddMonths(start, 12*n)
	default:
		return start.AddDate(0, 0, n)
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
