// Package datewindow computes the calendar date window a measure retrieval
// covers, from the run's frequency and nominal scheduled instant.
//
// Everything here is pure: the result depends only on the inputs, never on
// wall-clock time, so a late-running worker still computes the window the
// schedule originally intended.
package datewindow

import (
	"time"

	"github.com/teranos/measurely/errors"
)

// Frequency is the cadence governing both scheduling and window calculation.
type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

// IsValid returns true if f is a supported frequency.
func (f Frequency) IsValid() bool {
	switch f {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
		return true
	}
	return false
}

// ParseFrequency converts a stored string into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if !f.IsValid() {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unknown frequency %q", s)
	}
	return f, nil
}

// Window is a closed calendar date range. From and To are midnights in the
// zone the window was calculated for.
type Window struct {
	From time.Time
	To   time.Time
}

// FromDate returns the start date formatted as 2006-01-02.
func (w Window) FromDate() string { return w.From.Format("2006-01-02") }

// ToDate returns the end date formatted as 2006-01-02.
func (w Window) ToDate() string { return w.To.Format("2006-01-02") }

// Calculate resolves the date window for a run. The nominal instant is
// normalized to a calendar date in loc (the tenant's configured timezone);
// a nil loc means UTC.
//
//	daily:     previous calendar day through execution day
//	weekly:    rolling 7 days ending at execution day
//	monthly:   the previous full calendar month
//	quarterly: the previous full calendar quarter
//	yearly:    the previous full calendar year
func Calculate(freq Frequency, nominal time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := nominal.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch freq {
	case Daily:
		return Window{From: day.AddDate(0, 0, -1), To: day}, nil

	case Weekly:
		return Window{From: day.AddDate(0, 0, -7), To: day}, nil

	case Monthly:
		// First day of the current month, then step back one month.
		// time.Date normalizes month 0 to December of the prior year.
		firstOfMonth := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, loc)
		from := firstOfMonth.AddDate(0, -1, 0)
		to := firstOfMonth.AddDate(0, 0, -1)
		return Window{From: from, To: to}, nil

	case Quarterly:
		q := (int(day.Month()) - 1) / 3 // 0-based current quarter
		firstOfQuarter := time.Date(day.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, loc)
		from := firstOfQuarter.AddDate(0, -3, 0)
		to := firstOfQuarter.AddDate(0, 0, -1)
		return Window{From: from, To: to}, nil

	case Yearly:
		from := time.Date(day.Year()-1, time.January, 1, 0, 0, 0, 0, loc)
		to := time.Date(day.Year()-1, time.December, 31, 0, 0, 0, 0, loc)
		return Window{From: from, To: to}, nil
	}

	return Window{}, errors.Wrapf(errors.ErrInvalidRequest, "unknown frequency %q", freq)
}

// Next computes the following nominal run instant for a frequency. The
// result is always strictly after nominal, so a schedule can never stall.
// Month-based steps clamp the day to the target month's length, so a
// schedule anchored on Jan 31 runs on the last of February instead of
// drifting into March.
func Next(freq Frequency, nominal time.Time) time.Time {
	switch freq {
	case Daily:
		return nominal.AddDate(0, 0, 1)
	case Weekly:
		return nominal.AddDate(0, 0, 7)
	case Monthly:
		return addMonthsClamped(nominal, 1)
	case Quarterly:
		return addMonthsClamped(nominal, 3)
	case Yearly:
		return addMonthsClamped(nominal, 12)
	}
	// Unknown frequencies are rejected upstream; still move forward.
	return nominal.AddDate(0, 0, 1)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	day := t.Day()
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// daysInMonth exploits time.Date normalization: day 0 of the following
// month is this month's last day.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
