package quality

import (
	"fmt"
	"time"
)

// =============================================================================
// FISCAL PERIOD - Scopes the batch pool handed to the optimizer
// =============================================================================

// Period is an inclusive day range.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls on a day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := startOfDay(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// FiscalYearConfig defines which month opens the fiscal year (1-12).
// A fiscal year is named after the calendar year it starts in.
type FiscalYearConfig struct {
	StartMonth time.Month
}

// Validate rejects months outside 1-12.
func (c FiscalYearConfig) Validate() error {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return fmt.Errorf("fiscal start month must be 1-12, got %d", c.StartMonth)
	}
	return nil
}

// YearOf returns the fiscal year containing t.
func (c FiscalYearConfig) YearOf(t time.Time) int {
	year := t.Year()
	if t.Month() < c.start() {
		year--
	}
	return year
}

// PeriodFor returns the bounds of fiscal year fy.
func (c FiscalYearConfig) PeriodFor(fy int) Period {
	start := time.Date(fy, c.start(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, -1)
	return Period{Start: start, End: end}
}

func (c FiscalYearConfig) start() time.Month {
	if c.StartMonth == 0 {
		return time.January
	}
	return c.StartMonth
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
