package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The window consumption is tracked and reset over
// =============================================================================

// Period is a closed date range [Start, End] of a given type.
//
// Examples:
//   - ISO week 2025-W03: Mon Jan 13 - Sun Jan 19
//   - Month 2025-03: Mar 1 - Mar 31
type Period struct {
	Type  PeriodType
	Start TimePoint
	End   TimePoint

	id string
}

// ID returns the stable identifier stored on ledger entries.
func (p Period) ID() string { return p.id }

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return p.id + " [" + p.Start.String() + ", " + p.End.String() + "]"
}

// PeriodType defines how periods are calculated
type PeriodType string

const (
	PeriodWeekly       PeriodType = "weekly"
	PeriodBiweekly     PeriodType = "biweekly"
	PeriodMonthly      PeriodType = "monthly"
	PeriodCalendarYear PeriodType = "calendar_year"
)

func (t PeriodType) Valid() bool {
	switch t {
	case PeriodWeekly, PeriodBiweekly, PeriodMonthly, PeriodCalendarYear:
		return true
	}
	return false
}

// ParsePeriodType converts a string into a PeriodType, rejecting unknown values.
func ParsePeriodType(s string) (PeriodType, error) {
	t := PeriodType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown period type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("%w: unknown weekday %q", ErrInvalidInput, s)
}

// DefaultBiweeklyAnchor is a Monday; biweekly periods start every 14 days from it.
var DefaultBiweeklyAnchor = NewTimePoint(2024, time.January, 1)

// PeriodConfig defines how to calculate periods for an authorization
type PeriodConfig struct {
	Type PeriodType

	// For weekly/biweekly: first day of the week. Monday yields ISO week ids.
	WeekStart time.Weekday

	// For biweekly: a date on which a period starts.
	AnchorDate *TimePoint
}

// =============================================================================
// PERIOD CALCULATOR - Determines which period a date falls into
// =============================================================================

// PeriodFor returns the period that contains the given date
func (pc PeriodConfig) PeriodFor(date TimePoint) Period {
	switch pc.Type {
	case PeriodBiweekly:
		return pc.biweeklyPeriod(date)

	case PeriodMonthly:
		start := StartOfMonth(date.Year(), date.Month())
		return Period{
			Type:  PeriodMonthly,
			Start: start,
			End:   EndOfMonth(date.Year(), date.Month()),
			id:    start.Time.Format("2006-01"),
		}

	case PeriodCalendarYear:
		return Period{
			Type:  PeriodCalendarYear,
			Start: StartOfYear(date.Year()),
			End:   EndOfYear(date.Year()),
			id:    fmt.Sprintf("%04d", date.Year()),
		}

	default:
		return pc.weeklyPeriod(date)
	}
}

func (pc PeriodConfig) weeklyPeriod(date TimePoint) Period {
	offset := (int(date.Weekday()) - int(pc.WeekStart) + 7) % 7
	start := date.AddDays(-offset)
	p := Period{Type: PeriodWeekly, Start: start, End: start.AddDays(6)}

	if pc.WeekStart == time.Monday {
		year, week := start.Time.ISOWeek()
		p.id = fmt.Sprintf("%04d-W%02d", year, week)
	} else {
		p.id = "wk-" + start.String()
	}
	return p
}

func (pc PeriodConfig) biweeklyPeriod(date TimePoint) Period {
	anchor := DefaultBiweeklyAnchor
	if pc.AnchorDate != nil {
		anchor = *pc.AnchorDate
	}

	days := DaysBetween(anchor, date)
	idx := days / 14
	if days < 0 && days%14 != 0 {
		idx--
	}

	start := anchor.AddDays(idx * 14)
	return Period{
		Type:  PeriodBiweekly,
		Start: start,
		End:   start.AddDays(13),
		id:    "bw-" + start.String(),
	}
}

// Next returns the period following p under the same configuration.
func (pc PeriodConfig) Next(p Period) Period {
	return pc.PeriodFor(p.End.AddDays(1))
}

// Previous returns the period before p under the same configuration.
func (pc PeriodConfig) Previous(p Period) Period {
	return pc.PeriodFor(p.Start.AddDays(-1))
}
