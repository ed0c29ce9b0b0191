package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
)

func TestPeriodFor_WeeklyMonday_ISOWeek(t *testing.T) {
	pc := generic.PeriodConfig{Type: generic.PeriodWeekly, WeekStart: time.Monday}

	p := pc.PeriodFor(generic.NewTimePoint(2025, time.January, 15))

	assert.Equal(t, "2025-W03", p.ID())
	assert.Equal(t, "2025-01-13", p.Start.String())
	assert.Equal(t, "2025-01-19", p.End.String())

	// Sunday still belongs to the week that started Monday
	sun := pc.PeriodFor(generic.NewTimePoint(2025, time.January, 19))
	assert.Equal(t, p.ID(), sun.ID())

	next := pc.Next(p)
	assert.Equal(t, "2025-W04", next.ID())
	assert.Equal(t, "2025-W02", pc.Previous(p).ID())
}

func TestPeriodFor_WeeklyAcrossYearBoundary(t *testing.T) {
	pc := generic.PeriodConfig{Type: generic.PeriodWeekly, WeekStart: time.Monday}

	// Dec 31 2024 is a Tuesday in ISO week 2025-W01
	p := pc.PeriodFor(generic.NewTimePoint(2024, time.December, 31))

	assert.Equal(t, "2025-W01", p.ID())
	assert.Equal(t, "2024-12-30", p.Start.String())
}

func TestPeriodFor_WeeklySunday(t *testing.T) {
	pc := generic.PeriodConfig{Type: generic.PeriodWeekly, WeekStart: time.Sunday}

	p := pc.PeriodFor(generic.NewTimePoint(2025, time.January, 15))

	assert.Equal(t, "wk-2025-01-12", p.ID())
	assert.Equal(t, "2025-01-18", p.End.String())
}

func TestPeriodFor_Biweekly(t *testing.T) {
	pc := generic.PeriodConfig{Type: generic.PeriodBiweekly}

	p := pc.PeriodFor(generic.NewTimePoint(2024, time.January, 20))
	assert.Equal(t, "bw-2024-01-15", p.ID())
	assert.Equal(t, "2024-01-28", p.End.String())

	// Before the anchor
	before := pc.PeriodFor(generic.NewTimePoint(2023, time.December, 31))
	assert.Equal(t, "bw-2023-12-18", before.ID())
	assert.True(t, before.Contains(generic.NewTimePoint(2023, time.December, 31)))
}

func TestPeriodFor_MonthlyAndYear(t *testing.T) {
	m := generic.PeriodConfig{Type: generic.PeriodMonthly}.PeriodFor(generic.NewTimePoint(2024, time.February, 10))
	assert.Equal(t, "2024-02", m.ID())
	assert.Equal(t, "2024-02-29", m.End.String())

	y := generic.PeriodConfig{Type: generic.PeriodCalendarYear}.PeriodFor(generic.NewTimePoint(2025, time.June, 1))
	assert.Equal(t, "2025", y.ID())
	assert.Equal(t, "2025-12-31", y.End.String())
}

func TestParsePeriodTypeAndWeekday(t *testing.T) {
	pt, err := generic.ParsePeriodType("Weekly")
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodWeekly, pt)

	_, err = generic.ParsePeriodType("fortnight")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	d, err := generic.ParseWeekday("sun")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, d)

	_, err = generic.ParseWeekday("someday")
	assert.Error(t, err)
}

func TestParseProgram(t *testing.T) {
	p, err := generic.ParseProgram(" dda ")
	require.NoError(t, err)
	assert.Equal(t, generic.ProgramDDA, p)

	_, err = generic.ParseProgram("")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = generic.ParseProgram("A-W")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}
