package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Wednesday of ISO week 2025-W03.
var wed = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

var respite = ledger.Key{
	ClientID:    "42",
	Program:     generic.ProgramAW,
	ServiceType: "respite",
	Period:      generic.PeriodWeekly,
}

type recorder struct {
	mu  sync.Mutex
	obs []ledger.Observation
}

func (r *recorder) Observe(_ context.Context, o ledger.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recorder) all() []ledger.Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Observation(nil), r.obs...)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *generic.FixedClock, *recorder) {
	t.Helper()
	clock := generic.NewFixedClock(wed)
	rec := &recorder{}
	l := ledger.New(memory.New(), ledger.WithClock(clock), ledger.WithObserver(rec))
	return l, clock, rec
}

func hours(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func allocate(t *testing.T, l *ledger.Ledger, key ledger.Key, ceiling float64, from generic.TimePoint) ledger.Authorization {
	t.Helper()
	a, err := l.Allocate(context.Background(), ledger.Authorization{
		Key: key, Ceiling: hours(ceiling), Unit: generic.UnitHours, EffectiveFrom: from,
	})
	require.NoError(t, err)
	return a
}

func consume(l *ledger.Ledger, key ledger.Key, amount float64, session string) (ledger.Result, error) {
	return l.Consume(context.Background(), ledger.ConsumeInput{Key: key, Amount: hours(amount), SessionID: session})
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, hours(want).Equal(got), append([]any{"want %v, got %s", want, got}, msgAndArgs...)...)
}

var jan1 = generic.NewTimePoint(2025, time.January, 1)

// =============================================================================
// ALLOCATE
// =============================================================================

func TestAllocate_NegativeCeiling_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Allocate(context.Background(), ledger.Authorization{
		Key: respite, Ceiling: hours(-1), Unit: generic.UnitHours,
	})

	assert.ErrorIs(t, err, generic.ErrInvalidCeiling)
	assert.True(t, generic.IsClientError(err))
}

func TestAllocate_ZeroCeiling_IsExhausted(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 0, jan1)

	res, err := l.Remaining(context.Background(), respite, time.Time{})

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExhausted, res.Status)
}

func TestAllocate_InvalidKey_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	bad := respite
	bad.ClientID = ""

	_, err := l.Allocate(context.Background(), ledger.Authorization{Key: bad, Ceiling: hours(5), Unit: generic.UnitHours})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Allocate(context.Background(), ledger.Authorization{Key: respite, Ceiling: hours(5), Unit: "minutes"})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestAllocate_LowerCaseProgram_SameTuple(t *testing.T) {
	// GIVEN an authorization allocated with a lower-case program code
	l, _, _ := newTestLedger(t)
	lower := respite
	lower.Program = " aw "
	a := allocate(t, l, lower, 20, jan1)

	// THEN it is stored under the canonical code
	assert.Equal(t, generic.ProgramAW, a.Key.Program)
	assert.Equal(t, "42|AW|respite|weekly", a.Key.String())

	// AND either spelling consumes and reads the same balance
	_, err := consume(l, respite, 4, "s-1")
	require.NoError(t, err)
	_, err = consume(l, lower, 2, "s-2")
	require.NoError(t, err)

	r, err := l.Remaining(context.Background(), lower, wed)
	require.NoError(t, err)
	assertDec(t, 14, r.Remaining)

	entries, err := l.Entries(context.Background(), lower)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	auths, err := l.Authorizations(context.Background(), ledger.AuthorizationFilter{ClientID: "42", Program: "aw"})
	require.NoError(t, err)
	assert.Len(t, auths, 1)
}

func TestAllocate_SameCeiling_Idempotent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	first := allocate(t, l, respite, 20, jan1)

	second := allocate(t, l, respite, 20, generic.NewTimePoint(2025, time.January, 10))

	assert.Equal(t, first.ID, second.ID)
	auths, err := l.Authorizations(context.Background(), ledger.AuthorizationFilter{ClientID: "42"})
	require.NoError(t, err)
	assert.Len(t, auths, 1)
}

func TestAllocate_NewCeiling_SupersedesPrior(t *testing.T) {
	// GIVEN: 20h/week since Jan 1
	// WHEN: 30h/week is allocated from Jan 20
	// THEN: the first authorization closes Jan 19 and both stay on record

	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	old := allocate(t, l, respite, 20, jan1)
	jan20 := generic.NewTimePoint(2025, time.January, 20)
	next := allocate(t, l, respite, 30, jan20)
	assert.NotEqual(t, old.ID, next.ID)

	auths, err := l.Authorizations(ctx, ledger.AuthorizationFilter{ClientID: "42"})
	require.NoError(t, err)
	require.Len(t, auths, 2)
	require.NotNil(t, auths[0].EffectiveTo)
	assert.Equal(t, "2025-01-19", auths[0].EffectiveTo.String())
	assert.Nil(t, auths[1].EffectiveTo)

	before, err := l.Remaining(ctx, respite, wed)
	require.NoError(t, err)
	assertDec(t, 20, before.Ceiling)

	after, err := l.Remaining(ctx, respite, jan20.Time)
	require.NoError(t, err)
	assertDec(t, 30, after.Ceiling)
}

func TestAllocate_BackdatedBeforeOpen_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 20, generic.NewTimePoint(2025, time.January, 10))

	_, err := l.Allocate(context.Background(), ledger.Authorization{
		Key: respite, Ceiling: hours(30), Unit: generic.UnitHours, EffectiveFrom: jan1,
	})

	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

// =============================================================================
// CONSUME
// =============================================================================

func TestConsume_NonPositiveAmount_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)

	_, err := consume(l, respite, 0, "s-0")
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = consume(l, respite, -2, "s-1")
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestConsume_NoAuthorization_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := consume(l, respite, 1, "s-1")

	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestConsume_QuotaExceeded_LeavesEntryUnchanged(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 10, jan1)
	_, err := consume(l, respite, 8, "s-1")
	require.NoError(t, err)

	_, err = consume(l, respite, 3, "s-2")

	var qe *generic.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, generic.ErrQuotaExceeded)
	assertDec(t, 2, qe.Remaining())
	assertDec(t, 3, qe.Requested)

	res, err := l.Remaining(context.Background(), respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 8, res.Consumed)

	cons, err := l.Consumptions(context.Background(), respite, "")
	require.NoError(t, err)
	assert.Len(t, cons, 1, "rejected consume must not be recorded")
}

func TestConsume_ExactlyToCeiling_Exhausted(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 10, jan1)

	res, err := consume(l, respite, 10, "s-1")

	require.NoError(t, err)
	assertDec(t, 0, res.Remaining)
	assert.Equal(t, ledger.StatusExhausted, res.Status)
}

func TestConsume_RedeliveredSession_NotCountedTwice(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)
	_, err := consume(l, respite, 4, "session-7")
	require.NoError(t, err)

	_, err = consume(l, respite, 4, "session-7")

	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	res, err := l.Remaining(context.Background(), respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 4, res.Consumed)
}

func TestConsume_EmitsRolloverThenConsumeObservations(t *testing.T) {
	l, _, rec := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)

	_, err := consume(l, respite, 12, "s-1")
	require.NoError(t, err)

	obs := rec.all()
	require.Len(t, obs, 2)
	assert.Equal(t, ledger.CauseRollover, obs[0].Cause)
	assertDec(t, 0, obs[0].Consumed)
	assert.Equal(t, ledger.CauseConsume, obs[1].Cause)
	assertDec(t, 12, obs[1].Consumed)
	assert.Equal(t, ledger.StatusWarning, obs[1].Status)
	assert.Equal(t, "2025-W03", obs[1].PeriodID)
}

// =============================================================================
// REMAINING
// =============================================================================

func TestRemaining_DoesNotCreateEntries(t *testing.T) {
	l, _, rec := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)

	res, err := l.Remaining(context.Background(), respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 20, res.Remaining)
	assert.Equal(t, ledger.StatusNormal, res.Status)

	entries, err := l.Entries(context.Background(), respite)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, rec.all())
}

func TestRemaining_AfterPeriodBoundary_ReturnsFullCeiling(t *testing.T) {
	// GIVEN: 18 of 20 hours used in week 3
	// WHEN: the clock crosses into week 4
	// THEN: remaining is the full ceiling, week 3 is kept as history

	l, clock, _ := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)
	_, err := consume(l, respite, 18, "s-1")
	require.NoError(t, err)

	clock.Set(time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC))

	res, err := l.Remaining(context.Background(), respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 20, res.Remaining)
	assertDec(t, 0, res.Consumed)
	assert.Equal(t, "2025-W04", res.PeriodID)

	entries, err := l.Entries(context.Background(), respite)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assertDec(t, 18, entries[0].Consumed)
}

// =============================================================================
// END TO END
// =============================================================================

func TestEndToEnd_WeeklyRespite(t *testing.T) {
	// GIVEN: client 42, AW respite, 20 hours/week
	// WHEN: 15h consumed, then 10h attempted, then 5h next week
	// THEN: the 10h attempt fails and leaves 15h at critical; next week is normal

	l, clock, _ := newTestLedger(t)
	ctx := context.Background()
	allocate(t, l, respite, 20, jan1)

	res, err := consume(l, respite, 15, "s-1")
	require.NoError(t, err)
	assertDec(t, 15, res.Consumed)
	assert.Equal(t, ledger.StatusCritical, res.Status)

	_, err = consume(l, respite, 10, "s-2")
	assert.ErrorIs(t, err, generic.ErrQuotaExceeded)

	res, err = l.Remaining(ctx, respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 15, res.Consumed)
	assertDec(t, 5, res.Remaining)
	assert.Equal(t, ledger.StatusCritical, res.Status)

	clock.Advance(5 * 24 * time.Hour) // Monday Jan 20

	res, err = consume(l, respite, 5, "s-3")
	require.NoError(t, err)
	assertDec(t, 5, res.Consumed)
	assert.Equal(t, ledger.StatusNormal, res.Status)
	assert.Equal(t, "2025-W04", res.PeriodID)

	entries, err := l.Entries(ctx, respite)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2025-W03", entries[0].PeriodID)
	assertDec(t, 15, entries[0].Consumed)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConsume_Concurrent_NeverExceedsCeiling(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Consume(context.Background(), ledger.ConsumeInput{
				Key: respite, Amount: hours(1.5), SessionID: "s-" + string(rune('A'+i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, generic.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 13, succeeded, "13 x 1.5h fit in 20h")
	assert.Equal(t, workers-13, rejected)

	res, err := l.Remaining(context.Background(), respite, time.Time{})
	require.NoError(t, err)
	assertDec(t, 19.5, res.Consumed)
}

func TestConsume_ConcurrentFirstWrite_SingleEntry(t *testing.T) {
	l, _, rec := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)

	var wg sync.WaitGroup
	for _, s := range []string{"s-1", "s-2"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := consume(l, respite, 1, s)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	entries, err := l.Entries(context.Background(), respite)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assertDec(t, 2, entries[0].Consumed)

	rollovers := 0
	for _, o := range rec.all() {
		if o.Cause == ledger.CauseRollover {
			rollovers++
		}
	}
	assert.Equal(t, 1, rollovers)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_PrecreatesEntriesOnce(t *testing.T) {
	l, _, _ := newTestLedger(t)
	allocate(t, l, respite, 20, jan1)
	other := respite
	other.Program = generic.ProgramDDA
	allocate(t, l, other, 8, jan1)

	res, err := l.Sweep(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Authorizations)
	assert.Equal(t, 2, res.Created)

	res, err = l.Sweep(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)

	entries, err := l.Entries(context.Background(), other)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2025-W03", entries[0].PeriodID)
}
