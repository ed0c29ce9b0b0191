package sqlite_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/store/sqlite"
)

var (
	wed  = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	jan1 = generic.NewTimePoint(2025, time.January, 1)
	key  = ledger.Key{ClientID: "42", Program: generic.ProgramAW, ServiceType: "respite", Period: generic.PeriodWeekly}
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLedger(t *testing.T, s *sqlite.Store) *ledger.Ledger {
	t.Helper()
	l := ledger.New(s, ledger.WithClock(generic.NewFixedClock(wed)))
	_, err := l.Allocate(context.Background(), ledger.Authorization{
		Key: key, Ceiling: decimal.NewFromInt(20), Unit: generic.UnitHours, EffectiveFrom: jan1,
	})
	require.NoError(t, err)
	return l
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAuthorizations_Supersede(t *testing.T) {
	// GIVEN an open 20h authorization
	s := newStore(t)
	l := newLedger(t, s)

	// WHEN the ceiling is raised from Jan 20
	raised, err := l.Allocate(context.Background(), ledger.Authorization{
		Key: key, Ceiling: decimal.NewFromInt(30), Unit: generic.UnitHours,
		EffectiveFrom: generic.NewTimePoint(2025, time.January, 20),
	})
	require.NoError(t, err)

	// THEN the old one is closed and both are kept
	all, err := s.ListAuthorizations(context.Background(), ledger.AuthorizationFilter{ClientID: "42"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].EffectiveTo)
	assert.Equal(t, "2025-01-19", all[0].EffectiveTo.String())
	assert.True(t, all[1].IsOpen())

	open, err := s.OpenAuthorization(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, raised.ID, open.ID)

	active, err := s.ActiveAuthorization(context.Background(), key, generic.DateOf(wed))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(active.Ceiling))

	// AND closing an already closed authorization is a conflict
	err = s.AppendAuthorization(context.Background(), ledger.Authorization{ID: "x", Key: key}, all[0].ID, jan1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

func TestConsume_ConditionalIncrement(t *testing.T) {
	s := newStore(t)
	l := newLedger(t, s)

	res, err := l.Consume(context.Background(), ledger.ConsumeInput{Key: key, Amount: decimal.RequireFromString("12.5"), SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "7.5", res.Remaining.String())

	// over the ceiling: rejected and nothing written
	_, err = l.Consume(context.Background(), ledger.ConsumeInput{Key: key, Amount: decimal.NewFromInt(8), SessionID: "s-2"})
	var qe *generic.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "7.5", qe.Remaining().String())

	// redelivered session
	_, err = l.Consume(context.Background(), ledger.ConsumeInput{Key: key, Amount: decimal.NewFromInt(1), SessionID: "s-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	entries, err := l.Entries(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2025-W03", entries[0].PeriodID)
	assert.Equal(t, "12.5", entries[0].Consumed.String())

	cons, err := l.Consumptions(context.Background(), key, "")
	require.NoError(t, err)
	require.Len(t, cons, 1)
	assert.Equal(t, "s-1", cons[0].SessionID)
	assert.Equal(t, "2025-01-15", cons[0].ServiceDate.String())
}

func TestConsume_Concurrent(t *testing.T) {
	// GIVEN 20h and 30 concurrent 1h consumes
	s := newStore(t)
	l := newLedger(t, s)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Consume(context.Background(), ledger.ConsumeInput{
				Key: key, Amount: decimal.NewFromInt(1), SessionID: "s-" + string(rune('a'+i)),
			})
			if err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// THEN exactly 20 succeed and the ceiling holds
	assert.EqualValues(t, 20, ok.Load())
	r, err := l.Remaining(context.Background(), key, wed)
	require.NoError(t, err)
	assert.True(t, r.Remaining.IsZero())
	assert.Equal(t, ledger.StatusExhausted, r.Status)
}

func TestCreateEntry_InsertIfAbsent(t *testing.T) {
	s := newStore(t)
	e := ledger.Entry{
		Key: key, AuthorizationID: "a-1", PeriodID: "2025-W03",
		PeriodStart: generic.NewTimePoint(2025, time.January, 13),
		PeriodEnd:   generic.NewTimePoint(2025, time.January, 19),
		Consumed:    decimal.Zero, Unit: generic.UnitHours, CreatedAt: wed, UpdatedAt: wed,
	}

	_, created, err := s.CreateEntry(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, created)

	e.AuthorizationID = "a-2"
	got, created, err := s.CreateEntry(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a-1", got.AuthorizationID)
}

// =============================================================================
// CLAIMS
// =============================================================================

func newEngine(t *testing.T, s *sqlite.Store) *claims.Engine {
	t.Helper()
	for _, id := range []string{"s-1", "s-2"} {
		_, _, err := s.CreateSession(context.Background(), claims.Session{
			ID: id, ClientID: "42", Program: generic.ProgramAW, ServiceType: "respite",
			Units: decimal.NewFromInt(2), Date: generic.DateOf(wed), Completed: true,
		})
		require.NoError(t, err)
	}
	return claims.NewEngine(s, s, claims.WithClock(generic.NewFixedClock(wed)))
}

func TestClaims_Lifecycle(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	c, err := e.Generate(ctx, claims.Draft{
		ClientID: "42", PayerID: "medicaid", Program: generic.ProgramAW,
		LineItems: []claims.DraftLine{
			{SessionID: "s-1", Amount: decimal.NewFromInt(60)},
			{SessionID: "s-2", Amount: decimal.NewFromInt(40)},
		},
	})
	require.NoError(t, err)

	_, err = e.Submit(ctx, c.ID)
	require.NoError(t, err)
	_, err = e.RecordResponse(ctx, c.ID, claims.Denied("missing auth"))
	require.NoError(t, err)

	got, err := s.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.StatusDenied, got.Status)
	assert.Equal(t, "missing auth", got.DenialReason)
	assert.Equal(t, "100", got.Total.String())
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, "2025-01-15", got.LineItems[0].ServiceDate.String())
	assert.Len(t, got.History, 3)
	require.NotNil(t, got.FirstSubmittedAt)
	assert.True(t, wed.Equal(*got.FirstSubmittedAt))
	assert.Equal(t, 3, got.Version)

	listed, err := s.ListClaims(ctx, claims.Filter{Statuses: []claims.Status{claims.StatusDenied}})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// stale version
	err = s.UpdateClaim(ctx, got, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

func TestClaims_SessionRegistry(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	draft := claims.Draft{ClientID: "42", LineItems: []claims.DraftLine{{SessionID: "s-1", Amount: decimal.NewFromInt(10)}}}
	c, err := e.Generate(ctx, draft)
	require.NoError(t, err)

	holder, err := s.SessionClaim(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, holder)

	_, err = e.Generate(ctx, draft)
	assert.ErrorIs(t, err, generic.ErrDuplicateLineItem)

	// void releases the session
	_, err = e.Void(ctx, c.ID, "entered in error")
	require.NoError(t, err)
	holder, err = s.SessionClaim(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, err = e.Generate(ctx, draft)
	assert.NoError(t, err)
}

func TestSessions_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))

	_, err = s.GetClaim(context.Background(), "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestSessions_InsertIfAbsentAndComplete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first := claims.Session{
		ID: "s-1", ClientID: "42", Program: generic.ProgramAW, ServiceType: "respite",
		Units: decimal.NewFromInt(2), Date: generic.DateOf(wed),
	}

	_, created, err := s.CreateSession(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	// a second write with the same id keeps the first
	other := first
	other.ClientID, other.Units = "99", decimal.NewFromInt(10)
	stored, created, err := s.CreateSession(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, generic.ClientID("42"), stored.ClientID)
	assert.Equal(t, "2", stored.Units.String())

	// discard only removes pending sessions
	require.NoError(t, s.CompleteSession(ctx, "s-1"))
	require.NoError(t, s.DiscardSession(ctx, "s-1"))
	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, got.Completed)

	_, _, err = s.CreateSession(ctx, claims.Session{ID: "s-2", ClientID: "42", Program: generic.ProgramAW, ServiceType: "respite", Units: decimal.NewFromInt(1), Date: generic.DateOf(wed)})
	require.NoError(t, err)
	require.NoError(t, s.DiscardSession(ctx, "s-2"))
	_, err = s.GetSession(ctx, "s-2")
	assert.True(t, generic.IsNotFound(err))

	assert.True(t, generic.IsNotFound(s.CompleteSession(ctx, "missing")))
}
