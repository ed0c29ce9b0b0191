package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// ROLLOVER - Lazy per-period entry creation
// =============================================================================
//
// There is no reset job that zeroes balances. Every write computes the period
// for its date and asks the store for that period's entry, creating a zeroed
// one if it does not exist yet. Older entries stay untouched as history.
//
// Two writers racing on the first write of a period both call CreateEntry;
// the store guarantees only one row is inserted and the loser gets the
// winner's entry back. Sweep does the same ahead of time so the first request
// of a period does not pay for the insert. It is never needed for correctness.

func (l *Ledger) newEntry(auth Authorization, p generic.Period) Entry {
	now := l.clock.Now()
	return Entry{
		Key:             auth.Key,
		AuthorizationID: auth.ID,
		PeriodID:        p.ID(),
		PeriodStart:     p.Start,
		PeriodEnd:       p.End,
		Consumed:        decimal.Zero,
		Unit:            auth.Unit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ensureEntry returns the entry for period, creating it on first use. Creating
// an entry emits a rollover observation. The caller holds the key lock.
func (l *Ledger) ensureEntry(ctx context.Context, auth Authorization, p generic.Period) (Entry, bool, error) {
	e, err := l.store.GetEntry(ctx, auth.Key, p.ID())
	if err == nil {
		return e, false, nil
	}
	if !generic.IsNotFound(err) {
		return Entry{}, false, err
	}

	e, created, err := l.store.CreateEntry(ctx, l.newEntry(auth, p))
	if err != nil {
		return Entry{}, false, fmt.Errorf("rollover %s to %s: %w", auth.Key, p.ID(), err)
	}
	if created {
		l.log.Debug().
			Str("key", auth.Key.String()).
			Str("period_id", p.ID()).
			Msg("period rolled over")
		l.notify(ctx, l.result(auth, e), CauseRollover)
	}
	return e, created, nil
}

// Sweep pre-creates current-period entries for every authorization active on
// the date of at (zero means now). Failures on one key do not stop the sweep;
// they are joined into the returned error.
func (l *Ledger) Sweep(ctx context.Context, at time.Time) (SweepResult, error) {
	if at.IsZero() {
		at = l.clock.Now()
	}
	date := generic.DateOf(at)
	res := SweepResult{PeriodDate: date}

	auths, err := l.store.ListAuthorizations(ctx, AuthorizationFilter{ActiveOn: &date})
	if err != nil {
		return res, err
	}
	res.Authorizations = len(auths)

	var errs []error
	for _, auth := range auths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		created, err := l.sweepOne(ctx, auth, date)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			l.log.Error().Err(err).Str("key", auth.Key.String()).Msg("rollover sweep failed")
			continue
		}
		if created {
			res.Created++
		}
	}
	return res, errors.Join(errs...)
}

func (l *Ledger) sweepOne(ctx context.Context, auth Authorization, date generic.TimePoint) (bool, error) {
	unlock, err := l.locks.Lock(ctx, auth.Key.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	_, created, err := l.ensureEntry(ctx, auth, l.PeriodConfig(auth.Key.Period).PeriodFor(date))
	return created, err
}
