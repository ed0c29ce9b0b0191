package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// LEDGER - allocate / consume / remaining
// =============================================================================

// Ledger owns consumption entries. All writes to a Key are serialized by a
// per-key lock; the store additionally enforces the ceiling atomically.
type Ledger struct {
	store      Store
	clock      generic.Clock
	locks      *generic.KeyedLocker
	thresholds Thresholds
	weekStart  time.Weekday
	anchor     *generic.TimePoint
	observers  []Observer
	log        zerolog.Logger
}

type Option func(*Ledger)

func WithClock(c generic.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithThresholds(t Thresholds) Option { return func(l *Ledger) { l.thresholds = t } }

// WithWeekStart sets the first day of weekly and biweekly periods.
func WithWeekStart(d time.Weekday) Option { return func(l *Ledger) { l.weekStart = d } }

// WithBiweeklyAnchor sets a date on which a biweekly period starts.
func WithBiweeklyAnchor(d generic.TimePoint) Option { return func(l *Ledger) { l.anchor = &d } }

func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.locks = generic.NewKeyedLocker(d) }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, o) }
}

func WithLogger(log zerolog.Logger) Option { return func(l *Ledger) { l.log = log } }

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		clock:      generic.SystemClock{},
		locks:      generic.NewKeyedLocker(generic.DefaultLockTimeout),
		thresholds: DefaultThresholds,
		weekStart:  time.Monday,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers an observer after construction.
func (l *Ledger) Subscribe(o Observer) { l.observers = append(l.observers, o) }

// Thresholds returns the breakpoints used for depletion status.
func (l *Ledger) Thresholds() Thresholds { return l.thresholds }

// PeriodConfig returns the period calculator used for the given type.
func (l *Ledger) PeriodConfig(t generic.PeriodType) generic.PeriodConfig {
	return generic.PeriodConfig{Type: t, WeekStart: l.weekStart, AnchorDate: l.anchor}
}

func (l *Ledger) today() generic.TimePoint { return generic.DateOf(l.clock.Now()) }

// Allocate registers the ceiling for a.Key.
//
// Re-allocating the ceiling and unit already in force returns the existing
// authorization unchanged. A different ceiling closes the open authorization
// the day before a.EffectiveFrom and appends a new one.
func (l *Ledger) Allocate(ctx context.Context, a Authorization) (Authorization, error) {
	key, err := a.Key.Normalize()
	if err != nil {
		return Authorization{}, err
	}
	a.Key = key
	if a.Ceiling.IsNegative() {
		return Authorization{}, &generic.OpError{
			Kind: generic.ErrInvalidCeiling, Op: "allocate", Entity: a.Key.String(),
			Err: fmt.Errorf("ceiling %s is negative", a.Ceiling),
		}
	}
	if !a.Unit.Valid() {
		return Authorization{}, fmt.Errorf("%w: unknown unit %q", generic.ErrInvalidInput, a.Unit)
	}
	if a.EffectiveFrom.IsZero() {
		a.EffectiveFrom = l.today()
	}
	a.EffectiveTo = nil

	unlock, err := l.locks.Lock(ctx, a.Key.String())
	if err != nil {
		return Authorization{}, err
	}
	defer unlock()

	var supersedes string
	var closeAt generic.TimePoint

	current, err := l.store.OpenAuthorization(ctx, a.Key)
	switch {
	case err == nil:
		if current.sameTerms(a) {
			return current, nil
		}
		if a.EffectiveFrom.Before(current.EffectiveFrom) {
			return Authorization{}, &generic.OpError{
				Kind: generic.ErrInvalidInput, Op: "allocate", Entity: a.Key.String(),
				State: "open since " + current.EffectiveFrom.String(),
				Err:   fmt.Errorf("effective date %s precedes the current authorization", a.EffectiveFrom),
			}
		}
		supersedes = current.ID
		closeAt = a.EffectiveFrom.AddDays(-1)
	case generic.IsNotFound(err):
	default:
		return Authorization{}, err
	}

	a.ID = uuid.NewString()
	a.CreatedAt = l.clock.Now()
	if err := l.store.AppendAuthorization(ctx, a, supersedes, closeAt); err != nil {
		return Authorization{}, fmt.Errorf("allocate %s: %w", a.Key, err)
	}

	l.log.Info().
		Str("authorization_id", a.ID).
		Str("key", a.Key.String()).
		Str("ceiling", a.Ceiling.String()).
		Str("unit", string(a.Unit)).
		Str("effective_from", a.EffectiveFrom.String()).
		Str("supersedes", supersedes).
		Msg("authorization allocated")
	return a, nil
}

// Consume charges in.Amount against the period containing in.At.
//
// On success it returns the new totals and status. On QuotaExceeded the entry
// is untouched. A repeated session id fails with ErrDuplicateIdempotencyKey
// without consuming again.
func (l *Ledger) Consume(ctx context.Context, in ConsumeInput) (Result, error) {
	key, err := in.Key.Normalize()
	if err != nil {
		return Result{}, err
	}
	in.Key = key
	if !in.Amount.IsPositive() {
		return Result{}, &generic.OpError{
			Kind: generic.ErrInvalidAmount, Op: "consume", Entity: in.Key.String(),
			Err: fmt.Errorf("amount %s must be positive", in.Amount),
		}
	}
	at := in.At
	if at.IsZero() {
		at = l.today()
	}

	unlock, err := l.locks.Lock(ctx, in.Key.String())
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	auth, err := l.store.ActiveAuthorization(ctx, in.Key, at)
	if err != nil {
		return Result{}, l.authErr("consume", in.Key, at, err)
	}

	period := l.PeriodConfig(in.Key.Period).PeriodFor(at)
	if _, _, err := l.ensureEntry(ctx, auth, period); err != nil {
		return Result{}, err
	}

	entry, err := l.store.ApplyConsumption(ctx, Consumption{
		ID:              uuid.NewString(),
		Key:             in.Key,
		AuthorizationID: auth.ID,
		PeriodID:        period.ID(),
		Amount:          in.Amount,
		SessionID:       in.SessionID,
		IdempotencyKey:  in.idempotencyKey(),
		ServiceDate:     at,
		RecordedAt:      l.clock.Now(),
	}, auth.Ceiling)
	if err != nil {
		var qe *generic.QuotaExceededError
		if errors.As(err, &qe) {
			l.log.Warn().
				Str("key", in.Key.String()).
				Str("period_id", period.ID()).
				Str("requested", in.Amount.String()).
				Str("remaining", qe.Remaining().String()).
				Msg("consumption rejected")
		}
		return Result{}, err
	}

	res := l.result(auth, entry)
	l.notify(ctx, res, CauseConsume)
	return res, nil
}

// Remaining reports ceiling minus consumed for the period containing at (zero
// means now). It never writes: a period without an entry yet reports zero
// consumption, which is what rollover would produce.
func (l *Ledger) Remaining(ctx context.Context, key Key, at time.Time) (Result, error) {
	key, err := key.Normalize()
	if err != nil {
		return Result{}, err
	}
	if at.IsZero() {
		at = l.clock.Now()
	}
	date := generic.DateOf(at)

	auth, err := l.store.ActiveAuthorization(ctx, key, date)
	if err != nil {
		return Result{}, l.authErr("remaining", key, date, err)
	}

	period := l.PeriodConfig(key.Period).PeriodFor(date)
	entry, err := l.store.GetEntry(ctx, key, period.ID())
	switch {
	case err == nil:
	case generic.IsNotFound(err):
		entry = l.newEntry(auth, period)
	default:
		return Result{}, err
	}
	return l.result(auth, entry), nil
}

// Entries lists every period entry for key, oldest first.
func (l *Ledger) Entries(ctx context.Context, key Key) ([]Entry, error) {
	return l.store.ListEntries(ctx, key.canonical())
}

// Consumptions lists consumption records for key; an empty periodID lists all.
func (l *Ledger) Consumptions(ctx context.Context, key Key, periodID string) ([]Consumption, error) {
	return l.store.ListConsumptions(ctx, key.canonical(), periodID)
}

func (l *Ledger) Authorizations(ctx context.Context, filter AuthorizationFilter) ([]Authorization, error) {
	if filter.Program != "" {
		program, err := generic.ParseProgram(string(filter.Program))
		if err != nil {
			return nil, err
		}
		filter.Program = program
	}
	return l.store.ListAuthorizations(ctx, filter)
}

// DepletionStatus maps a remaining/ceiling ratio using the ledger thresholds.
func (l *Ledger) DepletionStatus(ratio decimal.Decimal) DepletionStatus {
	return l.thresholds.Classify(ratio)
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) result(auth Authorization, e Entry) Result {
	remaining := auth.Ceiling.Sub(e.Consumed)
	if remaining.IsNegative() {
		// A later authorization may lower the ceiling below what was already used.
		remaining = decimal.Zero
	}
	return Result{
		Key:             e.Key,
		AuthorizationID: auth.ID,
		PeriodID:        e.PeriodID,
		PeriodStart:     e.PeriodStart,
		PeriodEnd:       e.PeriodEnd,
		Ceiling:         auth.Ceiling,
		Consumed:        e.Consumed,
		Remaining:       remaining,
		Unit:            auth.Unit,
		Status:          l.thresholds.Status(auth.Ceiling, e.Consumed),
	}
}

func (l *Ledger) notify(ctx context.Context, r Result, cause Cause) {
	if len(l.observers) == 0 {
		return
	}
	o := Observation{
		Key:             r.Key,
		AuthorizationID: r.AuthorizationID,
		PeriodID:        r.PeriodID,
		Ceiling:         r.Ceiling,
		Consumed:        r.Consumed,
		Remaining:       r.Remaining,
		Status:          r.Status,
		Cause:           cause,
		At:              l.clock.Now(),
	}
	for _, obs := range l.observers {
		obs.Observe(ctx, o)
	}
}

func (l *Ledger) authErr(op string, key Key, on generic.TimePoint, err error) error {
	if generic.IsNotFound(err) {
		return &generic.OpError{
			Kind: generic.ErrNotFound, Op: op, Entity: key.String(),
			State: "no authorization active on " + on.String(),
		}
	}
	return err
}
