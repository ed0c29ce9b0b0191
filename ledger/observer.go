package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Cause says which operation produced an observation.
type Cause string

const (
	CauseConsume  Cause = "consume"
	CauseRollover Cause = "rollover"
)

// Observation is emitted after every successful consume and every period
// rollover. Delivering it anywhere beyond the registered observers is the
// subscriber's business.
type Observation struct {
	Key             Key
	AuthorizationID string
	PeriodID        string
	Ceiling         decimal.Decimal
	Consumed        decimal.Decimal
	Remaining       decimal.Decimal
	Status          DepletionStatus
	Cause           Cause
	At              time.Time
}

// Observer receives observations synchronously, after the write is durable.
// Implementations must not block for long and must not call back into the
// ledger for the same key.
type Observer interface {
	Observe(ctx context.Context, o Observation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Observation)

func (f ObserverFunc) Observe(ctx context.Context, o Observation) { f(ctx, o) }

// LogObserver writes observations to a zerolog logger. Normal status logs at
// debug, warning and critical at warn, exhausted at error.
type LogObserver struct {
	Logger zerolog.Logger
}

func (lo LogObserver) Observe(_ context.Context, o Observation) {
	var ev *zerolog.Event
	switch o.Status {
	case StatusWarning, StatusCritical:
		ev = lo.Logger.Warn()
	case StatusExhausted:
		ev = lo.Logger.Error()
	default:
		ev = lo.Logger.Debug()
	}

	ev.Str("client_id", string(o.Key.ClientID)).
		Str("program", string(o.Key.Program)).
		Str("service_type", string(o.Key.ServiceType)).
		Str("period_id", o.PeriodID).
		Str("authorization_id", o.AuthorizationID).
		Str("ceiling", o.Ceiling.String()).
		Str("consumed", o.Consumed.String()).
		Str("remaining", o.Remaining.String()).
		Stringer("status", o.Status).
		Str("cause", string(o.Cause)).
		Msg("unit depletion")
}
