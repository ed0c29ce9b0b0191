/*
Package ledger tracks authorized service units per client, program, service
type and period.

PURPOSE:
  An Authorization grants a ceiling of billable units per period. Delivered
  sessions consume against the entry for the period that contains the
  session date. Consumption never passes the ceiling: a request that would
  overshoot is rejected and the entry is left unchanged.

KEY CONCEPTS:
  Key:           (client, program, service type, period type) tuple
  Authorization: Ceiling + unit + effective date range for a Key
  Entry:         Units consumed for one Key in one period (one row per period)
  Consumption:   Immutable record of a single successful consume
  Result:        Ceiling / consumed / remaining / depletion status snapshot

ROLLOVER:
  Entries are created lazily. The first write in a new period creates a zeroed
  entry for that period; the previous period's entry is kept as history.
  See rollover.go.

SEE ALSO:
  - depletion.go: Remaining-ratio classification
  - store.go: Persistence contract
  - observer.go: Observation hooks
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// KEY - The tuple a ceiling applies to
// =============================================================================

type Key struct {
	ClientID    generic.ClientID
	Program     generic.ProgramCode
	ServiceType generic.ServiceType
	Period      generic.PeriodType
}

// String is also the lock key for the tuple.
func (k Key) String() string {
	return strings.Join([]string{string(k.ClientID), string(k.Program), string(k.ServiceType), string(k.Period)}, "|")
}

// Normalize checks that every component of the key is present and well
// formed, and returns the key with its program code in canonical form so "aw"
// and "AW" address the same tuple.
func (k Key) Normalize() (Key, error) {
	if k.ClientID == "" {
		return k, fmt.Errorf("%w: client id is required", generic.ErrInvalidInput)
	}
	program, err := generic.ParseProgram(string(k.Program))
	if err != nil {
		return k, err
	}
	k.Program = program
	if k.ServiceType == "" {
		return k, fmt.Errorf("%w: service type is required", generic.ErrInvalidInput)
	}
	if !k.Period.Valid() {
		return k, fmt.Errorf("%w: unknown period type %q", generic.ErrInvalidInput, k.Period)
	}
	return k, nil
}

// canonical returns the normalized key, or k unchanged when it is malformed.
func (k Key) canonical() Key {
	if n, err := k.Normalize(); err == nil {
		return n
	}
	return k
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Authorization is the approved ceiling for a Key over [EffectiveFrom, EffectiveTo].
// A ceiling change never edits a record: the open authorization is closed and
// a new one is appended.
type Authorization struct {
	ID            string
	Key           Key
	Ceiling       decimal.Decimal
	Unit          generic.Unit
	EffectiveFrom generic.TimePoint
	EffectiveTo   *generic.TimePoint // nil while open
	CreatedAt     time.Time
}

// ActiveOn reports whether the authorization covers the given date.
func (a Authorization) ActiveOn(d generic.TimePoint) bool {
	if d.Before(a.EffectiveFrom) {
		return false
	}
	return a.EffectiveTo == nil || d.BeforeOrEqual(*a.EffectiveTo)
}

// IsOpen reports whether the authorization has not been superseded.
func (a Authorization) IsOpen() bool { return a.EffectiveTo == nil }

func (a Authorization) sameTerms(b Authorization) bool {
	return a.Ceiling.Equal(b.Ceiling) && a.Unit == b.Unit
}

// AuthorizationFilter narrows ListAuthorizations. Zero fields match everything.
type AuthorizationFilter struct {
	ClientID    generic.ClientID
	Program     generic.ProgramCode
	ServiceType generic.ServiceType
	ActiveOn    *generic.TimePoint
}

// Match reports whether a satisfies the filter.
func (f AuthorizationFilter) Match(a Authorization) bool {
	if f.ClientID != "" && a.Key.ClientID != f.ClientID {
		return false
	}
	if f.Program != "" && a.Key.Program != f.Program {
		return false
	}
	if f.ServiceType != "" && a.Key.ServiceType != f.ServiceType {
		return false
	}
	if f.ActiveOn != nil && !a.ActiveOn(*f.ActiveOn) {
		return false
	}
	return true
}

// =============================================================================
// ENTRY - Consumption for one period
// =============================================================================

// Entry holds the units consumed for a Key within one period. Consumed only
// ever grows, and entries are never deleted.
type Entry struct {
	Key             Key
	AuthorizationID string // authorization in effect when the entry was opened
	PeriodID        string
	PeriodStart     generic.TimePoint
	PeriodEnd       generic.TimePoint
	Consumed        decimal.Decimal
	Unit            generic.Unit
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Consumption is the append-only record of one successful consume.
type Consumption struct {
	ID              string
	Key             Key
	AuthorizationID string
	PeriodID        string
	Amount          decimal.Decimal
	SessionID       string
	IdempotencyKey  string
	ServiceDate     generic.TimePoint
	RecordedAt      time.Time
}

// =============================================================================
// OPERATION INPUTS / OUTPUTS
// =============================================================================

// ConsumeInput describes a delivered session to charge against a Key.
type ConsumeInput struct {
	Key    Key
	Amount decimal.Decimal

	// At is the service date. Zero means today per the ledger clock.
	At generic.TimePoint

	// SessionID doubles as the idempotency key unless IdempotencyKey is set.
	SessionID      string
	IdempotencyKey string
}

func (in ConsumeInput) idempotencyKey() string {
	if in.IdempotencyKey != "" {
		return in.IdempotencyKey
	}
	return in.SessionID
}

// Result is the state of a Key's current period after an operation.
type Result struct {
	Key             Key
	AuthorizationID string
	PeriodID        string
	PeriodStart     generic.TimePoint
	PeriodEnd       generic.TimePoint
	Ceiling         decimal.Decimal
	Consumed        decimal.Decimal
	Remaining       decimal.Decimal
	Unit            generic.Unit
	Status          DepletionStatus
}

// RemainingRatio returns remaining/ceiling, or zero for a zero ceiling.
func (r Result) RemainingRatio() decimal.Decimal {
	if !r.Ceiling.IsPositive() {
		return decimal.Zero
	}
	return r.Remaining.Div(r.Ceiling)
}

// SweepResult summarizes a rollover sweep.
type SweepResult struct {
	PeriodDate     generic.TimePoint
	Authorizations int
	Created        int
	Failed         int
}
