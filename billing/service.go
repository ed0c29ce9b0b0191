/*
Package billing is the event and query boundary of the unit ledger and the
claim engine.

PURPOSE:
  The web layer, import jobs and the CLI talk to this package rather than to
  the components directly. Each input event maps onto one or two component
  operations:

    SessionDelivered          -> record the session pending, ledger.Consume,
                                 then mark the session billable
    ClaimSubmissionRequested  -> claims.Generate + claims.Submit
    PayerResponseReceived     -> claims.RecordResponse

  and the queries are GetRemainingUnits and GetReport.

CALLER:
  Every call carries an already-authorized Caller. It is logged for the audit
  trail and never inspected for decisions.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/reporting"
)

// Caller identifies who is acting. Opaque to the core.
type Caller struct {
	ID     string
	Source string
}

func (c Caller) String() string {
	if c.Source == "" {
		return c.ID
	}
	return c.Source + ":" + c.ID
}

// SessionRecorder stores delivered sessions for the claim engine to read. A
// session is written pending before its units are consumed and is billable
// only after CompleteSession.
type SessionRecorder interface {
	// CreateSession inserts s unless the id is taken, in which case the
	// stored session comes back with created false.
	CreateSession(ctx context.Context, s claims.Session) (stored claims.Session, created bool, err error)
	CompleteSession(ctx context.Context, id string) error
	// DiscardSession removes a session that never completed.
	DiscardSession(ctx context.Context, id string) error
}

// =============================================================================
// EVENTS
// =============================================================================

type SessionDelivered struct {
	SessionID   string // generated when empty; re-delivery with the same id is a no-op
	// Date defaults to today, or to the recorded date on re-delivery.
	ClientID    generic.ClientID
	Program     generic.ProgramCode
	ServiceType generic.ServiceType
	Period      generic.PeriodType // defaults to weekly
	Units       decimal.Decimal
	Date        generic.TimePoint
}

type SessionResult struct {
	SessionID string
	Units     ledger.Result
	Duplicate bool // the session had already been consumed
}

type ClaimSubmissionRequested struct {
	ClientID  generic.ClientID
	PayerID   string
	Program   generic.ProgramCode
	LineItems []claims.DraftLine
}

type PayerResponseReceived struct {
	ClaimID string
	Outcome claims.Outcome
}

type RemainingQuery struct {
	ClientID    generic.ClientID
	Program     generic.ProgramCode
	ServiceType generic.ServiceType
	Period      generic.PeriodType // optional
	At          time.Time          // zero means now
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger   *ledger.Ledger
	claims   *claims.Engine
	reports  *reporting.Aggregator
	sessions SessionRecorder
	clock    generic.Clock
	log      zerolog.Logger
}

type Option func(*Service)

func WithClock(c generic.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(log zerolog.Logger) Option { return func(s *Service) { s.log = log } }

func NewService(l *ledger.Ledger, e *claims.Engine, r *reporting.Aggregator, sessions SessionRecorder, opts ...Option) *Service {
	s := &Service{
		ledger:   l,
		claims:   e,
		reports:  r,
		sessions: sessions,
		clock:    generic.SystemClock{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) Claims() *claims.Engine { return s.claims }

func (s *Service) Reports() *reporting.Aggregator { return s.reports }

// SessionDelivered consumes the session's units and makes the session
// billable. A quota rejection records nothing.
//
// Re-delivering a session id is a no-op when it describes the same session
// and a conflict (ErrDuplicateIdempotencyKey) when it does not. If the final
// step fails after the units were consumed, the error comes back with the
// SessionID set and the session stays unbillable; delivering that id again
// completes it without consuming twice.
func (s *Service) SessionDelivered(ctx context.Context, caller Caller, ev SessionDelivered) (SessionResult, error) {
	if ev.SessionID == "" {
		ev.SessionID = uuid.NewString()
	}
	if ev.Period == "" {
		ev.Period = generic.PeriodWeekly
	}
	dated := !ev.Date.IsZero()
	if !dated {
		ev.Date = generic.DateOf(s.clock.Now())
	}
	key, err := ledger.Key{
		ClientID: ev.ClientID, Program: ev.Program, ServiceType: ev.ServiceType, Period: ev.Period,
	}.Normalize()
	if err != nil {
		return SessionResult{}, err
	}
	if !ev.Units.IsPositive() {
		return SessionResult{}, fmt.Errorf("%w: units %s must be positive", generic.ErrInvalidAmount, ev.Units)
	}

	sess := claims.Session{
		ID:          ev.SessionID,
		ClientID:    ev.ClientID,
		Program:     key.Program,
		ServiceType: ev.ServiceType,
		Units:       ev.Units,
		Date:        ev.Date,
	}
	stored, created, err := s.sessions.CreateSession(ctx, sess)
	if err != nil {
		return SessionResult{}, fmt.Errorf("record session %s: %w", ev.SessionID, err)
	}
	if !created {
		if !dated {
			sess.Date = stored.Date
			ev.Date = stored.Date
		}
		if !sameDelivery(stored, sess) {
			return SessionResult{}, &generic.OpError{
				Kind: generic.ErrDuplicateIdempotencyKey, Op: "deliver", Entity: "session " + ev.SessionID,
				Err: fmt.Errorf("already delivered as %s %s %s %s on %s",
					stored.ClientID, stored.Program, stored.ServiceType, stored.Units, stored.Date),
			}
		}
	}

	out := SessionResult{SessionID: ev.SessionID}
	res, err := s.ledger.Consume(ctx, ledger.ConsumeInput{
		Key: key, Amount: ev.Units, At: ev.Date, SessionID: ev.SessionID,
	})
	switch {
	case err == nil:
		out.Units = res
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		out.Duplicate = true
		if out.Units, err = s.ledger.Remaining(ctx, key, ev.Date.Time); err != nil {
			return SessionResult{}, err
		}
	default:
		if created {
			if derr := s.sessions.DiscardSession(ctx, ev.SessionID); derr != nil {
				s.log.Error().Err(derr).Str("session_id", ev.SessionID).Msg("pending session not discarded")
			}
		}
		s.log.Warn().Err(err).
			Str("caller", caller.String()).
			Str("session_id", ev.SessionID).
			Str("key", key.String()).
			Msg("session delivery rejected")
		return SessionResult{}, err
	}

	if !stored.Completed {
		if err := s.sessions.CompleteSession(ctx, ev.SessionID); err != nil {
			s.log.Error().Err(err).
				Str("caller", caller.String()).
				Str("session_id", ev.SessionID).
				Msg("units consumed but session not completed")
			return SessionResult{SessionID: ev.SessionID}, fmt.Errorf("complete session %s: %w", ev.SessionID, err)
		}
	}

	s.log.Info().
		Str("caller", caller.String()).
		Str("session_id", ev.SessionID).
		Str("key", key.String()).
		Str("units", ev.Units.String()).
		Str("remaining", out.Units.Remaining.String()).
		Stringer("status", out.Units.Status).
		Bool("duplicate", out.Duplicate).
		Msg("session delivered")
	return out, nil
}

// sameDelivery reports whether two records describe the same session.
func sameDelivery(a, b claims.Session) bool {
	return a.ClientID == b.ClientID &&
		a.Program == b.Program &&
		a.ServiceType == b.ServiceType &&
		a.Units.Equal(b.Units) &&
		a.Date.Equal(b.Date)
}

// ClaimSubmissionRequested generates a claim and submits it. When submission
// fails after generation, the generated claim is returned with the error.
func (s *Service) ClaimSubmissionRequested(ctx context.Context, caller Caller, ev ClaimSubmissionRequested) (claims.Claim, error) {
	c, err := s.claims.Generate(ctx, claims.Draft{
		ClientID: ev.ClientID, PayerID: ev.PayerID, Program: ev.Program, LineItems: ev.LineItems,
	})
	if err != nil {
		return claims.Claim{}, err
	}

	submitted, err := s.claims.Submit(ctx, c.ID)
	if err != nil {
		s.log.Error().Err(err).Str("caller", caller.String()).Str("claim_id", c.ID).Msg("claim generated but not submitted")
		return c, err
	}

	s.log.Info().
		Str("caller", caller.String()).
		Str("claim_id", submitted.ID).
		Str("total", submitted.Total.String()).
		Msg("claim submitted")
	return submitted, nil
}

func (s *Service) PayerResponseReceived(ctx context.Context, caller Caller, ev PayerResponseReceived) (claims.Claim, error) {
	c, err := s.claims.RecordResponse(ctx, ev.ClaimID, ev.Outcome)
	if err != nil {
		return claims.Claim{}, err
	}
	s.log.Info().
		Str("caller", caller.String()).
		Str("claim_id", c.ID).
		Stringer("outcome", ev.Outcome.Status).
		Str("paid", c.PaidAmount.String()).
		Msg("payer response recorded")
	return c, nil
}

// GetRemainingUnits reports the balance for a (client, program, service).
// Without an explicit period type the authorization active at q.At is used;
// if several period types are authorized the shortest period wins.
func (s *Service) GetRemainingUnits(ctx context.Context, caller Caller, q RemainingQuery) (ledger.Result, error) {
	program, err := generic.ParseProgram(string(q.Program))
	if err != nil {
		return ledger.Result{}, err
	}
	at := q.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	period := q.Period
	if period == "" {
		on := generic.DateOf(at)
		auths, err := s.ledger.Authorizations(ctx, ledger.AuthorizationFilter{
			ClientID: q.ClientID, Program: program, ServiceType: q.ServiceType, ActiveOn: &on,
		})
		if err != nil {
			return ledger.Result{}, err
		}
		if len(auths) == 0 {
			return ledger.Result{}, generic.NotFound("remaining", fmt.Sprintf("%s|%s|%s", q.ClientID, program, q.ServiceType))
		}
		sort.Slice(auths, func(i, j int) bool { return periodRank(auths[i].Key.Period) < periodRank(auths[j].Key.Period) })
		period = auths[0].Key.Period
	}

	s.log.Debug().Str("caller", caller.String()).Str("client_id", string(q.ClientID)).Msg("remaining units")
	return s.ledger.Remaining(ctx, ledger.Key{
		ClientID: q.ClientID, Program: program, ServiceType: q.ServiceType, Period: period,
	}, at)
}

func (s *Service) GetReport(ctx context.Context, caller Caller, t reporting.Type, q reporting.Query) (reporting.Report, error) {
	r, err := s.reports.Generate(ctx, t, q)
	if err != nil {
		return reporting.Report{}, err
	}
	s.log.Info().Str("caller", caller.String()).Str("report", string(t)).Msg("report requested")
	return r, nil
}

func periodRank(t generic.PeriodType) int {
	switch t {
	case generic.PeriodWeekly:
		return 0
	case generic.PeriodBiweekly:
		return 1
	case generic.PeriodMonthly:
		return 2
	default:
		return 3
	}
}
