package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// ENGINE - Claim transitions
// =============================================================================

// Engine is the only writer of claim status. Operations on one claim are
// serialized by a per-claim lock, and every update is a version
// compare-and-swap so that two processes cannot both win a transition.
type Engine struct {
	store    Store
	sessions SessionSource
	clock    generic.Clock
	locks    *generic.KeyedLocker
	log      zerolog.Logger
}

type Option func(*Engine)

func WithClock(c generic.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.locks = generic.NewKeyedLocker(d) }
}

func WithLogger(log zerolog.Logger) Option { return func(e *Engine) { e.log = log } }

func NewEngine(store Store, sessions SessionSource, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		sessions: sessions,
		clock:    generic.SystemClock{},
		locks:    generic.NewKeyedLocker(generic.DefaultLockTimeout),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate validates a draft and stores it as a generated claim.
//
// Every line must reference an existing, completed session of the claim's
// client that no other live claim holds. A session listed twice on the same
// draft is also a duplicate.
func (e *Engine) Generate(ctx context.Context, d Draft) (Claim, error) {
	if d.ClientID == "" {
		return Claim{}, fmt.Errorf("%w: client id is required", generic.ErrInvalidInput)
	}
	if len(d.LineItems) == 0 {
		return Claim{}, fmt.Errorf("%w: claim has no line items", generic.ErrInvalidInput)
	}
	if d.Program != "" {
		p, err := generic.ParseProgram(string(d.Program))
		if err != nil {
			return Claim{}, err
		}
		d.Program = p
	}

	seen := make(map[string]bool, len(d.LineItems))
	items := make([]LineItem, 0, len(d.LineItems))
	for _, dl := range d.LineItems {
		if dl.SessionID == "" {
			return Claim{}, fmt.Errorf("%w: line item without session id", generic.ErrInvalidInput)
		}
		if !dl.Amount.IsPositive() {
			return Claim{}, &generic.OpError{
				Kind: generic.ErrInvalidAmount, Op: "generate", Entity: "session " + dl.SessionID,
				Err: fmt.Errorf("amount %s must be positive", dl.Amount),
			}
		}
		if seen[dl.SessionID] {
			return Claim{}, &generic.DuplicateLineItemError{SessionID: dl.SessionID}
		}
		seen[dl.SessionID] = true

		li, err := e.lineItem(ctx, d.ClientID, dl)
		if err != nil {
			return Claim{}, err
		}
		items = append(items, li)
	}

	now := e.clock.Now()
	c := Claim{
		ID:              uuid.NewString(),
		ClientID:        d.ClientID,
		PayerID:         d.PayerID,
		Program:         d.Program,
		LineItems:       items,
		Total:           sumLines(items),
		Status:          StatusDraft,
		PaidAmount:      decimal.Zero,
		CreatedAt:       now,
		StatusChangedAt: now,
		Version:         1,
	}
	c.moveTo(StatusGenerated, now, "")

	if err := e.store.CreateClaim(ctx, c, ""); err != nil {
		if errors.Is(err, generic.ErrDuplicateLineItem) {
			e.log.Warn().Err(err).Str("client_id", string(c.ClientID)).Msg("claim generation rejected")
		}
		return Claim{}, err
	}

	e.log.Info().
		Str("claim_id", c.ID).
		Str("client_id", string(c.ClientID)).
		Int("line_items", len(items)).
		Str("total", c.Total.String()).
		Msg("claim generated")
	return c, nil
}

func (e *Engine) lineItem(ctx context.Context, client generic.ClientID, dl DraftLine) (LineItem, error) {
	s, err := e.sessions.GetSession(ctx, dl.SessionID)
	if err != nil {
		if generic.IsNotFound(err) {
			return LineItem{}, generic.NotFound("generate", "session "+dl.SessionID)
		}
		return LineItem{}, err
	}
	if !s.Completed {
		return LineItem{}, &generic.OpError{
			Kind: generic.ErrInvalidInput, Op: "generate", Entity: "session " + s.ID, State: "not completed",
		}
	}
	if s.ClientID != client {
		return LineItem{}, &generic.OpError{
			Kind: generic.ErrInvalidInput, Op: "generate", Entity: "session " + s.ID,
			Err: fmt.Errorf("belongs to client %s, not %s", s.ClientID, client),
		}
	}

	holder, err := e.store.SessionClaim(ctx, s.ID)
	if err != nil {
		return LineItem{}, err
	}
	if holder != "" {
		return LineItem{}, &generic.DuplicateLineItemError{SessionID: s.ID, ExistingClaimID: holder}
	}

	return LineItem{
		SessionID:   s.ID,
		ServiceType: s.ServiceType,
		ServiceDate: s.Date,
		Units:       s.Units,
		Amount:      dl.Amount,
	}, nil
}

// Submit moves a generated or appealed claim to submitted.
func (e *Engine) Submit(ctx context.Context, id string) (Claim, error) {
	return e.mutate(ctx, id, "submit", func(c *Claim, now time.Time) error {
		if c.Status != StatusGenerated && c.Status != StatusAppealed {
			return transitionErr(c, "submit", "")
		}
		c.moveTo(StatusSubmitted, now, "")
		c.SubmittedAt = &now
		if c.FirstSubmittedAt == nil {
			c.FirstSubmittedAt = &now
		}
		c.DenialReason = ""
		return nil
	})
}

// RecordResponse applies a payer outcome.
//
// From submitted: paid, partially_paid or denied. From partially_paid: paid
// (supplemental amount added to what was already paid) or denied (the payment
// is reversed). A denial needs a non-empty reason.
func (e *Engine) RecordResponse(ctx context.Context, id string, out Outcome) (Claim, error) {
	switch out.Status {
	case StatusPaid, StatusPartiallyPaid:
		if !out.Amount.IsPositive() {
			return Claim{}, &generic.OpError{
				Kind: generic.ErrInvalidAmount, Op: "record_response", Entity: "claim " + id,
				Err: fmt.Errorf("paid amount %s must be positive", out.Amount),
			}
		}
	case StatusDenied:
		if strings.TrimSpace(out.Reason) == "" {
			return Claim{}, fmt.Errorf("%w: denial requires a reason", generic.ErrInvalidInput)
		}
	default:
		return Claim{}, fmt.Errorf("%w: %s is not a payer outcome", generic.ErrInvalidInput, out.Status)
	}

	return e.mutate(ctx, id, "record_response", func(c *Claim, now time.Time) error {
		switch c.Status {
		case StatusSubmitted:
			switch out.Status {
			case StatusPaid, StatusPartiallyPaid:
				c.PaidAmount = out.Amount
			case StatusDenied:
				c.PaidAmount = decimal.Zero
				c.DenialReason = out.Reason
			}
		case StatusPartiallyPaid:
			switch out.Status {
			case StatusPaid:
				c.PaidAmount = c.PaidAmount.Add(out.Amount)
			case StatusDenied:
				c.PaidAmount = decimal.Zero
				c.DenialReason = out.Reason
			default:
				return transitionErr(c, "record_response", "already partially paid")
			}
		default:
			return transitionErr(c, "record_response", "")
		}
		c.moveTo(out.Status, now, out.Reason)
		return nil
	})
}

// Appeal moves a denied claim to appealed. The denial reason moves into the
// history note.
func (e *Engine) Appeal(ctx context.Context, id string) (Claim, error) {
	return e.mutate(ctx, id, "appeal", func(c *Claim, now time.Time) error {
		if c.Status != StatusDenied {
			return transitionErr(c, "appeal", "")
		}
		c.moveTo(StatusAppealed, now, c.DenialReason)
		c.DenialReason = ""
		return nil
	})
}

// Void ends a non-terminal claim and releases its sessions.
func (e *Engine) Void(ctx context.Context, id, reason string) (Claim, error) {
	return e.mutate(ctx, id, "void", func(c *Claim, now time.Time) error {
		if c.Status.Terminal() {
			return transitionErr(c, "void", "")
		}
		c.VoidReason = reason
		c.moveTo(StatusVoid, now, reason)
		return nil
	})
}

// Resubmit creates a new generated claim from a terminal one. The new claim
// copies the line items, references the original, and takes over its
// sessions. The original is not modified.
func (e *Engine) Resubmit(ctx context.Context, id string) (Claim, error) {
	unlock, err := e.locks.Lock(ctx, claimLockKey(id))
	if err != nil {
		return Claim{}, err
	}
	defer unlock()

	orig, err := e.store.GetClaim(ctx, id)
	if err != nil {
		return Claim{}, err
	}
	if !orig.Status.Terminal() {
		return Claim{}, transitionErr(&orig, "resubmit", "only paid or void claims can be resubmitted")
	}

	now := e.clock.Now()
	items := append([]LineItem(nil), orig.LineItems...)
	c := Claim{
		ID:              uuid.NewString(),
		ClientID:        orig.ClientID,
		PayerID:         orig.PayerID,
		Program:         orig.Program,
		LineItems:       items,
		Total:           sumLines(items),
		Status:          StatusDraft,
		PaidAmount:      decimal.Zero,
		CreatedAt:       now,
		StatusChangedAt: now,
		ResubmissionOf:  orig.ID,
		Version:         1,
	}
	c.moveTo(StatusGenerated, now, "resubmission of "+orig.ID)

	if err := e.store.CreateClaim(ctx, c, orig.ID); err != nil {
		return Claim{}, err
	}

	e.log.Info().Str("claim_id", c.ID).Str("resubmission_of", orig.ID).Msg("claim resubmitted")
	return c, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Claim, error) {
	return e.store.GetClaim(ctx, id)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Claim, error) {
	return e.store.ListClaims(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func claimLockKey(id string) string { return "claim:" + id }

// mutate runs fn on the current claim under the claim lock and persists the
// result with a version check. fn must leave c untouched when it fails.
func (e *Engine) mutate(ctx context.Context, id, op string, fn func(c *Claim, now time.Time) error) (Claim, error) {
	unlock, err := e.locks.Lock(ctx, claimLockKey(id))
	if err != nil {
		return Claim{}, err
	}
	defer unlock()

	c, err := e.store.GetClaim(ctx, id)
	if err != nil {
		return Claim{}, err
	}
	from := c.Status
	expected := c.Version

	now := e.clock.Now()
	if err := fn(&c, now); err != nil {
		return Claim{}, err
	}
	if !CanTransition(from, c.Status) {
		return Claim{}, &generic.TransitionError{ClaimID: id, Op: op, From: from.String(), Reason: "to " + c.Status.String()}
	}
	c.Version++

	if err := e.store.UpdateClaim(ctx, c, expected); err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return Claim{}, &generic.OpError{
				Kind: generic.ErrInvalidTransition, Op: op, Entity: "claim " + id,
				State: from.String(), Err: err,
			}
		}
		return Claim{}, err
	}

	e.log.Info().
		Str("claim_id", c.ID).
		Str("op", op).
		Stringer("from", from).
		Stringer("to", c.Status).
		Msg("claim transition")
	return c, nil
}

func transitionErr(c *Claim, op, reason string) error {
	return &generic.TransitionError{ClaimID: c.ID, Op: op, From: c.Status.String(), Reason: reason}
}
