/*
Package claims models a billing claim as a closed state machine.

STATES:
  draft ──▶ generated ──▶ submitted ──┬──▶ paid            (terminal)
                              ▲       ├──▶ partially_paid ──┬──▶ paid
                              │       │                     └──▶ denied
                              │       └──▶ denied ──▶ appealed
                              └──────────────────────────┘
  any non-terminal ──▶ void   (terminal)

  A terminal claim can only be followed by a resubmission: a new claim in
  generated that references the original and takes over its sessions.

KEY CONCEPTS:
  Claim:    Billing submission for one or more delivered sessions
  LineItem: One session and the amount billed for it
  Outcome:  Payer response (paid / partially_paid / denied)
  Session:  A delivered service, owned by the persistence collaborator

SEE ALSO:
  - engine.go: Transition operations
  - store.go: Persistence contract
*/
package claims

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// STATUS
// =============================================================================

type Status uint8

const (
	StatusDraft Status = iota
	StatusGenerated
	StatusSubmitted
	StatusPaid
	StatusPartiallyPaid
	StatusDenied
	StatusAppealed
	StatusVoid
)

var statusNames = [...]string{
	StatusDraft:         "draft",
	StatusGenerated:     "generated",
	StatusSubmitted:     "submitted",
	StatusPaid:          "paid",
	StatusPartiallyPaid: "partially_paid",
	StatusDenied:        "denied",
	StatusAppealed:      "appealed",
	StatusVoid:          "void",
}

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusDraft, StatusGenerated, StatusSubmitted, StatusPaid,
	StatusPartiallyPaid, StatusDenied, StatusAppealed, StatusVoid,
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return StatusDraft, fmt.Errorf("%w: unknown claim status %q", generic.ErrInvalidInput, s)
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid claim status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal statuses admit no transition except resubmission.
func (s Status) Terminal() bool { return s == StatusPaid || s == StatusVoid }

// Live claims hold their sessions; a void claim has released them.
func (s Status) Live() bool { return s != StatusVoid }

// transitions is the complete edge set of the state machine.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusGenerated, StatusVoid},
	StatusGenerated:     {StatusSubmitted, StatusVoid},
	StatusSubmitted:     {StatusPaid, StatusPartiallyPaid, StatusDenied, StatusVoid},
	StatusPartiallyPaid: {StatusPaid, StatusDenied, StatusVoid},
	StatusDenied:        {StatusAppealed, StatusVoid},
	StatusAppealed:      {StatusSubmitted, StatusVoid},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// CLAIM
// =============================================================================

type LineItem struct {
	SessionID   string
	ServiceType generic.ServiceType
	ServiceDate generic.TimePoint
	Units       decimal.Decimal
	Amount      decimal.Decimal
}

// HistoryEntry records one status change.
type HistoryEntry struct {
	From Status
	To   Status
	At   time.Time
	Note string
}

// Claim is never deleted. Status changes only through Engine operations, and
// Total always equals the sum of line item amounts.
type Claim struct {
	ID        string
	ClientID  generic.ClientID
	PayerID   string
	Program   generic.ProgramCode
	LineItems []LineItem
	Total     decimal.Decimal
	Status    Status

	PaidAmount   decimal.Decimal
	DenialReason string // set only while denied
	VoidReason   string

	CreatedAt        time.Time
	StatusChangedAt  time.Time
	SubmittedAt      *time.Time
	FirstSubmittedAt *time.Time

	ResubmissionOf string
	History        []HistoryEntry

	// Version increases on every update and guards against lost writes.
	Version int
}

// SessionIDs returns the sessions billed on the claim, in line item order.
func (c Claim) SessionIDs() []string {
	ids := make([]string, len(c.LineItems))
	for i, li := range c.LineItems {
		ids[i] = li.SessionID
	}
	return ids
}

// Balance is what is still owed on the claim.
func (c Claim) Balance() decimal.Decimal {
	b := c.Total.Sub(c.PaidAmount)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

func (c *Claim) moveTo(to Status, at time.Time, note string) {
	c.History = append(c.History, HistoryEntry{From: c.Status, To: to, At: at, Note: note})
	c.Status = to
	c.StatusChangedAt = at
}

func sumLines(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Amount)
	}
	return total
}

// =============================================================================
// INPUTS
// =============================================================================

// Draft is the bundle of sessions a claim is generated from.
type Draft struct {
	ClientID  generic.ClientID
	PayerID   string
	Program   generic.ProgramCode
	LineItems []DraftLine
}

type DraftLine struct {
	SessionID string
	Amount    decimal.Decimal
}

// Outcome is a payer response. Status is one of paid, partially_paid, denied.
type Outcome struct {
	Status Status
	Amount decimal.Decimal
	Reason string
}

func Paid(amount decimal.Decimal) Outcome {
	return Outcome{Status: StatusPaid, Amount: amount}
}

func PartiallyPaid(amount decimal.Decimal) Outcome {
	return Outcome{Status: StatusPartiallyPaid, Amount: amount}
}

func Denied(reason string) Outcome {
	return Outcome{Status: StatusDenied, Reason: reason}
}

// Filter narrows ListClaims. Zero fields match everything.
type Filter struct {
	ClientID    generic.ClientID
	PayerID     string
	Program     generic.ProgramCode
	Statuses    []Status
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

func (f Filter) Match(c Claim) bool {
	if f.ClientID != "" && c.ClientID != f.ClientID {
		return false
	}
	if f.PayerID != "" && c.PayerID != f.PayerID {
		return false
	}
	if f.Program != "" && c.Program != f.Program {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == c.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CreatedFrom != nil && c.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && c.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// =============================================================================
// SESSION - owned by the persistence collaborator
// =============================================================================

type Session struct {
	ID          string
	ClientID    generic.ClientID
	Program     generic.ProgramCode
	ServiceType generic.ServiceType
	Units       decimal.Decimal
	Date        generic.TimePoint
	Completed   bool
}
