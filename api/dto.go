/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and claim models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Units and money travel as decimal strings ("12.5") so no value passes
  through a float.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/authorization.go: AuthorizationJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/ledger"
)

// =============================================================================
// UNITS
// =============================================================================

// UnitsDTO is the state of one key's current period.
type UnitsDTO struct {
	ClientID        string          `json:"client_id"`
	Program         string          `json:"program"`
	ServiceType     string          `json:"service_type"`
	PeriodType      string          `json:"period_type"`
	AuthorizationID string          `json:"authorization_id"`
	PeriodID        string          `json:"period_id"`
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	Ceiling         decimal.Decimal `json:"ceiling"`
	Consumed        decimal.Decimal `json:"consumed"`
	Remaining       decimal.Decimal `json:"remaining"`
	Unit            string          `json:"unit"`
	Status          string          `json:"status"`
}

func toUnitsDTO(r ledger.Result) UnitsDTO {
	return UnitsDTO{
		ClientID:        string(r.Key.ClientID),
		Program:         string(r.Key.Program),
		ServiceType:     string(r.Key.ServiceType),
		PeriodType:      string(r.Key.Period),
		AuthorizationID: r.AuthorizationID,
		PeriodID:        r.PeriodID,
		PeriodStart:     r.PeriodStart.String(),
		PeriodEnd:       r.PeriodEnd.String(),
		Ceiling:         r.Ceiling,
		Consumed:        r.Consumed,
		Remaining:       r.Remaining,
		Unit:            string(r.Unit),
		Status:          r.Status.String(),
	}
}

type EntryDTO struct {
	PeriodType      string          `json:"period_type"`
	PeriodID        string          `json:"period_id"`
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	AuthorizationID string          `json:"authorization_id"`
	Consumed        decimal.Decimal `json:"consumed"`
	Unit            string          `json:"unit"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		PeriodType:      string(e.Key.Period),
		PeriodID:        e.PeriodID,
		PeriodStart:     e.PeriodStart.String(),
		PeriodEnd:       e.PeriodEnd.String(),
		AuthorizationID: e.AuthorizationID,
		Consumed:        e.Consumed,
		Unit:            string(e.Unit),
		UpdatedAt:       e.UpdatedAt,
	}
}

// AuthorizationDTO wraps the factory shape with the assigned id.
type AuthorizationDTO struct {
	ID string `json:"id"`
	factory.AuthorizationJSON
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// EVENTS
// =============================================================================

type SessionDeliveredRequest struct {
	SessionID   string          `json:"session_id,omitempty"`
	ClientID    string          `json:"client_id"`
	Program     string          `json:"program"`
	ServiceType string          `json:"service_type"`
	PeriodType  string          `json:"period_type,omitempty"`
	Units       decimal.Decimal `json:"units"`
	Date        string          `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
}

type SessionDeliveredResponse struct {
	SessionID string   `json:"session_id"`
	Duplicate bool     `json:"duplicate"`
	Units     UnitsDTO `json:"units"`
}

type LineItemRequest struct {
	SessionID string          `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type ClaimSubmissionRequest struct {
	ClientID  string            `json:"client_id"`
	PayerID   string            `json:"payer_id"`
	Program   string            `json:"program"`
	LineItems []LineItemRequest `json:"line_items"`
}

// PayerResponseRequest carries one payer outcome. Amount applies to paid and
// partially_paid, Reason to denied.
type PayerResponseRequest struct {
	ClaimID string          `json:"claim_id"`
	Status  string          `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// CLAIMS
// =============================================================================

type LineItemDTO struct {
	SessionID   string          `json:"session_id"`
	ServiceType string          `json:"service_type"`
	ServiceDate string          `json:"service_date"`
	Units       decimal.Decimal `json:"units"`
	Amount      decimal.Decimal `json:"amount"`
}

type HistoryDTO struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

type ClaimDTO struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	PayerID          string          `json:"payer_id,omitempty"`
	Program          string          `json:"program,omitempty"`
	Status           string          `json:"status"`
	Total            decimal.Decimal `json:"total"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	Balance          decimal.Decimal `json:"balance"`
	DenialReason     string          `json:"denial_reason,omitempty"`
	VoidReason       string          `json:"void_reason,omitempty"`
	ResubmissionOf   string          `json:"resubmission_of,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StatusChangedAt  time.Time       `json:"status_changed_at"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	FirstSubmittedAt *time.Time      `json:"first_submitted_at,omitempty"`
	LineItems        []LineItemDTO   `json:"line_items"`
	History          []HistoryDTO    `json:"history"`
	Version          int             `json:"version"`
}

func toClaimDTO(c claims.Claim) ClaimDTO {
	dto := ClaimDTO{
		ID:               c.ID,
		ClientID:         string(c.ClientID),
		PayerID:          c.PayerID,
		Program:          string(c.Program),
		Status:           c.Status.String(),
		Total:            c.Total,
		PaidAmount:       c.PaidAmount,
		Balance:          c.Balance(),
		DenialReason:     c.DenialReason,
		VoidReason:       c.VoidReason,
		ResubmissionOf:   c.ResubmissionOf,
		CreatedAt:        c.CreatedAt,
		StatusChangedAt:  c.StatusChangedAt,
		SubmittedAt:      c.SubmittedAt,
		FirstSubmittedAt: c.FirstSubmittedAt,
		LineItems:        make([]LineItemDTO, len(c.LineItems)),
		History:          make([]HistoryDTO, len(c.History)),
		Version:          c.Version,
	}
	for i, li := range c.LineItems {
		dto.LineItems[i] = LineItemDTO{
			SessionID:   li.SessionID,
			ServiceType: string(li.ServiceType),
			ServiceDate: li.ServiceDate.String(),
			Units:       li.Units,
			Amount:      li.Amount,
		}
	}
	for i, h := range c.History {
		dto.History[i] = HistoryDTO{From: h.From.String(), To: h.To.String(), At: h.At, Note: h.Note}
	}
	return dto
}

// =============================================================================
// ADMIN
// =============================================================================

type RolloverResponse struct {
	PeriodDate     string `json:"period_date"`
	Authorizations int    `json:"authorizations"`
	Created        int    `json:"created"`
	Failed         int    `json:"failed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
