/*
handlers.go - HTTP API handlers for the unit ledger and claim engine

PURPOSE:
  Exposes billing.Service over REST. Handles HTTP request/response and JSON
  serialization, and delegates everything else to the billing boundary.

ENDPOINTS:
  Authorizations:
    POST   /api/authorizations                 Allocate (object or array)
    GET    /api/authorizations?client_id=      Authorization history

  Units:
    GET    /api/clients/{id}/units             Remaining units (current period)
    GET    /api/clients/{id}/entries           Per-period consumption history

  Events:
    POST   /api/events/session-delivered       Consume units for a session
    POST   /api/events/claim-submission        Generate and submit a claim
    POST   /api/events/payer-response          Record paid / partial / denied

  Claims:
    GET    /api/claims                         List (client_id, payer_id, program, status)
    GET    /api/claims/{id}                    Get one claim
    POST   /api/claims/{id}/submit|appeal|void|resubmit

  Reports:
    GET    /api/reports/{type}                 from, to, as_of, program, payer_id, client_id

  Admin:
    POST   /api/admin/rollover                 Run the rollover sweep once

REQUEST FLOW:
  1. Parse HTTP request
  2. Build the billing event or query
  3. Call billing.Service
  4. Serialize response
  5. Map errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with a machine-readable code:
  - 400: invalid input, amount or ceiling
  - 404: client, authorization, claim or session not found
  - 409: quota exceeded, duplicate line item, invalid transition, duplicate
         idempotency key, concurrent modification
  - 503: lock timeout, persistence unavailable (retryable)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/service.go: The boundary these handlers call
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/reporting"
)

// CallerHeader names the acting user or system. It is logged, never checked.
const CallerHeader = "X-Caller-ID"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *billing.Service
	Factory *factory.AuthorizationFactory
	Store   Pinger // optional, used by /health
	Log     zerolog.Logger
}

// NewHandler creates a handler around the billing service.
func NewHandler(svc *billing.Service, f *factory.AuthorizationFactory, store Pinger, log zerolog.Logger) *Handler {
	return &Handler{Service: svc, Factory: f, Store: store, Log: log}
}

func callerOf(r *http.Request) billing.Caller {
	id := r.Header.Get(CallerHeader)
	if id == "" {
		id = "anonymous"
	}
	return billing.Caller{ID: id, Source: "http"}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

// CreateAuthorizations allocates one authorization or an array of them.
// Allocation stops at the first failure; earlier ones stay applied.
func (h *Handler) CreateAuthorizations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", generic.ErrInvalidInput, err))
		return
	}
	auths, err := h.Factory.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}

	caller := callerOf(r)
	out := make([]AuthorizationDTO, 0, len(auths))
	for _, a := range auths {
		saved, err := h.Service.Ledger().Allocate(r.Context(), a)
		if err != nil {
			writeError(w, err)
			return
		}
		h.Log.Info().
			Str("caller", caller.String()).
			Str("authorization_id", saved.ID).
			Str("key", saved.Key.String()).
			Str("ceiling", saved.Ceiling.String()).
			Msg("authorization allocated")
		out = append(out, h.toAuthorizationDTO(saved))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) ListAuthorizations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.AuthorizationFilter{
		ClientID:    generic.ClientID(q.Get("client_id")),
		ServiceType: generic.ServiceType(q.Get("service_type")),
	}
	if p := q.Get("program"); p != "" {
		program, err := generic.ParseProgram(p)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Program = program
	}
	if on := q.Get("active_on"); on != "" {
		d, err := generic.ParseDate(on)
		if err != nil {
			writeError(w, fmt.Errorf("%w: active_on: %v", generic.ErrInvalidInput, err))
			return
		}
		f.ActiveOn = &d
	}

	auths, err := h.Service.Ledger().Authorizations(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]AuthorizationDTO, len(auths))
	for i, a := range auths {
		out[i] = h.toAuthorizationDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) toAuthorizationDTO(a ledger.Authorization) AuthorizationDTO {
	return AuthorizationDTO{ID: a.ID, AuthorizationJSON: h.Factory.ToJSON(a), CreatedAt: a.CreatedAt}
}

// =============================================================================
// UNITS
// =============================================================================

// GetRemainingUnits answers "how many units are left this period".
func (h *Handler) GetRemainingUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := billing.RemainingQuery{
		ClientID:    generic.ClientID(chi.URLParam(r, "clientID")),
		Program:     generic.ProgramCode(q.Get("program")),
		ServiceType: generic.ServiceType(q.Get("service_type")),
	}
	if pt := q.Get("period_type"); pt != "" {
		period, err := generic.ParsePeriodType(pt)
		if err != nil {
			writeError(w, err)
			return
		}
		rq.Period = period
	}
	if at := q.Get("date"); at != "" {
		d, err := generic.ParseDate(at)
		if err != nil {
			writeError(w, fmt.Errorf("%w: date: %v", generic.ErrInvalidInput, err))
			return
		}
		rq.At = d.Time
	}

	res, err := h.Service.GetRemainingUnits(r.Context(), callerOf(r), rq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnitsDTO(res))
}

// GetEntries lists period entries for every period type authorized for the
// client, program and service.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	program, err := generic.ParseProgram(q.Get("program"))
	if err != nil {
		writeError(w, err)
		return
	}
	f := ledger.AuthorizationFilter{
		ClientID:    generic.ClientID(chi.URLParam(r, "clientID")),
		Program:     program,
		ServiceType: generic.ServiceType(q.Get("service_type")),
	}
	auths, err := h.Service.Ledger().Authorizations(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	seen := make(map[ledger.Key]bool)
	out := []EntryDTO{}
	for _, a := range auths {
		if seen[a.Key] {
			continue
		}
		seen[a.Key] = true
		entries, err := h.Service.Ledger().Entries(r.Context(), a.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, e := range entries {
			out = append(out, toEntryDTO(e))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// EVENTS
// =============================================================================

func (h *Handler) SessionDelivered(w http.ResponseWriter, r *http.Request) {
	var req SessionDeliveredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev := billing.SessionDelivered{
		SessionID:   req.SessionID,
		ClientID:    generic.ClientID(req.ClientID),
		Program:     generic.ProgramCode(req.Program),
		ServiceType: generic.ServiceType(req.ServiceType),
		Units:       req.Units,
	}
	if req.PeriodType != "" {
		period, err := generic.ParsePeriodType(req.PeriodType)
		if err != nil {
			writeError(w, err)
			return
		}
		ev.Period = period
	}
	if req.Date != "" {
		d, err := generic.ParseDate(req.Date)
		if err != nil {
			writeError(w, fmt.Errorf("%w: date: %v", generic.ErrInvalidInput, err))
			return
		}
		ev.Date = d
	}

	res, err := h.Service.SessionDelivered(r.Context(), callerOf(r), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, SessionDeliveredResponse{
		SessionID: res.SessionID,
		Duplicate: res.Duplicate,
		Units:     toUnitsDTO(res.Units),
	})
}

func (h *Handler) ClaimSubmission(w http.ResponseWriter, r *http.Request) {
	var req ClaimSubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev := billing.ClaimSubmissionRequested{
		ClientID:  generic.ClientID(req.ClientID),
		PayerID:   req.PayerID,
		Program:   generic.ProgramCode(req.Program),
		LineItems: make([]claims.DraftLine, len(req.LineItems)),
	}
	for i, li := range req.LineItems {
		ev.LineItems[i] = claims.DraftLine{SessionID: li.SessionID, Amount: li.Amount}
	}

	c, err := h.Service.ClaimSubmissionRequested(r.Context(), callerOf(r), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClaimDTO(c))
}

func (h *Handler) PayerResponse(w http.ResponseWriter, r *http.Request) {
	var req PayerResponseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := claims.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	var out claims.Outcome
	switch status {
	case claims.StatusPaid:
		out = claims.Paid(req.Amount)
	case claims.StatusPartiallyPaid:
		out = claims.PartiallyPaid(req.Amount)
	case claims.StatusDenied:
		out = claims.Denied(req.Reason)
	default:
		writeError(w, fmt.Errorf("%w: payer response status must be paid, partially_paid or denied, got %q",
			generic.ErrInvalidInput, req.Status))
		return
	}

	c, err := h.Service.PayerResponseReceived(r.Context(), callerOf(r), billing.PayerResponseReceived{
		ClaimID: req.ClaimID, Outcome: out,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(c))
}

// =============================================================================
// CLAIMS
// =============================================================================

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Claims().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(c))
}

func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := claims.Filter{
		ClientID: generic.ClientID(q.Get("client_id")),
		PayerID:  q.Get("payer_id"),
	}
	if p := q.Get("program"); p != "" {
		program, err := generic.ParseProgram(p)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Program = program
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			st, err := claims.ParseStatus(s)
			if err != nil {
				writeError(w, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	cs, err := h.Service.Claims().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ClaimDTO, len(cs))
	for i, c := range cs {
		out[i] = toClaimDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	h.claimAction(w, r, "submit", h.Service.Claims().Submit)
}

func (h *Handler) AppealClaim(w http.ResponseWriter, r *http.Request) {
	h.claimAction(w, r, "appeal", h.Service.Claims().Appeal)
}

func (h *Handler) ResubmitClaim(w http.ResponseWriter, r *http.Request) {
	h.claimActionStatus(w, r, "resubmit", http.StatusCreated, h.Service.Claims().Resubmit)
}

func (h *Handler) VoidClaim(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	void := func(ctx context.Context, id string) (claims.Claim, error) {
		return h.Service.Claims().Void(ctx, id, req.Reason)
	}
	h.claimAction(w, r, "void", void)
}

func (h *Handler) claimAction(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (claims.Claim, error)) {
	h.claimActionStatus(w, r, op, http.StatusOK, fn)
}

func (h *Handler) claimActionStatus(w http.ResponseWriter, r *http.Request, op string, status int, fn func(context.Context, string) (claims.Claim, error)) {
	id := chi.URLParam(r, "id")
	c, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Log.Info().
		Str("caller", callerOf(r).String()).
		Str("claim_id", id).
		Str("op", op).
		Str("status", c.Status.String()).
		Msg("claim action")
	writeJSON(w, status, toClaimDTO(c))
}

// =============================================================================
// REPORTS
// =============================================================================

// GetReport accepts dates as YYYY-MM-DD or RFC 3339. A date-only "to" covers
// the whole day.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	t, err := reporting.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	var rq reporting.Query
	if rq.From, err = parseInstant(q.Get("from"), false); err != nil {
		writeError(w, err)
		return
	}
	if rq.To, err = parseInstant(q.Get("to"), true); err != nil {
		writeError(w, err)
		return
	}
	if rq.AsOf, err = parseInstant(q.Get("as_of"), true); err != nil {
		writeError(w, err)
		return
	}
	if p := q.Get("program"); p != "" {
		if rq.Program, err = generic.ParseProgram(p); err != nil {
			writeError(w, err)
			return
		}
	}
	rq.PayerID = q.Get("payer_id")
	rq.ClientID = generic.ClientID(q.Get("client_id"))

	report, err := h.Service.GetReport(r.Context(), callerOf(r), t, rq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseInstant(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := generic.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither YYYY-MM-DD nor RFC 3339", generic.ErrInvalidInput, s)
	}
	if endOfDay {
		return d.AddDays(1).Time.Add(-time.Nanosecond), nil
	}
	return d.Time, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerRollover runs the sweep for ?date= (default today). Failures on some
// keys still return the counts, with status 207.
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: date: %v", generic.ErrInvalidInput, err))
			return
		}
		at = d.Time
	}

	res, err := h.Service.Ledger().Sweep(r.Context(), at)
	body := RolloverResponse{
		PeriodDate:     res.PeriodDate.String(),
		Authorizations: res.Authorizations,
		Created:        res.Created,
		Failed:         res.Failed,
	}
	h.Log.Info().
		Str("caller", callerOf(r).String()).
		Int("created", res.Created).
		Int("failed", res.Failed).
		Msg("manual rollover")
	if err != nil {
		if res.Failed > 0 {
			writeJSON(w, http.StatusMultiStatus, body)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", generic.ErrInvalidInput, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrInvalidCeiling):
		return http.StatusBadRequest, "invalid_ceiling"
	case errors.Is(err, generic.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, generic.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrQuotaExceeded):
		return http.StatusConflict, "quota_exceeded"
	case errors.Is(err, generic.ErrDuplicateLineItem):
		return http.StatusConflict, "duplicate_line_item"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, generic.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, generic.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable, "persistence_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var qe *generic.QuotaExceededError
	if errors.As(err, &qe) {
		resp.Details = map[string]string{"remaining": qe.Remaining().String()}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
