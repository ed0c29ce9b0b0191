/*
Package postgres provides a PostgreSQL-backed implementation of the ledger and
claim stores.

PURPOSE:
  Same contracts as store/sqlite for deployments where several server
  processes share one database. The invariants that matter under concurrency
  are enforced by the database, not by process-local locks.

ATOMIC WRITES:
  - CreateEntry:      INSERT ... ON CONFLICT (key, period_id) DO NOTHING
  - ApplyConsumption: idempotency insert + conditional UPDATE ... RETURNING
                      in one transaction (WHERE consumed + $amount <= $ceiling)
  - UpdateClaim:      UPDATE ... WHERE version = $expected
  - CreateClaim:      session_claims upsert guarded by the current holder
  - CreateSession:    INSERT ... ON CONFLICT (id) DO NOTHING

NUMBERS:
  NUMERIC columns. Decimals are sent as text and read back with ::text so no
  float conversion happens on either side.

MIGRATIONS:
  SQL files under migrations/ are embedded and applied by Migrator (the
  `migrate` command, or Store.Migrate).

SEE ALSO:
  - store/sqlite: single-node driver
  - migrate.go: Migrator
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

// NewPool parses databaseURL, applies the pool bounds and verifies the
// connection with a ping.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, generic.Unavailable("ping database", err)
	}
	return pool, nil
}

// Store implements ledger.Store, claims.Store and claims.SessionSource.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a pool and a Store over it.
func Open(ctx context.Context, databaseURL string, maxConns, minConns int32) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return generic.Unavailable("ping", err)
	}
	return nil
}

// Migrate applies pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Migrator().Up(ctx)
	return err
}

func (s *Store) Migrator() *Migrator { return NewMigrator(s.pool) }

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

const authColumns = `id, client_id, program, service_type, period_type, ceiling::text, unit,
	effective_from, effective_to, created_at`

func (s *Store) AppendAuthorization(ctx context.Context, a ledger.Authorization, supersedesID string, closeAt generic.TimePoint) error {
	return s.withTx(ctx, "append authorization", func(tx pgx.Tx) error {
		if supersedesID != "" {
			tag, err := tx.Exec(ctx,
				`UPDATE authorizations SET effective_to = $1 WHERE id = $2 AND effective_to IS NULL`,
				closeAt.Time, supersedesID)
			if err != nil {
				return classify("close authorization", err)
			}
			if tag.RowsAffected() == 0 {
				var exists bool
				if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM authorizations WHERE id = $1)`, supersedesID).Scan(&exists); err != nil {
					return classify("close authorization", err)
				}
				if !exists {
					return generic.NotFound("supersede", "authorization "+supersedesID)
				}
				return generic.ErrConcurrentModification
			}
		}

		var to *time.Time
		if a.EffectiveTo != nil {
			to = &a.EffectiveTo.Time
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO authorizations
			(id, client_id, program, service_type, period_type, ceiling, unit, effective_from, effective_to, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`,
			a.ID, string(a.Key.ClientID), string(a.Key.Program), string(a.Key.ServiceType), string(a.Key.Period),
			a.Ceiling.String(), string(a.Unit), a.EffectiveFrom.Time, to, a.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return generic.ErrConcurrentModification
			}
			return classify("append authorization", err)
		}
		return nil
	})
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (ledger.Authorization, error) {
	a, err := scanAuthorization(s.pool.QueryRow(ctx, `SELECT `+authColumns+` FROM authorizations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("get", "authorization "+id)
	}
	return a, classifyScan("get authorization", err)
}

func (s *Store) OpenAuthorization(ctx context.Context, key ledger.Key) (ledger.Authorization, error) {
	a, err := scanAuthorization(s.pool.QueryRow(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE client_id = $1 AND program = $2 AND service_type = $3 AND period_type = $4
		  AND effective_to IS NULL
		ORDER BY seq DESC LIMIT 1`, keyArgs(key)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("open authorization", key.String())
	}
	return a, classifyScan("open authorization", err)
}

func (s *Store) ActiveAuthorization(ctx context.Context, key ledger.Key, on generic.TimePoint) (ledger.Authorization, error) {
	args := append(keyArgs(key), on.Time)
	a, err := scanAuthorization(s.pool.QueryRow(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE client_id = $1 AND program = $2 AND service_type = $3 AND period_type = $4
		  AND effective_from <= $5 AND (effective_to IS NULL OR effective_to >= $5)
		ORDER BY seq DESC LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("active authorization", key.String())
	}
	return a, classifyScan("active authorization", err)
}

func (s *Store) ListAuthorizations(ctx context.Context, f ledger.AuthorizationFilter) ([]ledger.Authorization, error) {
	var q query
	if f.ClientID != "" {
		q.where("client_id = $%d", string(f.ClientID))
	}
	if f.Program != "" {
		q.where("program = $%d", string(f.Program))
	}
	if f.ServiceType != "" {
		q.where("service_type = $%d", string(f.ServiceType))
	}
	if f.ActiveOn != nil {
		q.where("effective_from <= $%d", f.ActiveOn.Time)
		q.where("(effective_to IS NULL OR effective_to >= $%d)", f.ActiveOn.Time)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+authColumns+` FROM authorizations`+q.sql()+` ORDER BY seq ASC`, q.args...)
	if err != nil {
		return nil, classify("list authorizations", err)
	}
	defer rows.Close()

	var out []ledger.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, classify("list authorizations", err)
		}
		out = append(out, a)
	}
	return out, classifyScan("list authorizations", rows.Err())
}

func scanAuthorization(row pgx.Row) (ledger.Authorization, error) {
	var (
		a                                      ledger.Authorization
		clientID, program, service, periodType string
		ceiling, unit                          string
		from                                   time.Time
		to                                     *time.Time
	)
	if err := row.Scan(&a.ID, &clientID, &program, &service, &periodType, &ceiling, &unit, &from, &to, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Key = ledger.Key{
		ClientID:    generic.ClientID(clientID),
		Program:     generic.ProgramCode(program),
		ServiceType: generic.ServiceType(service),
		Period:      generic.PeriodType(periodType),
	}
	var err error
	if a.Ceiling, err = generic.ParseDecimal("ceiling", ceiling); err != nil {
		return a, fmt.Errorf("decode authorization %s: %w", a.ID, err)
	}
	a.Unit = generic.Unit(unit)
	a.EffectiveFrom = generic.DateOf(from)
	if to != nil {
		end := generic.DateOf(*to)
		a.EffectiveTo = &end
	}
	return a, nil
}

// =============================================================================
// ENTRIES & CONSUMPTIONS
// =============================================================================

const entryColumns = `client_id, program, service_type, period_type, period_id, authorization_id,
	period_start, period_end, consumed::text, unit, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, key ledger.Key, periodID string) (ledger.Entry, error) {
	return getEntry(ctx, s.pool, key, periodID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntry(ctx context.Context, q querier, key ledger.Key, periodID string) (ledger.Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE key = $1 AND period_id = $2`, key.String(), periodID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, generic.NotFound("get", "entry "+key.String()+"@"+periodID)
	}
	return e, classifyScan("get entry", err)
}

func (s *Store) CreateEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO entries
		(key, client_id, program, service_type, period_type, period_id, authorization_id,
		 period_start, period_end, consumed, unit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)
		ON CONFLICT (key, period_id) DO NOTHING`,
		e.Key.String(), string(e.Key.ClientID), string(e.Key.Program), string(e.Key.ServiceType), string(e.Key.Period),
		e.PeriodID, e.AuthorizationID, e.PeriodStart.Time, e.PeriodEnd.Time,
		e.Consumed.String(), string(e.Unit), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return ledger.Entry{}, false, classify("create entry", err)
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}
	existing, err := s.GetEntry(ctx, e.Key, e.PeriodID)
	return existing, false, err
}

// ApplyConsumption records the consumption first so a repeated idempotency key
// fails before the quota is looked at, then increments conditionally. Any
// failure rolls both back.
func (s *Store) ApplyConsumption(ctx context.Context, c ledger.Consumption, ceiling decimal.Decimal) (ledger.Entry, error) {
	var out ledger.Entry
	err := s.withTx(ctx, "apply consumption", func(tx pgx.Tx) error {
		var idemKey, sessionID *string
		if c.IdempotencyKey != "" {
			idemKey = &c.IdempotencyKey
		}
		if c.SessionID != "" {
			sessionID = &c.SessionID
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO consumptions
			(id, key, authorization_id, period_id, amount, session_id, idempotency_key, service_date, recorded_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			c.ID, c.Key.String(), c.AuthorizationID, c.PeriodID, c.Amount.String(),
			sessionID, idemKey, c.ServiceDate.Time, c.RecordedAt,
		)
		if err != nil {
			return classify("append consumption", err)
		}
		if tag.RowsAffected() == 0 {
			return generic.ErrDuplicateIdempotencyKey
		}

		e, err := scanEntry(tx.QueryRow(ctx, `
			UPDATE entries SET consumed = consumed + $1::numeric, updated_at = $2
			WHERE key = $3 AND period_id = $4 AND consumed + $1::numeric <= $5::numeric
			RETURNING `+entryColumns,
			c.Amount.String(), c.RecordedAt, c.Key.String(), c.PeriodID, ceiling.String()))
		if err == nil {
			out = e
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return classify("apply consumption", err)
		}

		// Nothing updated: either the entry is missing or the ceiling would be passed.
		cur, err := getEntry(ctx, tx, c.Key, c.PeriodID)
		if err != nil {
			return err
		}
		return &generic.QuotaExceededError{
			Key: c.Key.String(), PeriodID: c.PeriodID, Ceiling: ceiling, Consumed: cur.Consumed, Requested: c.Amount,
		}
	})
	return out, err
}

func (s *Store) ListEntries(ctx context.Context, key ledger.Key) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE key = $1 ORDER BY period_start ASC`, key.String())
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify("list entries", err)
		}
		out = append(out, e)
	}
	return out, classifyScan("list entries", rows.Err())
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                                      ledger.Entry
		clientID, program, service, periodType string
		consumed, unit                         string
		start, end                             time.Time
	)
	err := row.Scan(&clientID, &program, &service, &periodType, &e.PeriodID, &e.AuthorizationID,
		&start, &end, &consumed, &unit, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Key = ledger.Key{
		ClientID:    generic.ClientID(clientID),
		Program:     generic.ProgramCode(program),
		ServiceType: generic.ServiceType(service),
		Period:      generic.PeriodType(periodType),
	}
	e.PeriodStart = generic.DateOf(start)
	e.PeriodEnd = generic.DateOf(end)
	if e.Consumed, err = generic.ParseDecimal("consumed", consumed); err != nil {
		return e, fmt.Errorf("decode entry %s: %w", e.PeriodID, err)
	}
	e.Unit = generic.Unit(unit)
	return e, nil
}

func (s *Store) ListConsumptions(ctx context.Context, key ledger.Key, periodID string) ([]ledger.Consumption, error) {
	sql := `
		SELECT id, authorization_id, period_id, amount::text, session_id, idempotency_key, service_date, recorded_at
		FROM consumptions WHERE key = $1`
	args := []any{key.String()}
	if periodID != "" {
		sql += ` AND period_id = $2`
		args = append(args, periodID)
	}
	sql += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("list consumptions", err)
	}
	defer rows.Close()

	var out []ledger.Consumption
	for rows.Next() {
		var (
			c                         ledger.Consumption
			amount                    string
			sessionID, idempotencyKey *string
			date                      time.Time
		)
		if err := rows.Scan(&c.ID, &c.AuthorizationID, &c.PeriodID, &amount, &sessionID, &idempotencyKey, &date, &c.RecordedAt); err != nil {
			return nil, classify("scan consumption", err)
		}
		c.Key = key
		if c.Amount, err = generic.ParseDecimal("amount", amount); err != nil {
			return nil, classify("decode consumption "+c.ID, err)
		}
		if sessionID != nil {
			c.SessionID = *sessionID
		}
		if idempotencyKey != nil {
			c.IdempotencyKey = *idempotencyKey
		}
		c.ServiceDate = generic.DateOf(date)
		out = append(out, c)
	}
	return out, classifyScan("list consumptions", rows.Err())
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `id, client_id, payer_id, program, line_items, total::text, status, paid_amount::text,
	denial_reason, void_reason, created_at, status_changed_at, submitted_at, first_submitted_at,
	resubmission_of, history, version`

type lineItemJSON struct {
	SessionID   string          `json:"session_id"`
	ServiceType string          `json:"service_type"`
	ServiceDate string          `json:"service_date"`
	Units       decimal.Decimal `json:"units"`
	Amount      decimal.Decimal `json:"amount"`
}

type historyJSON struct {
	From claims.Status `json:"from"`
	To   claims.Status `json:"to"`
	At   time.Time     `json:"at"`
	Note string        `json:"note,omitempty"`
}

func (s *Store) CreateClaim(ctx context.Context, c claims.Claim, takeoverFrom string) error {
	items, history, err := encodeClaim(c)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "create claim", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO claims (id, client_id, payer_id, program, line_items, total, status, paid_amount,
				denial_reason, void_reason, created_at, status_changed_at, submitted_at, first_submitted_at,
				resubmission_of, history, version)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::numeric, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17)`,
			c.ID, string(c.ClientID), c.PayerID, string(c.Program), items, c.Total.String(), c.Status.String(),
			c.PaidAmount.String(), c.DenialReason, c.VoidReason, c.CreatedAt, c.StatusChangedAt,
			c.SubmittedAt, c.FirstSubmittedAt, c.ResubmissionOf, history, c.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return generic.ErrConcurrentModification
			}
			return classify("create claim", err)
		}

		for _, id := range c.SessionIDs() {
			// Takes the session only when free or held by takeoverFrom.
			tag, err := tx.Exec(ctx, `
				INSERT INTO session_claims (session_id, claim_id) VALUES ($1, $2)
				ON CONFLICT (session_id) DO UPDATE SET claim_id = EXCLUDED.claim_id
				WHERE session_claims.claim_id = $3`,
				id, c.ID, takeoverFrom)
			if err != nil {
				return classify("claim session", err)
			}
			if tag.RowsAffected() == 0 {
				var holder string
				if err := tx.QueryRow(ctx, `SELECT claim_id FROM session_claims WHERE session_id = $1`, id).Scan(&holder); err != nil {
					return classify("claim session", err)
				}
				return &generic.DuplicateLineItemError{SessionID: id, ExistingClaimID: holder}
			}
		}
		return nil
	})
}

func (s *Store) GetClaim(ctx context.Context, id string) (claims.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return claims.Claim{}, generic.NotFound("get", "claim "+id)
	}
	return c, classifyScan("get claim", err)
}

func (s *Store) UpdateClaim(ctx context.Context, c claims.Claim, expectedVersion int) error {
	items, history, err := encodeClaim(c)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "update claim", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE claims SET
				line_items = $1::jsonb, total = $2::numeric, status = $3, paid_amount = $4::numeric,
				denial_reason = $5, void_reason = $6, status_changed_at = $7,
				submitted_at = $8, first_submitted_at = $9, history = $10::jsonb, version = $11
			WHERE id = $12 AND version = $13`,
			items, c.Total.String(), c.Status.String(), c.PaidAmount.String(),
			c.DenialReason, c.VoidReason, c.StatusChangedAt,
			c.SubmittedAt, c.FirstSubmittedAt, history, c.Version,
			c.ID, expectedVersion,
		)
		if err != nil {
			return classify("update claim", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
				return classify("update claim", err)
			}
			if !exists {
				return generic.NotFound("update", "claim "+c.ID)
			}
			return generic.ErrConcurrentModification
		}

		if !c.Status.Live() {
			if _, err := tx.Exec(ctx, `DELETE FROM session_claims WHERE claim_id = $1`, c.ID); err != nil {
				return classify("release sessions", err)
			}
		}
		return nil
	})
}

func (s *Store) ListClaims(ctx context.Context, f claims.Filter) ([]claims.Claim, error) {
	var q query
	if f.ClientID != "" {
		q.where("client_id = $%d", string(f.ClientID))
	}
	if f.PayerID != "" {
		q.where("payer_id = $%d", f.PayerID)
	}
	if f.Program != "" {
		q.where("program = $%d", string(f.Program))
	}
	if len(f.Statuses) > 0 {
		names := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			names[i] = st.String()
		}
		q.where("status = ANY($%d)", names)
	}
	if f.CreatedFrom != nil {
		q.where("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		q.where("created_at <= $%d", *f.CreatedTo)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+claimColumns+` FROM claims`+q.sql()+` ORDER BY created_at ASC, id ASC`, q.args...)
	if err != nil {
		return nil, classify("list claims", err)
	}
	defer rows.Close()

	var out []claims.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, classify("list claims", err)
		}
		out = append(out, c)
	}
	return out, classifyScan("list claims", rows.Err())
}

func (s *Store) SessionClaim(ctx context.Context, sessionID string) (string, error) {
	var holder string
	err := s.pool.QueryRow(ctx, `SELECT claim_id FROM session_claims WHERE session_id = $1`, sessionID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("session claim", err)
	}
	return holder, nil
}

func encodeClaim(c claims.Claim) (string, string, error) {
	li := make([]lineItemJSON, len(c.LineItems))
	for i, l := range c.LineItems {
		li[i] = lineItemJSON{
			SessionID: l.SessionID, ServiceType: string(l.ServiceType), ServiceDate: l.ServiceDate.String(),
			Units: l.Units, Amount: l.Amount,
		}
	}
	items, err := json.Marshal(li)
	if err != nil {
		return "", "", fmt.Errorf("encode line items: %w", err)
	}

	hs := make([]historyJSON, len(c.History))
	for i, h := range c.History {
		hs[i] = historyJSON{From: h.From, To: h.To, At: h.At.UTC(), Note: h.Note}
	}
	history, err := json.Marshal(hs)
	if err != nil {
		return "", "", fmt.Errorf("encode history: %w", err)
	}
	return string(items), string(history), nil
}

func scanClaim(row pgx.Row) (claims.Claim, error) {
	var (
		c                         claims.Claim
		clientID, program, status string
		total, paid               string
		items, history            []byte
	)
	err := row.Scan(&c.ID, &clientID, &c.PayerID, &program, &items, &total, &status, &paid,
		&c.DenialReason, &c.VoidReason, &c.CreatedAt, &c.StatusChangedAt, &c.SubmittedAt, &c.FirstSubmittedAt,
		&c.ResubmissionOf, &history, &c.Version)
	if err != nil {
		return c, err
	}

	c.ClientID = generic.ClientID(clientID)
	c.Program = generic.ProgramCode(program)
	if c.Status, err = claims.ParseStatus(status); err != nil {
		return c, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	if c.Total, err = generic.ParseDecimal("total", total); err != nil {
		return c, fmt.Errorf("decode claim %s: %w", c.ID, err)
	}
	if c.PaidAmount, err = generic.ParseDecimal("paid_amount", paid); err != nil {
		return c, fmt.Errorf("decode claim %s: %w", c.ID, err)
	}

	var li []lineItemJSON
	if err := json.Unmarshal(items, &li); err != nil {
		return c, fmt.Errorf("claim %s: decode line items: %w", c.ID, err)
	}
	for _, l := range li {
		date, _ := generic.ParseDate(l.ServiceDate)
		c.LineItems = append(c.LineItems, claims.LineItem{
			SessionID: l.SessionID, ServiceType: generic.ServiceType(l.ServiceType), ServiceDate: date,
			Units: l.Units, Amount: l.Amount,
		})
	}

	var hs []historyJSON
	if err := json.Unmarshal(history, &hs); err != nil {
		return c, fmt.Errorf("claim %s: decode history: %w", c.ID, err)
	}
	for _, h := range hs {
		c.History = append(c.History, claims.HistoryEntry{From: h.From, To: h.To, At: h.At, Note: h.Note})
	}
	return c, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession is insert-if-absent on the session id. When the id is taken
// the stored session is returned with created false.
func (s *Store) CreateSession(ctx context.Context, sess claims.Session) (claims.Session, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, client_id, program, service_type, units, service_date, completed)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, string(sess.ClientID), string(sess.Program), string(sess.ServiceType),
		sess.Units.String(), sess.Date.Time, sess.Completed,
	)
	if err != nil {
		return claims.Session{}, false, classify("create session", err)
	}
	if tag.RowsAffected() == 1 {
		return sess, true, nil
	}
	cur, err := s.GetSession(ctx, sess.ID)
	return cur, false, err
}

func (s *Store) CompleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET completed = TRUE WHERE id = $1`, id)
	if err != nil {
		return classify("complete session", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound("complete", "session "+id)
	}
	return nil
}

// DiscardSession removes a session that never completed.
func (s *Store) DiscardSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND NOT completed`, id); err != nil {
		return classify("discard session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (claims.Session, error) {
	var (
		sess                       claims.Session
		clientID, program, service string
		units                      string
		date                       time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_id, program, service_type, units::text, service_date, completed
		FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &clientID, &program, &service, &units, &date, &sess.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return claims.Session{}, generic.NotFound("get", "session "+id)
	}
	if err != nil {
		return claims.Session{}, classify("get session", err)
	}
	sess.ClientID = generic.ClientID(clientID)
	sess.Program = generic.ProgramCode(program)
	sess.ServiceType = generic.ServiceType(service)
	if sess.Units, err = generic.ParseDecimal("units", units); err != nil {
		return claims.Session{}, classify("decode session "+id, err)
	}
	sess.Date = generic.DateOf(date)
	return sess, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

func keyArgs(k ledger.Key) []any {
	return []any{string(k.ClientID), string(k.Program), string(k.ServiceType), string(k.Period)}
}

// query accumulates WHERE clauses with numbered placeholders.
type query struct {
	clauses []string
	args    []any
}

func (q *query) where(clause string, arg any) {
	q.args = append(q.args, arg)
	q.clauses = append(q.clauses, fmt.Sprintf(clause, len(q.args)))
}

func (q *query) sql() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify maps connection loss, resource exhaustion, serialization failures
// and deadlocks to ErrPersistenceUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return generic.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return generic.Unavailable(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return generic.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// classifyScan leaves nil and domain errors untouched.
func classifyScan(op string, err error) error {
	if err == nil || errors.Is(err, generic.ErrNotFound) {
		return err
	}
	return classify(op, err)
}
