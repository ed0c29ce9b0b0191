/*
Package sqlite provides a SQLite-backed implementation of the ledger and
claim stores.

PURPOSE:
  Implements ledger.Store, claims.Store and claims.SessionSource on a single
  SQLite file. It is the default driver for a single-node deployment; the
  postgres package carries the same contracts for shared deployments.

KEY TABLES:
  authorizations: Ceiling history per key (closed rows keep effective_to)
  entries:        One row per (key, period); consumed only ever grows
  consumptions:   Append-only consume records, idempotency_key UNIQUE
  claims:         Claim rows; line items and history as JSON columns
  session_claims: session_id -> live claim holding it
  sessions:       Delivered sessions, read by claim generation

ATOMIC WRITES:
  - CreateEntry:       INSERT ... ON CONFLICT(key, period_id) DO NOTHING
  - ApplyConsumption:  read + compare-and-set of consumed inside one transaction
  - UpdateClaim:       UPDATE ... WHERE version = expected
  - CreateClaim:       session holder check and claim insert in one transaction
  - CreateSession:     INSERT ... ON CONFLICT(id) DO NOTHING; sessions start
                       pending and only CompleteSession makes them billable

  The pool is capped at one connection, so transactions are serialized by
  SQLite itself. Busy and locked errors map to ErrPersistenceUnavailable.

NUMBERS:
  Decimals are stored as TEXT and parsed with shopspring/decimal, never as
  REAL, so no float rounding enters the ledger. A stored value that does not
  parse fails the read.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Ledger persistence contract
  - claims/store.go: Claim persistence contract
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// Store implements the ledger and claim storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return generic.Unavailable("ping", err)
	}
	return nil
}

// Migrate is idempotent; New already runs it.
func (s *Store) Migrate(context.Context) error { return s.migrate() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS authorizations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		program TEXT NOT NULL,
		service_type TEXT NOT NULL,
		period_type TEXT NOT NULL,
		ceiling TEXT NOT NULL,
		unit TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_authorizations_key
		ON authorizations(client_id, program, service_type, period_type);

	-- At most one open authorization per key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_authorizations_open
		ON authorizations(client_id, program, service_type, period_type)
		WHERE effective_to IS NULL;

	CREATE TABLE IF NOT EXISTS entries (
		key TEXT NOT NULL,
		client_id TEXT NOT NULL,
		program TEXT NOT NULL,
		service_type TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_id TEXT NOT NULL,
		authorization_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		consumed TEXT NOT NULL,
		unit TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (key, period_id)
	);

	CREATE TABLE IF NOT EXISTS consumptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		key TEXT NOT NULL,
		authorization_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		session_id TEXT,
		idempotency_key TEXT UNIQUE,
		service_date TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consumptions_key_period
		ON consumptions(key, period_id);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		payer_id TEXT NOT NULL DEFAULT '',
		program TEXT NOT NULL DEFAULT '',
		line_items_json TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		denial_reason TEXT NOT NULL DEFAULT '',
		void_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		status_changed_at TEXT NOT NULL,
		submitted_at TEXT,
		first_submitted_at TEXT,
		resubmission_of TEXT NOT NULL DEFAULT '',
		history_json TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claims_client ON claims(client_id);
	CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
	CREATE INDEX IF NOT EXISTS idx_claims_created ON claims(created_at);

	CREATE TABLE IF NOT EXISTS session_claims (
		session_id TEXT PRIMARY KEY,
		claim_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		program TEXT NOT NULL,
		service_type TEXT NOT NULL,
		units TEXT NOT NULL,
		service_date TEXT NOT NULL,
		completed INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a database transaction and commits when fn succeeds.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

const authColumns = `id, client_id, program, service_type, period_type, ceiling, unit,
	effective_from, effective_to, created_at`

func (s *Store) AppendAuthorization(ctx context.Context, a ledger.Authorization, supersedesID string, closeAt generic.TimePoint) error {
	return s.withTx(ctx, "append authorization", func(tx *sql.Tx) error {
		if supersedesID != "" {
			res, err := tx.ExecContext(ctx,
				`UPDATE authorizations SET effective_to = ? WHERE id = ? AND effective_to IS NULL`,
				closeAt.String(), supersedesID)
			if err != nil {
				return classify("close authorization", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var exists int
				err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM authorizations WHERE id = ?`, supersedesID).Scan(&exists)
				if err != nil {
					return classify("close authorization", err)
				}
				if exists == 0 {
					return generic.NotFound("supersede", "authorization "+supersedesID)
				}
				return generic.ErrConcurrentModification
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO authorizations (`+authColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID,
			a.Key.ClientID, a.Key.Program, a.Key.ServiceType, a.Key.Period,
			a.Ceiling.String(),
			a.Unit,
			a.EffectiveFrom.String(),
			nullDate(a.EffectiveTo),
			a.CreatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrConcurrentModification
			}
			return classify("append authorization", err)
		}
		return nil
	})
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (ledger.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAuthorization(s.db.QueryRowContext(ctx,
		`SELECT `+authColumns+` FROM authorizations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("get", "authorization "+id)
	}
	return a, err
}

func (s *Store) OpenAuthorization(ctx context.Context, key ledger.Key) (ledger.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAuthorization(s.db.QueryRowContext(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE client_id = ? AND program = ? AND service_type = ? AND period_type = ?
		  AND effective_to IS NULL
		ORDER BY seq DESC LIMIT 1`,
		key.ClientID, key.Program, key.ServiceType, key.Period))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("open authorization", key.String())
	}
	return a, err
}

func (s *Store) ActiveAuthorization(ctx context.Context, key ledger.Key, on generic.TimePoint) (ledger.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := on.String()
	a, err := scanAuthorization(s.db.QueryRowContext(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE client_id = ? AND program = ? AND service_type = ? AND period_type = ?
		  AND effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY seq DESC LIMIT 1`,
		key.ClientID, key.Program, key.ServiceType, key.Period, day, day))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, generic.NotFound("active authorization", key.String())
	}
	return a, err
}

func (s *Store) ListAuthorizations(ctx context.Context, f ledger.AuthorizationFilter) ([]ledger.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where, args = append(where, "client_id = ?"), append(args, f.ClientID)
	}
	if f.Program != "" {
		where, args = append(where, "program = ?"), append(args, f.Program)
	}
	if f.ServiceType != "" {
		where, args = append(where, "service_type = ?"), append(args, f.ServiceType)
	}
	if f.ActiveOn != nil {
		day := f.ActiveOn.String()
		where = append(where, "effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)")
		args = append(args, day, day)
	}

	query := `SELECT ` + authColumns + ` FROM authorizations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list authorizations", err)
	}
	defer rows.Close()

	var out []ledger.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row scanner) (ledger.Authorization, error) {
	var (
		a                                      ledger.Authorization
		clientID, program, service, periodType string
		ceiling, unit, from, createdAt         string
		to                                     sql.NullString
	)
	err := row.Scan(&a.ID, &clientID, &program, &service, &periodType, &ceiling, &unit, &from, &to, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan authorization: %w", err)
	}

	a.Key = ledger.Key{
		ClientID:    generic.ClientID(clientID),
		Program:     generic.ProgramCode(program),
		ServiceType: generic.ServiceType(service),
		Period:      generic.PeriodType(periodType),
	}
	a.Unit = generic.Unit(unit)

	var d decoder
	a.Ceiling = d.decimal("ceiling", ceiling)
	a.EffectiveFrom = d.date("effective_from", from)
	if to.Valid {
		end := d.date("effective_to", to.String)
		a.EffectiveTo = &end
	}
	a.CreatedAt = d.time("created_at", createdAt)
	if d.err != nil {
		return a, classify("decode authorization "+a.ID, d.err)
	}
	return a, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `client_id, program, service_type, period_type, period_id, authorization_id,
	period_start, period_end, consumed, unit, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, key ledger.Key, periodID string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getEntry(ctx, s.db, key, periodID)
}

func getEntry(ctx context.Context, db execer, key ledger.Key, periodID string) (ledger.Entry, error) {
	e, err := scanEntry(db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE key = ? AND period_id = ?`,
		key.String(), periodID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, generic.NotFound("get", "entry "+key.String()+"@"+periodID)
	}
	return e, err
}

func (s *Store) CreateEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, bool, error) {
	var (
		out     ledger.Entry
		created bool
	)
	err := s.withTx(ctx, "create entry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entries (key, `+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key, period_id) DO NOTHING`,
			e.Key.String(),
			e.Key.ClientID, e.Key.Program, e.Key.ServiceType, e.Key.Period,
			e.PeriodID, e.AuthorizationID,
			e.PeriodStart.String(), e.PeriodEnd.String(),
			e.Consumed.String(), e.Unit,
			e.CreatedAt.UTC().Format(timeLayout), e.UpdatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return classify("create entry", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out, created = e, true
			return nil
		}
		out, err = getEntry(ctx, tx, e.Key, e.PeriodID)
		return err
	})
	return out, created, err
}

// ApplyConsumption reads the entry, checks the ceiling in decimal arithmetic
// and writes the new total only if consumed still holds the value it read.
func (s *Store) ApplyConsumption(ctx context.Context, c ledger.Consumption, ceiling decimal.Decimal) (ledger.Entry, error) {
	var out ledger.Entry
	err := s.withTx(ctx, "apply consumption", func(tx *sql.Tx) error {
		if c.IdempotencyKey != "" {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM consumptions WHERE idempotency_key = ?`, c.IdempotencyKey).Scan(&n)
			if err != nil {
				return classify("apply consumption", err)
			}
			if n > 0 {
				return generic.ErrDuplicateIdempotencyKey
			}
		}

		e, err := getEntry(ctx, tx, c.Key, c.PeriodID)
		if err != nil {
			return err
		}
		next := e.Consumed.Add(c.Amount)
		if next.GreaterThan(ceiling) {
			return &generic.QuotaExceededError{
				Key: c.Key.String(), PeriodID: c.PeriodID, Ceiling: ceiling, Consumed: e.Consumed, Requested: c.Amount,
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE entries SET consumed = ?, updated_at = ?
			WHERE key = ? AND period_id = ? AND consumed = ?`,
			next.String(), c.RecordedAt.UTC().Format(timeLayout),
			c.Key.String(), c.PeriodID, e.Consumed.String())
		if err != nil {
			return classify("apply consumption", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return generic.ErrConcurrentModification
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO consumptions
			(id, key, authorization_id, period_id, amount, session_id, idempotency_key, service_date, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Key.String(), c.AuthorizationID, c.PeriodID, c.Amount.String(),
			nullString(c.SessionID), nullString(c.IdempotencyKey),
			c.ServiceDate.String(), c.RecordedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrDuplicateIdempotencyKey
			}
			return classify("append consumption", err)
		}

		e.Consumed = next
		e.UpdatedAt = c.RecordedAt
		out = e
		return nil
	})
	return out, err
}

func (s *Store) ListEntries(ctx context.Context, key ledger.Key) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE key = ? ORDER BY period_start ASC`, key.String())
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                            ledger.Entry
		clientID, program, service, periodType       string
		start, end, consumed, unit, created, updated string
	)
	err := row.Scan(&clientID, &program, &service, &periodType, &e.PeriodID, &e.AuthorizationID,
		&start, &end, &consumed, &unit, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.Key = ledger.Key{
		ClientID:    generic.ClientID(clientID),
		Program:     generic.ProgramCode(program),
		ServiceType: generic.ServiceType(service),
		Period:      generic.PeriodType(periodType),
	}
	e.Unit = generic.Unit(unit)

	var d decoder
	e.PeriodStart = d.date("period_start", start)
	e.PeriodEnd = d.date("period_end", end)
	e.Consumed = d.decimal("consumed", consumed)
	e.CreatedAt = d.time("created_at", created)
	e.UpdatedAt = d.time("updated_at", updated)
	if d.err != nil {
		return e, classify("decode entry "+e.PeriodID, d.err)
	}
	return e, nil
}

// =============================================================================
// CONSUMPTIONS
// =============================================================================

func (s *Store) ListConsumptions(ctx context.Context, key ledger.Key, periodID string) ([]ledger.Consumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, authorization_id, period_id, amount, session_id, idempotency_key, service_date, recorded_at
		FROM consumptions WHERE key = ?`
	args := []any{key.String()}
	if periodID != "" {
		query += " AND period_id = ?"
		args = append(args, periodID)
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list consumptions", err)
	}
	defer rows.Close()

	var out []ledger.Consumption
	for rows.Next() {
		var (
			c                         ledger.Consumption
			amount, date, recorded    string
			sessionID, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.AuthorizationID, &c.PeriodID, &amount, &sessionID, &idempotencyKey, &date, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		c.Key = key
		c.SessionID = sessionID.String
		c.IdempotencyKey = idempotencyKey.String

		var d decoder
		c.Amount = d.decimal("amount", amount)
		c.ServiceDate = d.date("service_date", date)
		c.RecordedAt = d.time("recorded_at", recorded)
		if d.err != nil {
			return nil, classify("decode consumption "+c.ID, d.err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `id, client_id, payer_id, program, line_items_json, total, status, paid_amount,
	denial_reason, void_reason, created_at, status_changed_at, submitted_at, first_submitted_at,
	resubmission_of, history_json, version`

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
	return s.withTx(ctx, "create claim", func(tx *sql.Tx) error {
		for _, id := range c.SessionIDs() {
			var holder string
			err := tx.QueryRowContext(ctx, `SELECT claim_id FROM session_claims WHERE session_id = ?`, id).Scan(&holder)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return classify("create claim", err)
			case holder != takeoverFrom:
				return &generic.DuplicateLineItemError{SessionID: id, ExistingClaimID: holder}
			}
		}

		args, err := claimArgs(c)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (`+claimColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			if isUniqueConstraintError(err) {
				return generic.ErrConcurrentModification
			}
			return classify("create claim", err)
		}

		for _, id := range c.SessionIDs() {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO session_claims (session_id, claim_id) VALUES (?, ?)
				ON CONFLICT(session_id) DO UPDATE SET claim_id = excluded.claim_id`, id, c.ID)
			if err != nil {
				return classify("claim session", err)
			}
		}
		return nil
	})
}

func (s *Store) GetClaim(ctx context.Context, id string) (claims.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanClaim(s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Claim{}, generic.NotFound("get", "claim "+id)
	}
	return c, err
}

func (s *Store) UpdateClaim(ctx context.Context, c claims.Claim, expectedVersion int) error {
	return s.withTx(ctx, "update claim", func(tx *sql.Tx) error {
		items, err := json.Marshal(lineItemsJSON(c.LineItems))
		if err != nil {
			return fmt.Errorf("encode line items: %w", err)
		}
		history, err := json.Marshal(historiesJSON(c.History))
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE claims SET
				line_items_json = ?, total = ?, status = ?, paid_amount = ?,
				denial_reason = ?, void_reason = ?, status_changed_at = ?,
				submitted_at = ?, first_submitted_at = ?, history_json = ?, version = ?
			WHERE id = ? AND version = ?`,
			string(items), c.Total.String(), c.Status.String(), c.PaidAmount.String(),
			c.DenialReason, c.VoidReason, c.StatusChangedAt.UTC().Format(timeLayout),
			nullTime(c.SubmittedAt), nullTime(c.FirstSubmittedAt), string(history), c.Version,
			c.ID, expectedVersion,
		)
		if err != nil {
			return classify("update claim", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE id = ?`, c.ID).Scan(&exists); err != nil {
				return classify("update claim", err)
			}
			if exists == 0 {
				return generic.NotFound("update", "claim "+c.ID)
			}
			return generic.ErrConcurrentModification
		}

		if !c.Status.Live() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_claims WHERE claim_id = ?`, c.ID); err != nil {
				return classify("release sessions", err)
			}
		}
		return nil
	})
}

func (s *Store) ListClaims(ctx context.Context, f claims.Filter) ([]claims.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where, args = append(where, "client_id = ?"), append(args, f.ClientID)
	}
	if f.PayerID != "" {
		where, args = append(where, "payer_id = ?"), append(args, f.PayerID)
	}
	if f.Program != "" {
		where, args = append(where, "program = ?"), append(args, f.Program)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + claimColumns + ` FROM claims`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list claims", err)
	}
	defer rows.Close()

	var out []claims.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		// created range is checked on parsed times
		if f.Match(c) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (s *Store) SessionClaim(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holder string
	err := s.db.QueryRowContext(ctx, `SELECT claim_id FROM session_claims WHERE session_id = ?`, sessionID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("session claim", err)
	}
	return holder, nil
}

func claimArgs(c claims.Claim) ([]any, error) {
	items, err := json.Marshal(lineItemsJSON(c.LineItems))
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}
	history, err := json.Marshal(historiesJSON(c.History))
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return []any{
		c.ID, c.ClientID, c.PayerID, c.Program, string(items), c.Total.String(), c.Status.String(),
		c.PaidAmount.String(), c.DenialReason, c.VoidReason,
		c.CreatedAt.UTC().Format(timeLayout), c.StatusChangedAt.UTC().Format(timeLayout),
		nullTime(c.SubmittedAt), nullTime(c.FirstSubmittedAt),
		c.ResubmissionOf, string(history), c.Version,
	}, nil
}

func scanClaim(row scanner) (claims.Claim, error) {
	var (
		c                         claims.Claim
		clientID, program, status string
		items, history            string
		total, paid               string
		created, changed          string
		submitted, firstSubmitted sql.NullString
	)
	err := row.Scan(&c.ID, &clientID, &c.PayerID, &program, &items, &total, &status, &paid,
		&c.DenialReason, &c.VoidReason, &created, &changed, &submitted, &firstSubmitted,
		&c.ResubmissionOf, &history, &c.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan claim: %w", err)
	}

	c.ClientID = generic.ClientID(clientID)
	c.Program = generic.ProgramCode(program)
	if c.Status, err = claims.ParseStatus(status); err != nil {
		return c, fmt.Errorf("claim %s: %w", c.ID, err)
	}

	var d decoder
	c.Total = d.decimal("total", total)
	c.PaidAmount = d.decimal("paid_amount", paid)
	c.CreatedAt = d.time("created_at", created)
	c.StatusChangedAt = d.time("status_changed_at", changed)
	c.SubmittedAt = d.nullTime("submitted_at", submitted)
	c.FirstSubmittedAt = d.nullTime("first_submitted_at", firstSubmitted)

	var li []lineItemJSON
	if err := json.Unmarshal([]byte(items), &li); err != nil {
		return c, fmt.Errorf("claim %s: decode line items: %w", c.ID, err)
	}
	for _, l := range li {
		c.LineItems = append(c.LineItems, claims.LineItem{
			SessionID:   l.SessionID,
			ServiceType: generic.ServiceType(l.ServiceType),
			ServiceDate: d.date("service_date", l.ServiceDate),
			Units:       l.Units,
			Amount:      l.Amount,
		})
	}

	var hs []historyJSON
	if err := json.Unmarshal([]byte(history), &hs); err != nil {
		return c, fmt.Errorf("claim %s: decode history: %w", c.ID, err)
	}
	for _, h := range hs {
		c.History = append(c.History, claims.HistoryEntry{From: h.From, To: h.To, At: h.At, Note: h.Note})
	}
	if d.err != nil {
		return c, classify("decode claim "+c.ID, d.err)
	}
	return c, nil
}

func lineItemsJSON(items []claims.LineItem) []lineItemJSON {
	out := make([]lineItemJSON, len(items))
	for i, li := range items {
		out[i] = lineItemJSON{
			SessionID:   li.SessionID,
			ServiceType: string(li.ServiceType),
			ServiceDate: li.ServiceDate.String(),
			Units:       li.Units,
			Amount:      li.Amount,
		}
	}
	return out
}

func historiesJSON(hs []claims.HistoryEntry) []historyJSON {
	out := make([]historyJSON, len(hs))
	for i, h := range hs {
		out[i] = historyJSON{From: h.From, To: h.To, At: h.At.UTC(), Note: h.Note}
	}
	return out
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession is insert-if-absent on the session id. When the id is taken
// the stored session is returned with created false.
func (s *Store) CreateSession(ctx context.Context, sess claims.Session) (claims.Session, bool, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, client_id, program, service_type, units, service_date, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.ClientID, sess.Program, sess.ServiceType, sess.Units.String(),
		sess.Date.String(), sess.Completed,
	)
	s.mu.Unlock()
	if err != nil {
		return claims.Session{}, false, classify("create session", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return claims.Session{}, false, classify("create session", err)
	} else if n == 1 {
		return sess, true, nil
	}

	cur, err := s.GetSession(ctx, sess.ID)
	return cur, false, err
}

func (s *Store) CompleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return classify("complete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("complete session", err)
	}
	if n == 0 {
		return generic.NotFound("complete", "session "+id)
	}
	return nil
}

// DiscardSession removes a session that never completed.
func (s *Store) DiscardSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND completed = 0`, id); err != nil {
		return classify("discard session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (claims.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sess                             claims.Session
		clientID, program, service, date string
		units                            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, program, service_type, units, service_date, completed
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &clientID, &program, &service, &units, &date, &sess.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Session{}, generic.NotFound("get", "session "+id)
	}
	if err != nil {
		return claims.Session{}, classify("get session", err)
	}
	sess.ClientID = generic.ClientID(clientID)
	sess.Program = generic.ProgramCode(program)
	sess.ServiceType = generic.ServiceType(service)

	var d decoder
	sess.Units = d.decimal("units", units)
	sess.Date = d.date("service_date", date)
	if d.err != nil {
		return claims.Session{}, classify("decode session "+id, d.err)
	}
	return sess, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *generic.TimePoint) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// decoder converts stored text columns and keeps the first failure, so a
// corrupt row is reported instead of read back as zero.
type decoder struct {
	err error
}

func (d *decoder) fail(field, s string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("bad %s %q: %w", field, s, err)
	}
}

func (d *decoder) decimal(field, s string) decimal.Decimal {
	v, err := generic.ParseDecimal(field, s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) date(field, s string) generic.TimePoint {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		d.fail(field, s, err)
	}
	return generic.DateOf(t)
}

func (d *decoder) time(field, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		d.fail(field, s, err)
	}
	return t
}

func (d *decoder) nullTime(field string, ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := d.time(field, ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// classify marks lock contention and I/O failures as retryable.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return generic.Unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return generic.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
