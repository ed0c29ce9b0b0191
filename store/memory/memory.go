// Package memory provides in-memory implementations of the ledger and claim
// stores for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements ledger.Store, claims.Store and claims.SessionSource. A
// single RWMutex makes every write path atomic.
type Store struct {
	mu sync.RWMutex

	auths        []ledger.Authorization
	entries      map[string][]ledger.Entry // key string -> entries sorted by period start
	consumptions map[string][]ledger.Consumption
	idempotency  map[string]bool

	claims        map[string]claims.Claim
	sessionClaims map[string]string
	sessions      map[string]claims.Session
}

func New() *Store {
	return &Store{
		entries:       make(map[string][]ledger.Entry),
		consumptions:  make(map[string][]ledger.Consumption),
		idempotency:   make(map[string]bool),
		claims:        make(map[string]claims.Claim),
		sessionClaims: make(map[string]string),
		sessions:      make(map[string]claims.Session),
	}
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

func (m *Store) AppendAuthorization(_ context.Context, a ledger.Authorization, supersedesID string, closeAt generic.TimePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if supersedesID != "" {
		i := m.authIndex(supersedesID)
		if i < 0 {
			return generic.NotFound("supersede", "authorization "+supersedesID)
		}
		if !m.auths[i].IsOpen() {
			return generic.ErrConcurrentModification
		}
		end := closeAt
		m.auths[i].EffectiveTo = &end
	}
	m.auths = append(m.auths, a)
	return nil
}

func (m *Store) authIndex(id string) int {
	for i := range m.auths {
		if m.auths[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Store) GetAuthorization(_ context.Context, id string) (ledger.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.authIndex(id); i >= 0 {
		return m.auths[i], nil
	}
	return ledger.Authorization{}, generic.NotFound("get", "authorization "+id)
}

func (m *Store) OpenAuthorization(_ context.Context, key ledger.Key) (ledger.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.auths) - 1; i >= 0; i-- {
		if m.auths[i].Key == key && m.auths[i].IsOpen() {
			return m.auths[i], nil
		}
	}
	return ledger.Authorization{}, generic.NotFound("open authorization", key.String())
}

func (m *Store) ActiveAuthorization(_ context.Context, key ledger.Key, on generic.TimePoint) (ledger.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.auths) - 1; i >= 0; i-- {
		if m.auths[i].Key == key && m.auths[i].ActiveOn(on) {
			return m.auths[i], nil
		}
	}
	return ledger.Authorization{}, generic.NotFound("active authorization", key.String())
}

func (m *Store) ListAuthorizations(_ context.Context, f ledger.AuthorizationFilter) ([]ledger.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Authorization
	for _, a := range m.auths {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// ENTRIES & CONSUMPTIONS
// =============================================================================

func (m *Store) GetEntry(_ context.Context, key ledger.Key, periodID string) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.entryIndex(key.String(), periodID); i >= 0 {
		return m.entries[key.String()][i], nil
	}
	return ledger.Entry{}, generic.NotFound("get", "entry "+key.String()+"@"+periodID)
}

func (m *Store) entryIndex(k, periodID string) int {
	for i, e := range m.entries[k] {
		if e.PeriodID == periodID {
			return i
		}
	}
	return -1
}

// CreateEntry is insert-if-absent on (key, period).
func (m *Store) CreateEntry(_ context.Context, e ledger.Entry) (ledger.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := e.Key.String()
	if i := m.entryIndex(k, e.PeriodID); i >= 0 {
		return m.entries[k][i], false, nil
	}

	entries := m.entries[k]
	// Binary search for insertion point so entries stay ordered by period
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].PeriodStart.After(e.PeriodStart)
	})
	entries = append(entries, ledger.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	m.entries[k] = entries

	return e, true, nil
}

// ApplyConsumption is the conditional increment: all checks happen under the
// write lock, and nothing is written unless all of them pass.
func (m *Store) ApplyConsumption(_ context.Context, c ledger.Consumption, ceiling decimal.Decimal) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.IdempotencyKey != "" && m.idempotency[c.IdempotencyKey] {
		return ledger.Entry{}, generic.ErrDuplicateIdempotencyKey
	}

	k := c.Key.String()
	i := m.entryIndex(k, c.PeriodID)
	if i < 0 {
		return ledger.Entry{}, generic.NotFound("consume", "entry "+k+"@"+c.PeriodID)
	}
	e := m.entries[k][i]

	next := e.Consumed.Add(c.Amount)
	if next.GreaterThan(ceiling) {
		return ledger.Entry{}, &generic.QuotaExceededError{
			Key: k, PeriodID: c.PeriodID, Ceiling: ceiling, Consumed: e.Consumed, Requested: c.Amount,
		}
	}

	e.Consumed = next
	e.UpdatedAt = c.RecordedAt
	m.entries[k][i] = e
	m.consumptions[k] = append(m.consumptions[k], c)
	if c.IdempotencyKey != "" {
		m.idempotency[c.IdempotencyKey] = true
	}
	return e, nil
}

func (m *Store) ListEntries(_ context.Context, key ledger.Key) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.entries[key.String()]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}

func (m *Store) ListConsumptions(_ context.Context, key ledger.Key, periodID string) ([]ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Consumption
	for _, c := range m.consumptions[key.String()] {
		if periodID == "" || c.PeriodID == periodID {
			out = append(out, c)
		}
	}
	return out, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

func (m *Store) CreateClaim(_ context.Context, c claims.Claim, takeoverFrom string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.claims[c.ID]; exists {
		return generic.ErrConcurrentModification
	}
	// Check every session first so a conflict writes nothing
	for _, id := range c.SessionIDs() {
		if holder, ok := m.sessionClaims[id]; ok && holder != takeoverFrom {
			return &generic.DuplicateLineItemError{SessionID: id, ExistingClaimID: holder}
		}
	}
	for _, id := range c.SessionIDs() {
		m.sessionClaims[id] = c.ID
	}
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *Store) GetClaim(_ context.Context, id string) (claims.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.claims[id]
	if !ok {
		return claims.Claim{}, generic.NotFound("get", "claim "+id)
	}
	return cloneClaim(c), nil
}

func (m *Store) UpdateClaim(_ context.Context, c claims.Claim, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.claims[c.ID]
	if !ok {
		return generic.NotFound("update", "claim "+c.ID)
	}
	if cur.Version != expectedVersion {
		return generic.ErrConcurrentModification
	}
	if !c.Status.Live() {
		for _, id := range c.SessionIDs() {
			if m.sessionClaims[id] == c.ID {
				delete(m.sessionClaims, id)
			}
		}
	}
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *Store) ListClaims(_ context.Context, f claims.Filter) ([]claims.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []claims.Claim
	for _, c := range m.claims {
		if f.Match(c) {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) SessionClaim(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionClaims[sessionID], nil
}

func cloneClaim(c claims.Claim) claims.Claim {
	c.LineItems = append([]claims.LineItem(nil), c.LineItems...)
	c.History = append([]claims.HistoryEntry(nil), c.History...)
	return c
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession is insert-if-absent on the session id. An existing session is
// returned unchanged with created false.
func (m *Store) CreateSession(_ context.Context, s claims.Session) (claims.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[s.ID]; ok {
		return cur, false, nil
	}
	m.sessions[s.ID] = s
	return s, true, nil
}

func (m *Store) CompleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return generic.NotFound("complete", "session "+id)
	}
	s.Completed = true
	m.sessions[id] = s
	return nil
}

// DiscardSession removes a session that never completed. Completed sessions
// are kept.
func (m *Store) DiscardSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok && !s.Completed {
		delete(m.sessions, id)
	}
	return nil
}

func (m *Store) GetSession(_ context.Context, id string) (claims.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return claims.Session{}, generic.NotFound("get", "session "+id)
	}
	return s, nil
}

// Ping always succeeds.
func (m *Store) Ping(context.Context) error { return nil }

func (m *Store) Close() error { return nil }

// Migrate is a no-op; there is no schema.
func (m *Store) Migrate(context.Context) error { return nil }
