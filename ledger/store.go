package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// STORE - Persistence contract for authorizations, entries and consumptions
// =============================================================================

// Store persists ledger state. Implementations live under store/.
//
// Records are append/update only. Nothing is ever deleted. The two write paths
// that guard invariants must be atomic in the implementation:
//   - CreateEntry is insert-if-absent on (Key, PeriodID)
//   - ApplyConsumption is "increment only if the result stays <= ceiling"
type Store interface {
	// AppendAuthorization stores a. If supersedesID is set, that authorization
	// is closed with EffectiveTo = closeAt in the same atomic step. Closing an
	// authorization that is no longer open fails with ErrConcurrentModification.
	AppendAuthorization(ctx context.Context, a Authorization, supersedesID string, closeAt generic.TimePoint) error

	// GetAuthorization returns ErrNotFound for unknown ids.
	GetAuthorization(ctx context.Context, id string) (Authorization, error)

	// OpenAuthorization returns the key's authorization with no EffectiveTo.
	OpenAuthorization(ctx context.Context, key Key) (Authorization, error)

	// ActiveAuthorization returns the authorization covering the date.
	ActiveAuthorization(ctx context.Context, key Key, on generic.TimePoint) (Authorization, error)

	ListAuthorizations(ctx context.Context, filter AuthorizationFilter) ([]Authorization, error)

	// GetEntry returns ErrNotFound when the period has no entry yet.
	GetEntry(ctx context.Context, key Key, periodID string) (Entry, error)

	// CreateEntry inserts e unless an entry for (e.Key, e.PeriodID) exists, in
	// which case the existing entry is returned with created=false.
	CreateEntry(ctx context.Context, e Entry) (entry Entry, created bool, err error)

	// ApplyConsumption adds c.Amount to the entry for (c.Key, c.PeriodID) and
	// appends c, or does neither. Fails with *QuotaExceededError when the new
	// total would pass ceiling and ErrDuplicateIdempotencyKey for a repeated key.
	ApplyConsumption(ctx context.Context, c Consumption, ceiling decimal.Decimal) (Entry, error)

	// ListEntries returns every period entry for key, oldest first.
	ListEntries(ctx context.Context, key Key) ([]Entry, error)

	// ListConsumptions returns consumptions for key, optionally limited to one
	// period, in the order they were recorded.
	ListConsumptions(ctx context.Context, key Key, periodID string) ([]Consumption, error)
}
