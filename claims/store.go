package claims

import "context"

// Store persists claims and the index of which claim holds each session.
type Store interface {
	// CreateClaim stores c and marks its sessions as claimed by c.ID. A
	// session already held by another live claim fails the whole call with
	// *DuplicateLineItemError, unless that claim is takeoverFrom.
	CreateClaim(ctx context.Context, c Claim, takeoverFrom string) error

	// GetClaim returns ErrNotFound for unknown ids.
	GetClaim(ctx context.Context, id string) (Claim, error)

	// UpdateClaim replaces the stored claim if its version still equals
	// expectedVersion, otherwise ErrConcurrentModification. When c is void its
	// sessions are released.
	UpdateClaim(ctx context.Context, c Claim, expectedVersion int) error

	// ListClaims returns matching claims ordered by creation time then id.
	ListClaims(ctx context.Context, f Filter) ([]Claim, error)

	// SessionClaim returns the id of the live claim holding the session, or "".
	SessionClaim(ctx context.Context, sessionID string) (string, error)
}

// SessionSource reads delivered sessions.
type SessionSource interface {
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
}
