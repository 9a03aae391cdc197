package identity

import (
	"context"
	"time"
)

// Store persists users, the global wallet→user index, and sessions. Addresses
// are normalized (checksummed hex) before they reach the store. Every method
// that pairs a uniqueness check with a write performs the pair as one
// indivisible unit: concurrent claims of the same wallet resolve to exactly
// one winner.
type Store interface {
	// CreateUser stores a new user and claims its primary wallet in the
	// reverse index; fails with a conflict if the wallet is already claimed.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByWallet(ctx context.Context, address string) (User, error)

	// SetChallenge records the pending nonce and action tag for a user.
	SetChallenge(ctx context.Context, userID, nonce, action string) error
	// CompleteLogin rotates the nonce, stamps the login time and merges any
	// non-empty profile fields, all in one write.
	CompleteLogin(ctx context.Context, userID, newNonce string, at time.Time, profile Profile) (User, error)

	// AddWallet claims address globally and appends a non-primary entry; the
	// claim and the append are atomic.
	AddWallet(ctx context.Context, userID string, w LinkedWallet) (User, error)
	// RemoveWallet frees the address; removing the current primary is
	// rejected.
	RemoveWallet(ctx context.Context, userID, address string) (User, error)
	// SetPrimary flips IsPrimary to exactly one entry, which must already be
	// linked to the user.
	SetPrimary(ctx context.Context, userID, address string) (User, error)

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, tokenHash string) (Session, error)
}
