// Package catalog is the off-ledger record of descriptive item attributes. A
// record is created unlinked, later associated with exactly one ledger id, and
// deletable only while unlinked.
package catalog

import (
	"context"
	"time"
)

type Product struct {
	InternalID  string     `json:"internal_id"`
	ChainID     *uint64    `json:"chain_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	BatchNumber string     `json:"batch_number,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (p Product) Linked() bool { return p.ChainID != nil }

// Update carries the mutable descriptive fields. Nil means leave unchanged.
type Update struct {
	Name        *string
	Description *string
	BatchNumber *string
	ImageURL    *string
	ExpiresAt   *time.Time
}

// Store is the metadata store contract. Link treats "check chain id unused,
// then write" as one indivisible unit: two racing Link calls for the same
// chain id resolve to one winner and one conflict. Linking the same
// (internalID, chainID) pair again is a success with no observable change.
type Store interface {
	Create(ctx context.Context, p Product) error
	Get(ctx context.Context, internalID string) (Product, error)
	Update(ctx context.Context, internalID string, u Update) (Product, error)
	// Delete removes an unlinked record; linked records are immutable history.
	Delete(ctx context.Context, internalID string) error
	Link(ctx context.Context, internalID string, chainID uint64) (Product, error)
	// GetByChainID reports ok=false when no metadata exists for the chain id;
	// absence is a valid state, not an error.
	GetByChainID(ctx context.Context, chainID uint64) (Product, bool, error)
	// ListUnlinked surfaces records whose ledger half never materialized, so a
	// retry or sweep collaborator can find them.
	ListUnlinked(ctx context.Context) ([]Product, error)
}
