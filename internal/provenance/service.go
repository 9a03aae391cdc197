// Package provenance orchestrates creation across the metadata store and the
// ledger and merges the two records on every read. Ledger fields are
// authoritative; metadata only fills in what the ledger does not hold.
package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lh6104/supply-chain-blockchain/internal/catalog"
	"github.com/lh6104/supply-chain-blockchain/internal/chain"
	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
)

// Hybrid creation statuses.
const (
	StatusLinked      = "linked"
	StatusUnlinked    = "unlinked"
	StatusLinkPending = "link_pending"
)

type Service struct {
	ledger   chain.Ledger
	products catalog.Store
	log      *slog.Logger
	now      func() time.Time
}

func NewService(ledger chain.Ledger, products catalog.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{ledger: ledger, products: products, log: log, now: time.Now}
}

// NewProduct carries the descriptive fields of a creation request.
type NewProduct struct {
	Name        string
	Description string
	BatchNumber string
	ImageURL    string
	ExpiresAt   *time.Time
}

// HybridResult reports the outcome of the composite creation flow. Status
// "unlinked" means the metadata half exists but the ledger half does not yet;
// "link_pending" means both halves exist and only the link step failed, which
// is retryable and non-fatal (Warning carries the detail).
type HybridResult struct {
	InternalID string  `json:"internal_id"`
	ChainID    *uint64 `json:"chain_id,omitempty"`
	Status     string  `json:"status"`
	Warning    string  `json:"warning,omitempty"`
}

// MergedItem is the read-side combination of ledger truth and descriptive
// metadata.
type MergedItem struct {
	ChainID     uint64      `json:"chain_id"`
	Stage       chain.Stage `json:"stage"`
	StageName   string      `json:"stage_name"`
	Creator     string      `json:"creator"`
	Distributor string      `json:"distributor,omitempty"`
	Retailer    string      `json:"retailer,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	InternalID  string     `json:"internal_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	BatchNumber string     `json:"batch_number,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	HasMetadata bool       `json:"has_metadata"`
}

// CreateMetadata stores a new unlinked record and returns it. No ledger
// interaction happens here.
func (s *Service) CreateMetadata(ctx context.Context, creator string, dto NewProduct) (catalog.Product, error) {
	if strings.TrimSpace(dto.Name) == "" {
		return catalog.Product{}, apperr.Validation("MISSING_NAME", "product name is required")
	}
	now := s.now().UTC()
	p := catalog.Product{
		InternalID:  "prd_" + uuid.NewString(),
		Name:        strings.TrimSpace(dto.Name),
		Description: dto.Description,
		BatchNumber: dto.BatchNumber,
		ImageURL:    dto.ImageURL,
		ExpiresAt:   dto.ExpiresAt,
		CreatedBy:   creator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.products.Create(ctx, p); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

// CreateLedgerItem delegates to the ledger state machine.
func (s *Service) CreateLedgerItem(ctx context.Context, caller string) (chain.Item, error) {
	return s.ledger.CreateItem(ctx, caller)
}

// Link associates a metadata record with a ledger item. It verifies the item
// exists, then defers to the store's one-to-one invariant. Re-linking the
// same pair is an idempotent success.
func (s *Service) Link(ctx context.Context, internalID string, chainID uint64) (catalog.Product, error) {
	if _, err := s.ledger.GetItem(ctx, chainID); err != nil {
		return catalog.Product{}, err
	}
	return s.products.Link(ctx, internalID, chainID)
}

// CreateHybridItem is the composite, user-facing creation flow: metadata,
// then ledger, then link. The sequence is not atomic across the two stores.
// A metadata failure aborts before any ledger write. A ledger failure leaves
// a retryable unlinked record: the result carries the metadata id and status
// "unlinked" alongside the error. A link failure after both creations is
// reported as a warning on an otherwise successful result, because both
// records exist and Link is safe to retry.
func (s *Service) CreateHybridItem(ctx context.Context, caller string, dto NewProduct) (HybridResult, error) {
	p, err := s.CreateMetadata(ctx, caller, dto)
	if err != nil {
		return HybridResult{}, err
	}

	item, err := s.ledger.CreateItem(ctx, caller)
	if err != nil {
		return HybridResult{InternalID: p.InternalID, Status: StatusUnlinked}, err
	}

	return s.linkOrWarn(ctx, p.InternalID, item.ID), nil
}

// RetryLink re-attempts the ledger-then-link sequence for an existing
// unlinked metadata record. An already linked record is an idempotent
// success.
func (s *Service) RetryLink(ctx context.Context, caller, internalID string) (HybridResult, error) {
	p, err := s.products.Get(ctx, internalID)
	if err != nil {
		return HybridResult{}, err
	}
	if p.Linked() {
		return HybridResult{InternalID: p.InternalID, ChainID: p.ChainID, Status: StatusLinked}, nil
	}

	item, err := s.ledger.CreateItem(ctx, caller)
	if err != nil {
		return HybridResult{InternalID: p.InternalID, Status: StatusUnlinked}, err
	}
	return s.linkOrWarn(ctx, p.InternalID, item.ID), nil
}

func (s *Service) linkOrWarn(ctx context.Context, internalID string, chainID uint64) HybridResult {
	id := chainID
	if _, err := s.products.Link(ctx, internalID, chainID); err != nil {
		s.log.Warn("metadata link failed after both creations; safe to retry",
			"internal_id", internalID, "chain_id", chainID, "err", err)
		return HybridResult{
			InternalID: internalID,
			ChainID:    &id,
			Status:     StatusLinkPending,
			Warning:    fmt.Sprintf("link failed: %v", err),
		}
	}
	return HybridResult{InternalID: internalID, ChainID: &id, Status: StatusLinked}
}

func (s *Service) GetMetadata(ctx context.Context, internalID string) (catalog.Product, error) {
	return s.products.Get(ctx, internalID)
}

// UpdateMetadata changes descriptive fields only; the link, creator, and
// timestamps are not caller-writable.
func (s *Service) UpdateMetadata(ctx context.Context, internalID string, u catalog.Update) (catalog.Product, error) {
	return s.products.Update(ctx, internalID, u)
}

// DeleteMetadata removes an unlinked record. Linked records are immutable
// history and the store rejects their deletion.
func (s *Service) DeleteMetadata(ctx context.Context, internalID string) error {
	return s.products.Delete(ctx, internalID)
}

// MetadataByChainID is the reverse lookup; absence is a valid "metadata not
// yet available" result, not an error.
func (s *Service) MetadataByChainID(ctx context.Context, chainID uint64) (catalog.Product, bool, error) {
	return s.products.GetByChainID(ctx, chainID)
}

// ListUnlinked exposes orphaned metadata records so a retry collaborator can
// discover them.
func (s *Service) ListUnlinked(ctx context.Context) ([]catalog.Product, error) {
	return s.products.ListUnlinked(ctx)
}

// GetMergedView returns the single-item hybrid view. Missing metadata still
// merges successfully with ledger-only defaults.
func (s *Service) GetMergedView(ctx context.Context, chainID uint64) (MergedItem, error) {
	item, err := s.ledger.GetItem(ctx, chainID)
	if err != nil {
		return MergedItem{}, err
	}
	meta, ok, err := s.products.GetByChainID(ctx, chainID)
	if err != nil {
		return MergedItem{}, err
	}
	return merge(item, meta, ok), nil
}

// GetBatch merges many items at once. Chain ids with no ledger item are
// skipped rather than failing the whole batch.
func (s *Service) GetBatch(ctx context.Context, chainIDs []uint64) ([]MergedItem, error) {
	out := make([]MergedItem, 0, len(chainIDs))
	for _, id := range chainIDs {
		item, err := s.ledger.GetItem(ctx, id)
		if apperr.IsKind(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		meta, ok, err := s.products.GetByChainID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, merge(item, meta, ok))
	}
	return out, nil
}

// History returns the item's ordered transition facts.
func (s *Service) History(ctx context.Context, chainID uint64) ([]chain.TransitionEvent, error) {
	return s.ledger.History(ctx, chainID)
}

func merge(item chain.Item, meta catalog.Product, hasMeta bool) MergedItem {
	out := MergedItem{
		ChainID:     item.ID,
		Stage:       item.CurrentStage,
		StageName:   item.CurrentStage.String(),
		Creator:     item.Creator,
		Distributor: item.Distributor,
		Retailer:    item.Retailer,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		HasMetadata: hasMeta,
	}
	if hasMeta {
		out.InternalID = meta.InternalID
		out.Name = meta.Name
		out.Description = meta.Description
		out.BatchNumber = meta.BatchNumber
		out.ImageURL = meta.ImageURL
		out.ExpiresAt = meta.ExpiresAt
	} else {
		out.Name = fmt.Sprintf("Item #%d", item.ID)
	}
	return out
}
