package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
)

// MemStore keeps products in memory. The primary map owns the data; the chain
// index is a derived lookup updated inside the same critical section, so the
// check-then-write pair in Link can never interleave with another writer.
type MemStore struct {
	mu         sync.Mutex
	products   map[string]*Product
	chainIndex map[uint64]string
	now        func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		products:   make(map[string]*Product),
		chainIndex: make(map[uint64]string),
		now:        time.Now,
	}
}

func (s *MemStore) Create(ctx context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.InternalID]; ok {
		return apperr.Conflict("DUPLICATE_ID", "metadata record %s already exists", p.InternalID)
	}
	stored := p
	s.products[p.InternalID] = &stored
	if p.ChainID != nil {
		s.chainIndex[*p.ChainID] = p.InternalID
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, internalID string) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[internalID]
	if !ok {
		return Product{}, apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	return *p, nil
}

func (s *MemStore) Update(ctx context.Context, internalID string, u Update) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[internalID]
	if !ok {
		return Product{}, apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.BatchNumber != nil {
		p.BatchNumber = *u.BatchNumber
	}
	if u.ImageURL != nil {
		p.ImageURL = *u.ImageURL
	}
	if u.ExpiresAt != nil {
		p.ExpiresAt = u.ExpiresAt
	}
	p.UpdatedAt = s.now().UTC()
	return *p, nil
}

func (s *MemStore) Delete(ctx context.Context, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[internalID]
	if !ok {
		return apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	if p.ChainID != nil {
		return apperr.State("ALREADY_LINKED", "metadata record %s is linked to ledger item %d and cannot be deleted", internalID, *p.ChainID)
	}
	delete(s.products, internalID)
	return nil
}

func (s *MemStore) Link(ctx context.Context, internalID string, chainID uint64) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[internalID]
	if !ok {
		return Product{}, apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	if holder, taken := s.chainIndex[chainID]; taken {
		if holder == internalID {
			// Same pair: idempotent success.
			return *p, nil
		}
		return Product{}, apperr.Conflict("CHAIN_ID_TAKEN", "ledger item %d is already linked to %s", chainID, holder)
	}
	if p.ChainID != nil {
		return Product{}, apperr.Conflict("ALREADY_LINKED", "metadata record %s is already linked to ledger item %d", internalID, *p.ChainID)
	}
	id := chainID
	p.ChainID = &id
	p.UpdatedAt = s.now().UTC()
	s.chainIndex[chainID] = internalID
	return *p, nil
}

func (s *MemStore) GetByChainID(ctx context.Context, chainID uint64) (Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	internalID, ok := s.chainIndex[chainID]
	if !ok {
		return Product{}, false, nil
	}
	return *s.products[internalID], true, nil
}

func (s *MemStore) ListUnlinked(ctx context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Product
	for _, p := range s.products {
		if p.ChainID == nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
