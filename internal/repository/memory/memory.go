// Package memory holds map-backed repositories for local development and
// handler tests. They keep the same contracts as the CouchDB repositories.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/repository"

	"github.com/google/uuid"
)

var (
	_ repository.ProductRepository  = (*ProductStore)(nil)
	_ repository.ConflictRepository = (*ConflictStore)(nil)
)

type ProductStore struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
	now      func() time.Time
}

func NewProductStore() *ProductStore {
	return &ProductStore{
		products: make(map[string]*domain.Product),
		now:      time.Now,
	}
}

func (s *ProductStore) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *ProductStore) FindByExternalItemID(ctx context.Context, itemID string) (*domain.Product, error) {
	return s.findOne(func(p *domain.Product) bool { return p.ExternalItemID == itemID }), nil
}

func (s *ProductStore) FindByExternalVariationID(ctx context.Context, variationID string) (*domain.Product, error) {
	return s.findOne(func(p *domain.Product) bool { return p.ExternalVariationID == variationID }), nil
}

func (s *ProductStore) findOne(match func(*domain.Product) bool) *domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (s *ProductStore) FindAll(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if filter.ArtistID != "" && p.ArtistID != filter.ArtistID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	repository.SortProductsNewestFirst(out)
	return out, nil
}

// FindStale returns the oldest-synced products first.
func (s *ProductStore) FindStale(ctx context.Context, threshold time.Duration, limit int) ([]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*domain.Product
	for _, p := range s.products {
		if domain.IsStale(p.Cache, threshold, now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cache.SyncedAt.Before(out[j].Cache.SyncedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ProductStore) Create(ctx context.Context, local domain.LocalFields, seed domain.ExternalSeed) (*domain.Product, error) {
	if err := domain.ValidateStruct(local); err != nil {
		return nil, err
	}
	if seed.Item.ExternalItemID == "" || seed.Item.ExternalVariationID == "" {
		return nil, &domain.ValidationError{Field: "external_item_id", Reason: "external ids are required"}
	}
	now := s.now().UTC()
	version := seed.Item.CatalogVersion
	p := &domain.Product{
		ID:                     uuid.New().String(),
		ArtistID:               local.ArtistID,
		CategoryID:             local.CategoryID,
		CustomCommissionRate:   local.CustomCommissionRate,
		Status:                 local.Status,
		SecondaryListingID:     local.SecondaryListingID,
		ExternalItemID:         seed.Item.ExternalItemID,
		ExternalVariationID:    seed.Item.ExternalVariationID,
		ExternalCatalogVersion: &version,
		ExternalLocationID:     seed.LocationID,
		Cache: domain.ExternalCache{
			Name:        seed.Name,
			Description: seed.Description,
			PriceCents:  seed.PriceCents,
			Quantity:    seed.Quantity,
			SKU:         seed.Item.SKU,
			ImageURL:    seed.ImageURL,
			SyncedAt:    now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	cp := *p
	return &cp, nil
}

func (s *ProductStore) UpdateLocalFields(ctx context.Context, id string, patch domain.LocalFieldsPatch) (*domain.Product, error) {
	if err := domain.ValidateStruct(patch); err != nil {
		return nil, err
	}
	return s.update(id, func(p *domain.Product, now time.Time) {
		patch.ApplyTo(p)
	})
}

func (s *ProductStore) UpdateCache(ctx context.Context, id string, patch domain.CachePatch, newCatalogVersion *int64) (*domain.Product, error) {
	return s.update(id, func(p *domain.Product, now time.Time) {
		p.Cache = patch.ApplyTo(p.Cache, now)
		if newCatalogVersion != nil {
			v := *newCatalogVersion
			p.ExternalCatalogVersion = &v
		}
	})
}

func (s *ProductStore) UpdateCachedQuantity(ctx context.Context, id string, quantity int64) (*domain.Product, error) {
	return s.UpdateCache(ctx, id, domain.CachePatch{Quantity: &quantity}, nil)
}

func (s *ProductStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return &domain.NotFoundError{Entity: "product", ID: id}
	}
	delete(s.products, id)
	return nil
}

// Age moves a product's last sync back by d.
func (s *ProductStore) Age(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		p.Cache.SyncedAt = p.Cache.SyncedAt.Add(-d)
	}
}

func (s *ProductStore) update(id string, mutate func(*domain.Product, time.Time)) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "product", ID: id}
	}
	now := s.now().UTC()
	mutate(p, now)
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

type ConflictStore struct {
	mu        sync.RWMutex
	conflicts map[string]*domain.SyncConflict
}

func NewConflictStore() *ConflictStore {
	return &ConflictStore{conflicts: make(map[string]*domain.SyncConflict)}
}

func (s *ConflictStore) Create(ctx context.Context, conflict *domain.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[conflict.ID]; ok {
		return fmt.Errorf("conflict %s already exists", conflict.ID)
	}
	cp := *conflict
	s.conflicts[conflict.ID] = &cp
	return nil
}

func (s *ConflictStore) FindByID(ctx context.Context, id string) (*domain.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *ConflictStore) FindPending(ctx context.Context, key domain.ConflictKey) (*domain.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conflicts {
		if c.IsPending() && c.Key() == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

// List returns matches newest first.
func (s *ConflictStore) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.SyncConflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		if filter.Status != "" && c.Status() != filter.Status {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.System != "" && c.ExternalState.System != filter.System {
			continue
		}
		if filter.ProductID != "" && c.ProductID != filter.ProductID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (s *ConflictStore) UpdateSnapshots(ctx context.Context, id string, local domain.Snapshot, external domain.ExternalSnapshot, detectedAt time.Time) (*domain.SyncConflict, error) {
	return s.mutatePending(id, func(c *domain.SyncConflict) {
		c.LocalState = local
		c.ExternalState = external
		c.DetectedAt = detectedAt
	})
}

func (s *ConflictStore) MarkDecided(ctx context.Context, id string, state domain.ConflictState) (*domain.SyncConflict, error) {
	return s.mutatePending(id, func(c *domain.SyncConflict) {
		c.State = state
	})
}

func (s *ConflictStore) mutatePending(id string, mutate func(*domain.SyncConflict)) (*domain.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "conflict", ID: id}
	}
	if !c.IsPending() {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, c.Status(), domain.ErrConflictNotPending)
	}
	mutate(c)
	cp := *c
	return &cp, nil
}
