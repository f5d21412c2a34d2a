package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/catalog/catalogtest"
	"consignment-sync-server/internal/domain"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockProductRepo struct {
	mu       sync.Mutex
	products map[string]*domain.Product
	now      func() time.Time
	failOn   map[string]error
}

func newMockProductRepo() *mockProductRepo {
	return &mockProductRepo{
		products: make(map[string]*domain.Product),
		now:      time.Now,
		failOn:   make(map[string]error),
	}
}

func (m *mockProductRepo) put(p *domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
}

func (m *mockProductRepo) get(id string) *domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *mockProductRepo) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	if err := m.failOn["find_by_id"]; err != nil {
		return nil, err
	}
	return m.get(id), nil
}

func (m *mockProductRepo) FindByExternalItemID(ctx context.Context, itemID string) (*domain.Product, error) {
	return m.findOne(func(p *domain.Product) bool { return p.ExternalItemID == itemID }), nil
}

func (m *mockProductRepo) FindByExternalVariationID(ctx context.Context, variationID string) (*domain.Product, error) {
	return m.findOne(func(p *domain.Product) bool { return p.ExternalVariationID == variationID }), nil
}

func (m *mockProductRepo) findOne(match func(*domain.Product) bool) *domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (m *mockProductRepo) FindAll(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Product
	for _, p := range m.products {
		if filter.ArtistID != "" && p.ArtistID != filter.ArtistID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockProductRepo) FindStale(ctx context.Context, threshold time.Duration, limit int) ([]*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*domain.Product
	for _, p := range m.products {
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

func (m *mockProductRepo) Create(ctx context.Context, local domain.LocalFields, seed domain.ExternalSeed) (*domain.Product, error) {
	if err := m.failOn["create"]; err != nil {
		return nil, err
	}
	now := m.now().UTC()
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
	m.put(p)
	return m.get(p.ID), nil
}

func (m *mockProductRepo) UpdateLocalFields(ctx context.Context, id string, patch domain.LocalFieldsPatch) (*domain.Product, error) {
	if err := domain.ValidateStruct(patch); err != nil {
		return nil, err
	}
	return m.update(id, func(p *domain.Product, now time.Time) {
		patch.ApplyTo(p)
	})
}

func (m *mockProductRepo) UpdateCache(ctx context.Context, id string, patch domain.CachePatch, newCatalogVersion *int64) (*domain.Product, error) {
	if err := m.failOn["update_cache"]; err != nil {
		return nil, err
	}
	return m.update(id, func(p *domain.Product, now time.Time) {
		p.Cache = patch.ApplyTo(p.Cache, now)
		if newCatalogVersion != nil {
			v := *newCatalogVersion
			p.ExternalCatalogVersion = &v
		}
	})
}

func (m *mockProductRepo) UpdateCachedQuantity(ctx context.Context, id string, quantity int64) (*domain.Product, error) {
	return m.UpdateCache(ctx, id, domain.CachePatch{Quantity: &quantity}, nil)
}

func (m *mockProductRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return &domain.NotFoundError{Entity: "product", ID: id}
	}
	delete(m.products, id)
	return nil
}

func (m *mockProductRepo) update(id string, mutate func(*domain.Product, time.Time)) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "product", ID: id}
	}
	now := m.now().UTC()
	mutate(p, now)
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

type mockConflictRepo struct {
	mu        sync.Mutex
	conflicts map[string]*domain.SyncConflict
	creates   int
}

func newMockConflictRepo() *mockConflictRepo {
	return &mockConflictRepo{conflicts: make(map[string]*domain.SyncConflict)}
}

func (m *mockConflictRepo) Create(ctx context.Context, conflict *domain.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[conflict.ID]; ok {
		return fmt.Errorf("conflict %s already exists", conflict.ID)
	}
	cp := *conflict
	m.conflicts[conflict.ID] = &cp
	m.creates++
	return nil
}

func (m *mockConflictRepo) FindByID(ctx context.Context, id string) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *mockConflictRepo) FindPending(ctx context.Context, key domain.ConflictKey) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if c.IsPending() && c.Key() == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockConflictRepo) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SyncConflict
	for _, c := range m.conflicts {
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

func (m *mockConflictRepo) UpdateSnapshots(ctx context.Context, id string, local domain.Snapshot, external domain.ExternalSnapshot, detectedAt time.Time) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "conflict", ID: id}
	}
	if !c.IsPending() {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, c.Status(), domain.ErrConflictNotPending)
	}
	c.LocalState = local
	c.ExternalState = external
	c.DetectedAt = detectedAt
	cp := *c
	return &cp, nil
}

func (m *mockConflictRepo) MarkDecided(ctx context.Context, id string, state domain.ConflictState) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "conflict", ID: id}
	}
	if !c.IsPending() {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, c.Status(), domain.ErrConflictNotPending)
	}
	c.State = state
	cp := *c
	return &cp, nil
}

func (m *mockConflictRepo) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []*domain.ConflictSummary
}

func (n *recordingNotifier) BroadcastConflictSummary(summary *domain.ConflictSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
}

func (n *recordingNotifier) last() *domain.ConflictSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.summaries) == 0 {
		return nil
	}
	return n.summaries[len(n.summaries)-1]
}

// fixture wires every service against in-memory stores and the fake provider.
type fixture struct {
	provider   *catalogtest.Provider
	catalog    *catalog.CatalogClient
	inventory  *catalog.InventoryClient
	products   *mockProductRepo
	conflicts  *mockConflictRepo
	notifier   *recordingNotifier
	conflictSv *ConflictService
	detector   *ConflictDetector
	productSv  *ProductService
	resolution *ResolutionService
	syncSv     *SyncService
}

func newFixture() *fixture {
	f := &fixture{
		provider:  catalogtest.NewProvider(),
		products:  newMockProductRepo(),
		conflicts: newMockConflictRepo(),
		notifier:  &recordingNotifier{},
	}
	logger := discardLogger()
	f.catalog = catalog.NewCatalogClient(f.provider, catalog.NewSKUGenerator("tst"), "USD", nil, logger)
	f.inventory = catalog.NewInventoryClient(f.provider, "", logger)
	f.conflictSv = NewConflictService(f.conflicts, f.notifier, nil, logger, time.Minute)
	f.detector = NewConflictDetector(f.conflictSv, logger)
	f.productSv = NewProductService(f.products, f.catalog, f.inventory, logger)
	f.resolution = NewResolutionService(f.conflictSv, f.products, f.catalog, f.inventory, logger)
	f.syncSv = NewSyncService(f.products, f.catalog, f.inventory, f.detector, nil, logger, SyncConfig{})
	return f
}

// createProduct lists a new active product with the given price and stock.
func (f *fixture) createProduct(ctx context.Context, price, qty int64) (*domain.Product, error) {
	return f.productSv.Create(ctx, CreateProductInput{
		Local:      domain.LocalFields{ArtistID: "artist-1", Status: domain.ProductStatusActive},
		Name:       "Blue vase",
		PriceCents: price,
		Quantity:   &qty,
	})
}
