package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/metrics"
	"consignment-sync-server/internal/repository"

	"golang.org/x/sync/errgroup"
)

type SyncConfig struct {
	StaleThreshold time.Duration
	BatchSize      int
	Concurrency    int
}

// RefreshResult is the outcome of reconciling one product with the catalog.
type RefreshResult struct {
	Product   *domain.Product        `json:"product"`
	Conflicts []*domain.SyncConflict `json:"conflicts"`
}

type RefreshFailure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

type RefreshReport struct {
	Checked   int              `json:"checked"`
	Refreshed int              `json:"refreshed"`
	Conflicts int              `json:"conflicts"`
	Failures  []RefreshFailure `json:"failures"`
}

// InventoryEvent is a count change reported by the external system.
type InventoryEvent struct {
	VariationID string
	LocationID  string
	Quantity    int64
	OccurredAt  time.Time
}

// SyncService is the entry point for refresh passes and webhooks. It pulls
// external state, runs the detector and caches the fields nobody disputes.
type SyncService struct {
	products  repository.ProductRepository
	catalog   CatalogSync
	inventory InventorySync
	detector  *ConflictDetector
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       SyncConfig
	now       func() time.Time
}

func NewSyncService(
	products repository.ProductRepository,
	catalogClient CatalogSync,
	inventory InventorySync,
	detector *ConflictDetector,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg SyncConfig,
) *SyncService {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = domain.DefaultStaleThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &SyncService{
		products:  products,
		catalog:   catalogClient,
		inventory: inventory,
		detector:  detector,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RefreshProduct fetches the item and its count, records any conflicts and
// updates the cache for every field that is not in dispute. The catalog
// version is always advanced to the one just read.
func (s *SyncService) RefreshProduct(ctx context.Context, id string) (*RefreshResult, error) {
	product, err := s.products.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &domain.NotFoundError{Entity: "product", ID: id}
	}

	item, err := s.catalog.GetItem(ctx, product.ExternalItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		conflicts, err := s.detector.Detect(ctx, DetectionInput{System: domain.SystemCatalog, Product: product})
		if err != nil {
			return nil, err
		}
		return &RefreshResult{Product: product, Conflicts: conflicts}, nil
	}

	location, err := locationFor(ctx, s.inventory, product)
	if err != nil {
		return nil, err
	}
	count, err := s.inventory.GetCount(ctx, item.VariationID, location)
	if err != nil {
		return nil, err
	}

	observation := &ExternalObservation{ItemID: item.ItemID, Name: item.Name, PriceCents: domain.Int64(item.PriceCents)}
	if count != nil {
		observation.Quantity = domain.Int64(count.Quantity)
	}

	conflicts, err := s.detector.Detect(ctx, DetectionInput{
		System:   domain.SystemCatalog,
		Product:  product,
		External: observation,
	})
	if err != nil {
		return nil, err
	}

	disputed := make(map[domain.ConflictType]bool, len(conflicts))
	for _, c := range conflicts {
		disputed[c.Type] = true
	}

	patch := domain.CachePatch{Name: &item.Name, SKU: &item.SKU}
	if item.Description != "" {
		patch.Description = &item.Description
	}
	if !disputed[domain.ConflictPriceMismatch] {
		patch.PriceCents = &item.PriceCents
	}
	if observation.Quantity != nil && !disputed[domain.ConflictQuantityMismatch] {
		patch.Quantity = observation.Quantity
	}

	refreshed, err := s.products.UpdateCache(ctx, id, patch, &item.Version)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Product: refreshed, Conflicts: conflicts}, nil
}

// EnsureFresh returns the product, refreshing it first if its cache is stale.
func (s *SyncService) EnsureFresh(ctx context.Context, id string) (*domain.Product, error) {
	product, err := s.products.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &domain.NotFoundError{Entity: "product", ID: id}
	}
	if !domain.IsStale(product.Cache, s.cfg.StaleThreshold, s.now()) {
		return product, nil
	}

	result, err := s.RefreshProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	return result.Product, nil
}

// RefreshStale refreshes up to limit stale products, oldest first. A failing
// product is reported and does not stop the rest of the batch.
func (s *SyncService) RefreshStale(ctx context.Context, limit int) (*RefreshReport, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	stale, err := s.products.FindStale(ctx, s.cfg.StaleThreshold, limit)
	if err != nil {
		return nil, err
	}

	report := &RefreshReport{Checked: len(stale), Failures: []RefreshFailure{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, product := range stale {
		product := product
		g.Go(func() error {
			result, err := s.RefreshProduct(gctx, product.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.metrics.RefreshFailed()
				s.logger.Warn("product refresh failed",
					slog.String("product_id", product.ID),
					slog.String("error", err.Error()),
				)
				report.Failures = append(report.Failures, RefreshFailure{ProductID: product.ID, Error: err.Error()})
				return nil
			}
			report.Refreshed++
			report.Conflicts += len(result.Conflicts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("stale refresh finished",
		slog.Int("checked", report.Checked),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", len(report.Failures)),
	)
	return report, nil
}

// ApplyInventoryEvent handles a count change pushed by the external system.
// A drop on a product the store does not expect to sell is an unexpected
// sale and is left in dispute; anything else is cached directly.
func (s *SyncService) ApplyInventoryEvent(ctx context.Context, ev InventoryEvent) ([]*domain.SyncConflict, error) {
	product, err := s.products.FindByExternalVariationID(ctx, ev.VariationID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return s.detector.Detect(ctx, DetectionInput{
			System:         domain.SystemCatalog,
			ExternalItemID: ev.VariationID,
			External:       &ExternalObservation{ItemID: ev.VariationID, Quantity: domain.Int64(ev.Quantity)},
		})
	}

	// Counts at other locations do not feed the cache.
	if product.ExternalLocationID != nil && ev.LocationID != "" && *product.ExternalLocationID != ev.LocationID {
		return nil, nil
	}

	if ev.Quantity < product.Cache.Quantity && !product.Status.Sellable() {
		return s.detector.Detect(ctx, DetectionInput{
			System:       domain.SystemCatalog,
			Product:      product,
			External:     &ExternalObservation{ItemID: product.ExternalItemID, Name: product.Cache.Name, Quantity: domain.Int64(ev.Quantity)},
			SaleObserved: true,
		})
	}

	if _, err := s.products.UpdateCachedQuantity(ctx, product.ID, ev.Quantity); err != nil {
		return nil, err
	}
	return nil, nil
}
