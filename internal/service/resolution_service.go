package service

import (
	"context"
	"fmt"
	"log/slog"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/repository"
)

// ResolutionService is the admin action behind a resolve decision: it pushes
// or pulls the winning side first and only then records the decision. If the
// push fails the conflict stays pending.
type ResolutionService struct {
	conflicts *ConflictService
	products  repository.ProductRepository
	catalog   CatalogSync
	inventory InventorySync
	logger    *slog.Logger
}

func NewResolutionService(
	conflicts *ConflictService,
	products repository.ProductRepository,
	catalogClient CatalogSync,
	inventory InventorySync,
	logger *slog.Logger,
) *ResolutionService {
	return &ResolutionService{
		conflicts: conflicts,
		products:  products,
		catalog:   catalogClient,
		inventory: inventory,
		logger:    logger,
	}
}

func (s *ResolutionService) Apply(ctx context.Context, conflictID string, resolution domain.Resolution, operatorID, notes string) (*domain.SyncConflict, error) {
	if !resolution.Valid() {
		return nil, &domain.ValidationError{Field: "resolution", Reason: "unknown resolution " + string(resolution)}
	}

	conflict, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	// The pending check, the push and the decision run under the subject's
	// key lock, so two applies in this process never both push. Across
	// processes MarkDecided still admits only one decision; a second push is
	// then rejected by the catalog version check or rewrites the same count.
	unlock := s.conflicts.lockKey(conflict.Key())
	defer unlock()

	conflict, err = s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !conflict.IsPending() {
		return nil, fmt.Errorf("conflict %s is %s: %w", conflictID, conflict.Status(), domain.ErrConflictNotPending)
	}

	switch resolution {
	case domain.ResolutionUseLocal:
		err = s.pushLocal(ctx, conflict)
	case domain.ResolutionUseExternal:
		err = s.pullExternal(ctx, conflict)
	}
	if err != nil {
		s.logger.Warn("resolution not applied, conflict left pending",
			slog.String("conflict_id", conflictID),
			slog.String("resolution", string(resolution)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return s.conflicts.Resolve(ctx, conflictID, resolution, operatorID, notes)
}

func (s *ResolutionService) pushLocal(ctx context.Context, c *domain.SyncConflict) error {
	switch c.Type {
	case domain.ConflictMissingLocal, domain.ConflictMissingExternal:
		return &domain.ValidationError{Field: "resolution", Reason: "use_local cannot be applied to " + string(c.Type)}
	}

	product, err := s.product(ctx, c)
	if err != nil {
		return err
	}

	switch c.Type {
	case domain.ConflictQuantityMismatch, domain.ConflictUnexpectedSale:
		location, err := locationFor(ctx, s.inventory, product)
		if err != nil {
			return err
		}
		qty := product.Cache.Quantity
		if err := s.inventory.SetQuantity(ctx, product.ExternalVariationID, location, qty); err != nil {
			return err
		}
		_, err = s.products.UpdateCachedQuantity(ctx, product.ID, qty)
		return err

	case domain.ConflictPriceMismatch:
		if product.ExternalCatalogVersion == nil {
			return &domain.ValidationError{Field: "external_catalog_version", Reason: "no catalog version recorded; refresh the product first"}
		}
		price := product.Cache.PriceCents
		version, err := s.catalog.UpdateItem(ctx, catalog.UpdateItemRequest{
			ItemID:          product.ExternalItemID,
			VariationID:     product.ExternalVariationID,
			ExpectedVersion: *product.ExternalCatalogVersion,
			PriceCents:      &price,
		})
		if err != nil {
			return err
		}
		_, err = s.products.UpdateCache(ctx, product.ID, domain.CachePatch{PriceCents: &price}, &version)
		return err
	}
	return nil
}

func (s *ResolutionService) pullExternal(ctx context.Context, c *domain.SyncConflict) error {
	if c.Type == domain.ConflictMissingLocal {
		return &domain.ValidationError{Field: "resolution", Reason: "use_external cannot be applied to missing_local; link or import the item manually"}
	}

	product, err := s.product(ctx, c)
	if err != nil {
		return err
	}

	switch c.Type {
	case domain.ConflictMissingExternal:
		status := domain.ProductStatusDiscontinued
		_, err = s.products.UpdateLocalFields(ctx, product.ID, domain.LocalFieldsPatch{Status: &status})
		return err

	case domain.ConflictQuantityMismatch, domain.ConflictUnexpectedSale:
		if c.ExternalState.Quantity == nil {
			return &domain.ValidationError{Field: "external_state", Reason: "external snapshot has no quantity"}
		}
		_, err = s.products.UpdateCachedQuantity(ctx, product.ID, *c.ExternalState.Quantity)
		return err

	case domain.ConflictPriceMismatch:
		if c.ExternalState.PriceCents == nil {
			return &domain.ValidationError{Field: "external_state", Reason: "external snapshot has no price"}
		}
		price := *c.ExternalState.PriceCents
		_, err = s.products.UpdateCache(ctx, product.ID, domain.CachePatch{PriceCents: &price}, nil)
		return err
	}
	return nil
}

func (s *ResolutionService) product(ctx context.Context, c *domain.SyncConflict) (*domain.Product, error) {
	product, err := s.products.FindByID(ctx, c.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &domain.NotFoundError{Entity: "product", ID: c.ProductID}
	}
	return product, nil
}
