package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/repository"
)

type CreateProductInput struct {
	Local          domain.LocalFields
	Name           string `validate:"required"`
	Description    *string
	PriceCents     int64  `validate:"gte=0"`
	Quantity       *int64 `validate:"omitempty,gte=0"`
	SKU            string
	IdempotencyKey string
}

// CatalogUpdateInput changes external-owned fields through the catalog.
// ExpectedVersion defaults to the version cached on the product.
type CatalogUpdateInput struct {
	ExpectedVersion *int64
	Name            *string
	Description     *string
	PriceCents      *int64
	SKU             *string
}

type ProductService struct {
	products  repository.ProductRepository
	catalog   CatalogSync
	inventory InventorySync
	logger    *slog.Logger
}

func NewProductService(products repository.ProductRepository, catalogClient CatalogSync, inventory InventorySync, logger *slog.Logger) *ProductService {
	return &ProductService{
		products:  products,
		catalog:   catalogClient,
		inventory: inventory,
		logger:    logger,
	}
}

// Create makes the catalog item first, then the optional opening count, then
// the linking record. If the local write fails after the catalog accepted the
// item, the item surfaces later as a missing_local conflict.
func (s *ProductService) Create(ctx context.Context, in CreateProductInput) (*domain.Product, error) {
	if err := domain.ValidateStruct(in); err != nil {
		return nil, err
	}

	created, err := s.catalog.CreateItem(ctx, catalog.CreateItemRequest{
		Name:           in.Name,
		Description:    in.Description,
		PriceCents:     in.PriceCents,
		SKU:            in.SKU,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	location, err := s.inventory.GetDefaultLocationID(ctx)
	if err != nil {
		return nil, err
	}

	var quantity int64
	if in.Quantity != nil {
		quantity = *in.Quantity
		if err := s.inventory.SetQuantity(ctx, created.ExternalVariationID, location, quantity); err != nil {
			return nil, err
		}
	}

	product, err := s.products.Create(ctx, in.Local, domain.ExternalSeed{
		Item:        *created,
		LocationID:  &location,
		Name:        in.Name,
		Description: in.Description,
		PriceCents:  in.PriceCents,
		Quantity:    quantity,
	})
	if err != nil {
		s.logger.Error("catalog item created but linking record was not stored",
			slog.String("external_item_id", created.ExternalItemID),
			slog.String("external_variation_id", created.ExternalVariationID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return product, nil
}

func (s *ProductService) Get(ctx context.Context, id string) (*domain.Product, error) {
	product, err := s.products.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &domain.NotFoundError{Entity: "product", ID: id}
	}
	return product, nil
}

func (s *ProductService) List(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	return s.products.FindAll(ctx, filter)
}

func (s *ProductService) UpdateLocal(ctx context.Context, id string, patch domain.LocalFieldsPatch) (*domain.Product, error) {
	if patch.IsEmpty() {
		return s.Get(ctx, id)
	}
	return s.products.UpdateLocalFields(ctx, id, patch)
}

// UpdateCatalog writes external-owned fields under the optimistic version
// check and caches what was written together with the new version.
func (s *ProductService) UpdateCatalog(ctx context.Context, id string, in CatalogUpdateInput) (*domain.Product, error) {
	product, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := in.ExpectedVersion
	if expected == nil {
		expected = product.ExternalCatalogVersion
	}
	if expected == nil {
		return nil, &domain.ValidationError{Field: "expected_version", Reason: "no catalog version recorded; refresh the product first"}
	}

	version, err := s.catalog.UpdateItem(ctx, catalog.UpdateItemRequest{
		ItemID:          product.ExternalItemID,
		VariationID:     product.ExternalVariationID,
		ExpectedVersion: *expected,
		Name:            in.Name,
		Description:     in.Description,
		PriceCents:      in.PriceCents,
		SKU:             in.SKU,
	})
	if err != nil {
		return nil, err
	}

	return s.products.UpdateCache(ctx, id, domain.CachePatch{
		Name:        in.Name,
		Description: in.Description,
		PriceCents:  in.PriceCents,
		SKU:         in.SKU,
	}, &version)
}

// UploadImage attaches an image and records the catalog version the attach
// produced.
func (s *ProductService) UploadImage(ctx context.Context, id string, data []byte, filename string, isPrimary bool) (*domain.Product, error) {
	product, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	uploaded, err := s.catalog.UploadImage(ctx, product.ExternalItemID, data, filename, isPrimary)
	if err != nil {
		return nil, err
	}

	patch := domain.CachePatch{}
	if isPrimary || product.Cache.ImageURL == nil {
		patch.ImageURL = &uploaded.ImageURL
	}
	return s.products.UpdateCache(ctx, id, patch, &uploaded.NewCatalogVersion)
}

// Discontinue soft-retires a product. The catalog item is kept.
func (s *ProductService) Discontinue(ctx context.Context, id string) (*domain.Product, error) {
	status := domain.ProductStatusDiscontinued
	return s.products.UpdateLocalFields(ctx, id, domain.LocalFieldsPatch{Status: &status})
}

// DeleteDraft removes a product that was never listed. The catalog item is
// archived first; an item that is already gone is not an error.
func (s *ProductService) DeleteDraft(ctx context.Context, id string) error {
	product, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if product.Status != domain.ProductStatusDraft {
		return &domain.ValidationError{Field: "status", Reason: "only draft products can be deleted; discontinue it instead"}
	}

	if err := s.catalog.DeleteItem(ctx, product.ExternalItemID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.products.Delete(ctx, id)
}

func (s *ProductService) SetQuantity(ctx context.Context, id string, quantity int64) (*domain.Product, error) {
	product, location, err := s.productWithLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.inventory.SetQuantity(ctx, product.ExternalVariationID, location, quantity); err != nil {
		return nil, err
	}
	return s.products.UpdateCachedQuantity(ctx, id, quantity)
}

func (s *ProductService) AdjustQuantity(ctx context.Context, id string, delta int64, reason string) (*domain.Product, error) {
	product, location, err := s.productWithLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if delta == 0 {
		return product, nil
	}
	if product.Cache.Quantity+delta < 0 {
		return nil, &domain.ValidationError{
			Field:  "delta",
			Reason: fmt.Sprintf("adjusting %d by %d would leave negative stock", product.Cache.Quantity, delta),
		}
	}
	if err := s.inventory.AdjustQuantity(ctx, product.ExternalVariationID, location, delta, reason); err != nil {
		return nil, err
	}
	return s.cacheCount(ctx, product, location, product.Cache.Quantity+delta)
}

// RecordSale records a sale made through the local store.
func (s *ProductService) RecordSale(ctx context.Context, id string, qty int64) (*domain.Product, error) {
	product, location, err := s.productWithLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !product.Status.Sellable() {
		return nil, &domain.ValidationError{Field: "status", Reason: "product is " + string(product.Status) + " and cannot be sold"}
	}
	if qty > product.Cache.Quantity {
		return nil, &domain.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("cannot sell %d, only %d in stock", qty, product.Cache.Quantity),
		}
	}
	if err := s.inventory.RecordSale(ctx, product.ExternalVariationID, location, qty); err != nil {
		return nil, err
	}
	return s.cacheCount(ctx, product, location, product.Cache.Quantity-qty)
}

// cacheCount caches the provider's count after a relative inventory change.
// The provider count wins over local arithmetic; fallback is used only when
// the count cannot be read back. The cached value never goes below zero.
func (s *ProductService) cacheCount(ctx context.Context, product *domain.Product, location string, fallback int64) (*domain.Product, error) {
	quantity := fallback
	count, err := s.inventory.GetCount(ctx, product.ExternalVariationID, location)
	switch {
	case err != nil:
		s.logger.Warn("inventory read-back failed, caching computed count",
			slog.String("product_id", product.ID),
			slog.Int64("quantity", fallback),
			slog.String("error", err.Error()),
		)
	case count != nil:
		quantity = count.Quantity
	}
	if quantity < 0 {
		quantity = 0
	}
	return s.products.UpdateCachedQuantity(ctx, product.ID, quantity)
}

func (s *ProductService) productWithLocation(ctx context.Context, id string) (*domain.Product, string, error) {
	product, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	location, err := locationFor(ctx, s.inventory, product)
	if err != nil {
		return nil, "", err
	}
	return product, location, nil
}
