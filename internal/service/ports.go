package service

import (
	"context"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/domain"
)

// CatalogSync is the subset of catalog.CatalogClient the services use.
type CatalogSync interface {
	CreateItem(ctx context.Context, req catalog.CreateItemRequest) (*domain.CreatedItem, error)
	UpdateItem(ctx context.Context, req catalog.UpdateItemRequest) (int64, error)
	GetItem(ctx context.Context, itemID string) (*catalog.Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	UploadImage(ctx context.Context, itemID string, data []byte, filename string, isPrimary bool) (*catalog.UploadedImage, error)
}

// InventorySync is the subset of catalog.InventoryClient the services use.
type InventorySync interface {
	SetQuantity(ctx context.Context, variationID, locationID string, quantity int64) error
	AdjustQuantity(ctx context.Context, variationID, locationID string, delta int64, reason string) error
	RecordSale(ctx context.Context, variationID, locationID string, qty int64) error
	GetCount(ctx context.Context, variationID, locationID string) (*catalog.Count, error)
	GetDefaultLocationID(ctx context.Context) (string, error)
}

// locationFor returns the location a product's inventory lives at.
func locationFor(ctx context.Context, inventory InventorySync, p *domain.Product) (string, error) {
	if p.ExternalLocationID != nil && *p.ExternalLocationID != "" {
		return *p.ExternalLocationID, nil
	}
	return inventory.GetDefaultLocationID(ctx)
}
