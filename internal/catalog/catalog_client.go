package catalog

import (
	"context"
	"errors"
	"log/slog"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/metrics"
)

type CreateItemRequest struct {
	Name        string
	Description *string
	PriceCents  int64
	SKU         string
	// IdempotencyKey replays an earlier attempt of the same create. Leave empty
	// for a new logical create.
	IdempotencyKey string
}

// UpdateItemRequest changes only the fields that are set. ExpectedVersion is
// the catalog version the caller based its decision on.
type UpdateItemRequest struct {
	ItemID          string
	VariationID     string
	ExpectedVersion int64
	Name            *string
	Description     *string
	PriceCents      *int64
	SKU             *string
}

// Item is the external view of one product: an item with its single
// purchasable variation.
type Item struct {
	ItemID      string
	VariationID string
	Version     int64
	Name        string
	Description string
	PriceCents  int64
	SKU         string
	ImageIDs    []string
}

type UploadedImage struct {
	ImageID           string
	ImageURL          string
	NewCatalogVersion int64
}

type CatalogClient struct {
	provider Provider
	skus     *SKUGenerator
	currency string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewCatalogClient(provider Provider, skus *SKUGenerator, currency string, m *metrics.Metrics, logger *slog.Logger) *CatalogClient {
	if currency == "" {
		currency = "USD"
	}
	return &CatalogClient{
		provider: provider,
		skus:     skus,
		currency: currency,
		metrics:  m,
		logger:   logger,
	}
}

func (c *CatalogClient) CreateItem(ctx context.Context, req CreateItemRequest) (*domain.CreatedItem, error) {
	if req.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if req.PriceCents < 0 {
		return nil, &domain.ValidationError{Field: "price_cents", Reason: "must not be negative"}
	}

	sku := req.SKU
	if sku == "" {
		sku = c.skus.Next()
	}
	key := req.IdempotencyKey
	if key == "" {
		key = NewIdempotencyKey("create-item")
	}

	description := ""
	if req.Description != nil {
		description = *req.Description
	}

	object := CatalogObject{
		Type: ObjectTypeItem,
		ID:   "#item",
		ItemData: &ItemData{
			Name:        req.Name,
			Description: description,
			Variations: []CatalogObject{{
				Type: ObjectTypeVariation,
				ID:   "#variation",
				ItemVariationData: &VariationData{
					ItemID:         "#item",
					Name:           "Regular",
					SKU:            sku,
					PricingType:    "FIXED_PRICING",
					PriceMoney:     &Money{Amount: req.PriceCents, Currency: c.currency},
					TrackInventory: true,
				},
			}},
		},
	}

	created, err := c.provider.UpsertObject(ctx, key, object)
	if err != nil {
		return nil, err
	}
	if created == nil || created.ID == "" || created.ItemData == nil {
		return nil, c.invariant("create_item", "response has no catalog item")
	}
	if len(created.ItemData.Variations) == 0 || created.ItemData.Variations[0].ID == "" {
		return nil, c.invariant("create_item", "response item has no variation")
	}
	if created.Version == nil {
		return nil, c.invariant("create_item", "response item has no version")
	}

	variation := created.ItemData.Variations[0]
	if variation.ItemVariationData != nil && variation.ItemVariationData.SKU != "" {
		sku = variation.ItemVariationData.SKU
	}

	return &domain.CreatedItem{
		ExternalItemID:      created.ID,
		ExternalVariationID: variation.ID,
		CatalogVersion:      *created.Version,
		SKU:                 sku,
	}, nil
}

// UpdateItem is a read-merge-write guarded by the catalog version. It fails
// with *domain.VersionConflictError if the item moved past ExpectedVersion,
// either before the read or between the read and the write.
func (c *CatalogClient) UpdateItem(ctx context.Context, req UpdateItemRequest) (int64, error) {
	current, err := c.provider.RetrieveObject(ctx, req.ItemID)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, &domain.NotFoundError{Entity: "catalog item", ID: req.ItemID}
	}
	if current.ItemData == nil || current.Version == nil {
		return 0, c.invariant("update_item", "retrieved object is not a versioned item")
	}
	if *current.Version != req.ExpectedVersion {
		c.metrics.VersionConflict()
		c.logger.Warn("catalog version conflict",
			slog.String("item_id", req.ItemID),
			slog.Int64("expected", req.ExpectedVersion),
			slog.Int64("actual", *current.Version),
		)
		return 0, &domain.VersionConflictError{ObjectID: req.ItemID, Expected: req.ExpectedVersion, Actual: *current.Version}
	}

	merged := *current
	itemData := *current.ItemData
	itemData.Variations = append([]CatalogObject(nil), current.ItemData.Variations...)
	merged.ItemData = &itemData

	vi := -1
	for i, v := range itemData.Variations {
		if v.ID == req.VariationID {
			vi = i
			break
		}
	}
	if vi < 0 || itemData.Variations[vi].ItemVariationData == nil {
		return 0, c.invariant("update_item", "item does not contain variation "+req.VariationID)
	}
	variationData := *itemData.Variations[vi].ItemVariationData
	itemData.Variations[vi].ItemVariationData = &variationData

	if req.Name != nil {
		itemData.Name = *req.Name
	}
	if req.Description != nil {
		itemData.Description = *req.Description
	}
	if req.SKU != nil {
		variationData.SKU = *req.SKU
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return 0, &domain.ValidationError{Field: "price_cents", Reason: "must not be negative"}
		}
		currency := c.currency
		if variationData.PriceMoney != nil && variationData.PriceMoney.Currency != "" {
			currency = variationData.PriceMoney.Currency
		}
		variationData.PriceMoney = &Money{Amount: *req.PriceCents, Currency: currency}
		variationData.PricingType = "FIXED_PRICING"
	}

	updated, err := c.provider.UpsertObject(ctx, NewIdempotencyKey("update-item"), merged)
	if err != nil {
		var apiErr *domain.ExternalAPIError
		if errors.As(err, &apiErr) && apiErr.HasCode(CodeVersionMismatch) {
			c.metrics.VersionConflict()
			c.logger.Warn("catalog version conflict on write", slog.String("item_id", req.ItemID), slog.Int64("expected", req.ExpectedVersion))
			return 0, &domain.VersionConflictError{ObjectID: req.ItemID, Expected: req.ExpectedVersion}
		}
		return 0, err
	}
	if updated == nil || updated.Version == nil {
		return 0, c.invariant("update_item", "response has no item version")
	}
	return *updated.Version, nil
}

// GetItem returns nil when the item does not exist or was archived.
func (c *CatalogClient) GetItem(ctx context.Context, itemID string) (*Item, error) {
	obj, err := c.provider.RetrieveObject(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	if obj.ItemData == nil || obj.Version == nil {
		return nil, c.invariant("get_item", "retrieved object is not a versioned item")
	}
	if len(obj.ItemData.Variations) == 0 {
		return nil, c.invariant("get_item", "item has no variation")
	}

	variation := obj.ItemData.Variations[0]
	item := &Item{
		ItemID:      obj.ID,
		VariationID: variation.ID,
		Version:     *obj.Version,
		Name:        obj.ItemData.Name,
		Description: obj.ItemData.Description,
		ImageIDs:    obj.ItemData.ImageIDs,
	}
	if vd := variation.ItemVariationData; vd != nil {
		item.SKU = vd.SKU
		if vd.PriceMoney != nil {
			item.PriceCents = vd.PriceMoney.Amount
		}
	}
	return item, nil
}

// DeleteItem archives the item. The provider may keep it recoverable.
func (c *CatalogClient) DeleteItem(ctx context.Context, itemID string) error {
	err := c.provider.DeleteObject(ctx, itemID)
	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) && apiErr.HasCode(CodeNotFound) {
		return &domain.NotFoundError{Entity: "catalog item", ID: itemID}
	}
	return err
}

// UploadImage attaches an image to the item. Attaching advances the item
// version; callers must persist NewCatalogVersion or their next UpdateItem
// will see a spurious conflict.
func (c *CatalogClient) UploadImage(ctx context.Context, itemID string, data []byte, filename string, isPrimary bool) (*UploadedImage, error) {
	if len(data) == 0 {
		return nil, &domain.ValidationError{Field: "image", Reason: "is empty"}
	}
	image, err := c.provider.CreateImage(ctx, NewIdempotencyKey("create-image"), ImageUpload{
		ObjectID:  itemID,
		Filename:  filename,
		Data:      data,
		IsPrimary: isPrimary,
	})
	if err != nil {
		return nil, err
	}
	if image == nil || image.ID == "" || image.ImageData == nil {
		return nil, c.invariant("upload_image", "response has no image object")
	}

	item, err := c.provider.RetrieveObject(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Version == nil {
		return nil, c.invariant("upload_image", "item missing after image attach")
	}

	return &UploadedImage{
		ImageID:           image.ID,
		ImageURL:          image.ImageData.URL,
		NewCatalogVersion: *item.Version,
	}, nil
}

func (c *CatalogClient) invariant(op, reason string) error {
	c.logger.Error("provider response violated catalog contract",
		slog.String("op", op),
		slog.String("reason", reason),
	)
	return &domain.InvariantViolation{Op: op, Reason: reason}
}
