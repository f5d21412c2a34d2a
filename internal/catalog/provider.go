package catalog

import (
	"context"
	"time"
)

// Catalog object types as reported by the provider.
const (
	ObjectTypeItem      = "ITEM"
	ObjectTypeVariation = "ITEM_VARIATION"
	ObjectTypeImage     = "IMAGE"
)

// Provider error codes the clients branch on.
const (
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeNotFound        = "NOT_FOUND"
)

type InventoryState string

const (
	StateNone    InventoryState = "NONE"
	StateInStock InventoryState = "IN_STOCK"
	StateSold    InventoryState = "SOLD"
)

// InventoryChangeType distinguishes an absolute physical count from a signed
// adjustment between two states.
type InventoryChangeType string

const (
	ChangePhysicalCount InventoryChangeType = "PHYSICAL_COUNT"
	ChangeAdjustment    InventoryChangeType = "ADJUSTMENT"
)

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type CatalogObject struct {
	Type              string         `json:"type"`
	ID                string         `json:"id"`
	Version           *int64         `json:"version,omitempty"`
	IsDeleted         bool           `json:"is_deleted,omitempty"`
	UpdatedAt         string         `json:"updated_at,omitempty"`
	ItemData          *ItemData      `json:"item_data,omitempty"`
	ItemVariationData *VariationData `json:"item_variation_data,omitempty"`
	ImageData         *ImageData     `json:"image_data,omitempty"`
}

type ItemData struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Variations  []CatalogObject `json:"variations,omitempty"`
	ImageIDs    []string        `json:"image_ids,omitempty"`
}

type VariationData struct {
	ItemID         string `json:"item_id,omitempty"`
	Name           string `json:"name,omitempty"`
	SKU            string `json:"sku,omitempty"`
	PricingType    string `json:"pricing_type,omitempty"`
	PriceMoney     *Money `json:"price_money,omitempty"`
	TrackInventory bool   `json:"track_inventory,omitempty"`
}

type ImageData struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type PhysicalCount struct {
	CatalogObjectID string         `json:"catalog_object_id"`
	LocationID      string         `json:"location_id"`
	State           InventoryState `json:"state"`
	Quantity        string         `json:"quantity"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

type Adjustment struct {
	CatalogObjectID string         `json:"catalog_object_id"`
	LocationID      string         `json:"location_id"`
	FromState       InventoryState `json:"from_state"`
	ToState         InventoryState `json:"to_state"`
	Quantity        string         `json:"quantity"`
	OccurredAt      time.Time      `json:"occurred_at"`
	ReferenceID     string         `json:"reference_id,omitempty"`
}

type InventoryChange struct {
	Type          InventoryChangeType `json:"type"`
	PhysicalCount *PhysicalCount      `json:"physical_count,omitempty"`
	Adjustment    *Adjustment         `json:"adjustment,omitempty"`
}

type InventoryCount struct {
	CatalogObjectID string         `json:"catalog_object_id"`
	LocationID      string         `json:"location_id"`
	State           InventoryState `json:"state"`
	Quantity        string         `json:"quantity"`
	CalculatedAt    string         `json:"calculated_at,omitempty"`
}

type Location struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type ImageUpload struct {
	ObjectID  string
	Filename  string
	Data      []byte
	IsPrimary bool
}

// Provider is the external catalog and inventory API. Only CatalogClient and
// InventoryClient talk to it.
//
// RetrieveObject returns (nil, nil) when the object does not exist or was
// archived. Provider errors are returned as *domain.ExternalAPIError.
type Provider interface {
	UpsertObject(ctx context.Context, idempotencyKey string, object CatalogObject) (*CatalogObject, error)
	RetrieveObject(ctx context.Context, objectID string) (*CatalogObject, error)
	DeleteObject(ctx context.Context, objectID string) error
	CreateImage(ctx context.Context, idempotencyKey string, upload ImageUpload) (*CatalogObject, error)
	BatchChangeInventory(ctx context.Context, idempotencyKey string, changes []InventoryChange) error
	BatchRetrieveCounts(ctx context.Context, objectIDs, locationIDs []string, states []InventoryState) ([]InventoryCount, error)
	ListLocations(ctx context.Context) ([]Location, error)
}
