package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type ProductStatus string

const (
	ProductStatusActive       ProductStatus = "active"
	ProductStatusDraft        ProductStatus = "draft"
	ProductStatusDiscontinued ProductStatus = "discontinued"
)

// Sellable reports whether the local store expects this product to be sold.
func (s ProductStatus) Sellable() bool {
	return s == ProductStatusActive
}

// DefaultStaleThreshold is how long a cached external snapshot is trusted.
const DefaultStaleThreshold = 5 * time.Minute

// Product is the linking record between the local store and the external
// catalog. Local fields are owned here; the external ids are owned by the
// catalog and Cache mirrors the last observed external state.
type Product struct {
	ID                   string        `json:"id"`
	ArtistID             string        `json:"artist_id"`
	CategoryID           *string       `json:"category_id,omitempty"`
	CustomCommissionRate *float64      `json:"custom_commission_rate,omitempty"`
	Status               ProductStatus `json:"status"`

	ExternalItemID         string  `json:"external_item_id"`
	ExternalVariationID    string  `json:"external_variation_id"`
	ExternalCatalogVersion *int64  `json:"external_catalog_version,omitempty"`
	ExternalLocationID     *string `json:"external_location_id,omitempty"`
	SecondaryListingID     *string `json:"secondary_listing_id,omitempty"`

	Cache ExternalCache `json:"cache"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ExternalCache struct {
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"`
	Quantity    int64     `json:"quantity"`
	SKU         string    `json:"sku"`
	ImageURL    *string   `json:"image_url,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}

// IsStale reports whether the cache was synced longer than threshold ago.
// A non-positive threshold falls back to DefaultStaleThreshold.
func IsStale(cache ExternalCache, threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return now.Sub(cache.SyncedAt) > threshold
}

// LocalFields are the fields the local store owns on a new product.
type LocalFields struct {
	ArtistID             string        `json:"artist_id" validate:"required"`
	CategoryID           *string       `json:"category_id"`
	CustomCommissionRate *float64      `json:"custom_commission_rate" validate:"omitempty,gte=0,lte=1"`
	Status               ProductStatus `json:"status" validate:"required,oneof=active draft discontinued"`
	SecondaryListingID   *string       `json:"secondary_listing_id"`
}

// LocalFieldsPatch carries only the local-owned fields that should change.
type LocalFieldsPatch struct {
	ArtistID             *string        `json:"artist_id" validate:"omitempty,min=1"`
	CategoryID           *string        `json:"category_id"`
	CustomCommissionRate *float64       `json:"custom_commission_rate" validate:"omitempty,gte=0,lte=1"`
	Status               *ProductStatus `json:"status" validate:"omitempty,oneof=active draft discontinued"`
	SecondaryListingID   *string        `json:"secondary_listing_id"`
}

func (p LocalFieldsPatch) IsEmpty() bool {
	return p.ArtistID == nil && p.CategoryID == nil && p.CustomCommissionRate == nil &&
		p.Status == nil && p.SecondaryListingID == nil
}

// CreatedItem is what the catalog returns after creating an item.
type CreatedItem struct {
	ExternalItemID      string `json:"external_item_id"`
	ExternalVariationID string `json:"external_variation_id"`
	CatalogVersion      int64  `json:"catalog_version"`
	SKU                 string `json:"sku"`
}

// ExternalSeed is the external side of a new linking record: the created
// catalog ids plus the values used to create them.
type ExternalSeed struct {
	Item        CreatedItem
	LocationID  *string
	Name        string
	Description *string
	PriceCents  int64
	Quantity    int64
	ImageURL    *string
}

// CachePatch is a field-level update of the cached snapshot.
type CachePatch struct {
	Name        *string
	Description *string
	PriceCents  *int64
	Quantity    *int64
	SKU         *string
	ImageURL    *string
}

// ApplyTo merges the patch into cache and advances SyncedAt. SyncedAt never
// moves backwards, even if the local clock does.
func (p CachePatch) ApplyTo(cache ExternalCache, now time.Time) ExternalCache {
	if p.Name != nil {
		cache.Name = *p.Name
	}
	if p.Description != nil {
		cache.Description = p.Description
	}
	if p.PriceCents != nil {
		cache.PriceCents = *p.PriceCents
	}
	if p.Quantity != nil {
		cache.Quantity = *p.Quantity
	}
	if p.SKU != nil {
		cache.SKU = *p.SKU
	}
	if p.ImageURL != nil {
		cache.ImageURL = p.ImageURL
	}
	cache.SyncedAt = laterOf(cache.SyncedAt, now)
	return cache
}

// ApplyTo merges the patch into the product's local fields.
func (p LocalFieldsPatch) ApplyTo(product *Product) {
	if p.ArtistID != nil {
		product.ArtistID = *p.ArtistID
	}
	if p.CategoryID != nil {
		product.CategoryID = p.CategoryID
	}
	if p.CustomCommissionRate != nil {
		product.CustomCommissionRate = p.CustomCommissionRate
	}
	if p.Status != nil {
		product.Status = *p.Status
	}
	if p.SecondaryListingID != nil {
		product.SecondaryListingID = p.SecondaryListingID
	}
}

type ProductFilter struct {
	ArtistID string
	Status   ProductStatus
}

// externalOwnedFields are JSON keys the local-update path must refuse.
var externalOwnedFields = map[string]bool{
	"id":                       true,
	"external_item_id":         true,
	"external_variation_id":    true,
	"external_catalog_version": true,
	"external_location_id":     true,
	"cache":                    true,
	"name":                     true,
	"description":              true,
	"price_cents":              true,
	"quantity":                 true,
	"sku":                      true,
	"image_url":                true,
	"synced_at":                true,
	"created_at":               true,
	"updated_at":               true,
}

// RejectExternalOwnedFields fails if any key names a field that is not
// owned by the local store.
func RejectExternalOwnedFields(keys []string) error {
	for _, k := range keys {
		if externalOwnedFields[k] {
			return &ValidationError{Field: k, Reason: "field is owned by the external catalog and cannot be set locally"}
		}
	}
	return nil
}

var validate = validator.New()

// ValidateStruct runs the validator tags on v and reports the first failing
// field as a ValidationError.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:  fe.Field(),
				Reason: fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
