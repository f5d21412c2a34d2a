package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
)

// maxWriteAttempts bounds the re-read/re-apply loop on a CouchDB 409.
const maxWriteAttempts = 5

var errWriteContention = errors.New("document kept changing during write")

// ProductRepository is the linking record store. Reads of a missing id return
// (nil, nil); writes to a missing id return *domain.NotFoundError.
type ProductRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Product, error)
	FindByExternalItemID(ctx context.Context, itemID string) (*domain.Product, error)
	FindByExternalVariationID(ctx context.Context, variationID string) (*domain.Product, error)
	FindAll(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error)
	FindStale(ctx context.Context, threshold time.Duration, limit int) ([]*domain.Product, error)
	Create(ctx context.Context, local domain.LocalFields, seed domain.ExternalSeed) (*domain.Product, error)
	UpdateLocalFields(ctx context.Context, id string, patch domain.LocalFieldsPatch) (*domain.Product, error)
	UpdateCache(ctx context.Context, id string, patch domain.CachePatch, newCatalogVersion *int64) (*domain.Product, error)
	UpdateCachedQuantity(ctx context.Context, id string, quantity int64) (*domain.Product, error)
	Delete(ctx context.Context, id string) error
}

type productDoc struct {
	DocID      string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	DocType    string `json:"doc_type"`
	SyncedAtMs int64  `json:"synced_at_ms"`
	domain.Product
}

type CouchDBProductRepository struct {
	db       *kivik.DB
	now      func() time.Time
	pageSize int
}

func NewProductRepository(client *kivik.Client, dbName string) *CouchDBProductRepository {
	return &CouchDBProductRepository{
		db:       client.DB(dbName),
		now:      time.Now,
		pageSize: defaultPageSize,
	}
}

// EnsureIndexes creates the Mango indexes the queries below rely on.
func (r *CouchDBProductRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]string{
		"product-synced-at":    {"doc_type", "synced_at_ms"},
		"product-external-id":  {"doc_type", "external_item_id"},
		"product-variation-id": {"doc_type", "external_variation_id"},
		"product-artist":       {"doc_type", "artist_id", "status"},
	}
	for name, fields := range indexes {
		index := map[string]interface{}{"fields": fields}
		if err := r.db.CreateIndex(ctx, "products", name, index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

func (r *CouchDBProductRepository) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	doc, err := r.get(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return docToProduct(doc), nil
}

func (r *CouchDBProductRepository) FindByExternalItemID(ctx context.Context, itemID string) (*domain.Product, error) {
	return r.findOne(ctx, "external_item_id", itemID)
}

func (r *CouchDBProductRepository) FindByExternalVariationID(ctx context.Context, variationID string) (*domain.Product, error) {
	return r.findOne(ctx, "external_variation_id", variationID)
}

// FindAll returns every matching product, newest first.
func (r *CouchDBProductRepository) FindAll(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	selector := map[string]interface{}{"doc_type": "product"}
	if filter.ArtistID != "" {
		selector["artist_id"] = filter.ArtistID
	}
	if filter.Status != "" {
		selector["status"] = filter.Status
	}

	products, err := r.find(ctx, map[string]interface{}{"selector": selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	SortProductsNewestFirst(products)
	return products, nil
}

// FindStale returns products whose cache is older than threshold, oldest
// first.
func (r *CouchDBProductRepository) FindStale(ctx context.Context, threshold time.Duration, limit int) ([]*domain.Product, error) {
	if threshold <= 0 {
		threshold = domain.DefaultStaleThreshold
	}
	cutoff := r.now().Add(-threshold).UnixMilli()

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":     "product",
			"synced_at_ms": map[string]interface{}{"$lt": cutoff},
		},
		"sort": []map[string]string{
			{"doc_type": "asc"},
			{"synced_at_ms": "asc"},
		},
	}
	if limit > 0 {
		query["limit"] = limit
	}

	products, err := r.find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale products: %w", err)
	}
	return products, nil
}

func (r *CouchDBProductRepository) Create(ctx context.Context, local domain.LocalFields, seed domain.ExternalSeed) (*domain.Product, error) {
	if err := domain.ValidateStruct(local); err != nil {
		return nil, err
	}
	if seed.Item.ExternalItemID == "" || seed.Item.ExternalVariationID == "" {
		return nil, &domain.ValidationError{Field: "external_item_id", Reason: "external ids are required"}
	}

	now := r.now().UTC()
	version := seed.Item.CatalogVersion
	product := domain.Product{
		ID:                     uuid.New().String(),
		ArtistID:               local.ArtistID,
		CategoryID:             local.CategoryID,
		CustomCommissionRate:   local.CustomCommissionRate,
		Status:                 local.Status,
		ExternalItemID:         seed.Item.ExternalItemID,
		ExternalVariationID:    seed.Item.ExternalVariationID,
		ExternalCatalogVersion: &version,
		ExternalLocationID:     seed.LocationID,
		SecondaryListingID:     local.SecondaryListingID,
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

	doc := productToDoc(&product)
	if _, err := r.db.Put(ctx, doc.DocID, doc); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return &product, nil
}

func (r *CouchDBProductRepository) UpdateLocalFields(ctx context.Context, id string, patch domain.LocalFieldsPatch) (*domain.Product, error) {
	if err := domain.ValidateStruct(patch); err != nil {
		return nil, err
	}
	return r.update(ctx, id, func(p *domain.Product, now time.Time) {
		patch.ApplyTo(p)
	})
}

// UpdateCache merges patch into the cached snapshot and, when given, records
// the catalog version the snapshot was read at.
func (r *CouchDBProductRepository) UpdateCache(ctx context.Context, id string, patch domain.CachePatch, newCatalogVersion *int64) (*domain.Product, error) {
	return r.update(ctx, id, func(p *domain.Product, now time.Time) {
		p.Cache = patch.ApplyTo(p.Cache, now)
		if newCatalogVersion != nil {
			v := *newCatalogVersion
			p.ExternalCatalogVersion = &v
		}
	})
}

func (r *CouchDBProductRepository) UpdateCachedQuantity(ctx context.Context, id string, quantity int64) (*domain.Product, error) {
	return r.UpdateCache(ctx, id, domain.CachePatch{Quantity: &quantity}, nil)
}

func (r *CouchDBProductRepository) Delete(ctx context.Context, id string) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return &domain.NotFoundError{Entity: "product", ID: id}
		}
		_, err = r.db.Delete(ctx, doc.DocID, doc.Rev)
		if kivik.HTTPStatus(err) == http.StatusConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to delete product: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to delete product %s: %w", id, errWriteContention)
}

// update is a read-modify-Put under the document revision. A concurrent
// writer makes the Put fail with 409; the mutation is then re-applied to the
// fresh document.
func (r *CouchDBProductRepository) update(ctx context.Context, id string, mutate func(*domain.Product, time.Time)) (*domain.Product, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, &domain.NotFoundError{Entity: "product", ID: id}
		}

		now := r.now().UTC()
		mutate(&doc.Product, now)
		doc.UpdatedAt = now
		doc.SyncedAtMs = doc.Cache.SyncedAt.UnixMilli()

		_, err = r.db.Put(ctx, doc.DocID, doc)
		if kivik.HTTPStatus(err) == http.StatusConflict {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update product: %w", err)
		}
		return docToProduct(doc), nil
	}
	return nil, fmt.Errorf("failed to update product %s: %w", id, errWriteContention)
}

func (r *CouchDBProductRepository) get(ctx context.Context, id string) (*productDoc, error) {
	var doc productDoc
	if err := r.db.Get(ctx, productDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &doc, nil
}

func (r *CouchDBProductRepository) findOne(ctx context.Context, field, value string) (*domain.Product, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": "product",
			field:      value,
		},
		"limit": 1,
	}
	products, err := r.find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query product by %s: %w", field, err)
	}
	if len(products) == 0 {
		return nil, nil
	}
	return products[0], nil
}

func (r *CouchDBProductRepository) find(ctx context.Context, query map[string]interface{}) ([]*domain.Product, error) {
	var products []*domain.Product
	err := findEach(ctx, r.db, query, r.pageSize, func(rows *kivik.ResultSet) error {
		var doc productDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, docToProduct(&doc))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// SortProductsNewestFirst orders products by creation time, newest first,
// with the id as tie-breaker.
func SortProductsNewestFirst(products []*domain.Product) {
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.After(products[j].CreatedAt)
		}
		return products[i].ID < products[j].ID
	})
}

func productDocID(id string) string {
	return fmt.Sprintf("product:%s", id)
}

func productToDoc(p *domain.Product) *productDoc {
	return &productDoc{
		DocID:      productDocID(p.ID),
		DocType:    "product",
		SyncedAtMs: p.Cache.SyncedAt.UnixMilli(),
		Product:    *p,
	}
}

func docToProduct(doc *productDoc) *domain.Product {
	p := doc.Product
	return &p
}
