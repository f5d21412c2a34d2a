package service

import (
	"context"
	"errors"
	"testing"

	"consignment-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	desc := "hand thrown"
	qty := int64(3)

	product, err := f.productSv.Create(ctx, CreateProductInput{
		Local:       domain.LocalFields{ArtistID: "artist-1", Status: domain.ProductStatusDraft},
		Name:        "Blue vase",
		Description: &desc,
		PriceCents:  4500,
		Quantity:    &qty,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, product.ID)
	assert.NotEmpty(t, product.ExternalItemID)
	assert.NotEmpty(t, product.ExternalVariationID)
	require.NotNil(t, product.ExternalCatalogVersion)
	assert.Equal(t, f.provider.Version(product.ExternalItemID), *product.ExternalCatalogVersion)
	require.NotNil(t, product.ExternalLocationID)
	assert.Equal(t, "LOC-1", *product.ExternalLocationID)
	assert.Equal(t, "Blue vase", product.Cache.Name)
	assert.Equal(t, int64(4500), product.Cache.PriceCents)
	assert.Equal(t, int64(3), product.Cache.Quantity)
	assert.NotEmpty(t, product.Cache.SKU)

	count, err := f.inventory.GetCount(ctx, product.ExternalVariationID, "LOC-1")
	require.NoError(t, err)
	require.NotNil(t, count)
	assert.Equal(t, int64(3), count.Quantity)
}

func TestProductService_CreateValidation(t *testing.T) {
	f := newFixture()
	negative := int64(-1)

	tests := []struct {
		name string
		in   CreateProductInput
	}{
		{"missing name", CreateProductInput{Local: domain.LocalFields{ArtistID: "a", Status: domain.ProductStatusActive}}},
		{"missing artist", CreateProductInput{Local: domain.LocalFields{Status: domain.ProductStatusActive}, Name: "x"}},
		{"bad status", CreateProductInput{Local: domain.LocalFields{ArtistID: "a", Status: "sold"}, Name: "x"}},
		{"negative price", CreateProductInput{Local: domain.LocalFields{ArtistID: "a", Status: domain.ProductStatusActive}, Name: "x", PriceCents: -5}},
		{"negative quantity", CreateProductInput{Local: domain.LocalFields{ArtistID: "a", Status: domain.ProductStatusActive}, Name: "x", Quantity: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.productSv.Create(context.Background(), tt.in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, f.provider.Calls("upsert_object"))
}

func TestProductService_CreateStoreFailureKeepsCatalogItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	boom := errors.New("store down")
	f.products.failOn["create"] = boom

	_, err := f.createProduct(ctx, 1000, 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.provider.Calls("upsert_object"))
}

func TestProductService_UpdateLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 1)
	require.NoError(t, err)

	rate := 0.4
	updated, err := f.productSv.UpdateLocal(ctx, product.ID, domain.LocalFieldsPatch{CustomCommissionRate: &rate})
	require.NoError(t, err)
	require.NotNil(t, updated.CustomCommissionRate)
	assert.Equal(t, 0.4, *updated.CustomCommissionRate)
	assert.Equal(t, "artist-1", updated.ArtistID)
	assert.Equal(t, product.Cache.PriceCents, updated.Cache.PriceCents)

	unchanged, err := f.productSv.UpdateLocal(ctx, product.ID, domain.LocalFieldsPatch{})
	require.NoError(t, err)
	assert.Equal(t, updated.UpdatedAt, unchanged.UpdatedAt)

	tooHigh := 1.5
	_, err = f.productSv.UpdateLocal(ctx, product.ID, domain.LocalFieldsPatch{CustomCommissionRate: &tooHigh})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestProductService_UpdateCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 1)
	require.NoError(t, err)

	price := int64(1250)
	updated, err := f.productSv.UpdateCatalog(ctx, product.ID, CatalogUpdateInput{PriceCents: &price})
	require.NoError(t, err)
	assert.Equal(t, int64(1250), updated.Cache.PriceCents)
	assert.Equal(t, f.provider.Version(product.ExternalItemID), *updated.ExternalCatalogVersion)
	assert.Greater(t, *updated.ExternalCatalogVersion, *product.ExternalCatalogVersion)

	// A second update based on the first version must be refused.
	stale := *product.ExternalCatalogVersion
	again := int64(1300)
	_, err = f.productSv.UpdateCatalog(ctx, product.ID, CatalogUpdateInput{ExpectedVersion: &stale, PriceCents: &again})
	var vce *domain.VersionConflictError
	require.ErrorAs(t, err, &vce)
	assert.Equal(t, stale, vce.Expected)
	assert.Equal(t, int64(1250), f.products.get(product.ID).Cache.PriceCents)
}

func TestProductService_UploadImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 1)
	require.NoError(t, err)

	withImage, err := f.productSv.UploadImage(ctx, product.ID, []byte("png"), "vase.png", false)
	require.NoError(t, err)
	require.NotNil(t, withImage.Cache.ImageURL)
	assert.Contains(t, *withImage.Cache.ImageURL, "vase.png")
	assert.Equal(t, f.provider.Version(product.ExternalItemID), *withImage.ExternalCatalogVersion)

	// The first image stays the cover until a primary one arrives.
	second, err := f.productSv.UploadImage(ctx, product.ID, []byte("png"), "side.png", false)
	require.NoError(t, err)
	assert.Contains(t, *second.Cache.ImageURL, "vase.png")

	primary, err := f.productSv.UploadImage(ctx, product.ID, []byte("png"), "front.png", true)
	require.NoError(t, err)
	assert.Contains(t, *primary.Cache.ImageURL, "front.png")

	// The version recorded by the upload lets a follow-up write through.
	price := int64(900)
	_, err = f.productSv.UpdateCatalog(ctx, product.ID, CatalogUpdateInput{PriceCents: &price})
	require.NoError(t, err)
}

func TestProductService_DeleteDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	active, err := f.createProduct(ctx, 1000, 1)
	require.NoError(t, err)
	err = f.productSv.DeleteDraft(ctx, active.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	draft, err := f.productSv.Create(ctx, CreateProductInput{
		Local:      domain.LocalFields{ArtistID: "artist-1", Status: domain.ProductStatusDraft},
		Name:       "Sketch",
		PriceCents: 100,
	})
	require.NoError(t, err)
	require.NoError(t, f.catalog.DeleteItem(ctx, draft.ExternalItemID))

	require.NoError(t, f.productSv.DeleteDraft(ctx, draft.ID))
	_, err = f.productSv.Get(ctx, draft.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProductService_Discontinue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 1)
	require.NoError(t, err)

	discontinued, err := f.productSv.Discontinue(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusDiscontinued, discontinued.Status)

	item, err := f.catalog.GetItem(ctx, product.ExternalItemID)
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func TestProductService_Inventory(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 4)
	require.NoError(t, err)

	set, err := f.productSv.SetQuantity(ctx, product.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), set.Cache.Quantity)

	adjusted, err := f.productSv.AdjustQuantity(ctx, product.ID, -3, "damaged")
	require.NoError(t, err)
	assert.Equal(t, int64(7), adjusted.Cache.Quantity)

	calls := f.provider.Calls("batch_change_inventory")
	same, err := f.productSv.AdjustQuantity(ctx, product.ID, 0, "noop")
	require.NoError(t, err)
	assert.Equal(t, int64(7), same.Cache.Quantity)
	assert.Equal(t, calls, f.provider.Calls("batch_change_inventory"))

	sold, err := f.productSv.RecordSale(ctx, product.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sold.Cache.Quantity)

	count, err := f.inventory.GetCount(ctx, product.ExternalVariationID, "LOC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count.Quantity)

	_, err = f.productSv.Discontinue(ctx, product.ID)
	require.NoError(t, err)
	_, err = f.productSv.RecordSale(ctx, product.ID, 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestProductService_GetMissing(t *testing.T) {
	f := newFixture()

	_, err := f.productSv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.productSv.SetQuantity(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProductService_InventoryNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 0)
	require.NoError(t, err)
	calls := f.provider.Calls("batch_change_inventory")

	_, err = f.productSv.RecordSale(ctx, product.ID, 2)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.productSv.AdjustQuantity(ctx, product.ID, -5, "shrinkage")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, calls, f.provider.Calls("batch_change_inventory"))
	assert.Equal(t, int64(0), f.products.get(product.ID).Cache.Quantity)
}

func TestProductService_InventoryCachesProviderCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 4)
	require.NoError(t, err)

	// Two units sold elsewhere since the cache was written.
	f.provider.SetCount(product.ExternalVariationID, "LOC-1", 2)

	sold, err := f.productSv.RecordSale(ctx, product.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sold.Cache.Quantity)

	adjusted, err := f.productSv.AdjustQuantity(ctx, product.ID, 3, "restock")
	require.NoError(t, err)
	assert.Equal(t, int64(4), adjusted.Cache.Quantity)
}

func TestProductService_InventoryReadBackFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	product, err := f.createProduct(ctx, 1000, 4)
	require.NoError(t, err)

	f.provider.Fail("batch_retrieve_counts", &domain.ExternalAPIError{Op: "batch_retrieve_counts", StatusCode: 503})
	sold, err := f.productSv.RecordSale(ctx, product.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sold.Cache.Quantity)
}
