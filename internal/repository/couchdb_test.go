package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/go-kivik/kivik/v4/driver"
	"github.com/go-kivik/kivik/v4/mockdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDBName = "consignment"

type couchError struct{ status int }

func (e *couchError) Error() string   { return fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)) }
func (e *couchError) HTTPStatus() int { return e.status }

type bookmarkedRows struct {
	driver.Rows
	bookmark string
}

func (r *bookmarkedRows) Bookmark() string { return r.bookmark }

func newMockCouch(t *testing.T) (*kivik.Client, *mockdb.Client, *mockdb.DB) {
	t.Helper()
	client, mock := mockdb.NewT(t)
	db := mock.NewDB()
	mock.ExpectDB().WithName(testDBName).WillReturn(db)
	return client, mock, db
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func docRow(t *testing.T, id string, doc interface{}) *driver.Row {
	return &driver.Row{ID: id, Doc: strings.NewReader(mustJSON(t, doc))}
}

func storedDoc(t *testing.T, doc interface{}) *driver.Document {
	return &driver.Document{Body: io.NopCloser(strings.NewReader(mustJSON(t, doc)))}
}

func sampleProduct(id string, createdAt time.Time) *domain.Product {
	return &domain.Product{
		ID:                  id,
		ArtistID:            "a-1",
		Status:              domain.ProductStatusActive,
		ExternalItemID:      "ITEM-" + id,
		ExternalVariationID: "VAR-" + id,
		Cache:               domain.ExternalCache{Name: "Bowl " + id, PriceCents: 4500, Quantity: 3, SyncedAt: createdAt},
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}
}

func productRow(t *testing.T, p *domain.Product) *driver.Row {
	return docRow(t, productDocID(p.ID), productToDoc(p))
}

func conflictRow(t *testing.T, c *domain.SyncConflict) *driver.Row {
	doc, err := conflictToDoc(c)
	require.NoError(t, err)
	return docRow(t, doc.DocID, doc)
}

func conflictAt(id string, detectedAt time.Time) *domain.SyncConflict {
	c := sampleConflict(domain.Pending{})
	c.ID = id
	c.ProductID = "p-" + id
	c.DetectedAt = detectedAt
	return c
}

func TestConflictRepository_ListFollowsBookmarks(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewConflictRepository(client, testDBName)
	repo.pageSize = 2

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	selector := map[string]interface{}{"doc_type": "conflict", "status": "pending"}
	page := func(rows *mockdb.Rows, bookmark string) func(context.Context, interface{}, driver.Options) (driver.Rows, error) {
		return func(context.Context, interface{}, driver.Options) (driver.Rows, error) {
			return &bookmarkedRows{Rows: rows.Final(), bookmark: bookmark}, nil
		}
	}

	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2}).
		WillExecute(page(mockdb.NewRows().
			AddRow(conflictRow(t, conflictAt("c1", base))).
			AddRow(conflictRow(t, conflictAt("c2", base.Add(time.Hour)))), "bm-1"))
	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2, "bookmark": "bm-1"}).
		WillExecute(page(mockdb.NewRows().
			AddRow(conflictRow(t, conflictAt("c3", base.Add(2*time.Hour)))).
			AddRow(conflictRow(t, conflictAt("c4", base.Add(3*time.Hour)))), "bm-2"))
	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2, "bookmark": "bm-2"}).
		WillExecute(page(mockdb.NewRows().
			AddRow(conflictRow(t, conflictAt("c5", base.Add(4*time.Hour)))), "bm-3"))

	conflicts, err := repo.List(context.Background(), domain.ConflictFilter{Status: domain.ConflictStatusPending})
	require.NoError(t, err)

	var ids []string
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c5", "c4", "c3", "c2", "c1"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_FindAllPagesWithSkipWithoutBookmark(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewProductRepository(client, testDBName)
	repo.pageSize = 2

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	selector := map[string]interface{}{"doc_type": "product", "artist_id": "a-1"}

	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2}).
		WillReturn(mockdb.NewRows().
			AddRow(productRow(t, sampleProduct("p1", base))).
			AddRow(productRow(t, sampleProduct("p2", base.Add(time.Hour)))))
	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2, "skip": 2}).
		WillReturn(mockdb.NewRows().
			AddRow(productRow(t, sampleProduct("p3", base.Add(2*time.Hour)))).
			AddRow(productRow(t, sampleProduct("p4", base.Add(2*time.Hour)))))
	db.ExpectFind().
		WithQuery(map[string]interface{}{"selector": selector, "limit": 2, "skip": 4}).
		WillReturn(mockdb.NewRows())

	products, err := repo.FindAll(context.Background(), domain.ProductFilter{ArtistID: "a-1"})
	require.NoError(t, err)

	var ids []string
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p3", "p4", "p2", "p1"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConflictRepository_FindPendingSelector(t *testing.T) {
	tests := []struct {
		name     string
		key      domain.ConflictKey
		selector map[string]interface{}
	}{
		{
			name: "by product",
			key:  domain.ConflictKey{ProductID: "p1", Type: domain.ConflictQuantityMismatch, System: domain.SystemCatalog},
			selector: map[string]interface{}{
				"doc_type":   "conflict",
				"type":       "quantity_mismatch",
				"system":     "catalog",
				"status":     "pending",
				"product_id": "p1",
			},
		},
		{
			name: "missing local matches only unlinked items",
			key:  domain.ConflictKey{ExternalItemID: "ITEM-9", Type: domain.ConflictMissingLocal, System: domain.SystemCatalog},
			selector: map[string]interface{}{
				"doc_type":         "conflict",
				"type":             "missing_local",
				"system":           "catalog",
				"status":           "pending",
				"external_item_id": "ITEM-9",
				"product_id":       map[string]interface{}{"$exists": false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, db := newMockCouch(t)
			repo := NewConflictRepository(client, testDBName)

			stored := sampleConflict(domain.Pending{})
			stored.Type = tt.key.Type
			stored.ProductID = tt.key.ProductID
			stored.ExternalItemID = tt.key.ExternalItemID

			db.ExpectFind().
				WithQuery(map[string]interface{}{"selector": tt.selector, "limit": 1}).
				WillReturn(mockdb.NewRows().AddRow(conflictRow(t, stored)))

			got, err := repo.FindPending(context.Background(), tt.key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.key, got.Key())
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestConflictRepository_FindPendingNone(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewConflictRepository(client, testDBName)

	db.ExpectFind().WillReturn(mockdb.NewRows())

	got, err := repo.FindPending(context.Background(), domain.ConflictKey{ProductID: "p1", Type: domain.ConflictPriceMismatch, System: domain.SystemCatalog})
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_FindStaleQuery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sortOrder := []map[string]string{{"doc_type": "asc"}, {"synced_at_ms": "asc"}}
	staleSelector := func(threshold time.Duration) map[string]interface{} {
		return map[string]interface{}{
			"doc_type":     "product",
			"synced_at_ms": map[string]interface{}{"$lt": now.Add(-threshold).UnixMilli()},
		}
	}

	tests := []struct {
		name      string
		threshold time.Duration
		limit     int
		query     map[string]interface{}
	}{
		{
			name:      "explicit threshold and limit",
			threshold: 10 * time.Minute,
			limit:     25,
			query:     map[string]interface{}{"selector": staleSelector(10 * time.Minute), "sort": sortOrder, "limit": 25},
		},
		{
			name:      "default threshold",
			threshold: 0,
			limit:     5,
			query:     map[string]interface{}{"selector": staleSelector(domain.DefaultStaleThreshold), "sort": sortOrder, "limit": 5},
		},
		{
			name:      "no limit is paged",
			threshold: time.Minute,
			limit:     0,
			query:     map[string]interface{}{"selector": staleSelector(time.Minute), "sort": sortOrder, "limit": defaultPageSize},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, db := newMockCouch(t)
			repo := NewProductRepository(client, testDBName)
			repo.now = func() time.Time { return now }

			oldest := sampleProduct("p1", now.Add(-48*time.Hour))
			older := sampleProduct("p2", now.Add(-24*time.Hour))
			db.ExpectFind().
				WithQuery(tt.query).
				WillReturn(mockdb.NewRows().AddRow(productRow(t, oldest)).AddRow(productRow(t, older)))

			got, err := repo.FindStale(context.Background(), tt.threshold, tt.limit)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "p1", got[0].ID)
			assert.Equal(t, "p2", got[1].ID)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestProductRepository_UpdateRetriesOnRevisionConflict(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewProductRepository(client, testDBName)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	stored := productToDoc(sampleProduct("p1", now.Add(-time.Hour)))
	stored.Rev = "1-a"
	db.ExpectGet().WithDocID("product:p1").WillReturn(storedDoc(t, stored))
	db.ExpectPut().WithDocID("product:p1").WillReturnError(&couchError{status: http.StatusConflict})

	fresh := productToDoc(sampleProduct("p1", now.Add(-time.Hour)))
	fresh.Rev = "2-b"
	fresh.Cache.Quantity = 8
	db.ExpectGet().WithDocID("product:p1").WillReturn(storedDoc(t, fresh))

	var written map[string]interface{}
	db.ExpectPut().WithDocID("product:p1").
		WillExecute(func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
			require.NoError(t, json.Unmarshal([]byte(mustJSON(t, doc)), &written))
			return "3-c", nil
		})

	got, err := repo.UpdateCachedQuantity(context.Background(), "p1", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Cache.Quantity)
	assert.Equal(t, "2-b", written["_rev"])
	assert.Equal(t, float64(now.UnixMilli()), written["synced_at_ms"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_UpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewProductRepository(client, testDBName)

	stored := productToDoc(sampleProduct("p1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	stored.Rev = "1-a"
	for i := 0; i < maxWriteAttempts; i++ {
		db.ExpectGet().WithDocID("product:p1").WillReturn(storedDoc(t, stored))
		db.ExpectPut().WithDocID("product:p1").WillReturnError(&couchError{status: http.StatusConflict})
	}

	_, err := repo.UpdateCachedQuantity(context.Background(), "p1", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errWriteContention))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_UpdateMissingProduct(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewProductRepository(client, testDBName)

	db.ExpectGet().WithDocID("product:gone").WillReturnError(&couchError{status: http.StatusNotFound})

	_, err := repo.UpdateCachedQuantity(context.Background(), "gone", 1)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "gone", notFound.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConflictRepository_MarkDecided(t *testing.T) {
	decidedAt := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	decision := domain.Resolved{Resolution: domain.ResolutionUseLocal, ResolvedBy: "op-1", ResolvedAt: decidedAt}

	tests := []struct {
		name     string
		stored   domain.ConflictState
		wantPut  bool
		wantErr  error
		wantStat domain.ConflictStatus
	}{
		{name: "pending is decided", stored: domain.Pending{}, wantPut: true, wantStat: domain.ConflictStatusResolved},
		{name: "resolved is refused", stored: domain.Resolved{Resolution: domain.ResolutionUseExternal, ResolvedBy: "op-2", ResolvedAt: decidedAt}, wantErr: domain.ErrConflictNotPending},
		{name: "ignored is refused", stored: domain.Ignored{ResolvedBy: "op-2", ResolvedAt: decidedAt}, wantErr: domain.ErrConflictNotPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, db := newMockCouch(t)
			repo := NewConflictRepository(client, testDBName)

			doc, err := conflictToDoc(sampleConflict(tt.stored))
			require.NoError(t, err)
			doc.Rev = "1-a"
			db.ExpectGet().WithDocID("conflict:c1").WillReturn(storedDoc(t, doc))

			var written map[string]interface{}
			if tt.wantPut {
				db.ExpectPut().WithDocID("conflict:c1").
					WillExecute(func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
						require.NoError(t, json.Unmarshal([]byte(mustJSON(t, doc)), &written))
						return "2-b", nil
					})
			}

			got, err := repo.MarkDecided(context.Background(), "c1", decision)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantStat, got.Status())
				assert.Equal(t, domain.ResolutionUseLocal, got.Resolution())
				assert.Equal(t, "1-a", written["_rev"])
				assert.Equal(t, "resolved", written["status"])
				assert.Equal(t, "use_local", written["resolution"])
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestConflictRepository_MarkDecidedRetriesOnRevisionConflict(t *testing.T) {
	client, mock, db := newMockCouch(t)
	repo := NewConflictRepository(client, testDBName)
	decision := domain.Ignored{ResolvedBy: "op-1", ResolvedAt: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)}

	pending, err := conflictToDoc(sampleConflict(domain.Pending{}))
	require.NoError(t, err)
	pending.Rev = "1-a"
	db.ExpectGet().WithDocID("conflict:c1").WillReturn(storedDoc(t, pending))
	db.ExpectPut().WithDocID("conflict:c1").WillReturnError(&couchError{status: http.StatusConflict})

	// The competing writer decided it first.
	decided, err := conflictToDoc(sampleConflict(domain.Resolved{Resolution: domain.ResolutionUseExternal, ResolvedBy: "op-2", ResolvedAt: decision.ResolvedAt}))
	require.NoError(t, err)
	decided.Rev = "2-b"
	db.ExpectGet().WithDocID("conflict:c1").WillReturn(storedDoc(t, decided))

	_, err = repo.MarkDecided(context.Background(), "c1", decision)
	assert.ErrorIs(t, err, domain.ErrConflictNotPending)
	require.NoError(t, mock.ExpectationsWereMet())
}
