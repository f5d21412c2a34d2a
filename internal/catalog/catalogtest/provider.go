// Package catalogtest provides an in-memory catalog.Provider for tests.
package catalogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/domain"
)

// Provider keeps items, images and inventory counts in memory. Upserts that
// carry a version are compared against the stored one under a single lock,
// so concurrent writers see the same outcome a real provider would give.
type Provider struct {
	mu sync.Mutex

	objects   map[string]*catalog.CatalogObject
	counts    map[string]int64
	replays   map[string]*catalog.CatalogObject
	failures  map[string]error
	calls     map[string]int
	changes   []catalog.InventoryChange
	locations []catalog.Location
	seq       int
	version   int64
}

func NewProvider() *Provider {
	return &Provider{
		objects:   make(map[string]*catalog.CatalogObject),
		counts:    make(map[string]int64),
		replays:   make(map[string]*catalog.CatalogObject),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		locations: []catalog.Location{{ID: "LOC-1", Name: "Main", Status: "ACTIVE"}},
		version:   1000,
	}
}

// Fail makes every later call of op return err until Recover is called.
func (p *Provider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *Provider) Recover(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, op)
}

// Calls returns how often op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Changes returns every inventory change received so far.
func (p *Provider) Changes() []catalog.InventoryChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]catalog.InventoryChange(nil), p.changes...)
}

func (p *Provider) SetLocations(locations []catalog.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = locations
}

// SetPrice simulates an edit made directly in the external catalog.
func (p *Provider) SetPrice(itemID string, cents int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[itemID]
	if !ok || len(obj.ItemData.Variations) == 0 {
		return
	}
	vd := obj.ItemData.Variations[0].ItemVariationData
	vd.PriceMoney = &catalog.Money{Amount: cents, Currency: "USD"}
	p.bump(obj)
}

// SetCount simulates a count recorded directly in the external system.
func (p *Provider) SetCount(variationID, locationID string, qty int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[countKey(variationID, locationID)] = qty
}

// Version returns the current version of an object, or 0 if unknown.
func (p *Provider) Version(objectID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if obj, ok := p.objects[objectID]; ok && obj.Version != nil {
		return *obj.Version
	}
	return 0
}

func (p *Provider) UpsertObject(ctx context.Context, idempotencyKey string, object catalog.CatalogObject) (*catalog.CatalogObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("upsert_object"); err != nil {
		return nil, err
	}

	if prev, ok := p.replays[idempotencyKey]; ok {
		return clone(prev), nil
	}

	stored := clone(&object)
	if strings.HasPrefix(object.ID, "#") {
		p.seq++
		stored.ID = fmt.Sprintf("ITEM-%d", p.seq)
		if stored.ItemData != nil {
			for i := range stored.ItemData.Variations {
				stored.ItemData.Variations[i].ID = fmt.Sprintf("VAR-%d-%d", p.seq, i)
				if vd := stored.ItemData.Variations[i].ItemVariationData; vd != nil {
					vd.ItemID = stored.ID
				}
			}
		}
	} else {
		current, ok := p.objects[object.ID]
		if !ok || current.IsDeleted {
			return nil, apiError("upsert_object", 404, catalog.CodeNotFound)
		}
		if object.Version != nil && *object.Version != *current.Version {
			return nil, apiError("upsert_object", 400, catalog.CodeVersionMismatch)
		}
	}

	p.bump(stored)
	p.objects[stored.ID] = stored
	p.replays[idempotencyKey] = clone(stored)
	return clone(stored), nil
}

func (p *Provider) RetrieveObject(ctx context.Context, objectID string) (*catalog.CatalogObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("retrieve_object"); err != nil {
		return nil, err
	}
	obj, ok := p.objects[objectID]
	if !ok || obj.IsDeleted {
		return nil, nil
	}
	return clone(obj), nil
}

func (p *Provider) DeleteObject(ctx context.Context, objectID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("delete_object"); err != nil {
		return err
	}
	obj, ok := p.objects[objectID]
	if !ok || obj.IsDeleted {
		return apiError("delete_object", 404, catalog.CodeNotFound)
	}
	obj.IsDeleted = true
	return nil
}

func (p *Provider) CreateImage(ctx context.Context, idempotencyKey string, upload catalog.ImageUpload) (*catalog.CatalogObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create_image"); err != nil {
		return nil, err
	}
	item, ok := p.objects[upload.ObjectID]
	if !ok || item.IsDeleted {
		return nil, apiError("create_image", 404, catalog.CodeNotFound)
	}

	p.seq++
	image := &catalog.CatalogObject{
		Type: catalog.ObjectTypeImage,
		ID:   fmt.Sprintf("IMAGE-%d", p.seq),
	}
	image.ImageData = &catalog.ImageData{
		Name: upload.Filename,
		URL:  "https://images.example.test/" + image.ID + "/" + upload.Filename,
	}
	p.bump(image)
	p.objects[image.ID] = image

	if upload.IsPrimary {
		item.ItemData.ImageIDs = append([]string{image.ID}, item.ItemData.ImageIDs...)
	} else {
		item.ItemData.ImageIDs = append(item.ItemData.ImageIDs, image.ID)
	}
	p.bump(item)
	return clone(image), nil
}

func (p *Provider) BatchChangeInventory(ctx context.Context, idempotencyKey string, changes []catalog.InventoryChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("batch_change_inventory"); err != nil {
		return err
	}
	for _, change := range changes {
		p.changes = append(p.changes, change)
		switch change.Type {
		case catalog.ChangePhysicalCount:
			pc := change.PhysicalCount
			qty, _ := strconv.ParseInt(pc.Quantity, 10, 64)
			p.counts[countKey(pc.CatalogObjectID, pc.LocationID)] = qty
		case catalog.ChangeAdjustment:
			adj := change.Adjustment
			qty, _ := strconv.ParseInt(adj.Quantity, 10, 64)
			key := countKey(adj.CatalogObjectID, adj.LocationID)
			if adj.ToState == catalog.StateInStock {
				p.counts[key] += qty
			}
			if adj.FromState == catalog.StateInStock {
				p.counts[key] -= qty
			}
		}
	}
	return nil
}

func (p *Provider) BatchRetrieveCounts(ctx context.Context, objectIDs, locationIDs []string, states []catalog.InventoryState) ([]catalog.InventoryCount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("batch_retrieve_counts"); err != nil {
		return nil, err
	}
	var out []catalog.InventoryCount
	for _, id := range objectIDs {
		for _, loc := range locationIDs {
			qty, ok := p.counts[countKey(id, loc)]
			if !ok {
				continue
			}
			out = append(out, catalog.InventoryCount{
				CatalogObjectID: id,
				LocationID:      loc,
				State:           catalog.StateInStock,
				Quantity:        strconv.FormatInt(qty, 10),
			})
		}
	}
	return out, nil
}

func (p *Provider) ListLocations(ctx context.Context) ([]catalog.Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("list_locations"); err != nil {
		return nil, err
	}
	return append([]catalog.Location(nil), p.locations...), nil
}

func (p *Provider) enter(op string) error {
	p.calls[op]++
	return p.failures[op]
}

func (p *Provider) bump(obj *catalog.CatalogObject) {
	p.version++
	v := p.version
	obj.Version = &v
}

func countKey(variationID, locationID string) string {
	return variationID + "@" + locationID
}

func apiError(op string, status int, code string) error {
	return &domain.ExternalAPIError{
		Op:         op,
		StatusCode: status,
		Details:    []domain.ProviderErrorDetail{{Category: "INVALID_REQUEST_ERROR", Code: code}},
	}
}

func clone(obj *catalog.CatalogObject) *catalog.CatalogObject {
	data, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	var out catalog.CatalogObject
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
