package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/shopspring/decimal"
)

type Count struct {
	VariationID string
	LocationID  string
	Quantity    int64
	State       InventoryState
}

// InventoryClient records counts and adjustments for variations. Inventory
// changes are independent of catalog edits and carry no catalog version.
type InventoryClient struct {
	provider           Provider
	configuredLocation string
	logger             *slog.Logger
	now                func() time.Time

	mu              sync.Mutex
	defaultLocation string
}

func NewInventoryClient(provider Provider, configuredLocation string, logger *slog.Logger) *InventoryClient {
	return &InventoryClient{
		provider:           provider,
		configuredLocation: configuredLocation,
		logger:             logger,
		now:                time.Now,
	}
}

// SetQuantity records an absolute physical count.
func (c *InventoryClient) SetQuantity(ctx context.Context, variationID, locationID string, quantity int64) error {
	if quantity < 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	now := c.now().UTC()
	change := InventoryChange{
		Type: ChangePhysicalCount,
		PhysicalCount: &PhysicalCount{
			CatalogObjectID: variationID,
			LocationID:      locationID,
			State:           StateInStock,
			Quantity:        strconv.FormatInt(quantity, 10),
			OccurredAt:      now,
		},
	}
	return c.provider.BatchChangeInventory(ctx, newCountKey(variationID, now), []InventoryChange{change})
}

// AdjustQuantity records a signed adjustment. A zero delta is a no-op and
// makes no provider call.
func (c *InventoryClient) AdjustQuantity(ctx context.Context, variationID, locationID string, delta int64, reason string) error {
	if delta == 0 {
		return nil
	}

	from, to, qty := StateNone, StateInStock, delta
	if delta < 0 {
		from, to, qty = StateInStock, StateSold, -delta
	}

	change := InventoryChange{
		Type: ChangeAdjustment,
		Adjustment: &Adjustment{
			CatalogObjectID: variationID,
			LocationID:      locationID,
			FromState:       from,
			ToState:         to,
			Quantity:        strconv.FormatInt(qty, 10),
			OccurredAt:      c.now().UTC(),
			ReferenceID:     reason,
		},
	}
	return c.provider.BatchChangeInventory(ctx, NewIdempotencyKey("adjust"), []InventoryChange{change})
}

// RecordSale moves qty units from in stock to sold.
func (c *InventoryClient) RecordSale(ctx context.Context, variationID, locationID string, qty int64) error {
	if qty <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "sale quantity must be positive"}
	}
	return c.AdjustQuantity(ctx, variationID, locationID, -qty, "sale")
}

// GetCount returns the in-stock count for one variation, or nil when the
// provider has no count record for it.
func (c *InventoryClient) GetCount(ctx context.Context, variationID, locationID string) (*Count, error) {
	counts, err := c.provider.BatchRetrieveCounts(ctx, []string{variationID}, []string{locationID}, nil)
	if err != nil {
		return nil, err
	}

	var found *Count
	for _, raw := range counts {
		if raw.CatalogObjectID != variationID {
			continue
		}
		count, err := ParseCount(raw)
		if err != nil {
			return nil, err
		}
		if count.State == StateInStock {
			return count, nil
		}
		if found == nil {
			found = count
		}
	}
	return found, nil
}

// GetCounts returns in-stock counts for the given variations. A variation
// missing from the result has no stock record, which is not the same as zero.
func (c *InventoryClient) GetCounts(ctx context.Context, variationIDs []string, locationID string) ([]Count, error) {
	if len(variationIDs) == 0 {
		return nil, nil
	}
	counts, err := c.provider.BatchRetrieveCounts(ctx, variationIDs, []string{locationID}, []InventoryState{StateInStock})
	if err != nil {
		return nil, err
	}

	out := make([]Count, 0, len(counts))
	for _, raw := range counts {
		if raw.State != StateInStock {
			continue
		}
		count, err := ParseCount(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *count)
	}
	return out, nil
}

// GetDefaultLocationID resolves the location inventory is recorded at.
func (c *InventoryClient) GetDefaultLocationID(ctx context.Context) (string, error) {
	if c.configuredLocation != "" {
		return c.configuredLocation, nil
	}

	c.mu.Lock()
	cached := c.defaultLocation
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	locations, err := c.provider.ListLocations(ctx)
	if err != nil {
		return "", err
	}
	if len(locations) == 0 {
		return "", &domain.ConfigurationError{Reason: "external catalog reports no locations"}
	}

	chosen := locations[0].ID
	for _, loc := range locations {
		if loc.Status == "ACTIVE" {
			chosen = loc.ID
			break
		}
	}

	c.mu.Lock()
	c.defaultLocation = chosen
	c.mu.Unlock()

	c.logger.Info("resolved default inventory location", slog.String("location_id", chosen))
	return chosen, nil
}

// ParseCount converts a raw count, whose quantity is a decimal string.
func ParseCount(raw InventoryCount) (*Count, error) {
	qty, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return nil, &domain.InvariantViolation{
			Op:     "inventory_count",
			Reason: fmt.Sprintf("quantity %q for %s is not a number", raw.Quantity, raw.CatalogObjectID),
		}
	}
	return &Count{
		VariationID: raw.CatalogObjectID,
		LocationID:  raw.LocationID,
		Quantity:    qty.IntPart(),
		State:       raw.State,
	}, nil
}
