package service

import (
	"context"
	"log/slog"
	"time"

	"consignment-sync-server/internal/domain"
)

// ExternalObservation is what an external system currently reports for one
// item. Nil Quantity or PriceCents means that system keeps no such record.
type ExternalObservation struct {
	ItemID     string
	Name       string
	Quantity   *int64
	PriceCents *int64
}

// DetectionInput pairs a local product with a fresh external observation.
// Product is nil when the external item has no linking record; External is
// nil when the external lookup found nothing.
type DetectionInput struct {
	System         domain.ExternalSystem
	Product        *domain.Product
	External       *ExternalObservation
	ExternalItemID string
	SaleObserved   bool
}

type ConflictDetector struct {
	conflicts *ConflictService
	logger    *slog.Logger
	now       func() time.Time
}

func NewConflictDetector(conflicts *ConflictService, logger *slog.Logger) *ConflictDetector {
	return &ConflictDetector{
		conflicts: conflicts,
		logger:    logger,
		now:       time.Now,
	}
}

// Detect records one conflict per discrepancy found. An existing pending
// conflict for the same subject is refreshed instead of duplicated.
func (d *ConflictDetector) Detect(ctx context.Context, in DetectionInput) ([]*domain.SyncConflict, error) {
	if in.System == "" {
		in.System = domain.SystemCatalog
	}
	if !in.System.Valid() {
		return nil, &domain.ValidationError{Field: "system", Reason: "unknown external system " + string(in.System)}
	}

	candidates := d.compare(in)
	out := make([]*domain.SyncConflict, 0, len(candidates))
	for _, candidate := range candidates {
		recorded, err := d.conflicts.Record(ctx, candidate)
		if err != nil {
			return out, err
		}
		out = append(out, recorded)
	}
	if len(out) > 0 {
		d.logger.Info("sync conflicts detected",
			slog.String("system", string(in.System)),
			slog.String("external_item_id", out[0].ExternalItemID),
			slog.Int("count", len(out)),
		)
	}
	return out, nil
}

func (d *ConflictDetector) compare(in DetectionInput) []*domain.SyncConflict {
	now := d.now().UTC()
	var found []*domain.SyncConflict

	newConflict := func(t domain.ConflictType, local domain.Snapshot, external domain.Snapshot) *domain.SyncConflict {
		c := &domain.SyncConflict{
			Type:          t,
			DetectedAt:    now,
			LocalState:    local,
			ExternalState: domain.ExternalSnapshot{System: in.System, Snapshot: external},
			State:         domain.Pending{},
		}
		if in.Product != nil {
			c.ProductID = in.Product.ID
			c.ExternalItemID = in.Product.ExternalItemID
		} else {
			c.ExternalItemID = in.ExternalItemID
			if c.ExternalItemID == "" && in.External != nil {
				c.ExternalItemID = in.External.ItemID
			}
		}
		return c
	}

	if in.Product == nil {
		if in.External != nil {
			found = append(found, newConflict(domain.ConflictMissingLocal, domain.Snapshot{}, externalSnapshot(in.External)))
		}
		return found
	}

	local := localSnapshot(in.Product)
	if in.External == nil {
		return append(found, newConflict(domain.ConflictMissingExternal, local, domain.Snapshot{}))
	}
	external := externalSnapshot(in.External)

	if in.External.Quantity != nil && *in.External.Quantity != in.Product.Cache.Quantity {
		found = append(found, newConflict(domain.ConflictQuantityMismatch, local, external))
	}
	if in.External.PriceCents != nil && *in.External.PriceCents != in.Product.Cache.PriceCents {
		found = append(found, newConflict(domain.ConflictPriceMismatch, local, external))
	}
	if in.SaleObserved && !in.Product.Status.Sellable() {
		found = append(found, newConflict(domain.ConflictUnexpectedSale, local, external))
	}
	return found
}

func localSnapshot(p *domain.Product) domain.Snapshot {
	return domain.Snapshot{
		Quantity:   domain.Int64(p.Cache.Quantity),
		PriceCents: domain.Int64(p.Cache.PriceCents),
		Name:       p.Cache.Name,
	}
}

func externalSnapshot(o *ExternalObservation) domain.Snapshot {
	s := domain.Snapshot{Name: o.Name}
	if o.Quantity != nil {
		s.Quantity = domain.Int64(*o.Quantity)
	}
	if o.PriceCents != nil {
		s.PriceCents = domain.Int64(*o.PriceCents)
	}
	return s
}
