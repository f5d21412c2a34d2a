package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type ConflictRepository interface {
	Create(ctx context.Context, conflict *domain.SyncConflict) error
	FindByID(ctx context.Context, id string) (*domain.SyncConflict, error)
	FindPending(ctx context.Context, key domain.ConflictKey) (*domain.SyncConflict, error)
	List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.SyncConflict, error)
	UpdateSnapshots(ctx context.Context, id string, local domain.Snapshot, external domain.ExternalSnapshot, detectedAt time.Time) (*domain.SyncConflict, error)
	MarkDecided(ctx context.Context, id string, state domain.ConflictState) (*domain.SyncConflict, error)
}

// conflictDoc is the stored shape. Status and resolution are flat fields so
// they can be queried; decoding rebuilds the tagged state and rejects
// combinations that cannot occur.
type conflictDoc struct {
	DocID          string                  `json:"_id"`
	Rev            string                  `json:"_rev,omitempty"`
	DocType        string                  `json:"doc_type"`
	ConflictID     string                  `json:"conflict_id"`
	ProductID      string                  `json:"product_id,omitempty"`
	ExternalItemID string                  `json:"external_item_id,omitempty"`
	Type           domain.ConflictType     `json:"type"`
	System         domain.ExternalSystem   `json:"system"`
	DetectedAt     time.Time               `json:"detected_at"`
	LocalState     domain.Snapshot         `json:"local_state"`
	ExternalState  domain.ExternalSnapshot `json:"external_state"`
	Status         domain.ConflictStatus   `json:"status"`
	Resolution     domain.Resolution       `json:"resolution,omitempty"`
	ResolvedBy     string                  `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
	Notes          string                  `json:"notes,omitempty"`
}

type CouchDBConflictRepository struct {
	db       *kivik.DB
	pageSize int
}

func NewConflictRepository(client *kivik.Client, dbName string) *CouchDBConflictRepository {
	return &CouchDBConflictRepository{db: client.DB(dbName), pageSize: defaultPageSize}
}

func (r *CouchDBConflictRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]string{
		"conflict-status":  {"doc_type", "status"},
		"conflict-product": {"doc_type", "product_id", "type", "system", "status"},
		"conflict-item":    {"doc_type", "external_item_id", "type", "system", "status"},
	}
	for name, fields := range indexes {
		index := map[string]interface{}{"fields": fields}
		if err := r.db.CreateIndex(ctx, "conflicts", name, index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

func (r *CouchDBConflictRepository) Create(ctx context.Context, conflict *domain.SyncConflict) error {
	doc, err := conflictToDoc(conflict)
	if err != nil {
		return err
	}
	if _, err := r.db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *CouchDBConflictRepository) FindByID(ctx context.Context, id string) (*domain.SyncConflict, error) {
	doc, err := r.get(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return docToConflict(doc)
}

// FindPending returns the pending conflict for key, if any.
func (r *CouchDBConflictRepository) FindPending(ctx context.Context, key domain.ConflictKey) (*domain.SyncConflict, error) {
	selector := map[string]interface{}{
		"doc_type": "conflict",
		"type":     key.Type,
		"system":   key.System,
		"status":   domain.ConflictStatusPending,
	}
	if key.ProductID != "" {
		selector["product_id"] = key.ProductID
	} else {
		selector["external_item_id"] = key.ExternalItemID
		selector["product_id"] = map[string]interface{}{"$exists": false}
	}

	conflicts, err := r.find(ctx, map[string]interface{}{"selector": selector, "limit": 1})
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflict: %w", err)
	}
	if len(conflicts) == 0 {
		return nil, nil
	}
	return conflicts[0], nil
}

// List returns matching conflicts, most recently detected first.
func (r *CouchDBConflictRepository) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.SyncConflict, error) {
	selector := map[string]interface{}{"doc_type": "conflict"}
	if filter.Status != "" {
		selector["status"] = filter.Status
	}
	if filter.Type != "" {
		selector["type"] = filter.Type
	}
	if filter.System != "" {
		selector["system"] = filter.System
	}
	if filter.ProductID != "" {
		selector["product_id"] = filter.ProductID
	}

	conflicts, err := r.find(ctx, map[string]interface{}{"selector": selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.After(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

// UpdateSnapshots refreshes a pending conflict with newer observations.
func (r *CouchDBConflictRepository) UpdateSnapshots(ctx context.Context, id string, local domain.Snapshot, external domain.ExternalSnapshot, detectedAt time.Time) (*domain.SyncConflict, error) {
	return r.update(ctx, id, func(doc *conflictDoc) {
		doc.LocalState = local
		doc.ExternalState = external
		doc.System = external.System
		doc.DetectedAt = detectedAt
	})
}

// MarkDecided moves a pending conflict to a terminal state. The pending check
// is repeated under the document revision, so of two racing decisions only
// one lands; the other gets domain.ErrConflictNotPending.
func (r *CouchDBConflictRepository) MarkDecided(ctx context.Context, id string, state domain.ConflictState) (*domain.SyncConflict, error) {
	if state == nil || state.Status() == domain.ConflictStatusPending {
		return nil, &domain.ValidationError{Field: "state", Reason: "a decision must be resolved or ignored"}
	}
	return r.update(ctx, id, func(doc *conflictDoc) {
		applyState(doc, state)
	})
}

func (r *CouchDBConflictRepository) update(ctx context.Context, id string, mutate func(*conflictDoc)) (*domain.SyncConflict, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, &domain.NotFoundError{Entity: "conflict", ID: id}
		}
		if _, err := docToConflict(doc); err != nil {
			return nil, err
		}
		if doc.Status != domain.ConflictStatusPending {
			return nil, fmt.Errorf("conflict %s is %s: %w", id, doc.Status, domain.ErrConflictNotPending)
		}

		mutate(doc)

		_, err = r.db.Put(ctx, doc.DocID, doc)
		if kivik.HTTPStatus(err) == http.StatusConflict {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update conflict: %w", err)
		}
		return docToConflict(doc)
	}
	return nil, fmt.Errorf("failed to update conflict %s: %w", id, errWriteContention)
}

func (r *CouchDBConflictRepository) get(ctx context.Context, id string) (*conflictDoc, error) {
	var doc conflictDoc
	if err := r.db.Get(ctx, conflictDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return &doc, nil
}

func (r *CouchDBConflictRepository) find(ctx context.Context, query map[string]interface{}) ([]*domain.SyncConflict, error) {
	var conflicts []*domain.SyncConflict
	err := findEach(ctx, r.db, query, r.pageSize, func(rows *kivik.ResultSet) error {
		var doc conflictDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("failed to scan conflict: %w", err)
		}
		c, err := docToConflict(&doc)
		if err != nil {
			return err
		}
		conflicts = append(conflicts, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

func conflictDocID(id string) string {
	return fmt.Sprintf("conflict:%s", id)
}

func conflictToDoc(c *domain.SyncConflict) (*conflictDoc, error) {
	if !c.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Reason: "unknown conflict type " + string(c.Type)}
	}
	if !c.ExternalState.System.Valid() {
		return nil, &domain.ValidationError{Field: "system", Reason: "unknown external system " + string(c.ExternalState.System)}
	}
	doc := &conflictDoc{
		DocID:          conflictDocID(c.ID),
		DocType:        "conflict",
		ConflictID:     c.ID,
		ProductID:      c.ProductID,
		ExternalItemID: c.ExternalItemID,
		Type:           c.Type,
		System:         c.ExternalState.System,
		DetectedAt:     c.DetectedAt,
		LocalState:     c.LocalState,
		ExternalState:  c.ExternalState,
	}
	state := c.State
	if state == nil {
		state = domain.Pending{}
	}
	applyState(doc, state)
	return doc, nil
}

func applyState(doc *conflictDoc, state domain.ConflictState) {
	doc.Status = state.Status()
	doc.Resolution, doc.ResolvedBy, doc.ResolvedAt, doc.Notes = "", "", nil, ""
	switch s := state.(type) {
	case domain.Resolved:
		at := s.ResolvedAt
		doc.Resolution, doc.ResolvedBy, doc.ResolvedAt, doc.Notes = s.Resolution, s.ResolvedBy, &at, s.Notes
	case domain.Ignored:
		at := s.ResolvedAt
		doc.Resolution, doc.ResolvedBy, doc.ResolvedAt, doc.Notes = domain.ResolutionIgnored, s.ResolvedBy, &at, s.Notes
	}
}

// docToConflict rebuilds the tagged state from the flat stored fields.
func docToConflict(doc *conflictDoc) (*domain.SyncConflict, error) {
	c := &domain.SyncConflict{
		ID:             doc.ConflictID,
		ProductID:      doc.ProductID,
		ExternalItemID: doc.ExternalItemID,
		Type:           doc.Type,
		DetectedAt:     doc.DetectedAt,
		LocalState:     doc.LocalState,
		ExternalState:  doc.ExternalState,
	}
	if c.ExternalState.System == "" {
		c.ExternalState.System = doc.System
	}

	invalid := func(reason string) error {
		return &domain.InvariantViolation{Op: "decode_conflict", Reason: fmt.Sprintf("conflict %s: %s", doc.ConflictID, reason)}
	}

	var resolvedAt time.Time
	if doc.ResolvedAt != nil {
		resolvedAt = *doc.ResolvedAt
	}

	switch doc.Status {
	case domain.ConflictStatusPending:
		if doc.Resolution != "" || doc.ResolvedAt != nil {
			return nil, invalid("pending conflict carries a resolution")
		}
		c.State = domain.Pending{}
	case domain.ConflictStatusResolved:
		if !doc.Resolution.Valid() || doc.Resolution == domain.ResolutionIgnored {
			return nil, invalid("resolved conflict has resolution " + string(doc.Resolution))
		}
		c.State = domain.Resolved{Resolution: doc.Resolution, ResolvedBy: doc.ResolvedBy, ResolvedAt: resolvedAt, Notes: doc.Notes}
	case domain.ConflictStatusIgnored:
		if doc.Resolution != "" && doc.Resolution != domain.ResolutionIgnored {
			return nil, invalid("ignored conflict has resolution " + string(doc.Resolution))
		}
		c.State = domain.Ignored{ResolvedBy: doc.ResolvedBy, ResolvedAt: resolvedAt, Notes: doc.Notes}
	default:
		return nil, invalid("unknown status " + string(doc.Status))
	}
	return c, nil
}
