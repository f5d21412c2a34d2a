package domain

import (
	"encoding/json"
	"time"
)

type ConflictType string

const (
	ConflictQuantityMismatch ConflictType = "quantity_mismatch"
	ConflictPriceMismatch    ConflictType = "price_mismatch"
	ConflictMissingLocal     ConflictType = "missing_local"
	ConflictMissingExternal  ConflictType = "missing_external"
	ConflictUnexpectedSale   ConflictType = "unexpected_sale"
)

// ConflictTypes lists every conflict type, in display order.
func ConflictTypes() []ConflictType {
	return []ConflictType{
		ConflictQuantityMismatch,
		ConflictPriceMismatch,
		ConflictMissingLocal,
		ConflictMissingExternal,
		ConflictUnexpectedSale,
	}
}

func (t ConflictType) Valid() bool {
	for _, c := range ConflictTypes() {
		if c == t {
			return true
		}
	}
	return false
}

// ExternalSystem names the integration that produced an external snapshot.
type ExternalSystem string

const (
	SystemCatalog     ExternalSystem = "catalog"
	SystemMarketplace ExternalSystem = "marketplace"
)

// ExternalSystems lists every integrated system. Adding a system here makes
// it appear in every summary.
func ExternalSystems() []ExternalSystem {
	return []ExternalSystem{SystemCatalog, SystemMarketplace}
}

func (s ExternalSystem) Valid() bool {
	for _, e := range ExternalSystems() {
		if e == s {
			return true
		}
	}
	return false
}

type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusIgnored  ConflictStatus = "ignored"
)

type Resolution string

const (
	ResolutionUseLocal    Resolution = "use_local"
	ResolutionUseExternal Resolution = "use_external"
	ResolutionManual      Resolution = "manual"
	ResolutionIgnored     Resolution = "ignored"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionUseLocal, ResolutionUseExternal, ResolutionManual, ResolutionIgnored:
		return true
	}
	return false
}

// ConflictState is one of Pending, Resolved or Ignored.
type ConflictState interface {
	Status() ConflictStatus
	conflictState()
}

type Pending struct{}

// Resolved records an operator decision that picked a winner or handled the
// disagreement by hand.
type Resolved struct {
	Resolution Resolution
	ResolvedBy string
	ResolvedAt time.Time
	Notes      string
}

// Ignored records an operator decision to leave the disagreement alone.
type Ignored struct {
	ResolvedBy string
	ResolvedAt time.Time
	Notes      string
}

func (Pending) Status() ConflictStatus  { return ConflictStatusPending }
func (Resolved) Status() ConflictStatus { return ConflictStatusResolved }
func (Ignored) Status() ConflictStatus  { return ConflictStatusIgnored }

func (Pending) conflictState()  {}
func (Resolved) conflictState() {}
func (Ignored) conflictState()  {}

// NewDecision builds the terminal state for an operator decision.
func NewDecision(resolution Resolution, resolvedBy string, at time.Time, notes string) (ConflictState, error) {
	if !resolution.Valid() {
		return nil, &ValidationError{Field: "resolution", Reason: "unknown resolution " + string(resolution)}
	}
	if resolvedBy == "" {
		return nil, &ValidationError{Field: "resolved_by", Reason: "is required"}
	}
	if resolution == ResolutionIgnored {
		return Ignored{ResolvedBy: resolvedBy, ResolvedAt: at, Notes: notes}, nil
	}
	return Resolved{Resolution: resolution, ResolvedBy: resolvedBy, ResolvedAt: at, Notes: notes}, nil
}

// Snapshot is one side's view of a product at detection time. Nil fields mean
// that side has no record.
type Snapshot struct {
	Quantity   *int64 `json:"quantity"`
	PriceCents *int64 `json:"price"`
	Name       string `json:"name"`
}

// ExternalSnapshot is a Snapshot tagged with the system that produced it.
type ExternalSnapshot struct {
	System ExternalSystem `json:"system"`
	Snapshot
}

// SyncConflict is one detected disagreement between the local cache and an
// external system.
type SyncConflict struct {
	ID             string
	ProductID      string
	ExternalItemID string
	Type           ConflictType
	DetectedAt     time.Time
	LocalState     Snapshot
	ExternalState  ExternalSnapshot
	State          ConflictState
}

// ConflictKey identifies the subject of a conflict for deduplication.
// At most one pending conflict may exist per key.
type ConflictKey struct {
	ProductID      string
	ExternalItemID string
	Type           ConflictType
	System         ExternalSystem
}

func (c *SyncConflict) Key() ConflictKey {
	key := ConflictKey{Type: c.Type, System: c.ExternalState.System}
	if c.ProductID != "" {
		key.ProductID = c.ProductID
	} else {
		key.ExternalItemID = c.ExternalItemID
	}
	return key
}

func (c *SyncConflict) Status() ConflictStatus {
	if c.State == nil {
		return ConflictStatusPending
	}
	return c.State.Status()
}

func (c *SyncConflict) IsPending() bool {
	return c.Status() == ConflictStatusPending
}

// Resolution returns the recorded resolution, or "" while pending.
func (c *SyncConflict) Resolution() Resolution {
	switch s := c.State.(type) {
	case Resolved:
		return s.Resolution
	case Ignored:
		return ResolutionIgnored
	}
	return ""
}

type conflictJSON struct {
	ID             string           `json:"id"`
	ProductID      string           `json:"product_id,omitempty"`
	ExternalItemID string           `json:"external_item_id,omitempty"`
	Type           ConflictType     `json:"type"`
	DetectedAt     time.Time        `json:"detected_at"`
	LocalState     Snapshot         `json:"local_state"`
	ExternalState  ExternalSnapshot `json:"external_state"`
	Status         ConflictStatus   `json:"status"`
	Resolution     Resolution       `json:"resolution,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy     string           `json:"resolved_by,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

func (c SyncConflict) MarshalJSON() ([]byte, error) {
	out := conflictJSON{
		ID:             c.ID,
		ProductID:      c.ProductID,
		ExternalItemID: c.ExternalItemID,
		Type:           c.Type,
		DetectedAt:     c.DetectedAt,
		LocalState:     c.LocalState,
		ExternalState:  c.ExternalState,
		Status:         c.Status(),
		Resolution:     c.Resolution(),
	}
	switch s := c.State.(type) {
	case Resolved:
		out.ResolvedAt, out.ResolvedBy, out.Notes = &s.ResolvedAt, s.ResolvedBy, s.Notes
	case Ignored:
		out.ResolvedAt, out.ResolvedBy, out.Notes = &s.ResolvedAt, s.ResolvedBy, s.Notes
	}
	return json.Marshal(out)
}

type ConflictFilter struct {
	Status    ConflictStatus
	Type      ConflictType
	System    ExternalSystem
	ProductID string
}

// ConflictSummary is the dashboard read model. Resolved excludes ignored.
type ConflictSummary struct {
	Pending         int                    `json:"pending"`
	Resolved        int                    `json:"resolved"`
	Ignored         int                    `json:"ignored"`
	PendingByType   map[ConflictType]int   `json:"pending_by_type"`
	PendingBySystem map[ExternalSystem]int `json:"pending_by_system"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// NewConflictSummary returns a summary with every type and system at zero.
func NewConflictSummary() *ConflictSummary {
	s := &ConflictSummary{
		PendingByType:   make(map[ConflictType]int, len(ConflictTypes())),
		PendingBySystem: make(map[ExternalSystem]int, len(ExternalSystems())),
	}
	for _, t := range ConflictTypes() {
		s.PendingByType[t] = 0
	}
	for _, sys := range ExternalSystems() {
		s.PendingBySystem[sys] = 0
	}
	return s
}

// Add counts one conflict into the summary.
func (s *ConflictSummary) Add(c *SyncConflict) {
	switch c.Status() {
	case ConflictStatusPending:
		s.Pending++
		s.PendingByType[c.Type]++
		s.PendingBySystem[c.ExternalState.System]++
	case ConflictStatusResolved:
		s.Resolved++
	case ConflictStatusIgnored:
		s.Ignored++
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
