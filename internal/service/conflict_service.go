package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/metrics"
	"consignment-sync-server/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SummaryNotifier receives the fresh summary whenever conflicts change.
type SummaryNotifier interface {
	BroadcastConflictSummary(summary *domain.ConflictSummary)
}

// ConflictService owns the conflict lifecycle: pending until an operator
// resolves or ignores it. It records decisions; pushing the winning side to
// the external system is ResolutionService's job.
type ConflictService struct {
	repo     repository.ConflictRepository
	notifier SummaryNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cacheTTL time.Duration

	keyMu    sync.Mutex
	keyLocks map[domain.ConflictKey]*keyLock

	group      singleflight.Group
	cacheMu    sync.Mutex
	cached     *domain.ConflictSummary
	cachedAt   time.Time
	generation uint64
}

func NewConflictService(
	repo repository.ConflictRepository,
	notifier SummaryNotifier,
	m *metrics.Metrics,
	logger *slog.Logger,
	cacheTTL time.Duration,
) *ConflictService {
	return &ConflictService{
		repo:     repo,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		cacheTTL: cacheTTL,
		keyLocks: make(map[domain.ConflictKey]*keyLock),
	}
}

// Create stores a new pending conflict.
func (s *ConflictService) Create(ctx context.Context, conflict *domain.SyncConflict) (*domain.SyncConflict, error) {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = s.now().UTC()
	}
	conflict.State = domain.Pending{}

	if err := s.repo.Create(ctx, conflict); err != nil {
		return nil, err
	}

	s.metrics.ConflictDetected(string(conflict.Type), string(conflict.ExternalState.System))
	s.logger.Info("conflict created",
		slog.String("conflict_id", conflict.ID),
		slog.String("type", string(conflict.Type)),
		slog.String("product_id", conflict.ProductID),
	)
	s.invalidate(ctx)
	return conflict, nil
}

// Record creates the conflict, or refreshes the pending one that already
// exists for the same subject. Calls for the same key are serialised so that
// concurrent detection passes do not create duplicates.
func (s *ConflictService) Record(ctx context.Context, candidate *domain.SyncConflict) (*domain.SyncConflict, error) {
	key := candidate.Key()
	unlock := s.lockKey(key)
	defer unlock()

	existing, err := s.repo.FindPending(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.Create(ctx, candidate)
	}
	updated, err := s.UpdateState(ctx, existing.ID, candidate.LocalState, candidate.ExternalState)
	if errors.Is(err, domain.ErrConflictNotPending) {
		// Decided between the lookup and the update; the disagreement is new.
		return s.Create(ctx, candidate)
	}
	return updated, err
}

func (s *ConflictService) Get(ctx context.Context, id string) (*domain.SyncConflict, error) {
	conflict, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, &domain.NotFoundError{Entity: "conflict", ID: id}
	}
	return conflict, nil
}

func (s *ConflictService) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.SyncConflict, error) {
	return s.repo.List(ctx, filter)
}

// UpdateState refreshes the snapshots of a pending conflict and moves its
// detectedAt to now.
func (s *ConflictService) UpdateState(ctx context.Context, id string, local domain.Snapshot, external domain.ExternalSnapshot) (*domain.SyncConflict, error) {
	updated, err := s.repo.UpdateSnapshots(ctx, id, local, external, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return updated, nil
}

// Resolve records an operator decision on a pending conflict. Deciding a
// conflict that is no longer pending fails with domain.ErrConflictNotPending.
func (s *ConflictService) Resolve(ctx context.Context, id string, resolution domain.Resolution, resolvedBy, notes string) (*domain.SyncConflict, error) {
	state, err := domain.NewDecision(resolution, resolvedBy, s.now().UTC(), notes)
	if err != nil {
		return nil, err
	}

	decided, err := s.repo.MarkDecided(ctx, id, state)
	if err != nil {
		return nil, err
	}

	s.metrics.ConflictResolved(string(resolution))
	s.logger.Info("conflict decided",
		slog.String("conflict_id", id),
		slog.String("resolution", string(resolution)),
		slog.String("resolved_by", resolvedBy),
	)
	s.invalidate(ctx)
	return decided, nil
}

func (s *ConflictService) Ignore(ctx context.Context, id, resolvedBy, notes string) (*domain.SyncConflict, error) {
	return s.Resolve(ctx, id, domain.ResolutionIgnored, resolvedBy, notes)
}

// GetSummary returns the dashboard counts. The result is cached for the
// configured TTL and dropped on every change; concurrent recomputations share
// one scan.
func (s *ConflictService) GetSummary(ctx context.Context) (*domain.ConflictSummary, error) {
	s.cacheMu.Lock()
	if s.cached != nil && s.cacheTTL > 0 && s.now().Sub(s.cachedAt) < s.cacheTTL {
		summary := s.cached
		s.cacheMu.Unlock()
		return summary, nil
	}
	generation := s.generation
	s.cacheMu.Unlock()

	v, err, _ := s.group.Do(fmt.Sprintf("summary-%d", generation), func() (interface{}, error) {
		summary, err := s.computeSummary(ctx)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		if s.generation == generation {
			s.cached = summary
			s.cachedAt = s.now()
		}
		s.cacheMu.Unlock()
		return summary, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ConflictSummary), nil
}

func (s *ConflictService) computeSummary(ctx context.Context) (*domain.ConflictSummary, error) {
	conflicts, err := s.repo.List(ctx, domain.ConflictFilter{})
	if err != nil {
		return nil, err
	}
	summary := domain.NewConflictSummary()
	for _, c := range conflicts {
		summary.Add(c)
	}
	summary.GeneratedAt = s.now().UTC()
	return summary, nil
}

func (s *ConflictService) invalidate(ctx context.Context) {
	s.cacheMu.Lock()
	s.cached = nil
	s.generation++
	s.cacheMu.Unlock()

	if s.notifier == nil {
		return
	}
	summary, err := s.GetSummary(ctx)
	if err != nil {
		s.logger.Warn("failed to recompute conflict summary", slog.String("error", err.Error()))
		return
	}
	s.notifier.BroadcastConflictSummary(summary)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (s *ConflictService) lockKey(key domain.ConflictKey) func() {
	s.keyMu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &keyLock{}
		s.keyLocks[key] = l
	}
	l.refs++
	s.keyMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.keyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.keyMu.Unlock()
	}
}
