// Package queue implements the hierarchical work queue: atomic claims with
// leases, bounded retries, and lease reaping for crashed workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// Config controls lease and retry behavior.
type Config struct {
	LeaseDuration time.Duration
	MaxAttempts   int
}

// Service hands out exactly-one-at-a-time work and reclaims it from workers
// that disappear.
type Service struct {
	store  fleet.QueueStore
	idGen  fleet.IDGenerator
	clock  fleet.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a queue Service.
func New(store fleet.QueueStore, idGen fleet.IDGenerator, clock fleet.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		store:  store,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// ClaimNextCity atomically claims the oldest pending city for a worker.
// Returns fleet.ErrNoWork when the queue is drained.
func (s *Service) ClaimNextCity(ctx context.Context, workerID string) (fleet.WorkItem, error) {
	return s.claim(ctx, fleet.ItemKindCity, "", workerID)
}

// ClaimNextArtist atomically claims the oldest pending artist within a city.
func (s *Service) ClaimNextArtist(ctx context.Context, workerID, cityID string) (fleet.WorkItem, error) {
	return s.claim(ctx, fleet.ItemKindArtist, cityID, workerID)
}

func (s *Service) claim(ctx context.Context, kind fleet.ItemKind, parentID, workerID string) (fleet.WorkItem, error) {
	now := s.clock.Now()
	item, err := s.store.ClaimNext(ctx, fleet.ClaimRequest{
		Kind:       kind,
		ParentID:   parentID,
		WorkerID:   workerID,
		LeaseUntil: now.Add(s.cfg.LeaseDuration),
		Now:        now,
	})
	if err != nil {
		if errors.Is(err, fleet.ErrNoWork) {
			return fleet.WorkItem{}, fleet.ErrNoWork
		}
		return fleet.WorkItem{}, fmt.Errorf("claim %s: %w", kind, err)
	}
	s.logger.Debug("item claimed",
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("worker_id", workerID),
	)
	return item, nil
}

// CompleteItem marks an item completed. A report from a worker that lost its
// lease is logged and dropped; stale work must never complete.
func (s *Service) CompleteItem(ctx context.Context, itemID, workerID string) error {
	now := s.clock.Now()
	item, err := s.store.MarkCompleted(ctx, itemID, workerID, now)
	if err != nil {
		if errors.Is(err, fleet.ErrStaleClaim) {
			s.logger.Warn("stale completion ignored",
				zap.String("item_id", itemID),
				zap.String("worker_id", workerID),
			)
			return nil
		}
		return fmt.Errorf("complete item: %w", err)
	}
	if item.Kind == fleet.ItemKindArtist && item.ParentID != "" {
		return s.maybeFinishCity(ctx, item.ParentID)
	}
	return nil
}

// FailItem marks an item failed and re-enqueues a fresh pending copy while
// attempts remain.
func (s *Service) FailItem(ctx context.Context, itemID, workerID, reason string) error {
	now := s.clock.Now()
	item, err := s.store.MarkFailed(ctx, itemID, workerID, reason, now)
	if err != nil {
		if errors.Is(err, fleet.ErrStaleClaim) {
			s.logger.Warn("stale failure ignored",
				zap.String("item_id", itemID),
				zap.String("worker_id", workerID),
			)
			return nil
		}
		return fmt.Errorf("fail item: %w", err)
	}

	if item.AttemptCount+1 < s.cfg.MaxAttempts {
		id, err := s.idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate retry id: %w", err)
		}
		retry := fleet.WorkItem{
			ID:           id,
			ParentID:     item.ParentID,
			Kind:         item.Kind,
			Name:         item.Name,
			Status:       fleet.ItemStatusPending,
			AttemptCount: item.AttemptCount + 1,
			CreatedAt:    now,
		}
		if err := s.store.InsertItems(ctx, retry); err != nil {
			return fmt.Errorf("requeue failed item: %w", err)
		}
		s.logger.Info("item requeued",
			zap.String("item_id", item.ID),
			zap.String("retry_id", id),
			zap.Int("attempt", retry.AttemptCount),
		)
		return nil
	}

	s.logger.Warn("item retries exhausted",
		zap.String("item_id", item.ID),
		zap.String("reason", reason),
		zap.Int("attempts", item.AttemptCount+1),
	)
	if item.Kind == fleet.ItemKindArtist && item.ParentID != "" {
		return s.maybeFinishCity(ctx, item.ParentID)
	}
	return nil
}

// maybeFinishCity completes the city once every artist under it is completed
// or out of retries.
func (s *Service) maybeFinishCity(ctx context.Context, cityID string) error {
	open, err := s.store.CountOpenChildren(ctx, cityID)
	if err != nil {
		return fmt.Errorf("count open children: %w", err)
	}
	if open > 0 {
		return nil
	}
	finished, err := s.store.FinishParent(ctx, cityID, s.clock.Now())
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("finish city: %w", err)
	}
	if finished {
		s.logger.Info("city completed", zap.String("city_id", cityID))
	}
	return nil
}

// EnqueueCity inserts a new pending city item.
func (s *Service) EnqueueCity(ctx context.Context, name string) (fleet.WorkItem, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return fleet.WorkItem{}, fmt.Errorf("generate city id: %w", err)
	}
	item := fleet.WorkItem{
		ID:        id,
		Kind:      fleet.ItemKindCity,
		Name:      name,
		Status:    fleet.ItemStatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertItems(ctx, item); err != nil {
		return fleet.WorkItem{}, fmt.Errorf("enqueue city: %w", err)
	}
	return item, nil
}

// EnqueueArtists inserts pending artist items under a city. Workers call this
// after the discovery phase of a city crawl.
func (s *Service) EnqueueArtists(ctx context.Context, cityID string, names []string) ([]fleet.WorkItem, error) {
	if _, err := s.store.GetItem(ctx, cityID); err != nil {
		return nil, fmt.Errorf("lookup city: %w", err)
	}
	now := s.clock.Now()
	items := make([]fleet.WorkItem, 0, len(names))
	for _, name := range names {
		id, err := s.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate artist id: %w", err)
		}
		items = append(items, fleet.WorkItem{
			ID:        id,
			ParentID:  cityID,
			Kind:      fleet.ItemKindArtist,
			Name:      name,
			Status:    fleet.ItemStatusPending,
			CreatedAt: now,
		})
	}
	if err := s.store.InsertItems(ctx, items...); err != nil {
		return nil, fmt.Errorf("enqueue artists: %w", err)
	}
	return items, nil
}

// ReapExpiredLeases returns lapsed claims to the pool. Run periodically by
// the orchestrator, never by workers. Returns the number of items touched.
func (s *Service) ReapExpiredLeases(ctx context.Context) (int, error) {
	touched, err := s.store.ReleaseExpired(ctx, s.clock.Now(), s.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	for _, item := range touched {
		s.logger.Info("lease reaped",
			zap.String("item_id", item.ID),
			zap.String("status", string(item.Status)),
			zap.Int("attempts", item.AttemptCount),
		)
		if item.Kind == fleet.ItemKindArtist && item.Status == fleet.ItemStatusFailed && item.ParentID != "" {
			if err := s.maybeFinishCity(ctx, item.ParentID); err != nil {
				return len(touched), err
			}
		}
	}
	return len(touched), nil
}

// Summary aggregates queue depth by (kind, status).
func (s *Service) Summary(ctx context.Context) (fleet.QueueSummary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return fleet.QueueSummary{}, fmt.Errorf("queue summary: %w", err)
	}
	return sum, nil
}
