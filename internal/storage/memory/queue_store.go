// Package memory provides in-memory store implementations for development and
// testing. Conditional updates are serialized under a mutex so the claim and
// lifecycle semantics match the Postgres implementations exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// QueueStore is a mutex-guarded fleet.QueueStore.
type QueueStore struct {
	mu    sync.Mutex
	items map[string]fleet.WorkItem
	seq   int
}

// NewQueueStore constructs an empty QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{items: make(map[string]fleet.WorkItem)}
}

// InsertItems adds new items in pending status.
func (s *QueueStore) InsertItems(_ context.Context, items ...fleet.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.Status == "" {
			item.Status = fleet.ItemStatusPending
		}
		s.items[item.ID] = item
	}
	return nil
}

// ClaimNext atomically claims the oldest pending item in scope.
func (s *QueueStore) ClaimNext(_ context.Context, req fleet.ClaimRequest) (fleet.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]fleet.WorkItem, 0)
	for _, item := range s.items {
		if item.Status != fleet.ItemStatusPending || item.Kind != req.Kind {
			continue
		}
		if req.Kind == fleet.ItemKindArtist && item.ParentID != req.ParentID {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return fleet.WorkItem{}, fleet.ErrNoWork
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	item := candidates[0]
	now := req.Now
	lease := req.LeaseUntil
	item.Status = fleet.ItemStatusInProgress
	item.ClaimedBy = req.WorkerID
	item.ClaimedAt = &now
	item.LeaseExpiresAt = &lease
	s.items[item.ID] = item
	return item, nil
}

// GetItem fetches a single item.
func (s *QueueStore) GetItem(_ context.Context, itemID string) (fleet.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fleet.WorkItem{}, fleet.ErrNotFound
	}
	return item, nil
}

// MarkCompleted moves an in_progress item to completed, conditional on the
// claim holder.
func (s *QueueStore) MarkCompleted(_ context.Context, itemID, workerID string, _ time.Time) (fleet.WorkItem, error) {
	return s.finish(itemID, workerID, fleet.ItemStatusCompleted, "")
}

// MarkFailed moves an in_progress item to failed, conditional on the claim
// holder.
func (s *QueueStore) MarkFailed(_ context.Context, itemID, workerID, reason string, _ time.Time) (fleet.WorkItem, error) {
	return s.finish(itemID, workerID, fleet.ItemStatusFailed, reason)
}

func (s *QueueStore) finish(itemID, workerID string, to fleet.ItemStatus, reason string) (fleet.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fleet.WorkItem{}, fleet.ErrNotFound
	}
	if item.Status != fleet.ItemStatusInProgress || item.ClaimedBy != workerID {
		return fleet.WorkItem{}, fleet.ErrStaleClaim
	}
	item.Status = to
	item.FailReason = reason
	item.ClaimedBy = ""
	item.LeaseExpiresAt = nil
	s.items[itemID] = item
	return item, nil
}

// FinishParent marks a city completed unless it is already terminal.
func (s *QueueStore) FinishParent(_ context.Context, cityID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[cityID]
	if !ok {
		return false, fleet.ErrNotFound
	}
	if item.Status == fleet.ItemStatusCompleted || item.Status == fleet.ItemStatusFailed {
		return false, nil
	}
	item.Status = fleet.ItemStatusCompleted
	item.ClaimedBy = ""
	item.LeaseExpiresAt = nil
	s.items[cityID] = item
	return true, nil
}

// CountOpenChildren returns the number of non-terminal artist items under a
// city.
func (s *QueueStore) CountOpenChildren(_ context.Context, cityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, item := range s.items {
		if item.Kind != fleet.ItemKindArtist || item.ParentID != cityID {
			continue
		}
		if item.Status == fleet.ItemStatusPending || item.Status == fleet.ItemStatusInProgress {
			open++
		}
	}
	return open, nil
}

// ReleaseExpired returns lapsed in_progress items to pending with an
// incremented attempt count, or fails them past maxAttempts.
func (s *QueueStore) ReleaseExpired(_ context.Context, now time.Time, maxAttempts int) ([]fleet.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []fleet.WorkItem
	for id, item := range s.items {
		if item.Status != fleet.ItemStatusInProgress || item.LeaseExpiresAt == nil {
			continue
		}
		if item.LeaseExpiresAt.After(now) {
			continue
		}
		item.AttemptCount++
		item.ClaimedBy = ""
		item.ClaimedAt = nil
		item.LeaseExpiresAt = nil
		if item.AttemptCount >= maxAttempts {
			item.Status = fleet.ItemStatusFailed
			item.FailReason = "lease expired"
		} else {
			item.Status = fleet.ItemStatusPending
		}
		s.items[id] = item
		touched = append(touched, item)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].ID < touched[j].ID })
	return touched, nil
}

// Summary aggregates queue depth by (kind, status).
func (s *QueueStore) Summary(_ context.Context) (fleet.QueueSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum fleet.QueueSummary
	for _, item := range s.items {
		switch item.Kind {
		case fleet.ItemKindCity:
			switch item.Status {
			case fleet.ItemStatusPending:
				sum.CitiesPending++
			case fleet.ItemStatusInProgress:
				sum.CitiesInProgress++
			case fleet.ItemStatusCompleted:
				sum.CitiesCompleted++
			case fleet.ItemStatusFailed:
				sum.CitiesFailed++
			}
		case fleet.ItemKindArtist:
			switch item.Status {
			case fleet.ItemStatusPending:
				sum.ArtistsPending++
			case fleet.ItemStatusInProgress:
				sum.ArtistsInProgress++
			case fleet.ItemStatusCompleted:
				sum.ArtistsCompleted++
			case fleet.ItemStatusFailed:
				sum.ArtistsFailed++
			}
		}
	}
	return sum, nil
}
