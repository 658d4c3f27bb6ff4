package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// WorkerStore is a mutex-guarded fleet.WorkerStore.
type WorkerStore struct {
	mu      sync.Mutex
	workers map[string]fleet.Worker
}

// NewWorkerStore constructs an empty WorkerStore.
func NewWorkerStore() *WorkerStore {
	return &WorkerStore{workers: make(map[string]fleet.Worker)}
}

// CreateWorker inserts a new registry row.
func (s *WorkerStore) CreateWorker(_ context.Context, w fleet.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[w.ID]; exists {
		return errors.New("worker already exists")
	}
	s.workers[w.ID] = w
	return nil
}

// GetWorker fetches a worker by id.
func (s *WorkerStore) GetWorker(_ context.Context, workerID string) (fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.Worker{}, fleet.ErrNotFound
	}
	return w, nil
}

// ListWorkers returns all rows ordered by start time then id.
func (s *WorkerStore) ListWorkers(_ context.Context) ([]fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// CompareAndSetStatus transitions a worker atomically, conditional on its
// current status being one of from.
func (s *WorkerStore) CompareAndSetStatus(
	_ context.Context,
	workerID string,
	to fleet.WorkerStatus,
	from ...fleet.WorkerStatus,
) (fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.Worker{}, fleet.ErrNotFound
	}
	matched := false
	for _, f := range from {
		if w.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return fleet.Worker{}, fleet.ErrInvalidTransition
	}
	w.Status = to
	s.workers[workerID] = w
	return w, nil
}

// UpdateHeartbeat records liveness and reported counters.
func (s *WorkerStore) UpdateHeartbeat(_ context.Context, hb fleet.Heartbeat, now time.Time) (fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[hb.WorkerID]
	if !ok {
		return fleet.Worker{}, fleet.ErrNotFound
	}
	w.LastHeartbeatAt = &now
	if hb.NetworkIdentity != "" {
		w.NetworkIdentity = hb.NetworkIdentity
	}
	w.CurrentItemID = hb.CurrentItemID
	w.ItemsProcessed = hb.ItemsProcessed
	w.UnitsProcessed = hb.UnitsProcessed
	w.ConsecutiveFailures = hb.ConsecutiveFailures
	if hb.LifetimeFailures > w.LifetimeFailures {
		w.LifetimeFailures = hb.LifetimeFailures
	}
	if hb.LastError != "" {
		w.LastError = hb.LastError
	}
	s.workers[hb.WorkerID] = w
	return w, nil
}

// SetPendingCommand attaches a command for the next heartbeat reply.
func (s *WorkerStore) SetPendingCommand(_ context.Context, workerID string, cmd fleet.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.ErrNotFound
	}
	w.PendingCommand = cmd
	s.workers[workerID] = w
	return nil
}

// ClearPendingCommand removes any pending command.
func (s *WorkerStore) ClearPendingCommand(ctx context.Context, workerID string) error {
	return s.SetPendingCommand(ctx, workerID, fleet.CommandNone)
}

// SetProvisioning updates the provisioning ref and network identity.
func (s *WorkerStore) SetProvisioning(_ context.Context, workerID, ref, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.ErrNotFound
	}
	if ref != "" {
		w.ProvisioningRef = ref
	}
	if identity != "" {
		w.NetworkIdentity = identity
	}
	s.workers[workerID] = w
	return nil
}
