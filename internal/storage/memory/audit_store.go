package memory

import (
	"context"
	"sync"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// AuditStore is an append-only in-memory fleet.AuditStore.
type AuditStore struct {
	mu         sync.Mutex
	history    []fleet.HistoryEvent
	rateLimits []fleet.RateLimitEvent
}

// NewAuditStore constructs an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// AppendHistory appends one history event.
func (s *AuditStore) AppendHistory(_ context.Context, ev fleet.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, ev)
	return nil
}

// ListHistory returns up to limit events, newest first.
func (s *AuditStore) ListHistory(_ context.Context, limit int) ([]fleet.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]fleet.HistoryEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

// AppendRateLimit appends one rate-limit event.
func (s *AuditStore) AppendRateLimit(_ context.Context, ev fleet.RateLimitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits = append(s.rateLimits, ev)
	return nil
}

// ListRateLimits returns up to limit events, newest first.
func (s *AuditStore) ListRateLimits(_ context.Context, limit int) ([]fleet.RateLimitEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rateLimits)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]fleet.RateLimitEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.rateLimits[i])
	}
	return out, nil
}
