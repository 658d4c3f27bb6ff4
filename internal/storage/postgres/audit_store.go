package postgres

import (
	"context"
	"fmt"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// AuditStore is the Postgres fleet.AuditStore. Both tables are append-only;
// there are no UPDATE or DELETE paths.
type AuditStore struct {
	pool dbPool
}

// NewAuditStore constructs an AuditStore on an existing pool.
func NewAuditStore(pool dbPool) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AuditStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// AppendHistory inserts one history event.
func (s *AuditStore) AppendHistory(ctx context.Context, ev fleet.HistoryEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO fleet_history (
	id, action, worker_id, worker_name,
	old_identity, new_identity, old_ref, new_ref,
	reason, occurred_at
)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`,
		ev.ID, ev.Action, ev.WorkerID, ev.WorkerName,
		ev.OldIdentity, ev.NewIdentity, ev.OldRef, ev.NewRef,
		ev.Reason, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// ListHistory returns recent history events, newest first.
func (s *AuditStore) ListHistory(ctx context.Context, limit int) ([]fleet.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, action, worker_id, worker_name,
	old_identity, new_identity, old_ref, new_ref,
	reason, occurred_at
FROM fleet_history
ORDER BY occurred_at DESC, id DESC
LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []fleet.HistoryEvent
	for rows.Next() {
		var ev fleet.HistoryEvent
		var workerID, workerName, oldID, newID, oldRef, newRef, reason *string
		if err := rows.Scan(
			&ev.ID, &ev.Action, &workerID, &workerName,
			&oldID, &newID, &oldRef, &newRef,
			&reason, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		ev.WorkerID = deref(workerID)
		ev.WorkerName = deref(workerName)
		ev.OldIdentity = deref(oldID)
		ev.NewIdentity = deref(newID)
		ev.OldRef = deref(oldRef)
		ev.NewRef = deref(newRef)
		ev.Reason = deref(reason)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history events: %w", err)
	}
	return out, nil
}

// AppendRateLimit inserts one rate-limit event.
func (s *AuditStore) AppendRateLimit(ctx context.Context, ev fleet.RateLimitEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO rate_limit_events (id, worker_id, network_identity, error_code, work_item_id, occurred_at)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)`,
		ev.ID, ev.WorkerID, ev.NetworkIdentity, ev.ErrorCode, ev.WorkItemID, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// ListRateLimits returns recent rate-limit events, newest first.
func (s *AuditStore) ListRateLimits(ctx context.Context, limit int) ([]fleet.RateLimitEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, worker_id, network_identity, error_code, work_item_id, occurred_at
FROM rate_limit_events
ORDER BY occurred_at DESC, id DESC
LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close()

	var out []fleet.RateLimitEvent
	for rows.Next() {
		var ev fleet.RateLimitEvent
		var identity, itemID *string
		if err := rows.Scan(&ev.ID, &ev.WorkerID, &identity, &ev.ErrorCode, &itemID, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		ev.NetworkIdentity = deref(identity)
		ev.WorkItemID = deref(itemID)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate limit events: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
