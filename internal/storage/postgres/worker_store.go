package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

const workerColumns = `id, name, network_identity, provisioning_ref, status, last_heartbeat_at, started_at, current_item_id, items_processed, units_processed, consecutive_failures, lifetime_failures, last_error, pending_command`

// WorkerStore is the Postgres fleet.WorkerStore.
type WorkerStore struct {
	pool dbPool
}

// NewWorkerStore constructs a WorkerStore on an existing pool.
func NewWorkerStore(pool dbPool) (*WorkerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &WorkerStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *WorkerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateWorker inserts a new registry row.
func (s *WorkerStore) CreateWorker(ctx context.Context, w fleet.Worker) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO workers (
	id, name, network_identity, provisioning_ref, status, started_at,
	items_processed, units_processed, consecutive_failures, lifetime_failures, pending_command
)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''))`,
		w.ID, w.Name, w.NetworkIdentity, w.ProvisioningRef, w.Status, w.StartedAt,
		w.ItemsProcessed, w.UnitsProcessed, w.ConsecutiveFailures, w.LifetimeFailures, string(w.PendingCommand),
	)
	if err != nil {
		return fmt.Errorf("insert worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker fetches a worker by id.
func (s *WorkerStore) GetWorker(ctx context.Context, workerID string) (fleet.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, workerID)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Worker{}, fleet.ErrNotFound
		}
		return fleet.Worker{}, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all rows ordered by start time then id.
func (s *WorkerStore) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus transitions a worker atomically, conditional on its
// current status being one of from.
func (s *WorkerStore) CompareAndSetStatus(
	ctx context.Context,
	workerID string,
	to fleet.WorkerStatus,
	from ...fleet.WorkerStatus,
) (fleet.Worker, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	row := s.pool.QueryRow(ctx, `
UPDATE workers SET status = $1
WHERE id = $2 AND status = ANY($3)
RETURNING `+workerColumns,
		to, workerID, states,
	)
	w, err := scanWorker(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fleet.Worker{}, fmt.Errorf("compare and set status: %w", err)
	}
	// Distinguish a missing row from a row in the wrong state.
	if _, getErr := s.GetWorker(ctx, workerID); getErr != nil {
		return fleet.Worker{}, getErr
	}
	return fleet.Worker{}, fleet.ErrInvalidTransition
}

// UpdateHeartbeat records liveness and reported counters. The lifetime
// failure counter only moves forward.
func (s *WorkerStore) UpdateHeartbeat(ctx context.Context, hb fleet.Heartbeat, now time.Time) (fleet.Worker, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE workers SET
	last_heartbeat_at = $1,
	network_identity = COALESCE(NULLIF($2, ''), network_identity),
	current_item_id = NULLIF($3, ''),
	items_processed = $4,
	units_processed = $5,
	consecutive_failures = $6,
	lifetime_failures = GREATEST(lifetime_failures, $7),
	last_error = COALESCE(NULLIF($8, ''), last_error)
WHERE id = $9
RETURNING `+workerColumns,
		now, hb.NetworkIdentity, hb.CurrentItemID,
		hb.ItemsProcessed, hb.UnitsProcessed, hb.ConsecutiveFailures, hb.LifetimeFailures,
		hb.LastError, hb.WorkerID,
	)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Worker{}, fleet.ErrNotFound
		}
		return fleet.Worker{}, fmt.Errorf("update heartbeat: %w", err)
	}
	return w, nil
}

// SetPendingCommand attaches a command for the next heartbeat reply.
func (s *WorkerStore) SetPendingCommand(ctx context.Context, workerID string, cmd fleet.Command) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET pending_command = NULLIF($1, '') WHERE id = $2`,
		string(cmd), workerID,
	)
	if err != nil {
		return fmt.Errorf("set pending command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

// ClearPendingCommand removes any pending command.
func (s *WorkerStore) ClearPendingCommand(ctx context.Context, workerID string) error {
	return s.SetPendingCommand(ctx, workerID, fleet.CommandNone)
}

// SetProvisioning updates the provisioning ref and network identity.
func (s *WorkerStore) SetProvisioning(ctx context.Context, workerID, ref, identity string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE workers SET
	provisioning_ref = COALESCE(NULLIF($1, ''), provisioning_ref),
	network_identity = COALESCE(NULLIF($2, ''), network_identity)
WHERE id = $3`,
		ref, identity, workerID,
	)
	if err != nil {
		return fmt.Errorf("set provisioning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func scanWorker(row pgx.Row) (fleet.Worker, error) {
	var w fleet.Worker
	var identity, ref, currentItem, lastError, pendingCommand *string
	var lastHeartbeat *time.Time
	err := row.Scan(
		&w.ID,
		&w.Name,
		&identity,
		&ref,
		&w.Status,
		&lastHeartbeat,
		&w.StartedAt,
		&currentItem,
		&w.ItemsProcessed,
		&w.UnitsProcessed,
		&w.ConsecutiveFailures,
		&w.LifetimeFailures,
		&lastError,
		&pendingCommand,
	)
	if err != nil {
		return fleet.Worker{}, err
	}
	if identity != nil {
		w.NetworkIdentity = *identity
	}
	if ref != nil {
		w.ProvisioningRef = *ref
	}
	if currentItem != nil {
		w.CurrentItemID = *currentItem
	}
	if lastError != nil {
		w.LastError = *lastError
	}
	if pendingCommand != nil {
		w.PendingCommand = fleet.Command(*pendingCommand)
	}
	w.LastHeartbeatAt = lastHeartbeat
	return w, nil
}
