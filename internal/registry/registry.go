// Package registry is the authoritative record of worker identity, lifecycle
// state, and assignment. It ingests heartbeats and runs the timeout sweeps
// that move unresponsive workers through offline to terminated.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// HeartbeatObserver is invoked on every heartbeat ingestion with the row as
// it was before and after the update. Satisfied by ratelimit.Monitor.
type HeartbeatObserver interface {
	ObserveHeartbeat(ctx context.Context, prev, curr fleet.Worker, hb fleet.Heartbeat) error
}

// Config holds the three recovery timers. All favor re-assigning work over
// leaving it stuck.
type Config struct {
	// HeartbeatTimeout is how long a worker may go silent before it is
	// suspected dead and moved to offline.
	HeartbeatTimeout time.Duration
	// OfflineGrace is how long an offline worker may stay silent before it is
	// terminally declared dead.
	OfflineGrace time.Duration
	// SpawnTimeout bounds how long a provisioning worker may take to send its
	// first heartbeat.
	SpawnTimeout time.Duration
}

// Registry processes heartbeats and enforces the worker state machine.
type Registry struct {
	store    fleet.WorkerStore
	audit    *audit.Log
	observer HeartbeatObserver
	clock    fleet.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Registry. observer may be nil.
func New(
	store fleet.WorkerStore,
	auditLog *audit.Log,
	observer HeartbeatObserver,
	clock fleet.Clock,
	cfg Config,
	logger *zap.Logger,
) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = 5 * time.Minute
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 5 * time.Minute
	}
	return &Registry{
		store:    store,
		audit:    auditLog,
		observer: observer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// GetWorker fetches one registry row.
func (r *Registry) GetWorker(ctx context.Context, workerID string) (fleet.Worker, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registry rows.
func (r *Registry) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// RegisterHeartbeat ingests one worker report. The reply carries the worker's
// authoritative status and any pending command; this response is the only
// channel through which commands reach workers.
func (r *Registry) RegisterHeartbeat(ctx context.Context, hb fleet.Heartbeat) (fleet.HeartbeatReply, error) {
	prev, err := r.store.GetWorker(ctx, hb.WorkerID)
	if err != nil {
		return fleet.HeartbeatReply{}, fmt.Errorf("lookup worker: %w", err)
	}
	// Terminated is absorbing: nothing a late heartbeat reports changes it.
	if prev.Terminal() {
		return fleet.HeartbeatReply{
			Status:         fleet.WorkerTerminated,
			PendingCommand: fleet.CommandShutdown,
		}, nil
	}

	now := r.clock.Now()
	curr, err := r.store.UpdateHeartbeat(ctx, hb, now)
	if err != nil {
		return fleet.HeartbeatReply{}, fmt.Errorf("record heartbeat: %w", err)
	}

	switch prev.Status {
	case fleet.WorkerProvisioning:
		curr, err = r.transition(ctx, curr, fleet.WorkerActive, fleet.ActionWorkerActivated, "first heartbeat", prev.Status)
		if err != nil {
			return fleet.HeartbeatReply{}, err
		}
	case fleet.WorkerOffline:
		curr, err = r.transition(ctx, curr, fleet.WorkerActive, fleet.ActionWorkerRecovered, "late heartbeat", prev.Status)
		if err != nil {
			return fleet.HeartbeatReply{}, err
		}
	case fleet.WorkerRotating:
		if hb.NetworkIdentity != "" && hb.NetworkIdentity != prev.NetworkIdentity {
			if err := r.confirmRotation(ctx, prev, hb); err != nil {
				return fleet.HeartbeatReply{}, err
			}
			curr.Status = fleet.WorkerActive
			curr.PendingCommand = fleet.CommandNone
		}
	}

	// Delivering a shutdown command counts as its acknowledgment: the worker
	// will clean up and exit, so the registry row goes terminal now.
	if curr.PendingCommand == fleet.CommandShutdown {
		if _, err := r.transition(ctx, curr, fleet.WorkerTerminated, fleet.ActionWorkerShutdown, "shutdown acknowledged", curr.Status); err != nil {
			return fleet.HeartbeatReply{}, err
		}
		return fleet.HeartbeatReply{
			Status:         fleet.WorkerTerminated,
			PendingCommand: fleet.CommandShutdown,
		}, nil
	}

	if r.observer != nil {
		if err := r.observer.ObserveHeartbeat(ctx, prev, curr, hb); err != nil {
			// The heartbeat itself succeeded; the trigger retries next cycle.
			r.logger.Error("heartbeat observer failed",
				zap.String("worker_id", hb.WorkerID),
				zap.Error(err),
			)
		}
	}

	// Re-read so a command set during observation (automatic rotation) is
	// delivered in this same reply.
	final, err := r.store.GetWorker(ctx, hb.WorkerID)
	if err != nil {
		return fleet.HeartbeatReply{}, fmt.Errorf("reload worker: %w", err)
	}
	return fleet.HeartbeatReply{
		Status:         final.Status,
		PendingCommand: final.PendingCommand,
	}, nil
}

func (r *Registry) confirmRotation(ctx context.Context, prev fleet.Worker, hb fleet.Heartbeat) error {
	if _, err := r.store.CompareAndSetStatus(ctx, prev.ID, fleet.WorkerActive, fleet.WorkerRotating); err != nil {
		if errors.Is(err, fleet.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("confirm rotation: %w", err)
	}
	if err := r.store.ClearPendingCommand(ctx, prev.ID); err != nil {
		return fmt.Errorf("clear pending command: %w", err)
	}
	if _, err := r.audit.Record(ctx, fleet.HistoryEvent{
		Action:      fleet.ActionWorkerRotated,
		WorkerID:    prev.ID,
		WorkerName:  prev.Name,
		OldIdentity: prev.NetworkIdentity,
		NewIdentity: hb.NetworkIdentity,
	}); err != nil {
		return err
	}
	r.logger.Info("rotation confirmed",
		zap.String("worker_id", prev.ID),
		zap.String("old_identity", prev.NetworkIdentity),
		zap.String("new_identity", hb.NetworkIdentity),
	)
	return nil
}

func (r *Registry) transition(
	ctx context.Context,
	w fleet.Worker,
	to fleet.WorkerStatus,
	action fleet.Action,
	reason string,
	from ...fleet.WorkerStatus,
) (fleet.Worker, error) {
	updated, err := r.store.CompareAndSetStatus(ctx, w.ID, to, from...)
	if err != nil {
		if errors.Is(err, fleet.ErrInvalidTransition) {
			// Raced by a concurrent transition; keep whatever won.
			return r.store.GetWorker(ctx, w.ID)
		}
		return fleet.Worker{}, fmt.Errorf("transition worker to %s: %w", to, err)
	}
	if _, err := r.audit.Record(ctx, fleet.HistoryEvent{
		Action:     action,
		WorkerID:   w.ID,
		WorkerName: w.Name,
		Reason:     reason,
	}); err != nil {
		return fleet.Worker{}, err
	}
	r.logger.Info("worker transitioned",
		zap.String("worker_id", w.ID),
		zap.String("to", string(to)),
		zap.String("action", string(action)),
	)
	return updated, nil
}

// SweepTimeouts applies the three recovery timers across the fleet. Run
// periodically by the orchestrator. Returns the number of transitions made.
func (r *Registry) SweepTimeouts(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	now := r.clock.Now()
	swept := 0
	for _, w := range workers {
		lastSeen := w.StartedAt
		if w.LastHeartbeatAt != nil {
			lastSeen = *w.LastHeartbeatAt
		}
		gap := now.Sub(lastSeen)

		switch w.Status {
		case fleet.WorkerProvisioning:
			if w.LastHeartbeatAt == nil && gap > r.cfg.SpawnTimeout {
				if _, err := r.transition(ctx, w, fleet.WorkerTerminated, fleet.ActionSpawnFailed, "spawn timeout", fleet.WorkerProvisioning); err != nil {
					return swept, err
				}
				swept++
			}
		case fleet.WorkerActive, fleet.WorkerRotating:
			if gap > r.cfg.HeartbeatTimeout {
				if _, err := r.transition(ctx, w, fleet.WorkerOffline, fleet.ActionWorkerOffline, "heartbeat missed", w.Status); err != nil {
					return swept, err
				}
				swept++
			}
		case fleet.WorkerOffline:
			if gap > r.cfg.HeartbeatTimeout+r.cfg.OfflineGrace {
				action := fleet.ActionWorkerLost
				reason := "offline grace elapsed"
				if w.PendingCommand == fleet.CommandShutdown {
					action = fleet.ActionWorkerShutdown
					reason = "shutdown acknowledgment timed out"
				}
				if _, err := r.transition(ctx, w, fleet.WorkerTerminated, action, reason, fleet.WorkerOffline); err != nil {
					return swept, err
				}
				swept++
			}
		}
	}
	return swept, nil
}
