// Package rotation is the single authority for spawn, rotate, and shutdown of
// fleet workers. Every action is idempotent and audited before it is reported
// successful.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// Controller issues control actions against the provisioning collaborator and
// the worker registry.
type Controller struct {
	workers     fleet.WorkerStore
	provisioner fleet.Provisioner
	audit       *audit.Log
	idGen       fleet.IDGenerator
	clock       fleet.Clock
	logger      *zap.Logger
}

// New constructs a Controller.
func New(
	workers fleet.WorkerStore,
	provisioner fleet.Provisioner,
	auditLog *audit.Log,
	idGen fleet.IDGenerator,
	clock fleet.Clock,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		workers:     workers,
		provisioner: provisioner,
		audit:       auditLog,
		idGen:       idGen,
		clock:       clock,
		logger:      logger,
	}
}

// Spawn provisions a new worker. When requestedName is empty a free worker-NN
// name is generated. A named spawn is idempotent: if a live worker already
// carries the name, it is returned without a second provisioning call.
func (c *Controller) Spawn(ctx context.Context, requestedName, reason string) (fleet.Worker, error) {
	name := requestedName
	existing, err := c.workers.ListWorkers(ctx)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("list workers: %w", err)
	}
	if name == "" {
		name = nextWorkerName(existing)
	} else {
		for _, w := range existing {
			if w.Name == name && !w.Terminal() {
				c.logger.Info("spawn deduplicated", zap.String("worker_name", name))
				return w, nil
			}
		}
	}

	if _, err := c.audit.Record(ctx, fleet.HistoryEvent{
		Action:     fleet.ActionSpawnRequested,
		WorkerName: name,
		Reason:     reason,
	}); err != nil {
		return fleet.Worker{}, err
	}

	res, err := c.provisioner.CreateWorker(ctx, name)
	if err != nil {
		perr := &fleet.ProvisioningError{Op: "create", Err: err}
		if _, auditErr := c.audit.Record(ctx, fleet.HistoryEvent{
			Action:     fleet.ActionSpawnFailed,
			WorkerName: name,
			Reason:     perr.Error(),
		}); auditErr != nil {
			return fleet.Worker{}, auditErr
		}
		return fleet.Worker{}, perr
	}

	id, err := c.idGen.NewID()
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("generate worker id: %w", err)
	}
	worker := fleet.Worker{
		ID:              id,
		Name:            name,
		NetworkIdentity: res.NetworkIdentity,
		ProvisioningRef: res.Ref,
		Status:          fleet.WorkerProvisioning,
		StartedAt:       c.clock.Now(),
	}
	if err := c.workers.CreateWorker(ctx, worker); err != nil {
		return fleet.Worker{}, fmt.Errorf("create worker row: %w", err)
	}
	if _, err := c.audit.Record(ctx, fleet.HistoryEvent{
		Action:      fleet.ActionWorkerSpawned,
		WorkerID:    worker.ID,
		WorkerName:  name,
		NewIdentity: res.NetworkIdentity,
		NewRef:      res.Ref,
		Reason:      reason,
	}); err != nil {
		return fleet.Worker{}, err
	}
	c.logger.Info("worker spawned",
		zap.String("worker_id", worker.ID),
		zap.String("worker_name", name),
		zap.String("network_identity", res.NetworkIdentity),
	)
	return worker, nil
}

// Rotate replaces a worker's network identity in place. Only valid while the
// worker is active; a rotate on an already-rotating worker is a no-op so
// duplicate requests never issue a second provisioning call.
func (c *Controller) Rotate(ctx context.Context, workerID, reason string) (fleet.HistoryEvent, error) {
	worker, err := c.workers.GetWorker(ctx, workerID)
	if err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("lookup worker: %w", err)
	}
	if worker.Status == fleet.WorkerRotating {
		c.logger.Info("rotate deduplicated", zap.String("worker_id", workerID))
		return fleet.HistoryEvent{}, nil
	}
	if worker.Status != fleet.WorkerActive {
		return fleet.HistoryEvent{}, fmt.Errorf(
			"rotate requested on %s worker %s: %w", worker.Status, workerID, fleet.ErrInvalidTransition)
	}

	ev, err := c.audit.Record(ctx, fleet.HistoryEvent{
		Action:      fleet.ActionRotateRequested,
		WorkerID:    workerID,
		WorkerName:  worker.Name,
		OldIdentity: worker.NetworkIdentity,
		OldRef:      worker.ProvisioningRef,
		Reason:      reason,
	})
	if err != nil {
		return fleet.HistoryEvent{}, err
	}

	if _, err := c.workers.CompareAndSetStatus(ctx, workerID, fleet.WorkerRotating, fleet.WorkerActive); err != nil {
		if errors.Is(err, fleet.ErrInvalidTransition) {
			// Raced by a concurrent rotate; the first one owns the operation.
			return ev, nil
		}
		return fleet.HistoryEvent{}, fmt.Errorf("mark rotating: %w", err)
	}

	res, err := c.provisioner.ReplaceIdentity(ctx, worker.ProvisioningRef)
	if err != nil {
		perr := &fleet.ProvisioningError{Op: "replace identity", Err: err}
		// The worker cannot stay rate limited on a stale identity; abandon it.
		if _, auditErr := c.audit.Record(ctx, fleet.HistoryEvent{
			Action:      fleet.ActionRotateFailed,
			WorkerID:    workerID,
			WorkerName:  worker.Name,
			OldIdentity: worker.NetworkIdentity,
			Reason:      perr.Error(),
		}); auditErr != nil {
			return fleet.HistoryEvent{}, auditErr
		}
		if _, casErr := c.workers.CompareAndSetStatus(ctx, workerID, fleet.WorkerTerminated, fleet.WorkerRotating); casErr != nil {
			c.logger.Error("abandon rotating worker failed", zap.String("worker_id", workerID), zap.Error(casErr))
		}
		return fleet.HistoryEvent{}, perr
	}

	if err := c.workers.SetProvisioning(ctx, workerID, res.Ref, ""); err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("store provisioning ref: %w", err)
	}
	if err := c.workers.SetPendingCommand(ctx, workerID, fleet.CommandRotate); err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("set pending command: %w", err)
	}
	c.logger.Info("rotation issued",
		zap.String("worker_id", workerID),
		zap.String("old_identity", worker.NetworkIdentity),
		zap.String("new_identity", res.NetworkIdentity),
	)
	return ev, nil
}

// Shutdown requests a graceful stop. The worker observes the command on its
// next heartbeat and exits; confirmation or timeout moves it to terminated.
func (c *Controller) Shutdown(ctx context.Context, workerID, reason string) (fleet.HistoryEvent, error) {
	worker, err := c.workers.GetWorker(ctx, workerID)
	if err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("lookup worker: %w", err)
	}
	if worker.Status != fleet.WorkerActive && worker.Status != fleet.WorkerOffline {
		return fleet.HistoryEvent{}, fmt.Errorf(
			"shutdown requested on %s worker %s: %w", worker.Status, workerID, fleet.ErrInvalidTransition)
	}
	if worker.PendingCommand == fleet.CommandShutdown {
		c.logger.Info("shutdown deduplicated", zap.String("worker_id", workerID))
		return fleet.HistoryEvent{}, nil
	}

	ev, err := c.audit.Record(ctx, fleet.HistoryEvent{
		Action:     fleet.ActionShutdownRequested,
		WorkerID:   workerID,
		WorkerName: worker.Name,
		Reason:     reason,
	})
	if err != nil {
		return fleet.HistoryEvent{}, err
	}
	if err := c.workers.SetPendingCommand(ctx, workerID, fleet.CommandShutdown); err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("set pending command: %w", err)
	}
	return ev, nil
}

// Terminate administratively marks a worker dead and releases its compute
// resource. Unlike Shutdown it does not wait for worker cooperation.
func (c *Controller) Terminate(ctx context.Context, workerID, reason string) (fleet.HistoryEvent, error) {
	worker, err := c.workers.GetWorker(ctx, workerID)
	if err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("lookup worker: %w", err)
	}
	if worker.Terminal() {
		c.logger.Info("terminate deduplicated", zap.String("worker_id", workerID))
		return fleet.HistoryEvent{}, nil
	}

	ev, err := c.audit.Record(ctx, fleet.HistoryEvent{
		Action:      fleet.ActionTerminateRequested,
		WorkerID:    workerID,
		WorkerName:  worker.Name,
		OldIdentity: worker.NetworkIdentity,
		OldRef:      worker.ProvisioningRef,
		Reason:      reason,
	})
	if err != nil {
		return fleet.HistoryEvent{}, err
	}
	if _, err := c.workers.CompareAndSetStatus(
		ctx,
		workerID,
		fleet.WorkerTerminated,
		fleet.WorkerProvisioning, fleet.WorkerActive, fleet.WorkerRotating, fleet.WorkerOffline,
	); err != nil {
		if errors.Is(err, fleet.ErrInvalidTransition) {
			return ev, nil
		}
		return fleet.HistoryEvent{}, fmt.Errorf("terminate worker: %w", err)
	}
	if worker.ProvisioningRef != "" {
		if err := c.provisioner.Destroy(ctx, worker.ProvisioningRef); err != nil {
			// Surfaced via logs only; the registry row is already terminal.
			c.logger.Error("destroy provisioned resource failed",
				zap.String("worker_id", workerID),
				zap.String("provisioning_ref", worker.ProvisioningRef),
				zap.Error(err),
			)
		}
	}
	return ev, nil
}

// nextWorkerName picks the lowest free worker-NN name.
func nextWorkerName(existing []fleet.Worker) string {
	taken := make(map[string]bool, len(existing))
	for _, w := range existing {
		taken[w.Name] = true
	}
	for i := 1; i < 100; i++ {
		name := fmt.Sprintf("worker-%02d", i)
		if !taken[name] {
			return name
		}
	}
	return fmt.Sprintf("worker-%d", len(existing)+1)
}
