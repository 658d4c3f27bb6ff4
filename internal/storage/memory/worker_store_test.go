package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

func TestWorkerStoreCompareAndSetStatus(t *testing.T) {
	t.Parallel()

	store := NewWorkerStore()
	ctx := context.Background()

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "w1", Name: "worker-01", Status: fleet.WorkerProvisioning,
	}))

	w, err := store.CompareAndSetStatus(ctx, "w1", fleet.WorkerActive, fleet.WorkerProvisioning)
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerActive, w.Status)

	// Same transition again fails: the row is no longer provisioning.
	_, err = store.CompareAndSetStatus(ctx, "w1", fleet.WorkerActive, fleet.WorkerProvisioning)
	require.ErrorIs(t, err, fleet.ErrInvalidTransition)

	_, err = store.CompareAndSetStatus(ctx, "missing", fleet.WorkerActive, fleet.WorkerProvisioning)
	require.ErrorIs(t, err, fleet.ErrNotFound)

	// Multiple from-states are accepted.
	w, err = store.CompareAndSetStatus(ctx, "w1", fleet.WorkerTerminated,
		fleet.WorkerActive, fleet.WorkerOffline)
	require.NoError(t, err)
	require.True(t, w.Terminal())
}

func TestWorkerStoreUpdateHeartbeat(t *testing.T) {
	t.Parallel()

	store := NewWorkerStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "w1", Status: fleet.WorkerActive, NetworkIdentity: "1.2.3.4", LifetimeFailures: 5,
	}))

	w, err := store.UpdateHeartbeat(ctx, fleet.Heartbeat{
		WorkerID:            "w1",
		NetworkIdentity:     "5.6.7.8",
		CurrentItemID:       "item-1",
		ItemsProcessed:      3,
		UnitsProcessed:      40,
		ConsecutiveFailures: 1,
		LifetimeFailures:    2,
		LastError:           "HTTP 429",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", w.NetworkIdentity)
	require.Equal(t, "item-1", w.CurrentItemID)
	require.Equal(t, 1, w.ConsecutiveFailures)
	// Lifetime counter never regresses.
	require.Equal(t, 5, w.LifetimeFailures)
	require.Equal(t, "HTTP 429", w.LastError)
	require.NotNil(t, w.LastHeartbeatAt)
	require.True(t, w.LastHeartbeatAt.Equal(now))

	// Empty identity keeps the stored one.
	w, err = store.UpdateHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1"}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", w.NetworkIdentity)

	_, err = store.UpdateHeartbeat(ctx, fleet.Heartbeat{WorkerID: "missing"}, now)
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestWorkerStorePendingCommand(t *testing.T) {
	t.Parallel()

	store := NewWorkerStore()
	ctx := context.Background()

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Status: fleet.WorkerActive}))
	require.NoError(t, store.SetPendingCommand(ctx, "w1", fleet.CommandRotate))

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, fleet.CommandRotate, w.PendingCommand)

	require.NoError(t, store.ClearPendingCommand(ctx, "w1"))
	w, err = store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, fleet.CommandNone, w.PendingCommand)

	require.ErrorIs(t, store.SetPendingCommand(ctx, "missing", fleet.CommandRotate), fleet.ErrNotFound)
}

func TestWorkerStoreListOrdering(t *testing.T) {
	t.Parallel()

	store := NewWorkerStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w2", StartedAt: base.Add(time.Hour)}))
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", StartedAt: base}))

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Equal(t, "w1", workers[0].ID)
	require.Equal(t, "w2", workers[1].ID)
}
