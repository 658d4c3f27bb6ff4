package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
	"github.com/inkdex/fleet-orchestrator/internal/storage/memory"
)

func newTestRegistry(t *testing.T, observer HeartbeatObserver) (*Registry, *memory.WorkerStore, *audit.Log, *fakeClock) {
	t.Helper()
	store := memory.NewWorkerStore()
	auditStore := memory.NewAuditStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	auditLog := audit.New(auditStore, &seqIDGen{}, clock, nil, "", zap.NewNop())
	reg := New(store, auditLog, observer, clock, Config{
		HeartbeatTimeout: 2 * time.Minute,
		OfflineGrace:     5 * time.Minute,
		SpawnTimeout:     5 * time.Minute,
	}, zap.NewNop())
	return reg, store, auditLog, clock
}

func lastAction(t *testing.T, auditLog *audit.Log) fleet.Action {
	t.Helper()
	events, err := auditLog.History(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[0].Action
}

func TestFirstHeartbeatActivatesWorker(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "w1", Name: "worker-01", Status: fleet.WorkerProvisioning, NetworkIdentity: "1.2.3.4",
	}))

	reply, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1", NetworkIdentity: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerActive, reply.Status)
	require.Equal(t, fleet.CommandNone, reply.PendingCommand)
	require.Equal(t, fleet.ActionWorkerActivated, lastAction(t, auditLog))
}

func TestHeartbeatFromTerminatedWorkerOrdersShutdown(t *testing.T) {
	t.Parallel()

	reg, store, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Status: fleet.WorkerTerminated}))

	reply, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerTerminated, reply.Status)
	require.Equal(t, fleet.CommandShutdown, reply.PendingCommand)
}

func TestHeartbeatConfirmsRotation(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "w1", Name: "worker-01", Status: fleet.WorkerRotating,
		NetworkIdentity: "1.2.3.4", PendingCommand: fleet.CommandRotate,
	}))

	// Same identity: still rotating, command still pending.
	reply, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1", NetworkIdentity: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerRotating, reply.Status)
	require.Equal(t, fleet.CommandRotate, reply.PendingCommand)

	// New identity confirms the rotation.
	reply, err = reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1", NetworkIdentity: "5.6.7.8"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerActive, reply.Status)
	require.Equal(t, fleet.CommandNone, reply.PendingCommand)
	require.Equal(t, fleet.ActionWorkerRotated, lastAction(t, auditLog))

	events, err := auditLog.History(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", events[0].OldIdentity)
	require.Equal(t, "5.6.7.8", events[0].NewIdentity)
}

func TestHeartbeatDeliversShutdownAndTerminates(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "w1", Status: fleet.WorkerActive, PendingCommand: fleet.CommandShutdown,
	}))

	reply, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerTerminated, reply.Status)
	require.Equal(t, fleet.CommandShutdown, reply.PendingCommand)
	require.Equal(t, fleet.ActionWorkerShutdown, lastAction(t, auditLog))

	got, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.True(t, got.Terminal())
}

func TestOfflineWorkerRecoversOnHeartbeat(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Status: fleet.WorkerOffline}))

	reply, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerActive, reply.Status)
	require.Equal(t, fleet.ActionWorkerRecovered, lastAction(t, auditLog))
}

func TestHeartbeatInvokesObserver(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	reg, store, _, _ := newTestRegistry(t, obs)
	ctx := context.Background()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Status: fleet.WorkerActive}))

	_, err := reg.RegisterHeartbeat(ctx, fleet.Heartbeat{WorkerID: "w1", ConsecutiveFailures: 2})
	require.NoError(t, err)
	require.Len(t, obs.calls, 1)
	require.Equal(t, 0, obs.calls[0].prev.ConsecutiveFailures)
	require.Equal(t, 2, obs.calls[0].curr.ConsecutiveFailures)
}

func TestSweepTimeoutsProgression(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, clock := newTestRegistry(t, nil)
	ctx := context.Background()
	start := clock.now

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "stuck", Status: fleet.WorkerProvisioning, StartedAt: start,
	}))
	hb := start
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "silent", Status: fleet.WorkerActive, StartedAt: start, LastHeartbeatAt: &hb,
	}))

	// Inside every window: nothing moves.
	swept, err := reg.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)

	// Past the heartbeat timeout the active worker goes offline; past the
	// spawn timeout the provisioning one is abandoned.
	clock.now = start.Add(6 * time.Minute)
	swept, err = reg.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	silent, err := store.GetWorker(ctx, "silent")
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerOffline, silent.Status)

	stuck, err := store.GetWorker(ctx, "stuck")
	require.NoError(t, err)
	require.True(t, stuck.Terminal())

	// Past the offline grace the silent worker is declared lost.
	clock.now = start.Add(20 * time.Minute)
	swept, err = reg.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	silent, err = store.GetWorker(ctx, "silent")
	require.NoError(t, err)
	require.True(t, silent.Terminal())
	require.Equal(t, fleet.ActionWorkerLost, lastAction(t, auditLog))
}

func TestSweepShutdownTimeoutRecordsShutdown(t *testing.T) {
	t.Parallel()

	reg, store, auditLog, clock := newTestRegistry(t, nil)
	ctx := context.Background()
	start := clock.now
	hb := start

	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{
		ID: "leaving", Status: fleet.WorkerOffline, StartedAt: start,
		LastHeartbeatAt: &hb, PendingCommand: fleet.CommandShutdown,
	}))

	clock.now = start.Add(10 * time.Minute)
	swept, err := reg.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)
	require.Equal(t, fleet.ActionWorkerShutdown, lastAction(t, auditLog))
}

type observedCall struct {
	prev, curr fleet.Worker
	hb         fleet.Heartbeat
}

type recordingObserver struct {
	calls []observedCall
}

func (o *recordingObserver) ObserveHeartbeat(_ context.Context, prev, curr fleet.Worker, hb fleet.Heartbeat) error {
	o.calls = append(o.calls, observedCall{prev: prev, curr: curr, hb: hb})
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	n int
}

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}
