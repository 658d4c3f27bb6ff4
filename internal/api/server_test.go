package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/config"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
	"github.com/inkdex/fleet-orchestrator/internal/metrics"
	provmemory "github.com/inkdex/fleet-orchestrator/internal/provision/memory"
	"github.com/inkdex/fleet-orchestrator/internal/queue"
	"github.com/inkdex/fleet-orchestrator/internal/ratelimit"
	"github.com/inkdex/fleet-orchestrator/internal/registry"
	"github.com/inkdex/fleet-orchestrator/internal/rotation"
	"github.com/inkdex/fleet-orchestrator/internal/storage/memory"
)

type testEnv struct {
	server  *Server
	workers *memory.WorkerStore
	ctrl    *rotation.Controller
	queue   *queue.Service
	clock   *fakeClock
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	metrics.Init()

	queueStore := memory.NewQueueStore()
	workerStore := memory.NewWorkerStore()
	auditStore := memory.NewAuditStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	idGen := &seqIDGen{}
	logger := zap.NewNop()

	auditLog := audit.New(auditStore, idGen, clock, nil, "", logger)
	queueSvc := queue.New(queueStore, idGen, clock, queue.Config{}, logger)
	provisioner := provmemory.New()
	ctrl := rotation.New(workerStore, provisioner, auditLog, idGen, clock, logger)
	monitor := ratelimit.New(auditLog, ctrl, ratelimit.Config{Threshold: 2, AutoRotate: true}, logger)
	reg := registry.New(workerStore, auditLog, monitor, clock, registry.Config{}, logger)

	server := NewServer(queueSvc, reg, ctrl, auditLog, cfg, logger)
	return &testEnv{server: server, workers: workerStore, ctrl: ctrl, queue: queueSvc, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestHeartbeatLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	// Spawn then first heartbeat activates the worker.
	rec := env.do(t, http.MethodPost, "/v1/control", map[string]string{"action": "spawn"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var spawned struct {
		Worker fleet.Worker `json:"worker"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))
	require.Equal(t, "worker-01", spawned.Worker.Name)

	rec = env.do(t, http.MethodPost, "/v1/heartbeat", map[string]any{
		"worker_id":        spawned.Worker.ID,
		"network_identity": spawned.Worker.NetworkIdentity,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var reply fleet.HeartbeatReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.Equal(t, fleet.WorkerActive, reply.Status)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/heartbeat", map[string]string{"worker_id": "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/cities/", map[string]string{"name": "Austin"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Item fleet.WorkItem `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.do(t, http.MethodPost, "/v1/claims/city", map[string]string{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed struct {
		Item fleet.WorkItem `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.Equal(t, created.Item.ID, claimed.Item.ID)

	// Queue drained: 204, no body.
	rec = env.do(t, http.MethodPost, "/v1/claims/city", map[string]string{"worker_id": "w2"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/cities/"+created.Item.ID+"/artists",
		map[string]any{"names": []string{"ann", "bob"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/claims/artist",
		map[string]string{"worker_id": "w1", "city_id": created.Item.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var artist struct {
		Item fleet.WorkItem `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artist))

	rec = env.do(t, http.MethodPost, "/v1/items/"+artist.Item.ID+"/complete",
		map[string]string{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlRotateWrongStateConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.workers.CreateWorker(context.Background(), fleet.Worker{
		ID: "w1", Name: "worker-01", Status: fleet.WorkerProvisioning,
	}))

	rec := env.do(t, http.MethodPost, "/v1/control",
		map[string]string{"action": "rotate", "worker_id": "w1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestControlUnknownAction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/control", map[string]string{"action": "reboot"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAggregates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, env.workers.CreateWorker(ctx, fleet.Worker{ID: "w1", Status: fleet.WorkerActive}))
	require.NoError(t, env.workers.CreateWorker(ctx, fleet.Worker{ID: "w2", Status: fleet.WorkerOffline}))
	_, err := env.queue.EnqueueCity(ctx, "Austin")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status fleet.FleetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Workers, 2)
	require.Equal(t, 1, status.WorkersByState[fleet.WorkerActive])
	require.Equal(t, 1, status.WorkersByState[fleet.WorkerOffline])
	require.Equal(t, 1, status.Queue.CitiesPending)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/control", map[string]string{"action": "spawn"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Events []fleet.HistoryEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Events, 1)
	require.Equal(t, fleet.ActionWorkerSpawned, payload.Events[0].Action)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	rec := env.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// Health stays open for probes.
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
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
