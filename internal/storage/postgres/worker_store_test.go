package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

var workerCols = []string{
	"id", "name", "network_identity", "provisioning_ref", "status",
	"last_heartbeat_at", "started_at", "current_item_id",
	"items_processed", "units_processed", "consecutive_failures", "lifetime_failures",
	"last_error", "pending_command",
}

func workerRow(id string, status fleet.WorkerStatus, started time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(workerCols).AddRow(
		id, "worker-01", strPtr("1.2.3.4"), strPtr("ref-1"), status,
		nil, started, nil,
		0, 0, 0, 0,
		nil, nil,
	)
}

func TestCreateWorkerInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO workers").
		WithArgs(
			"w1", "worker-01", "1.2.3.4", "ref-1", fleet.WorkerProvisioning, started,
			0, 0, 0, 0, "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.CreateWorker(context.Background(), fleet.Worker{
		ID: "w1", Name: "worker-01", NetworkIdentity: "1.2.3.4",
		ProvisioningRef: "ref-1", Status: fleet.WorkerProvisioning, StartedAt: started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSetStatusTransitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("UPDATE workers SET status").
		WithArgs(fleet.WorkerRotating, "w1", []string{"active"}).
		WillReturnRows(workerRow("w1", fleet.WorkerRotating, started))

	w, err := store.CompareAndSetStatus(context.Background(), "w1", fleet.WorkerRotating, fleet.WorkerActive)
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerRotating, w.Status)
	require.Equal(t, "1.2.3.4", w.NetworkIdentity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSetStatusWrongState(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()

	// The conditional update misses; the follow-up read shows the row exists
	// in a state outside the from-set.
	mock.ExpectQuery("UPDATE workers SET status").
		WithArgs(fleet.WorkerRotating, "w1", []string{"active"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM workers WHERE id").
		WithArgs("w1").
		WillReturnRows(workerRow("w1", fleet.WorkerTerminated, started))

	_, err = store.CompareAndSetStatus(context.Background(), "w1", fleet.WorkerRotating, fleet.WorkerActive)
	require.ErrorIs(t, err, fleet.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSetStatusMissingWorker(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE workers SET status").
		WithArgs(fleet.WorkerTerminated, "ghost", []string{"active"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM workers WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.CompareAndSetStatus(context.Background(), "ghost", fleet.WorkerTerminated, fleet.WorkerActive)
	require.ErrorIs(t, err, fleet.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHeartbeatReturnsWorker(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(-time.Hour)

	mock.ExpectQuery("UPDATE workers SET").
		WithArgs(now, "5.6.7.8", "item-9", 12, 240, 1, 3, "HTTP 429", "w1").
		WillReturnRows(pgxmock.NewRows(workerCols).AddRow(
			"w1", "worker-01", strPtr("5.6.7.8"), strPtr("ref-1"), fleet.WorkerActive,
			&now, started, strPtr("item-9"),
			12, 240, 1, 3,
			strPtr("HTTP 429"), nil,
		))

	w, err := store.UpdateHeartbeat(context.Background(), fleet.Heartbeat{
		WorkerID:            "w1",
		NetworkIdentity:     "5.6.7.8",
		CurrentItemID:       "item-9",
		ItemsProcessed:      12,
		UnitsProcessed:      240,
		ConsecutiveFailures: 1,
		LifetimeFailures:    3,
		LastError:           "HTTP 429",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", w.NetworkIdentity)
	require.Equal(t, 3, w.LifetimeFailures)
	require.NotNil(t, w.LastHeartbeatAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPendingCommandMissingWorker(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE workers SET pending_command").
		WithArgs("rotate", "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetPendingCommand(context.Background(), "ghost", fleet.CommandRotate)
	require.ErrorIs(t, err, fleet.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetProvisioningUpdatesRefAndIdentity(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWorkerStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE workers SET").
		WithArgs("ref-2", "", "w1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetProvisioning(context.Background(), "w1", "ref-2", ""))
	require.NoError(t, mock.ExpectationsWereMet())
}
