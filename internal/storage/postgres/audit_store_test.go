package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

func TestAppendHistoryInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAuditStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	ev := fleet.HistoryEvent{
		ID:          "ev-1",
		Action:      fleet.ActionWorkerRotated,
		WorkerID:    "w1",
		WorkerName:  "worker-01",
		OldIdentity: "1.2.3.4",
		NewIdentity: "5.6.7.8",
		Reason:      "rate limited",
		OccurredAt:  now,
	}

	mock.ExpectExec("INSERT INTO fleet_history").
		WithArgs(
			ev.ID, ev.Action, ev.WorkerID, ev.WorkerName,
			ev.OldIdentity, ev.NewIdentity, "", "",
			ev.Reason, ev.OccurredAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendHistory(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListHistoryScansNullableColumns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAuditStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	cols := []string{
		"id", "action", "worker_id", "worker_name",
		"old_identity", "new_identity", "old_ref", "new_ref",
		"reason", "occurred_at",
	}

	mock.ExpectQuery("FROM fleet_history").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("ev-2", fleet.ActionWorkerRotated, strPtr("w1"), strPtr("worker-01"),
				strPtr("1.2.3.4"), strPtr("5.6.7.8"), nil, nil, nil, now).
			AddRow("ev-1", fleet.ActionSpawnRequested, nil, nil,
				nil, nil, nil, nil, strPtr("scale up"), now.Add(-time.Minute)))

	events, err := store.ListHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, fleet.ActionWorkerRotated, events[0].Action)
	require.Equal(t, "5.6.7.8", events[0].NewIdentity)
	require.Empty(t, events[1].WorkerID)
	require.Equal(t, "scale up", events[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRateLimitInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAuditStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	ev := fleet.RateLimitEvent{
		ID:              "rl-1",
		WorkerID:        "w1",
		NetworkIdentity: "1.2.3.4",
		ErrorCode:       "429",
		WorkItemID:      "item-9",
		OccurredAt:      now,
	}

	mock.ExpectExec("INSERT INTO rate_limit_events").
		WithArgs(ev.ID, ev.WorkerID, ev.NetworkIdentity, ev.ErrorCode, ev.WorkItemID, ev.OccurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendRateLimit(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRateLimitsNewestFirst(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAuditStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "worker_id", "network_identity", "error_code", "work_item_id", "occurred_at"}

	mock.ExpectQuery("FROM rate_limit_events").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("rl-2", "w1", strPtr("1.2.3.4"), "401", nil, now).
			AddRow("rl-1", "w1", strPtr("1.2.3.4"), "429", strPtr("item-9"), now.Add(-time.Minute)))

	events, err := store.ListRateLimits(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "401", events[0].ErrorCode)
	require.Equal(t, "item-9", events[1].WorkItemID)
	require.NoError(t, mock.ExpectationsWereMet())
}
