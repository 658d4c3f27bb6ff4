package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

const workItemColumns = `id, parent_id, kind, name, status, claimed_by, claimed_at, lease_expires_at, attempt_count, fail_reason, created_at`

// QueueStore is the Postgres fleet.QueueStore.
type QueueStore struct {
	pool dbPool
}

// NewQueueStore constructs a QueueStore on an existing pool.
func NewQueueStore(pool dbPool) (*QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &QueueStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *QueueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertItems adds new items in pending status.
func (s *QueueStore) InsertItems(ctx context.Context, items ...fleet.WorkItem) error {
	for _, item := range items {
		status := item.Status
		if status == "" {
			status = fleet.ItemStatusPending
		}
		_, err := s.pool.Exec(ctx, `
INSERT INTO work_items (id, parent_id, kind, name, status, attempt_count, created_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
			item.ID, item.ParentID, item.Kind, item.Name, status, item.AttemptCount, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert work item %s: %w", item.ID, err)
		}
	}
	return nil
}

// ClaimNext claims the oldest pending item in scope with a single conditional
// UPDATE. SKIP LOCKED keeps concurrent claimers from blocking on each other;
// exactly one of them wins any given row.
func (s *QueueStore) ClaimNext(ctx context.Context, req fleet.ClaimRequest) (fleet.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE work_items SET
	status = 'in_progress',
	claimed_by = $1,
	claimed_at = $2,
	lease_expires_at = $3
WHERE id = (
	SELECT id FROM work_items
	WHERE kind = $4
	  AND status = 'pending'
	  AND ($5 = '' OR parent_id = $5)
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+workItemColumns,
		req.WorkerID, req.Now, req.LeaseUntil, req.Kind, req.ParentID,
	)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.WorkItem{}, fleet.ErrNoWork
		}
		return fleet.WorkItem{}, fmt.Errorf("claim next %s: %w", req.Kind, err)
	}
	return item, nil
}

// GetItem fetches a single item.
func (s *QueueStore) GetItem(ctx context.Context, itemID string) (fleet.WorkItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, itemID)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.WorkItem{}, fleet.ErrNotFound
		}
		return fleet.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// MarkCompleted moves an in_progress item to completed, conditional on the
// claim holder.
func (s *QueueStore) MarkCompleted(ctx context.Context, itemID, workerID string, now time.Time) (fleet.WorkItem, error) {
	return s.finish(ctx, itemID, workerID, fleet.ItemStatusCompleted, "")
}

// MarkFailed moves an in_progress item to failed, conditional on the claim
// holder.
func (s *QueueStore) MarkFailed(ctx context.Context, itemID, workerID, reason string, now time.Time) (fleet.WorkItem, error) {
	return s.finish(ctx, itemID, workerID, fleet.ItemStatusFailed, reason)
}

func (s *QueueStore) finish(ctx context.Context, itemID, workerID string, to fleet.ItemStatus, reason string) (fleet.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE work_items SET
	status = $1,
	fail_reason = NULLIF($2, ''),
	claimed_by = NULL,
	lease_expires_at = NULL
WHERE id = $3
  AND status = 'in_progress'
  AND claimed_by = $4
RETURNING `+workItemColumns,
		to, reason, itemID, workerID,
	)
	item, err := scanWorkItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fleet.WorkItem{}, fmt.Errorf("finish work item: %w", err)
	}
	// Distinguish a missing row from a lost claim.
	if _, getErr := s.GetItem(ctx, itemID); getErr != nil {
		return fleet.WorkItem{}, getErr
	}
	return fleet.WorkItem{}, fleet.ErrStaleClaim
}

// FinishParent marks a city completed unless it is already terminal.
func (s *QueueStore) FinishParent(ctx context.Context, cityID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_items SET
	status = 'completed',
	claimed_by = NULL,
	lease_expires_at = NULL
WHERE id = $1
  AND kind = 'city'
  AND status IN ('pending', 'in_progress')`,
		cityID,
	)
	if err != nil {
		return false, fmt.Errorf("finish city: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetItem(ctx, cityID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// CountOpenChildren returns the number of non-terminal artist items under a
// city.
func (s *QueueStore) CountOpenChildren(ctx context.Context, cityID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM work_items
WHERE parent_id = $1
  AND kind = 'artist'
  AND status IN ('pending', 'in_progress')`,
		cityID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open children: %w", err)
	}
	return count, nil
}

// ReleaseExpired returns lapsed in_progress items to pending with an
// incremented attempt count, or fails them past maxAttempts.
func (s *QueueStore) ReleaseExpired(ctx context.Context, now time.Time, maxAttempts int) ([]fleet.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE work_items SET
	attempt_count = attempt_count + 1,
	claimed_by = NULL,
	claimed_at = NULL,
	lease_expires_at = NULL,
	status = CASE WHEN attempt_count + 1 >= $1 THEN 'failed' ELSE 'pending' END,
	fail_reason = CASE WHEN attempt_count + 1 >= $1 THEN 'lease expired' ELSE fail_reason END
WHERE status = 'in_progress'
  AND lease_expires_at <= $2
RETURNING `+workItemColumns,
		maxAttempts, now,
	)
	if err != nil {
		return nil, fmt.Errorf("release expired leases: %w", err)
	}
	defer rows.Close()

	var touched []fleet.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan released item: %w", err)
		}
		touched = append(touched, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released items: %w", err)
	}
	return touched, nil
}

// Summary aggregates queue depth by (kind, status).
func (s *QueueStore) Summary(ctx context.Context) (fleet.QueueSummary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kind, status, count(*) FROM work_items GROUP BY kind, status`)
	if err != nil {
		return fleet.QueueSummary{}, fmt.Errorf("summarize queue: %w", err)
	}
	defer rows.Close()

	var sum fleet.QueueSummary
	for rows.Next() {
		var kind fleet.ItemKind
		var status fleet.ItemStatus
		var count int
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return fleet.QueueSummary{}, fmt.Errorf("scan summary row: %w", err)
		}
		switch kind {
		case fleet.ItemKindCity:
			switch status {
			case fleet.ItemStatusPending:
				sum.CitiesPending = count
			case fleet.ItemStatusInProgress:
				sum.CitiesInProgress = count
			case fleet.ItemStatusCompleted:
				sum.CitiesCompleted = count
			case fleet.ItemStatusFailed:
				sum.CitiesFailed = count
			}
		case fleet.ItemKindArtist:
			switch status {
			case fleet.ItemStatusPending:
				sum.ArtistsPending = count
			case fleet.ItemStatusInProgress:
				sum.ArtistsInProgress = count
			case fleet.ItemStatusCompleted:
				sum.ArtistsCompleted = count
			case fleet.ItemStatusFailed:
				sum.ArtistsFailed = count
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fleet.QueueSummary{}, fmt.Errorf("iterate summary rows: %w", err)
	}
	return sum, nil
}

func scanWorkItem(row pgx.Row) (fleet.WorkItem, error) {
	var item fleet.WorkItem
	var parentID, claimedBy, failReason *string
	var claimedAt, leaseExpiresAt *time.Time
	err := row.Scan(
		&item.ID,
		&parentID,
		&item.Kind,
		&item.Name,
		&item.Status,
		&claimedBy,
		&claimedAt,
		&leaseExpiresAt,
		&item.AttemptCount,
		&failReason,
		&item.CreatedAt,
	)
	if err != nil {
		return fleet.WorkItem{}, err
	}
	if parentID != nil {
		item.ParentID = *parentID
	}
	if claimedBy != nil {
		item.ClaimedBy = *claimedBy
	}
	if failReason != nil {
		item.FailReason = *failReason
	}
	item.ClaimedAt = claimedAt
	item.LeaseExpiresAt = leaseExpiresAt
	return item, nil
}
