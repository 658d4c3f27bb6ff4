package fleet

import (
	"context"
	"time"
)

// ClaimRequest describes one atomic claim attempt against the queue store.
type ClaimRequest struct {
	Kind       ItemKind
	ParentID   string // required for artist claims, empty for cities
	WorkerID   string
	LeaseUntil time.Time
	Now        time.Time
}

// QueueStore persists work items. Implementations must provide atomic
// conditional updates: the single-claim invariant rests on the store, not on
// in-process locks, because the control plane may run replicated.
type QueueStore interface {
	// InsertItems adds new items in pending status.
	InsertItems(ctx context.Context, items ...WorkItem) error

	// ClaimNext atomically claims the oldest pending item in scope (ties
	// broken by item id) or returns ErrNoWork.
	ClaimNext(ctx context.Context, req ClaimRequest) (WorkItem, error)

	// GetItem fetches a single item or ErrNotFound.
	GetItem(ctx context.Context, itemID string) (WorkItem, error)

	// MarkCompleted moves an in_progress item to completed, conditional on
	// claimed_by matching workerID; ErrStaleClaim otherwise.
	MarkCompleted(ctx context.Context, itemID, workerID string, now time.Time) (WorkItem, error)

	// MarkFailed moves an in_progress item to failed with a reason,
	// conditional on claimed_by; ErrStaleClaim otherwise.
	MarkFailed(ctx context.Context, itemID, workerID, reason string, now time.Time) (WorkItem, error)

	// FinishParent marks a city completed once its children are exhausted.
	// Returns false when the city was already terminal.
	FinishParent(ctx context.Context, cityID string, now time.Time) (bool, error)

	// CountOpenChildren returns the number of non-terminal artist items under
	// a city.
	CountOpenChildren(ctx context.Context, cityID string) (int, error)

	// ReleaseExpired returns every in_progress item whose lease has passed to
	// pending with an incremented attempt count; items at or beyond
	// maxAttempts become failed instead. Returns the touched items.
	ReleaseExpired(ctx context.Context, now time.Time, maxAttempts int) ([]WorkItem, error)

	// Summary aggregates queue depth by (kind, status).
	Summary(ctx context.Context) (QueueSummary, error)
}

// WorkerStore persists worker registry rows with conditional lifecycle
// updates.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w Worker) error
	GetWorker(ctx context.Context, workerID string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)

	// CompareAndSetStatus transitions a worker from one of the given states
	// to the target state atomically. ErrInvalidTransition when the row is
	// not in any of the from states; ErrNotFound when it does not exist.
	CompareAndSetStatus(ctx context.Context, workerID string, to WorkerStatus, from ...WorkerStatus) (Worker, error)

	// UpdateHeartbeat records liveness, reported counters, and the observed
	// network identity. Returns the updated row.
	UpdateHeartbeat(ctx context.Context, hb Heartbeat, now time.Time) (Worker, error)

	// SetPendingCommand attaches a command for delivery on the next
	// heartbeat; ClearPendingCommand removes it.
	SetPendingCommand(ctx context.Context, workerID string, cmd Command) error
	ClearPendingCommand(ctx context.Context, workerID string) error

	// SetProvisioning updates the provisioning ref and network identity after
	// a collaborator call.
	SetProvisioning(ctx context.Context, workerID, ref, identity string) error
}

// AuditStore persists the append-only control-plane ledger.
type AuditStore interface {
	AppendHistory(ctx context.Context, ev HistoryEvent) error
	ListHistory(ctx context.Context, limit int) ([]HistoryEvent, error)
	AppendRateLimit(ctx context.Context, ev RateLimitEvent) error
	ListRateLimits(ctx context.Context, limit int) ([]RateLimitEvent, error)
}

// Provisioner is the external collaborator owning the compute and network
// resources behind workers. All calls may fail and must stay distinguishable
// for audit (see ProvisioningError).
type Provisioner interface {
	CreateWorker(ctx context.Context, name string) (ProvisionResult, error)
	ReplaceIdentity(ctx context.Context, ref string) (ProvisionResult, error)
	Destroy(ctx context.Context, ref string) error
}

// Publisher fans control-plane events out to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
