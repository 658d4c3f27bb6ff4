// Package fleet defines core types shared across orchestrator subsystems.
package fleet

import (
	"time"
)

// ItemKind distinguishes the two tiers of the work queue.
type ItemKind string

// Work item kinds persisted in the queue store.
const (
	ItemKindCity   ItemKind = "city"
	ItemKindArtist ItemKind = "artist"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Work item status values. Completed and failed are terminal for an attempt;
// failed items under the retry limit are re-enqueued as fresh pending items.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// WorkerStatus represents the lifecycle state of a scraping worker.
type WorkerStatus string

// Worker status values. Terminated is absorbing.
const (
	WorkerProvisioning WorkerStatus = "provisioning"
	WorkerActive       WorkerStatus = "active"
	WorkerRotating     WorkerStatus = "rotating"
	WorkerOffline      WorkerStatus = "offline"
	WorkerTerminated   WorkerStatus = "terminated"
)

// Command is a pending control instruction delivered to a worker on its next
// heartbeat. The orchestrator never pushes; workers pick commands up when they
// call in.
type Command string

// Commands a worker can receive in a heartbeat reply.
const (
	CommandNone     Command = ""
	CommandRotate   Command = "rotate"
	CommandShutdown Command = "shutdown"
)

// Action identifies a control-plane event recorded in the audit history.
type Action string

// History actions, one per control-plane transition.
const (
	ActionSpawnRequested     Action = "spawn_requested"
	ActionSpawnFailed        Action = "spawn_failed"
	ActionWorkerSpawned      Action = "worker_spawned"
	ActionRotateRequested    Action = "rotate_requested"
	ActionWorkerRotated      Action = "worker_rotated"
	ActionRotateFailed       Action = "rotate_failed"
	ActionShutdownRequested  Action = "shutdown_requested"
	ActionWorkerShutdown     Action = "worker_shutdown"
	ActionTerminateRequested Action = "terminate_requested"

	// Registry-observed transitions, recorded so every state change leaves an
	// audit trail even when no operator action caused it.
	ActionWorkerActivated Action = "worker_activated"
	ActionWorkerOffline   Action = "worker_offline"
	ActionWorkerRecovered Action = "worker_recovered"
	ActionWorkerLost      Action = "worker_lost"
)

// WorkItem is one unit of crawl work: a city, or an artist within a city.
type WorkItem struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parent_id,omitempty"`
	Kind           ItemKind   `json:"kind"`
	Name           string     `json:"name"`
	Status         ItemStatus `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	FailReason     string     `json:"fail_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Worker is the registry row for a single scraping worker process.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	NetworkIdentity string       `json:"network_identity,omitempty"`
	ProvisioningRef string       `json:"provisioning_ref,omitempty"`
	Status          WorkerStatus `json:"status"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CurrentItemID   string       `json:"current_item_id,omitempty"`

	ItemsProcessed      int    `json:"items_processed"`
	UnitsProcessed      int    `json:"units_processed"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LifetimeFailures    int    `json:"lifetime_failures"`
	LastError           string `json:"last_error,omitempty"`

	PendingCommand Command `json:"pending_command,omitempty"`
}

// Terminal reports whether the worker has reached its absorbing state.
func (w Worker) Terminal() bool {
	return w.Status == WorkerTerminated
}

// validTransitions is the closed worker state machine. Any transition not
// listed here is rejected by the registry.
var validTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerProvisioning: {WorkerActive, WorkerTerminated},
	WorkerActive:       {WorkerRotating, WorkerOffline, WorkerTerminated},
	WorkerRotating:     {WorkerActive, WorkerOffline, WorkerTerminated},
	WorkerOffline:      {WorkerActive, WorkerTerminated},
	WorkerTerminated:   nil,
}

// CanTransition reports whether from -> to is a legal worker transition.
func CanTransition(from, to WorkerStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RateLimitEvent is an immutable record of an upstream rate-limit signal
// observed on a worker.
type RateLimitEvent struct {
	ID              string    `json:"id"`
	WorkerID        string    `json:"worker_id"`
	NetworkIdentity string    `json:"network_identity,omitempty"`
	ErrorCode       string    `json:"error_code"`
	WorkItemID      string    `json:"work_item_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// HistoryEvent is an immutable record of a control-plane action. WorkerID is
// empty for fleet-wide actions (e.g. a spawn request before the row exists).
type HistoryEvent struct {
	ID          string    `json:"id"`
	Action      Action    `json:"action"`
	WorkerID    string    `json:"worker_id,omitempty"`
	WorkerName  string    `json:"worker_name,omitempty"`
	OldIdentity string    `json:"old_identity,omitempty"`
	NewIdentity string    `json:"new_identity,omitempty"`
	OldRef      string    `json:"old_ref,omitempty"`
	NewRef      string    `json:"new_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// QueueSummary aggregates queue depth by tier and status.
type QueueSummary struct {
	CitiesPending     int `json:"cities_pending"`
	CitiesInProgress  int `json:"cities_in_progress"`
	CitiesCompleted   int `json:"cities_completed"`
	CitiesFailed      int `json:"cities_failed"`
	ArtistsPending    int `json:"artists_pending"`
	ArtistsInProgress int `json:"artists_in_progress"`
	ArtistsCompleted  int `json:"artists_completed"`
	ArtistsFailed     int `json:"artists_failed"`
}

// FleetStatus is the derived aggregate view returned by the status endpoint.
// It is computed on read, never stored.
type FleetStatus struct {
	Workers        []Worker             `json:"workers"`
	WorkersByState map[WorkerStatus]int `json:"workers_by_state"`
	Queue          QueueSummary         `json:"queue"`
}

// Heartbeat is the progress/liveness report a worker sends on each poll.
type Heartbeat struct {
	WorkerID            string `json:"worker_id"`
	NetworkIdentity     string `json:"network_identity"`
	CurrentItemID       string `json:"current_item_id,omitempty"`
	ItemsProcessed      int    `json:"items_processed"`
	UnitsProcessed      int    `json:"units_processed"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LifetimeFailures    int    `json:"lifetime_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// HeartbeatReply is returned inline on the heartbeat call; it is the only
// channel through which commands reach a worker.
type HeartbeatReply struct {
	Status         WorkerStatus `json:"status"`
	PendingCommand Command      `json:"pending_command,omitempty"`
}

// ProvisionResult is what the provisioning collaborator hands back for a
// freshly created or re-identified worker resource.
type ProvisionResult struct {
	Ref             string
	NetworkIdentity string
}
