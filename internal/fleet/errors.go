package fleet

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems. Claim conflicts and stale claims
// are handled locally and never surfaced to operators; the rest map to API
// rejections or audit records.
var (
	// ErrNoWork means the queue has no pending item in scope. Distinct from
	// contention: callers may go idle rather than retry.
	ErrNoWork = errors.New("no work available")

	// ErrClaimConflict means another worker raced the claim; benign, retry
	// against the next candidate.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrStaleClaim means a completion/failure report arrived from a worker
	// that no longer holds the item's lease.
	ErrStaleClaim = errors.New("stale claim")

	// ErrNotFound means the referenced worker or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a control action targeted a worker whose
	// state does not permit it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminated means the worker is in its absorbing state and accepts no
	// further heartbeats or commands.
	ErrTerminated = errors.New("worker terminated")
)

// ProvisioningError wraps a failure at the external provisioning boundary so
// it stays distinguishable for audit records.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}
