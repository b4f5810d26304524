// Package lifecycle defines the store lifecycle state machine. Every store
// status mutation in the control plane goes through ValidateTransition before
// it reaches the registry.
package lifecycle

import (
	"github.com/storeplane/storeplane/pkg/apierror"
)

// Status represents a store's position in its lifecycle.
type Status string

const (
	// StatusRequested: creation accepted and persisted, provisioning not started.
	StatusRequested Status = "requested"
	// StatusProvisioning: the async worker is installing the chart and
	// configuring the engine.
	StatusProvisioning Status = "provisioning"
	// StatusReady: the store is serving and its URLs are recorded.
	StatusReady Status = "ready"
	// StatusFailed: the last workflow terminated with an error; FailureReason
	// holds the message. Retryable while retry budget remains.
	StatusFailed Status = "failed"
	// StatusDeleting: teardown in progress.
	StatusDeleting Status = "deleting"
	// StatusDeleted: terminal. The row is retained, soft-deleted.
	StatusDeleted Status = "deleted"
)

// validTransitions is the complete transition table. A status missing a target
// here cannot move to it.
var validTransitions = map[Status][]Status{
	StatusRequested:    {StatusProvisioning, StatusFailed},
	StatusProvisioning: {StatusReady, StatusFailed},
	StatusReady:        {StatusDeleting},
	StatusFailed:       {StatusRequested, StatusDeleting},
	StatusDeleting:     {StatusDeleted, StatusFailed},
	StatusDeleted:      {},
}

// All enumerates every known status.
func All() []Status {
	return []Status{StatusRequested, StatusProvisioning, StatusReady, StatusFailed, StatusDeleting, StatusDeleted}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted
}

// IsActive reports whether the store still occupies cluster resources or is
// about to.
func (s Status) IsActive() bool {
	switch s {
	case StatusRequested, StatusProvisioning, StatusReady, StatusDeleting:
		return true
	}
	return false
}

// IsInProgress reports whether a workflow owns the store right now. Stores in
// an in-progress state found after a restart are "stuck" and get recovered.
func (s Status) IsInProgress() bool {
	switch s {
	case StatusRequested, StatusProvisioning, StatusDeleting:
		return true
	}
	return false
}

// InProgress lists the states the recovery scan queries for.
func InProgress() []Status {
	return []Status{StatusRequested, StatusProvisioning, StatusDeleting}
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an INVALID_STATE_TRANSITION error unless
// from → to is allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return apierror.Newf(apierror.CodeInvalidStateTransition,
			"cannot transition store from %q to %q", from, to).
			WithSuggestion("Wait for the current operation to finish and re-check the store status.")
	}
	return nil
}

// CanDelete reports whether a store in the given status may be deleted, and
// if not, why.
func CanDelete(s Status) (bool, string) {
	switch s {
	case StatusReady, StatusFailed:
		return true, ""
	case StatusRequested, StatusProvisioning:
		return false, "store is still provisioning; wait for it to become ready or failed"
	case StatusDeleting:
		return false, "store deletion is already in progress"
	case StatusDeleted:
		return false, "store is already deleted"
	default:
		return false, "store is in an unknown state"
	}
}

// CanRetry reports whether a failed provisioning run may be retried.
// Only failed stores are retryable.
func CanRetry(s Status) bool {
	return s == StatusFailed
}
