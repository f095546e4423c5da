package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
)

// ValidationError describes a malformed or out-of-bounds evidence payload.
// The caller must fix the input; nothing was applied.
type ValidationError struct {
	PostID string // source post, when known
	Field  string // offending field, e.g. "per_outcome.yes.stance"
	Reason string
}

func (e *ValidationError) Error() string {
	if e.PostID == "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: post %s: %s: %s", e.PostID, e.Field, e.Reason)
}

// InvariantViolationError indicates a computed distribution failed the
// probability invariants after all corrective steps. It signals an internal
// defect: the mutation was aborted and the prior committed state preserved.
type InvariantViolationError struct {
	MarketID string
	Detail   string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: market %s: %s", e.MarketID, e.Detail)
}

// ExternalServiceError wraps a failure from a best-effort downstream
// collaborator (scoring service, ML sidecar, stream-rule sync). It is logged
// at the boundary and never fails the core mutation.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
