package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Validation errors
	ErrValidation              = errors.New("validation failed")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInsufficientCredit      = errors.New("insufficient credit")

	// Lookup errors
	ErrNotFound         = errors.New("not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrRouteNotFound    = errors.New("route not found")

	// Authorization errors
	ErrForbidden = errors.New("role not permitted")

	// Conflict errors
	ErrSyncConflict = errors.New("sync conflict")

	// Transient errors
	ErrTimeout            = errors.New("operation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrNoHealthyReplica   = errors.New("no healthy replica available")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrPaused         = errors.New("engine is paused")

	// Operation errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// DomainError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type DomainError struct {
	Op      string // Operation that failed (e.g., "syncengine.Enqueue")
	Kind    string // Error kind: validation, not_found, authorization, conflict, transient, fatal
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *DomainError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError.
func NewDomainError(op, kind string, err error) *DomainError {
	return &DomainError{Op: op, Kind: kind, Err: err}
}

// IsValidation reports whether an error is a business-rule or payload defect.
// Validation errors are surfaced to the caller and never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrInsufficientCredit)
}

// IsNotFound reports whether an error represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrRouteNotFound)
}

// IsAuthorization reports whether an error is a role/permission failure.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConflict reports whether an error is a sync conflict awaiting resolution.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSyncConflict)
}

// IsTransient reports whether an error is worth retrying with backoff.
// Retries live only in the sync workers, the SMS gateway and the routing
// service client; request handlers never retry silently.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNoHealthyReplica)
}

// IsConfigurationError reports whether an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
