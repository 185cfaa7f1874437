/*
errors.go - Centralized error types for the leave engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them with fmt.Errorf("...: %w")) so
  callers can classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Client errors - Validation, overlap, quota, illegal transitions
  2. Conflict errors - Concurrent modification (retryable)
  3. Configuration errors - Missing workflow chain (fatal for the request)
  4. Store errors - Persistence failures
  5. Batch errors - Partial batch failure

USAGE:
  if errors.Is(err, generic.ErrQuotaExceeded) {
      var qe *generic.QuotaExceededError
      errors.As(err, &qe)
      ...
  }

SEE ALSO:
  - workflow/service.go: Returns transition and batch errors
  - settlement/reconciler.go: Returns persistence errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input is malformed or violates a field rule.
	ErrValidation = errors.New("validation failed")

	// ErrOverlap is returned when a request overlaps another active request
	// of the same user.
	ErrOverlap = errors.New("request overlaps an active request")

	// ErrQuotaExceeded is returned when the requested duration exceeds the
	// live remaining quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrWorkflowConfigMissing is returned when no workflow chain can be
	// resolved for a user.
	ErrWorkflowConfigMissing = errors.New("workflow configuration missing")

	// ErrConcurrentModification is returned when a conditional update detects
	// that the request changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPersistence is returned when the backing store fails.
	ErrPersistence = errors.New("persistence failure")

	// ErrPartialBatch is returned when a batch stops after some items were
	// already committed.
	ErrPartialBatch = errors.New("partial batch failure")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform the action.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned when the action is illegal in the
	// request's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one or more invalid fields.
type ValidationError struct {
	Fields []FieldError
}

// FieldError is a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// OverlapError names the request that blocks the new one.
type OverlapError struct {
	UserID        string
	ConflictingID string
	Period        Period
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("request overlaps %s for user %s on %s", e.ConflictingID, e.UserID, e.Period)
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

// QuotaExceededError provides details about a quota shortage.
type QuotaExceededError struct {
	Category  string
	Available Amount
	Requested Amount
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: available %s, requested %s",
		e.Category, e.Available, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// TransitionError explains why an action was refused. Kind is either
// ErrInvalidTransition or ErrForbidden.
type TransitionError struct {
	Action string
	Status string
	Reason string
	Kind   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s request in status %s: %s", e.Action, e.Status, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	if e.Kind == nil {
		return ErrInvalidTransition
	}
	return e.Kind
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Persist wraps err in a PersistenceError unless it is nil or already
// classified as not-found or a concurrency conflict.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// PartialBatchError reports which items were committed before the batch
// stopped at FailedID.
type PartialBatchError struct {
	Applied  []string
	FailedID string
	Err      error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch stopped at %s after %d applied: %v", e.FailedID, len(e.Applied), e.Err)
}

func (e *PartialBatchError) Unwrap() []error {
	return []error{ErrPartialBatch, e.Err}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOverlap) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
