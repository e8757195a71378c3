package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/entityevents/internal/event"
)

// RuntimeError represents a failure raised by the engine itself rather than
// by a handler's collaborators.
//
// Runtime errors include:
//   - Chain stopped: a handler aborted the chain explicitly (Stop)
//   - Cycle detected: a chained envelope repeats an ancestor's key
//   - Depth exceeded: a chain nested deeper than the configured limit
//   - Misconfigured: an enablement property is not a boolean
//   - Invalid envelope: required envelope fields are missing
//   - Unexpected payload: an entity is not of the type a handler needs
//
// Errors returned by Handler.Process are never wrapped in a RuntimeError;
// they reach the caller unchanged.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EventID identifies the envelope being dispatched.
	EventID string

	// Handler names the handler involved, if any.
	Handler string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeChainStopped indicates a handler stopped the chain on purpose.
	ErrCodeChainStopped RuntimeErrorCode = "CHAIN_STOPPED"

	// ErrCodeCycleDetected indicates a chained envelope would re-dispatch an
	// (entity type, event type, entity id) already on its ancestor path.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeDepthExceeded indicates the chain nested past the depth limit.
	ErrCodeDepthExceeded RuntimeErrorCode = "DEPTH_EXCEEDED"

	// ErrCodeMisconfigured indicates an enablement gate could not be read.
	ErrCodeMisconfigured RuntimeErrorCode = "MISCONFIGURED"

	// ErrCodeInvalidEnvelope indicates the envelope failed validation.
	ErrCodeInvalidEnvelope RuntimeErrorCode = "INVALID_ENVELOPE"

	// ErrCodeUnexpectedPayload indicates an entity of the wrong Go type
	// reached a handler.
	ErrCodeUnexpectedPayload RuntimeErrorCode = "UNEXPECTED_PAYLOAD"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.EventID != "" && e.Handler != "" {
		return fmt.Sprintf("%s: %s (event=%s, handler=%s)", e.Code, e.Message, e.EventID, e.Handler)
	}
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event=%s)", e.Code, e.Message, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Stop returns the error a handler raises to abort the remaining chain.
// The dispatcher fills in the event id and handler name.
func Stop(reason string) error {
	return &RuntimeError{Code: ErrCodeChainStopped, Message: reason}
}

// Stopf is Stop with a format string.
func Stopf(format string, args ...any) error {
	return Stop(fmt.Sprintf(format, args...))
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsStopped returns true if a handler stopped the chain explicitly.
// Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeChainStopped)
}

// IsCycleError returns true if the error is a cycle detection error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsDepthError returns true if the chain exceeded the depth limit.
func IsDepthError(err error) bool {
	return hasCode(err, ErrCodeDepthExceeded)
}

// IsMisconfigured returns true if an enablement gate could not be read.
func IsMisconfigured(err error) bool {
	return hasCode(err, ErrCodeMisconfigured)
}

// IsUnexpectedPayload returns true if a handler got an entity of the
// wrong type.
func IsUnexpectedPayload(err error) bool {
	return hasCode(err, ErrCodeUnexpectedPayload)
}

// NewPayloadError creates a RuntimeError for an entity that is not the
// type want names.
func NewPayloadError(eventID, want string, got event.Entity) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnexpectedPayload,
		Message: fmt.Sprintf("expected %s, got %T", want, got),
		EventID: eventID,
		Details: map[string]string{"want": want, "got": fmt.Sprintf("%T", got)},
	}
}

// NewCycleError creates a RuntimeError for a repeated ancestor key.
func NewCycleError(eventID, key string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCycleDetected,
		Message: "chained event repeats an ancestor: " + key,
		EventID: eventID,
		Details: map[string]string{"key": key},
	}
}

// NewDepthError creates a RuntimeError for an over-deep chain.
func NewDepthError(eventID string, depth, maxDepth int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDepthExceeded,
		Message: fmt.Sprintf("chain depth exceeded (%d > %d)", depth, maxDepth),
		EventID: eventID,
		Details: map[string]string{
			"depth":     fmt.Sprintf("%d", depth),
			"max_depth": fmt.Sprintf("%d", maxDepth),
		},
	}
}

// ValidationError is raised by a handler when a precondition fails before
// any mutation. The caller may fix the input and retry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// ConflictError is raised by a handler when a referential-integrity rule
// forbids the operation. Side effects of earlier handlers stand.
type ConflictError struct {
	EntityType string
	EntityID   string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.EntityType, e.EntityID, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
