package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeUnknownAgent      = "UNKNOWN_AGENT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_EXCEEDED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
)

// OrchestraError is the structured error type for all engine operations.
type OrchestraError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrchestraError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestraError) Unwrap() error {
	return e.Cause
}

// Is matches another *OrchestraError by code, so errors.Is(err, schema.NewError(code, ""))
// works as a code check.
func (e *OrchestraError) Is(target error) bool {
	t, ok := target.(*OrchestraError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new OrchestraError.
func NewError(code, message string) *OrchestraError {
	return &OrchestraError{Code: code, Message: message}
}

// NewErrorf creates a new OrchestraError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchestraError {
	return &OrchestraError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *OrchestraError) WithStep(stepID string) *OrchestraError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrchestraError) WithCause(err error) *OrchestraError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrchestraError) WithDetails(details map[string]any) *OrchestraError {
	e.Details = details
	return e
}

// IsStructural reports whether the code describes a plan-structure or routing
// problem. Structural errors are never retried.
func (e *OrchestraError) IsStructural() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeUnknownDependency,
		ErrCodeUnknownAgent, ErrCodeInvalidTransition, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeCancelled, ErrCodeRetryExhausted:
		return true
	}
	return false
}

// CodeOf returns the code of the first OrchestraError in err's chain, or "".
func CodeOf(err error) string {
	var oe *OrchestraError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsValidation reports whether err was raised while validating a plan.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeUnknownDependency:
		return true
	}
	return false
}

// IsPersistence reports whether err is a durable-write failure.
func IsPersistence(err error) bool {
	return CodeOf(err) == ErrCodePersistence
}

// Persistence wraps a store failure as a PERSISTENCE_ERROR.
func Persistence(op string, err error) *OrchestraError {
	return NewErrorf(ErrCodePersistence, "%s: %s", op, err.Error()).WithCause(err)
}
