package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNoCollaborator    = "NO_COLLABORATOR"
	ErrCodeCallUnavailable   = "CALL_UNAVAILABLE"
	ErrCodeWorkflowTimeout   = "WORKFLOW_TIMEOUT"
	ErrCodeShutdownAbort     = "SHUTDOWN_ABORT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// RemedyError is the structured error type for all orchestrator operations.
type RemedyError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RemedyError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RemedyError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RemedyError.
func NewError(code, message string) *RemedyError {
	return &RemedyError{Code: code, Message: message}
}

// NewErrorf creates a new RemedyError with a formatted message.
func NewErrorf(code, format string, args ...any) *RemedyError {
	return &RemedyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *RemedyError) WithCause(err error) *RemedyError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RemedyError) WithDetails(details map[string]any) *RemedyError {
	e.Details = details
	return e
}

// Substitutable reports whether the failure may be replaced by a stage
// default. Only CALL_UNAVAILABLE qualifies; a missing collaborator is a
// deployment error and must fail the workflow instead of being papered over.
func (e *RemedyError) Substitutable() bool {
	return e.Code == ErrCodeCallUnavailable
}
