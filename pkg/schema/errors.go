package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidName       = "INVALID_NAME"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidSnapshot   = "INVALID_SNAPSHOT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// FlowError is the structured error type for all flowstate operations.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *FlowError) WithAction(actionID string) *FlowError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
