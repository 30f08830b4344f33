package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Definition error codes
const (
	ErrValidation     ErrorCode = "VALIDATION"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
)

// Execution error codes
const (
	ErrAgentFailure     ErrorCode = "AGENT_FAILURE"
	ErrConsensusFailure ErrorCode = "CONSENSUS_FAILURE"
	ErrStepExecution    ErrorCode = "STEP_EXECUTION_ERROR"
	ErrApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrTimeout          ErrorCode = "TIMEOUT"
)

// Infrastructure error codes
const (
	ErrPersistence   ErrorCode = "PERSISTENCE"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Access error codes returned by the HTTP surface
const (
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
)

// nonAlertable lists the codes that describe expected outcomes rather than faults.
var nonAlertable = map[ErrorCode]bool{
	ErrCancelled:        true,
	ErrApprovalTimeout:  true,
	ErrApprovalRejected: true,
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	RunID     string         `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Cause     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Alertable reports whether the error should page an operator.
func (e *Error) Alertable() bool {
	return !nonAlertable[e.Code]
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRun records the run the error belongs to.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithStep records the workflow step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithMetadata attaches a diagnostic value.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsAlertable reports whether err describes a fault rather than an expected
// outcome such as cancellation or an approval timeout. Unstructured errors are alertable.
func IsAlertable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := AsError(err); ok {
		return e.Alertable()
	}
	return true
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
