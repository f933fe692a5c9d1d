package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConflict indicates a state conflict, such as a second request
	// for a deployment that already has an operation running.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that will not go away on its
	// own: bad input, a failed tool step, a missing deployment.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates an operator cancelled the operation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeToolFailed          = "TOOL_FAILED"
	ErrCodeWorkspaceConflict   = "WORKSPACE_CONFLICT"
	ErrCodeOperationInProgress = "OPERATION_IN_PROGRESS"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Reason codes recorded on a deployment in error status.
const (
	ReasonAuth        = "auth"
	ReasonTool        = "tool"
	ReasonCancelled   = "cancelled"
	ReasonWorkspace   = "workspace"
	ReasonInterrupted = "interrupted"
	ReasonInternal    = "internal"
)

// Sentinel errors for errors.Is. They match any EngineError with the same
// class and code.
var (
	ErrValidation          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrAuthFailed          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAuthFailed}
	ErrToolFailed          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeToolFailed}
	ErrWorkspaceConflict   = &EngineError{Class: ErrorClassConflict, Code: ErrCodeWorkspaceConflict}
	ErrOperationInProgress = &EngineError{Class: ErrorClassConflict, Code: ErrCodeOperationInProgress}
	ErrCancelled           = &EngineError{Class: ErrorClassCancelled, Code: ErrCodeCancelled}
	ErrNotFound            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the error code for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// DeploymentID is the deployment the error belongs to, if any.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(e.Code, "_", " "))
	}
	if e.DeploymentID != "" {
		msg = fmt.Sprintf("%s (deployment=%s)", msg, e.DeploymentID)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithDeployment adds deployment context to an error.
func (e *EngineError) WithDeployment(id string) *EngineError {
	e.DeploymentID = id
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewValidationError creates an error for rejected input.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewAuthError wraps a credential resolution failure.
func NewAuthError(err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAuthFailed, Message: "credential resolution failed", Err: err}
}

// NewToolExecutionError reports a tool step that exited non-zero. The last
// output lines are kept in Details["tail"].
func NewToolExecutionError(step string, exitCode int, tail []string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeToolFailed,
		Message: fmt.Sprintf("%s exited with code %d", step, exitCode),
	}).WithDetail("step", step).WithDetail("exit_code", exitCode).WithDetail("tail", tail)
}

// NewWorkspaceConflictError wraps a shared directory conflict.
func NewWorkspaceConflictError(err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: ErrCodeWorkspaceConflict, Message: "workspace conflict", Err: err}
}

// NewOperationInProgressError reports a request for a busy deployment.
func NewOperationInProgressError(id string) *EngineError {
	return &EngineError{
		Class:        ErrorClassConflict,
		Code:         ErrCodeOperationInProgress,
		Message:      "an operation is already in progress",
		DeploymentID: id,
	}
}

// NewCancelledError reports an operation stopped by the operator.
func NewCancelledError(step string) *EngineError {
	msg := "operation cancelled"
	if step != "" {
		msg = fmt.Sprintf("operation cancelled during %s", step)
	}
	return &EngineError{Class: ErrorClassCancelled, Code: ErrCodeCancelled, Message: msg}
}

// NewNotFoundError reports an unknown or destroyed deployment.
func NewNotFoundError(id string) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "deployment not found", DeploymentID: id}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInternal, Message: message, Err: err}
}

// Code returns the code of an EngineError, or ErrCodeInternal.
func Code(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Tail returns the output tail carried by a ToolExecutionError.
func Tail(err error) []string {
	var e *EngineError
	if errors.As(err, &e) && e.Details != nil {
		if tail, ok := e.Details["tail"].([]string); ok {
			return tail
		}
	}
	return nil
}

// IsValidation returns true if the input was rejected.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the deployment does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsOperationInProgress returns true if the deployment was busy.
func IsOperationInProgress(err error) bool {
	return errors.Is(err, ErrOperationInProgress)
}

// IsCancelled returns true if the operation was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}
