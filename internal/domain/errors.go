package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrConfiguration  = errors.New("configuration error")
	ErrTimeout        = errors.New("operation timeout")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStarted = errors.New("component already started")
	ErrNoHandler      = errors.New("no task handler registered")
)

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// StateError reports an operation refused because of the current status of
// a run or review point.
type StateError struct {
	Op      string
	ID      string
	Current string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %s", e.Op, e.ID, e.Current)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

func NewStateError(op, id string, current fmt.Stringer) *StateError {
	return &StateError{Op: op, ID: id, Current: current.String()}
}

func (s WorkflowStatus) String() string { return string(s) }

func (s TaskStatus) String() string { return string(s) }

// ConfigurationError is raised before any I/O when a task or definition is
// misconfigured. It is never retried.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// TaskExecutionError is the single error type handlers report.
type TaskExecutionError struct {
	Message string
	Cause   error
}

func (e *TaskExecutionError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Cause
}

func NewTaskExecutionError(message string, cause error) *TaskExecutionError {
	return &TaskExecutionError{Message: message, Cause: cause}
}

// OrchestrationError wraps failures inside strategy or engine code that are
// not attributable to a single task.
type OrchestrationError struct {
	RunID string
	Op    string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration[%s] %s: %v", e.RunID, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func NewOrchestrationError(runID, op string, err error) *OrchestrationError {
	return &OrchestrationError{RunID: runID, Op: op, Err: err}
}

// AsTaskExecutionError returns err as a TaskExecutionError, wrapping untyped
// errors with a generic message while keeping the cause.
func AsTaskExecutionError(err error) *TaskExecutionError {
	if err == nil {
		return nil
	}
	var taskErr *TaskExecutionError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	return NewTaskExecutionError(fmt.Sprintf("task execution failed: %v", err), err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsTaskExecutionError(err error) bool {
	var taskErr *TaskExecutionError
	return errors.As(err, &taskErr)
}

func IsOrchestrationError(err error) bool {
	var orchErr *OrchestrationError
	return errors.As(err, &orchErr)
}

func (d ReviewDecision) String() string {
	if d == "" {
		return "PENDING"
	}
	return string(d)
}
