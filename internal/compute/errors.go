package compute

import (
	"errors"
	"fmt"
)

// Error codes for compute operations
const (
	// Job-fatal errors
	ErrCodeSplitFailed      = "SPLIT_FAILED"
	ErrCodeMergeFailed      = "MERGE_FAILED"
	ErrCodeJobFailed        = "JOB_FAILED"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	ErrCodeLimitsInfeasible = "LIMITS_INFEASIBLE"

	// Task-level errors, recovered by the scheduler
	ErrCodeSandboxTrap          = "SANDBOX_TRAP"
	ErrCodeResourceExceeded     = "RESOURCE_EXCEEDED"
	ErrCodeVerificationMismatch = "VERIFICATION_MISMATCH"
	ErrCodeWorkerTimeout        = "WORKER_TIMEOUT"
	ErrCodeNoQuorum             = "NO_QUORUM"

	// Placement errors
	ErrCodeNoWorkers        = "NO_WORKERS"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"

	// Lookup errors
	ErrCodeUnknownStrategy = "UNKNOWN_STRATEGY"
	ErrCodeUnknownModule   = "UNKNOWN_MODULE"
	ErrCodeUnknownJob      = "UNKNOWN_JOB"
)

// ComputeError is the error type carried across the core, with a code for
// programmatic handling and optional context
type ComputeError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ComputeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ComputeError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *ComputeError) WithContext(key string, value interface{}) *ComputeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new compute error
func NewError(code, message string) *ComputeError {
	return &ComputeError{Code: code, Message: message}
}

// WrapError wraps an existing error with compute error context
func WrapError(code, message string, cause error) *ComputeError {
	return &ComputeError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the compute error code from err, or "" if it carries none
func CodeOf(err error) string {
	var ce *ComputeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Common error constructors

func ErrSplitFailed(strategy string, cause error) *ComputeError {
	return WrapError(ErrCodeSplitFailed, "split strategy failed", cause).
		WithContext("strategy", strategy)
}

func ErrMergeFailed(strategy string, cause error) *ComputeError {
	return WrapError(ErrCodeMergeFailed, "merge strategy failed", cause).
		WithContext("strategy", strategy)
}

func ErrResourceExceeded(taskID string, kind ResourceKind) *ComputeError {
	return NewError(ErrCodeResourceExceeded, "task exceeded resource limit").
		WithContext("task_id", taskID).
		WithContext("resource", kind.String())
}

func ErrWorkerTimeout(taskID, workerID string) *ComputeError {
	return NewError(ErrCodeWorkerTimeout, "worker missed task deadline").
		WithContext("task_id", taskID).
		WithContext("worker_id", workerID)
}

func ErrNoWorkers(taskID string) *ComputeError {
	return NewError(ErrCodeNoWorkers, "no eligible worker").
		WithContext("task_id", taskID)
}

func ErrVerificationMismatch(taskID, workerID string) *ComputeError {
	return NewError(ErrCodeVerificationMismatch, "result failed verification").
		WithContext("task_id", taskID).
		WithContext("worker_id", workerID)
}

func ErrRetriesExhausted(taskID string, attempts int, cause error) *ComputeError {
	return WrapError(ErrCodeRetriesExhausted, "task retry budget exhausted", cause).
		WithContext("task_id", taskID).
		WithContext("attempts", attempts)
}

func ErrUnknownStrategy(kind, id string) *ComputeError {
	return NewError(ErrCodeUnknownStrategy, "strategy not registered").
		WithContext("kind", kind).
		WithContext("strategy", id)
}

func ErrUnknownJob(jobID string) *ComputeError {
	return NewError(ErrCodeUnknownJob, "job not found").
		WithContext("job_id", jobID)
}
