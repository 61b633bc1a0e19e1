package persistence

import "errors"

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStepNotFound      = errors.New("execution step not found")

	// ErrDuplicateExecution signals the dedupe key already exists; the event
	// was delivered before and no new execution is created.
	ErrDuplicateExecution = errors.New("execution with this dedupe key already exists")

	// ErrTransitionConflict is the CAS mismatch: the stored status differs
	// from the expected one. Not an error to surface to users; the worker
	// abandons the execution.
	ErrTransitionConflict = errors.New("execution status transition conflict")

	// ErrLeaseLost means a heartbeat arrived from a worker that no longer
	// owns the execution.
	ErrLeaseLost = errors.New("execution lease lost")
)

func IsWorkflowNotFound(err error) bool  { return errors.Is(err, ErrWorkflowNotFound) }
func IsExecutionNotFound(err error) bool { return errors.Is(err, ErrExecutionNotFound) }
func IsDuplicateExecution(err error) bool {
	return errors.Is(err, ErrDuplicateExecution)
}
func IsTransitionConflict(err error) bool {
	return errors.Is(err, ErrTransitionConflict)
}
func IsLeaseLost(err error) bool { return errors.Is(err, ErrLeaseLost) }
