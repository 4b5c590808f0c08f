package service

import (
	"fmt"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/expr"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/pkg/errors"
)

// EvaluationError reports a malformed template or condition.
type EvaluationError = expr.EvaluationError

// InvalidStepTypeError is raised for a step whose type the engine cannot dispatch.
type InvalidStepTypeError struct {
	Step string
	Type models.StepType
}

func (e *InvalidStepTypeError) Error() string {
	return fmt.Sprintf("step '%s': invalid step type '%s'", e.Step, e.Type)
}

// UnknownServiceError is raised when a service_call names a service, or a
// method of it, that the registry cannot provide.
type UnknownServiceError struct {
	Step    string
	Service string
	Method  string
}

func (e *UnknownServiceError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("step '%s': service '%s' has no method '%s'", e.Step, e.Service, e.Method)
	}
	return fmt.Sprintf("step '%s': unknown service '%s'", e.Step, e.Service)
}

// StepExecutionError is raised once a step has used all of its attempts.
type StepExecutionError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// Cause lets errors.Cause from github.com/pkg/errors reach the last failure.
func (e *StepExecutionError) Cause() error { return e.Err }

// NotFoundError is returned for an unknown execution id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found", e.ID)
}

// InvalidStateError is returned when an operation is not allowed in the
// execution's current status.
type InvalidStateError struct {
	ID     string
	Status models.ExecutionStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s execution %s in status %s", e.Op, e.ID, e.Status)
}

// errCancelled stops scheduling once a cancellation has been observed.
var errCancelled = errors.New("execution cancelled")

// engineLevel reports errors that abort a run immediately and are never retried.
func engineLevel(err error) bool {
	var typeErr *InvalidStepTypeError
	var svcErr *UnknownServiceError
	var evalErr *EvaluationError
	return errors.As(err, &typeErr) || errors.As(err, &svcErr) || errors.As(err, &evalErr)
}
