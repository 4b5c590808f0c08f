package storage

import (
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when an execution or step record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a status transition finds the
	// execution in a different state than expected.
	ErrStatusConflict = errors.New("status conflict")
	// ErrCancelRequested is returned by a transition made with
	// UnlessCancelRequested when the execution has been flagged for cancellation.
	ErrCancelRequested = errors.New("cancel requested")
)

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	TenantID   string
	Status     models.ExecutionStatus
	Limit      int
}

// Matches reports whether e passes every set field of f.
func (f ExecutionFilter) Matches(e models.Execution) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// ExecutionUpdate carries the fields written together with a status
// transition. Nil fields are left untouched.
type ExecutionUpdate struct {
	Result      map[string]any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	// UnlessCancelRequested makes the transition fail with ErrCancelRequested
	// when cancel_requested is set.
	UnlessCancelRequested bool
}

// Store defines the persistence operations of the execution ledger.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Execution operations
	SaveExecution(e models.Execution) error
	GetExecution(id string) (models.Execution, error)
	ListExecutions(filter ExecutionFilter) ([]models.Execution, error)
	// TransitionExecution moves an execution from one status to another in a
	// single compare-and-set write. It fails with ErrStatusConflict when the
	// current status is not from.
	TransitionExecution(id string, from, to models.ExecutionStatus, update ExecutionUpdate) error
	// RequestCancel sets cancel_requested on a RUNNING execution.
	RequestCancel(id string) error

	// Step record operations
	SaveStepRecord(r models.StepExecutionRecord) error
	UpdateStepRecord(r models.StepExecutionRecord) error
	ListStepRecords(executionID string) ([]models.StepExecutionRecord, error)
}
