package models

import "time"

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "PENDING"
	RunningExecutionStatus   ExecutionStatus = "RUNNING"
	CompletedExecutionStatus ExecutionStatus = "COMPLETED"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case CompletedExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}

// CanTransition encodes the execution state machine:
// PENDING -> RUNNING -> {COMPLETED | FAILED | CANCELLED}.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case PendingExecutionStatus:
		return to == RunningExecutionStatus
	case RunningExecutionStatus:
		return to.Terminal()
	}
	return false
}

// Execution is one run of a WorkflowDefinition.
type Execution struct {
	ID              string                `json:"id" db:"id"`
	WorkflowID      string                `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version" db:"workflow_version"`
	TenantID        string                `json:"tenant_id,omitempty" db:"tenant_id"`
	Status          ExecutionStatus       `json:"status" db:"status"`
	Context         map[string]any        `json:"context"`          // Initial input, never mutated after creation
	Result          map[string]any        `json:"result,omitempty"` // Set only on COMPLETED
	Error           string                `json:"error,omitempty" db:"error"`
	TriggerType     string                `json:"trigger_type,omitempty" db:"trigger_type"`
	TriggerSource   string                `json:"trigger_source,omitempty" db:"trigger_source"`
	CancelRequested bool                  `json:"cancel_requested" db:"cancel_requested"`
	StartedAt       *time.Time            `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
	Steps           []StepExecutionRecord `json:"steps,omitempty"` // Populated on read
}
