package models

import "time"

type StepStatus string

const (
	PendingStepStatus   StepStatus = "PENDING"
	RunningStepStatus   StepStatus = "RUNNING"
	CompletedStepStatus StepStatus = "COMPLETED"
	FailedStepStatus    StepStatus = "FAILED"
	SkippedStepStatus   StepStatus = "SKIPPED"
)

// StepExecutionRecord is the ledger entry for one attempted (or skipped) step
// instance. Loop bodies produce one record per iteration.
type StepExecutionRecord struct {
	ID             string     `json:"id" db:"id"`
	ExecutionID    string     `json:"execution_id" db:"execution_id"`
	StepName       string     `json:"step_name" db:"step_name"`
	StepType       StepType   `json:"step_type" db:"step_type"`
	Path           string     `json:"path" db:"path"`                       // Location in the step tree, e.g. "check.then.notify"
	SequenceNumber int64      `json:"sequence_number" db:"sequence_number"` // Execution order, not definition order
	Status         StepStatus `json:"status" db:"status"`
	InputData      any        `json:"input_data,omitempty"`
	OutputData     any        `json:"output_data,omitempty"`
	Error          string     `json:"error,omitempty" db:"error"`
	RetryCount     int        `json:"retry_count" db:"retry_count"` // Retries used, attempts - 1
	MaxRetries     int        `json:"max_retries" db:"max_retries"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
}
