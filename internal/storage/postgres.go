package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// executionRow is the workflow_executions row; JSON columns are decoded into
// the model by toModel.
type executionRow struct {
	ID              string             `db:"id"`
	WorkflowID      string             `db:"workflow_id"`
	WorkflowVersion int                `db:"workflow_version"`
	TenantID        string             `db:"tenant_id"`
	Status          string             `db:"status"`
	Context         types.JSONText     `db:"context"`
	Result          types.NullJSONText `db:"result"`
	Error           string             `db:"error"`
	TriggerType     string             `db:"trigger_type"`
	TriggerSource   string             `db:"trigger_source"`
	CancelRequested bool               `db:"cancel_requested"`
	StartedAt       *time.Time         `db:"started_at"`
	CompletedAt     *time.Time         `db:"completed_at"`
	CreatedAt       time.Time          `db:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at"`
}

func (r executionRow) toModel() (models.Execution, error) {
	e := models.Execution{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		TenantID:        r.TenantID,
		Status:          models.ExecutionStatus(r.Status),
		Error:           r.Error,
		TriggerType:     r.TriggerType,
		TriggerSource:   r.TriggerSource,
		CancelRequested: r.CancelRequested,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := r.Context.Unmarshal(&e.Context); err != nil {
		return e, errors.Wrapf(err, "decode context of execution %s", r.ID)
	}
	if r.Result.Valid {
		if err := r.Result.Unmarshal(&e.Result); err != nil {
			return e, errors.Wrapf(err, "decode result of execution %s", r.ID)
		}
	}
	return e, nil
}

type stepRow struct {
	ID             string             `db:"id"`
	ExecutionID    string             `db:"execution_id"`
	StepName       string             `db:"step_name"`
	StepType       string             `db:"step_type"`
	Path           string             `db:"path"`
	SequenceNumber int64              `db:"sequence_number"`
	Status         string             `db:"status"`
	InputData      types.NullJSONText `db:"input_data"`
	OutputData     types.NullJSONText `db:"output_data"`
	Error          string             `db:"error"`
	RetryCount     int                `db:"retry_count"`
	MaxRetries     int                `db:"max_retries"`
	StartedAt      *time.Time         `db:"started_at"`
	CompletedAt    *time.Time         `db:"completed_at"`
	DurationMS     int64              `db:"duration_ms"`
}

func (r stepRow) toModel() (models.StepExecutionRecord, error) {
	rec := models.StepExecutionRecord{
		ID:             r.ID,
		ExecutionID:    r.ExecutionID,
		StepName:       r.StepName,
		StepType:       models.StepType(r.StepType),
		Path:           r.Path,
		SequenceNumber: r.SequenceNumber,
		Status:         models.StepStatus(r.Status),
		Error:          r.Error,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		DurationMS:     r.DurationMS,
	}
	if r.InputData.Valid {
		if err := r.InputData.Unmarshal(&rec.InputData); err != nil {
			return rec, errors.Wrapf(err, "decode input of step %s", r.ID)
		}
	}
	if r.OutputData.Valid {
		if err := r.OutputData.Unmarshal(&rec.OutputData); err != nil {
			return rec, errors.Wrapf(err, "decode output of step %s", r.ID)
		}
	}
	return rec, nil
}

// nullJSON encodes v for a nullable JSONB column; nil is stored as NULL.
func nullJSON(v any) (types.NullJSONText, error) {
	if v == nil {
		return types.NullJSONText{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.NullJSONText{}, err
	}
	return types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}, nil
}

// SaveExecution inserts a new execution (step records are saved separately)
func (s *PostgresStore) SaveExecution(e models.Execution) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if e.Context == nil {
		ctxJSON = []byte("{}")
	}
	result, err := nullJSON(e.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_executions
			(id, workflow_id, workflow_version, tenant_id, status, context, result, error,
			 trigger_type, trigger_source, cancel_requested, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.WorkflowID, e.WorkflowVersion, e.TenantID, e.Status, types.JSONText(ctxJSON), result, e.Error,
		e.TriggerType, e.TriggerSource, e.CancelRequested, e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID without its step records
func (s *PostgresStore) GetExecution(id string) (models.Execution, error) {
	var row executionRow
	err := s.db.Get(&row, "SELECT * FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Execution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Execution{}, err
	}
	return row.toModel()
}

// ListExecutions returns executions newest first
func (s *PostgresStore) ListExecutions(filter storage.ExecutionFilter) ([]models.Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id", filter.WorkflowID)
	}
	if filter.TenantID != "" {
		add("tenant_id", filter.TenantID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := "SELECT * FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows := []executionRow{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	executions := make([]models.Execution, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, nil
}

// TransitionExecution updates the status only if the row is still in status from
func (s *PostgresStore) TransitionExecution(id string, from, to models.ExecutionStatus, update storage.ExecutionUpdate) error {
	result, err := nullJSON(update.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE workflow_executions
		SET status = $1,
		result = COALESCE($2, result),
		error = COALESCE(NULLIF($3::text, ''), error),
		started_at = COALESCE($4, started_at),
		completed_at = COALESCE($5, completed_at),
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $6 AND status = $7 AND (NOT $8::boolean OR NOT cancel_requested)`,
		to, result, update.Error, update.StartedAt, update.CompletedAt, id, from, update.UnlessCancelRequested)
	if err != nil {
		return fmt.Errorf("transition execution %s: %w", id, err)
	}
	return s.checkTransition(res, id, from)
}

// RequestCancel flags a RUNNING execution for cancellation
func (s *PostgresStore) RequestCancel(id string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_executions
		SET cancel_requested = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $2`,
		id, models.RunningExecutionStatus)
	if err != nil {
		return fmt.Errorf("request cancel of execution %s: %w", id, err)
	}
	return s.checkTransition(res, id, models.RunningExecutionStatus)
}

// checkTransition tells a missing row apart from a row in another status, or
// one flagged for cancellation, when a conditional update touched nothing.
func (s *PostgresStore) checkTransition(res sql.Result, id string, expected models.ExecutionStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var current struct {
		Status          string `db:"status"`
		CancelRequested bool   `db:"cancel_requested"`
	}
	err = s.db.Get(&current, "SELECT status, cancel_requested FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current.Status == string(expected) && current.CancelRequested {
		return errors.Wrapf(storage.ErrCancelRequested, "execution %s", id)
	}
	return errors.Wrapf(storage.ErrStatusConflict, "execution %s is %s, expected %s", id, current.Status, expected)
}

// SaveStepRecord inserts a new step record
func (s *PostgresStore) SaveStepRecord(r models.StepExecutionRecord) error {
	input, output, err := encodeStepData(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO step_executions
			(id, execution_id, step_name, step_type, path, sequence_number, status, input_data, output_data,
			 error, retry_count, max_retries, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.ExecutionID, r.StepName, r.StepType, r.Path, r.SequenceNumber, r.Status, input, output,
		r.Error, r.RetryCount, r.MaxRetries, r.StartedAt, r.CompletedAt, r.DurationMS)
	if err != nil {
		return fmt.Errorf("save step record %s: %w", r.Path, err)
	}
	return nil
}

// UpdateStepRecord overwrites the mutable fields of a step record
func (s *PostgresStore) UpdateStepRecord(r models.StepExecutionRecord) error {
	input, output, err := encodeStepData(r)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE step_executions
		SET status = $1, input_data = $2, output_data = $3, error = $4, retry_count = $5,
		started_at = $6, completed_at = $7, duration_ms = $8
		WHERE id = $9`,
		r.Status, input, output, r.Error, r.RetryCount, r.StartedAt, r.CompletedAt, r.DurationMS, r.ID)
	if err != nil {
		return fmt.Errorf("update step record %s: %w", r.Path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListStepRecords returns the step records of an execution in execution order
func (s *PostgresStore) ListStepRecords(executionID string) ([]models.StepExecutionRecord, error) {
	rows := []stepRow{}
	err := s.db.Select(&rows, "SELECT * FROM step_executions WHERE execution_id = $1 ORDER BY sequence_number", executionID)
	if err != nil {
		return nil, err
	}
	records := make([]models.StepExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeStepData(r models.StepExecutionRecord) (types.NullJSONText, types.NullJSONText, error) {
	input, err := nullJSON(r.InputData)
	if err != nil {
		return input, input, fmt.Errorf("encode input of step %s: %w", r.Path, err)
	}
	output, err := nullJSON(r.OutputData)
	if err != nil {
		return input, output, fmt.Errorf("encode output of step %s: %w", r.Path, err)
	}
	return input, output, nil
}
