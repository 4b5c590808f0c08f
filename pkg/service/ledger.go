package service

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
)

// Ledger persists executions and their step records. Every write runs in its
// own transaction.
type Ledger struct {
	store  storage.Store
	logger Logger
}

func NewLedger(store storage.Store, logger Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
	}
}

func (l *Ledger) inTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := l.store.Begin()
	if err != nil {
		l.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				l.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				l.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	return fn(txStore)
}

func (l *Ledger) CreateExecution(e models.Execution) error {
	return l.inTx("CreateExecution", func(tx storage.Store) error {
		if err := tx.SaveExecution(e); err != nil {
			l.logger.Errorf("Failed to save execution %s: %v", e.ID, err)
			return fmt.Errorf("failed to save execution %s: %w", e.ID, err)
		}
		return nil
	})
}

func (l *Ledger) Transition(id string, from, to models.ExecutionStatus, update storage.ExecutionUpdate) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for execution %s", from, to, id)
	}
	return l.inTx("Transition", func(tx storage.Store) error {
		if err := tx.TransitionExecution(id, from, to, update); err != nil {
			if errors.Is(err, storage.ErrCancelRequested) {
				return fmt.Errorf("execution %s: %w", id, err)
			}
			l.logger.Errorf("Failed to move execution %s from %s to %s: %v", id, from, to, err)
			return fmt.Errorf("failed to update execution %s status: %w", id, err)
		}
		return nil
	})
}

func (l *Ledger) RequestCancel(id string) error {
	return l.inTx("RequestCancel", func(tx storage.Store) error {
		return tx.RequestCancel(id)
	})
}

func (l *Ledger) CancelRequested(id string) (bool, error) {
	e, err := l.store.GetExecution(id)
	if err != nil {
		return false, err
	}
	return e.CancelRequested, nil
}

func (l *Ledger) GetExecution(id string) (models.Execution, error) {
	e, err := l.store.GetExecution(id)
	if err != nil {
		return models.Execution{}, err
	}
	steps, err := l.store.ListStepRecords(id)
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to list steps of execution %s: %w", id, err)
	}
	e.Steps = steps
	return e, nil
}

func (l *Ledger) ListExecutions(filter storage.ExecutionFilter) ([]models.Execution, error) {
	return l.store.ListExecutions(filter)
}

func (l *Ledger) saveStep(r models.StepExecutionRecord) error {
	return l.inTx("SaveStepRecord", func(tx storage.Store) error {
		if err := tx.SaveStepRecord(r); err != nil {
			l.logger.Errorf("Failed to save step %s: %v", r.Path, err)
			return fmt.Errorf("failed to save step %s: %w", r.Path, err)
		}
		return nil
	})
}

func (l *Ledger) updateStep(r models.StepExecutionRecord) error {
	return l.inTx("UpdateStepRecord", func(tx storage.Store) error {
		if err := tx.UpdateStepRecord(r); err != nil {
			l.logger.Errorf("Failed to update step %s to %s: %v", r.Path, r.Status, err)
			return fmt.Errorf("failed to update step %s status: %w", r.Path, err)
		}
		return nil
	})
}

// stepTracker hands out records for one execution and numbers them in the
// order they are created.
type stepTracker struct {
	ledger      *Ledger
	executionID string
	seq         atomic.Int64
}

func (l *Ledger) tracker(executionID string) *stepTracker {
	return &stepTracker{ledger: l, executionID: executionID}
}

func (t *stepTracker) newRecord(step models.StepSpec, path string, status models.StepStatus) models.StepExecutionRecord {
	return models.StepExecutionRecord{
		ID:             uuid.NewString(),
		ExecutionID:    t.executionID,
		StepName:       step.Name,
		StepType:       step.Type,
		Path:           path,
		SequenceNumber: t.seq.Add(1),
		Status:         status,
		MaxRetries:     step.RetryCount,
	}
}

// start writes a PENDING record and moves it to RUNNING.
func (t *stepTracker) start(step models.StepSpec, path string) (models.StepExecutionRecord, error) {
	rec := t.newRecord(step, path, models.PendingStepStatus)
	if err := t.ledger.saveStep(rec); err != nil {
		return rec, err
	}
	now := time.Now()
	rec.Status = models.RunningStepStatus
	rec.StartedAt = &now
	return rec, t.ledger.updateStep(rec)
}

func (t *stepTracker) finish(rec *models.StepExecutionRecord, status models.StepStatus, errMsg string) error {
	now := time.Now()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMS = now.Sub(*rec.StartedAt).Milliseconds()
	}
	return t.ledger.updateStep(*rec)
}

// skip records every step of steps as SKIPPED. Nested lists are not
// materialized; only the steps at this level are recorded.
func (t *stepTracker) skip(steps []models.StepSpec, parent string) error {
	for _, step := range steps {
		rec := t.newRecord(step, joinPath(parent, step.Name), models.SkippedStepStatus)
		if err := t.ledger.saveStep(rec); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
