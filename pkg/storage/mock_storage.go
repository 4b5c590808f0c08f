package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/pkg/errors"
)

type memoryData struct {
	mu         sync.RWMutex
	executions map[string]models.Execution
	order      []string
	steps      map[string][]models.StepExecutionRecord
}

// mockStore implements storage.Store with in-memory storage. Transactions
// share the underlying data; Commit and Rollback only close the handle.
type mockStore struct {
	data      *memoryData
	tx        bool
	committed bool
}

// NewMockStore returns an empty in-memory Store, safe for concurrent use.
func NewMockStore() Store {
	return &mockStore{data: &memoryData{
		executions: make(map[string]models.Execution),
		steps:      make(map[string][]models.StepExecutionRecord),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	return &mockStore{data: m.data, tx: true}, nil
}

func (m *mockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	m.committed = true
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) writable() error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	return nil
}

func (m *mockStore) SaveExecution(e models.Execution) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, exists := m.data.executions[e.ID]; exists {
		return errors.Errorf("execution %s already exists", e.ID)
	}
	e.Steps = nil
	m.data.executions[e.ID] = e
	m.data.order = append(m.data.order, e.ID)
	return nil
}

func (m *mockStore) GetExecution(id string) (models.Execution, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	e, ok := m.data.executions[id]
	if !ok {
		return models.Execution{}, ErrNotFound
	}
	return e, nil
}

func (m *mockStore) ListExecutions(filter ExecutionFilter) ([]models.Execution, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	executions := []models.Execution{}
	// newest first
	for i := len(m.data.order) - 1; i >= 0; i-- {
		e := m.data.executions[m.data.order[i]]
		if !filter.Matches(e) {
			continue
		}
		executions = append(executions, e)
		if filter.Limit > 0 && len(executions) == filter.Limit {
			break
		}
	}
	return executions, nil
}

func (m *mockStore) TransitionExecution(id string, from, to models.ExecutionStatus, update ExecutionUpdate) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	e, ok := m.data.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return errors.Wrapf(ErrStatusConflict, "execution %s is %s, expected %s", id, e.Status, from)
	}
	if update.UnlessCancelRequested && e.CancelRequested {
		return errors.Wrapf(ErrCancelRequested, "execution %s", id)
	}
	e.Status = to
	if update.Result != nil {
		e.Result = update.Result
	}
	if update.Error != "" {
		e.Error = update.Error
	}
	if update.StartedAt != nil {
		e.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		e.CompletedAt = update.CompletedAt
	}
	e.UpdatedAt = time.Now()
	m.data.executions[id] = e
	return nil
}

func (m *mockStore) RequestCancel(id string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	e, ok := m.data.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != models.RunningExecutionStatus {
		return errors.Wrapf(ErrStatusConflict, "execution %s is %s", id, e.Status)
	}
	e.CancelRequested = true
	e.UpdatedAt = time.Now()
	m.data.executions[id] = e
	return nil
}

func (m *mockStore) SaveStepRecord(r models.StepExecutionRecord) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.executions[r.ExecutionID]; !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", r.ExecutionID)
	}
	for _, existing := range m.data.steps[r.ExecutionID] {
		if existing.ID == r.ID {
			return errors.Errorf("step record %s already exists", r.ID)
		}
	}
	m.data.steps[r.ExecutionID] = append(m.data.steps[r.ExecutionID], r)
	return nil
}

func (m *mockStore) UpdateStepRecord(r models.StepExecutionRecord) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	records := m.data.steps[r.ExecutionID]
	for i := range records {
		if records[i].ID == r.ID {
			records[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListStepRecords(executionID string) ([]models.StepExecutionRecord, error) {
	m.data.mu.RLock()
	records := append([]models.StepExecutionRecord{}, m.data.steps[executionID]...)
	m.data.mu.RUnlock()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SequenceNumber < records[j].SequenceNumber
	})
	return records, nil
}
