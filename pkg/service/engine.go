package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrEngineClosed is returned by Execute and Start after Close.
var ErrEngineClosed = errors.New("engine is closed")

// ExecuteOptions carries the input and provenance of one run.
type ExecuteOptions struct {
	Input map[string]any
	// TenantID overrides the definition's tenant when set.
	TenantID      string
	TriggerType   string
	TriggerSource string
}

type Option func(*Engine)

// WithMaxParallel bounds how many fan-out members run at once.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

// WithStepTimeout sets the per-attempt deadline of service calls that do not
// declare their own timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.stepTimeout = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine drives workflow definitions to completion and records every run in
// the ledger. It holds no per-run state besides cancellation tokens, so
// independent runs may execute concurrently.
type Engine struct {
	ledger      *Ledger
	retry       *RetryController
	pool        *WorkerPool
	logger      Logger
	metrics     *Metrics
	maxParallel int
	stepTimeout time.Duration

	mu     sync.Mutex
	tokens map[string]*atomic.Bool
	closed bool
	runs   sync.WaitGroup
}

func NewEngine(store storage.Store, reg registry.Registry, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger: NewLedger(store, logger),
		logger: logger,
		tokens: make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.retry = NewRetryController(NewDispatcher(reg, e.stepTimeout), logger)
	e.pool = NewWorkerPool(e.maxParallel, logger)
	return e
}

// run is the state of one execution shared by everything it spawns.
type run struct {
	id         string
	workflowID string
	input      map[string]any
	steps      *stepTracker
	cancel     *atomic.Bool
}

// stepResult is what a step left behind for its enclosing list.
type stepResult struct {
	name      string
	output    any
	completed bool
}

// Execute runs def to a terminal status and returns the final execution with
// its step records. The error is the cause of a FAILED run; COMPLETED and
// CANCELLED runs return nil.
func (e *Engine) Execute(ctx context.Context, def models.WorkflowDefinition, opts ExecuteOptions) (models.Execution, error) {
	r, _, err := e.prepare(def, opts)
	if err != nil {
		return models.Execution{}, err
	}
	return e.drive(ctx, def, r)
}

// Start creates the execution and runs it in the background. The returned
// execution is RUNNING; poll GetExecution for its outcome. The run outlives
// ctx's cancellation but keeps its values.
func (e *Engine) Start(ctx context.Context, def models.WorkflowDefinition, opts ExecuteOptions) (models.Execution, error) {
	r, exec, err := e.prepare(def, opts)
	if err != nil {
		return models.Execution{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := e.drive(runCtx, def, r); err != nil {
			e.logger.Errorf("Execution %s failed: %v", r.id, err)
		}
	}()
	return exec, nil
}

// prepare persists a PENDING execution, moves it to RUNNING and registers its
// cancellation token. A successful prepare must be followed by drive.
func (e *Engine) prepare(def models.WorkflowDefinition, opts ExecuteOptions) (*run, models.Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, models.Execution{}, ErrEngineClosed
	}
	e.runs.Add(1)
	e.mu.Unlock()

	r, exec, err := e.createRun(def, opts)
	if err != nil {
		e.runs.Done()
		return nil, models.Execution{}, err
	}
	return r, exec, nil
}

func (e *Engine) createRun(def models.WorkflowDefinition, opts ExecuteOptions) (*run, models.Execution, error) {
	tenant := opts.TenantID
	if tenant == "" {
		tenant = def.TenantID
	}
	input, _ := deepCopy(opts.Input).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	now := time.Now()
	exec := models.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TenantID:        tenant,
		Status:          models.PendingExecutionStatus,
		Context:         input,
		TriggerType:     opts.TriggerType,
		TriggerSource:   opts.TriggerSource,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.ledger.CreateExecution(exec); err != nil {
		return nil, models.Execution{}, err
	}
	startedAt := time.Now()
	if err := e.ledger.Transition(exec.ID, models.PendingExecutionStatus, models.RunningExecutionStatus,
		storage.ExecutionUpdate{StartedAt: &startedAt}); err != nil {
		return nil, models.Execution{}, err
	}
	exec.Status = models.RunningExecutionStatus
	exec.StartedAt = &startedAt

	token := &atomic.Bool{}
	e.mu.Lock()
	e.tokens[exec.ID] = token
	e.mu.Unlock()
	e.metrics.executionStarted()
	e.logger.Infof("Started execution %s of workflow '%s' v%d", exec.ID, def.ID, def.Version)

	return &run{
		id:         exec.ID,
		workflowID: def.ID,
		input:      input,
		steps:      e.ledger.tracker(exec.ID),
		cancel:     token,
	}, exec, nil
}

func (e *Engine) drive(ctx context.Context, def models.WorkflowDefinition, r *run) (models.Execution, error) {
	defer e.runs.Done()
	defer func() {
		e.mu.Lock()
		delete(e.tokens, r.id)
		e.mu.Unlock()
	}()

	scope := newRunScope(r.input)

	runErr := def.Validate()
	if runErr == nil {
		_, runErr = e.runSequence(ctx, r, def.Steps, scope, "")
	}
	if runErr == nil && e.cancelRequested(ctx, r) {
		runErr = errCancelled
	}
	return e.finish(ctx, r, scope, runErr)
}

func (e *Engine) finish(ctx context.Context, r *run, scope *runScope, runErr error) (models.Execution, error) {
	now := time.Now()
	update := storage.ExecutionUpdate{CompletedAt: &now}
	var status models.ExecutionStatus
	switch {
	case errors.Is(runErr, errCancelled), runErr != nil && ctx.Err() != nil:
		status = models.CancelledExecutionStatus
		runErr = nil
	case runErr != nil:
		status = models.FailedExecutionStatus
		update.Error = runErr.Error()
	default:
		status = models.CompletedExecutionStatus
		update.Result = scope.snapshot()
		update.UnlessCancelRequested = true
	}

	err := e.ledger.Transition(r.id, models.RunningExecutionStatus, status, update)
	if errors.Is(err, storage.ErrCancelRequested) {
		// accepted after the last check; the cancel wins over completion
		e.logger.Infof("Execution %s was cancelled before it could complete", r.id)
		status = models.CancelledExecutionStatus
		err = e.ledger.Transition(r.id, models.RunningExecutionStatus, status, storage.ExecutionUpdate{CompletedAt: &now})
	}
	if err != nil {
		e.logger.Errorf("Failed to finish execution %s as %s: %v", r.id, status, err)
		return models.Execution{}, err
	}
	e.metrics.executionFinished(r.workflowID, status)
	if runErr != nil {
		e.logger.Errorf("Execution %s %s: %v", r.id, status, runErr)
	} else {
		e.logger.Infof("Execution %s %s", r.id, status)
	}

	exec, err := e.ledger.GetExecution(r.id)
	if err != nil {
		return models.Execution{}, err
	}
	return exec, runErr
}

// cancelRequested reports whether the run should stop scheduling: its token
// is set, the caller gave up, or a cancel was persisted by another process.
func (e *Engine) cancelRequested(ctx context.Context, r *run) bool {
	if r.cancel.Load() || ctx.Err() != nil {
		return true
	}
	requested, err := e.ledger.CancelRequested(r.id)
	if err != nil {
		e.logger.Errorf("Failed to read cancellation flag of execution %s: %v", r.id, err)
		return false
	}
	if requested {
		r.cancel.Store(true)
	}
	return requested
}

// groupSteps splits steps into fan-out groups of contiguous parallel steps
// and singleton groups for everything else.
func groupSteps(steps []models.StepSpec) [][]models.StepSpec {
	var groups [][]models.StepSpec
	for i := 0; i < len(steps); {
		if !steps[i].Parallel {
			groups = append(groups, steps[i:i+1])
			i++
			continue
		}
		j := i
		for j < len(steps) && steps[j].Parallel {
			j++
		}
		groups = append(groups, steps[i:j])
		i = j
	}
	return groups
}

// runSequence runs a step list group by group. When the list stops early,
// every step of the groups not yet started is recorded as SKIPPED.
func (e *Engine) runSequence(ctx context.Context, r *run, steps []models.StepSpec, scope *runScope, parent string) ([]stepResult, error) {
	groups := groupSteps(steps)
	results := make([]stepResult, 0, len(steps))
	for i, group := range groups {
		if e.cancelRequested(ctx, r) {
			e.skipGroups(r, groups[i:], parent)
			return results, errCancelled
		}

		var (
			groupResults []stepResult
			err          error
		)
		if len(group) == 1 {
			var res stepResult
			res, err = e.runStep(ctx, r, group[0], scope, parent)
			groupResults = []stepResult{res}
		} else {
			groupResults, err = e.runFanOut(ctx, r, group, scope, parent)
		}
		results = append(results, groupResults...)
		if err != nil {
			e.skipGroups(r, groups[i+1:], parent)
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) skipGroups(r *run, groups [][]models.StepSpec, parent string) {
	for _, group := range groups {
		if err := r.steps.skip(group, parent); err != nil {
			e.logger.Errorf("Failed to record skipped steps under '%s': %v", parent, err)
		}
	}
}

func (e *Engine) runStep(ctx context.Context, r *run, step models.StepSpec, scope *runScope, parent string) (stepResult, error) {
	path := joinPath(parent, step.Name)
	rec, err := r.steps.start(step, path)
	if err != nil {
		return stepResult{name: step.Name}, err
	}
	return e.execStep(ctx, r, step, scope, path, &rec)
}

// runFanOut runs a group of parallel steps against forks of scope taken
// before any member starts. Successful members are merged back in declared
// order; the first failure in declared order is returned once every member
// has finished.
func (e *Engine) runFanOut(ctx context.Context, r *run, group []models.StepSpec, scope *runScope, parent string) ([]stepResult, error) {
	records := make([]models.StepExecutionRecord, len(group))
	for i, step := range group {
		rec, err := r.steps.start(step, joinPath(parent, step.Name))
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}

	forks := make([]*runScope, len(group))
	results := make([]stepResult, len(group))
	jobs := make([]func() error, len(group))
	for i, step := range group {
		i, step := i, step
		forks[i] = scope.fork()
		jobs[i] = func() error {
			res, err := e.execStep(ctx, r, step, forks[i], records[i].Path, &records[i])
			results[i] = res
			return err
		}
	}
	e.logger.Infof("Execution %s: fanning out %d steps under '%s'", r.id, len(group), parent)
	errs := e.pool.ExecuteGroup(jobs)

	for i := range group {
		if errs[i] == nil {
			scope.merge(forks[i])
		}
	}
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// execStep runs a started step through the retry controller and, for
// condition and loop steps, through their nested step lists.
func (e *Engine) execStep(ctx context.Context, r *run, step models.StepSpec, scope *runScope, path string, rec *models.StepExecutionRecord) (stepResult, error) {
	outcome, attempts, err := e.retry.Run(ctx, step, scope.data)
	rec.RetryCount = attempts - 1
	rec.InputData = outcome.Input
	if err != nil {
		return e.handleFailure(ctx, r, step, scope, path, rec, err)
	}

	var output any
	switch step.Type {
	case models.ConditionStepType:
		notTaken := elseBranch
		if outcome.BranchLabel == elseBranch {
			notTaken = thenBranch
		}
		if err := r.steps.skip(outcome.NotTaken, path+"."+notTaken); err != nil {
			return stepResult{name: step.Name}, err
		}
		results, err := e.runSequence(ctx, r, outcome.Branch, scope, path+"."+outcome.BranchLabel)
		if errors.Is(err, errCancelled) {
			return e.interrupted(r, step, path, rec)
		}
		if err != nil {
			return e.handleFailure(ctx, r, step, scope, path, rec, err)
		}
		output = completedOutputs(results)
	case models.LoopStepType:
		output, err = e.runLoop(ctx, r, step, scope, path, outcome.Items)
		if errors.Is(err, errCancelled) {
			return e.interrupted(r, step, path, rec)
		}
		if err != nil {
			return e.handleFailure(ctx, r, step, scope, path, rec, err)
		}
		rec.OutputData = output
	default:
		output = outcome.Output
		rec.OutputData = output
	}

	if err := r.steps.finish(rec, models.CompletedStepStatus, ""); err != nil {
		return stepResult{name: step.Name}, err
	}
	e.metrics.stepFinished(*rec)
	scope.fold(step, output)
	return stepResult{name: step.Name, output: output, completed: true}, nil
}

// interrupted closes the record of a condition or loop whose nested steps
// stopped on cancellation. It is SKIPPED, not FAILED, and is not counted as a
// finished step.
func (e *Engine) interrupted(r *run, step models.StepSpec, path string, rec *models.StepExecutionRecord) (stepResult, error) {
	if err := r.steps.finish(rec, models.SkippedStepStatus, ""); err != nil {
		e.logger.Errorf("Failed to record interruption of step %s: %v", path, err)
	}
	e.logger.Infof("Step %s interrupted by cancellation", path)
	return stepResult{name: step.Name}, errCancelled
}

// handleFailure records the failed step and applies its recovery policy:
// on_error first, then optional. Only exhausted retries are recoverable.
func (e *Engine) handleFailure(ctx context.Context, r *run, step models.StepSpec, scope *runScope, path string, rec *models.StepExecutionRecord, cause error) (stepResult, error) {
	failed := stepResult{name: step.Name}
	if err := r.steps.finish(rec, models.FailedStepStatus, cause.Error()); err != nil {
		e.logger.Errorf("Failed to record failure of step %s: %v", path, err)
	}
	e.metrics.stepFinished(*rec)

	var stepErr *StepExecutionError
	if errors.Is(cause, errCancelled) || !errors.As(cause, &stepErr) {
		return failed, cause
	}

	if len(step.OnError) > 0 {
		e.logger.Infof("Step %s failed, running its on_error steps: %v", path, cause)
		scope.set("error", map[string]any{"step": step.Name, "message": cause.Error()})
		_, err := e.runSequence(ctx, r, step.OnError, scope, path+".on_error")
		if err == nil {
			return failed, nil
		}
		if errors.Is(err, errCancelled) || engineLevel(err) || !step.Optional {
			return failed, err
		}
	}
	if step.Optional {
		e.logger.Infof("Optional step %s failed, continuing: %v", path, cause)
		return failed, nil
	}
	return failed, cause
}

// runLoop runs the loop body once per item on a fork of scope with item and
// index bound. The output lists, per iteration, the outputs of the body steps
// that completed.
func (e *Engine) runLoop(ctx context.Context, r *run, step models.StepSpec, scope *runScope, path string, items []any) (any, error) {
	outputs := make([]any, len(items))
	iteration := func(i int, child *runScope) error {
		child.bind("item", items[i])
		child.bind("index", i)
		results, err := e.runSequence(ctx, r, step.Steps, child, fmt.Sprintf("%s[%d]", path, i))
		byName := make(map[string]any, len(results))
		for _, res := range results {
			if res.completed {
				byName[res.name] = res.output
			}
		}
		outputs[i] = byName
		return err
	}

	if !step.Parallel || len(items) < 2 {
		for i := range items {
			if err := iteration(i, scope.fork()); err != nil {
				return nil, err
			}
		}
		return outputs, nil
	}

	jobs := make([]func() error, len(items))
	for i := range items {
		i := i
		child := scope.fork()
		jobs[i] = func() error { return iteration(i, child) }
	}
	for _, err := range e.pool.ExecuteGroup(jobs) {
		if err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func completedOutputs(results []stepResult) []any {
	outputs := make([]any, 0, len(results))
	for _, res := range results {
		if res.completed {
			outputs = append(outputs, res.output)
		}
	}
	return outputs
}

// Cancel asks a RUNNING execution to stop before its next group of steps.
// Steps already in flight are not interrupted.
func (e *Engine) Cancel(id string) (models.Execution, error) {
	exec, err := e.GetExecution(id)
	if err != nil {
		return models.Execution{}, err
	}
	if exec.Status != models.RunningExecutionStatus {
		return exec, &InvalidStateError{ID: id, Status: exec.Status, Op: "cancel"}
	}
	if err := e.ledger.RequestCancel(id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return models.Execution{}, &NotFoundError{ID: id}
		case errors.Is(err, storage.ErrStatusConflict):
			current, getErr := e.GetExecution(id)
			if getErr != nil {
				return models.Execution{}, getErr
			}
			return current, &InvalidStateError{ID: id, Status: current.Status, Op: "cancel"}
		}
		return models.Execution{}, errors.Wrapf(err, "cancel execution %s", id)
	}

	e.mu.Lock()
	if token, ok := e.tokens[id]; ok {
		token.Store(true)
	}
	e.mu.Unlock()
	e.logger.Infof("Cancellation requested for execution %s", id)
	exec.CancelRequested = true
	return exec, nil
}

// GetExecution returns an execution with its step records in execution order.
func (e *Engine) GetExecution(id string) (models.Execution, error) {
	exec, err := e.ledger.GetExecution(id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Execution{}, &NotFoundError{ID: id}
	}
	return exec, err
}

func (e *Engine) ListExecutions(filter storage.ExecutionFilter) ([]models.Execution, error) {
	return e.ledger.ListExecutions(filter)
}

// Close stops new runs, asks running ones to cancel and waits for them until
// ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, token := range e.tokens {
		token.Store(true)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		e.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
