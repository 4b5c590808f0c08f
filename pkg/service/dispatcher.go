package service

import (
	"context"
	"reflect"
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/expr"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/pkg/errors"
)

const (
	// default service call timeout is 1m
	DefaultStepTimeout = 60 * time.Second
)

const (
	thenBranch = "then"
	elseBranch = "else"
)

// Outcome is the result of dispatching a step once.
type Outcome struct {
	Output any
	// Input is what the step was dispatched with after template resolution.
	Input any
	// Condition steps only.
	Branch      []models.StepSpec
	NotTaken    []models.StepSpec
	BranchLabel string
	// Loop steps only.
	Items []any
}

// Dispatcher runs a single attempt of a step according to its type.
type Dispatcher struct {
	registry    registry.Registry
	stepTimeout time.Duration
}

func NewDispatcher(reg registry.Registry, stepTimeout time.Duration) *Dispatcher {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Dispatcher{registry: reg, stepTimeout: stepTimeout}
}

func (d *Dispatcher) Dispatch(ctx context.Context, step models.StepSpec, scope map[string]any) (Outcome, error) {
	switch step.Type {
	case models.ServiceCallStepType:
		return d.serviceCall(ctx, step, scope)
	case models.TransformStepType:
		mapped, err := resolveDetached(step.Mapping, scope)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: mapped}, nil
	case models.ConditionStepType:
		ok, err := expr.Evaluate(step.Condition, scope)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			return Outcome{Input: step.Condition, Branch: step.ThenSteps, NotTaken: step.ElseSteps, BranchLabel: thenBranch}, nil
		}
		return Outcome{Input: step.Condition, Branch: step.ElseSteps, NotTaken: step.ThenSteps, BranchLabel: elseBranch}, nil
	case models.WaitStepType:
		if err := sleep(ctx, step.Duration.Std()); err != nil {
			return Outcome{}, err
		}
		return Outcome{Input: step.Duration.String()}, nil
	case models.LoopStepType:
		items, err := resolveItems(step, scope)
		if err != nil {
			return Outcome{}, err
		}
		items = deepCopy(items).([]any)
		return Outcome{Input: items, Items: items}, nil
	default:
		return Outcome{}, &InvalidStepTypeError{Step: step.Name, Type: step.Type}
	}
}

func (d *Dispatcher) serviceCall(ctx context.Context, step models.StepSpec, scope map[string]any) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("service %s.%s panicked: %v", step.Service, step.Method, p)
		}
	}()

	params, err := resolveDetached(step.Params, scope)
	if err != nil {
		return Outcome{}, err
	}
	svc, ok := d.registry.GetService(step.Service)
	if !ok {
		return Outcome{Input: params}, &UnknownServiceError{Step: step.Name, Service: step.Service}
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = d.stepTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := svc.Call(callCtx, step.Method, params)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownMethod) {
			return Outcome{Input: params}, &UnknownServiceError{Step: step.Name, Service: step.Service, Method: step.Method}
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return Outcome{Input: params}, errors.Wrapf(err, "call %s.%s timed out after %s", step.Service, step.Method, timeout)
		}
		return Outcome{Input: params}, err
	}
	return Outcome{Output: out, Input: params}, nil
}

// resolveDetached resolves m and copies the result, since a whole ${path}
// reference yields the context's own value.
func resolveDetached(m map[string]any, scope map[string]any) (map[string]any, error) {
	resolved, err := expr.ResolveMap(m, scope)
	if err != nil {
		return nil, err
	}
	return deepCopy(resolved).(map[string]any), nil
}

// resolveItems turns a loop's items into a sequence. A template that resolves
// to nothing yields no iterations.
func resolveItems(step models.StepSpec, scope map[string]any) ([]any, error) {
	resolved, err := expr.Resolve(step.Items, scope)
	if err != nil {
		return nil, err
	}
	switch v := resolved.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	}
	rv := reflect.ValueOf(resolved)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
	return nil, &EvaluationError{Expression: stringOf(step.Items), Reason: "loop items did not resolve to a sequence"}
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return reflect.TypeOf(v).String()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
