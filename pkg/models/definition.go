package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type StepType string

const (
	ServiceCallStepType StepType = "service_call"
	TransformStepType   StepType = "transform"
	ConditionStepType   StepType = "condition"
	WaitStepType        StepType = "wait"
	LoopStepType        StepType = "loop"
)

// Known reports whether t is one of the step types the engine can dispatch.
func (t StepType) Known() bool {
	switch t {
	case ServiceCallStepType, TransformStepType, ConditionStepType, WaitStepType, LoopStepType:
		return true
	}
	return false
}

// WorkflowDefinition is an immutable, versioned list of steps handed to the engine.
type WorkflowDefinition struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Version  int        `json:"version" yaml:"version"`
	TenantID string     `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Steps    []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec describes one unit of work. Type selects which of the type-specific
// fields are meaningful; nested lists form a tree.
type StepSpec struct {
	Name       string   `json:"name" yaml:"name"`
	Type       StepType `json:"type" yaml:"type"`
	Parallel   bool     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Optional   bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	RetryCount int      `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryDelay Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	OutputPath string   `json:"output_path,omitempty" yaml:"output_path,omitempty"`

	// Runs in place of a failed step once its retries are exhausted.
	OnError []StepSpec `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// service_call
	Service string         `json:"service,omitempty" yaml:"service,omitempty"`
	Method  string         `json:"method,omitempty" yaml:"method,omitempty"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// transform
	Mapping map[string]any `json:"mapping,omitempty" yaml:"mapping,omitempty"`

	// condition
	Condition string     `json:"condition,omitempty" yaml:"condition,omitempty"`
	ThenSteps []StepSpec `json:"then_steps,omitempty" yaml:"then_steps,omitempty"`
	ElseSteps []StepSpec `json:"else_steps,omitempty" yaml:"else_steps,omitempty"`

	// wait
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// loop
	Items any        `json:"items,omitempty" yaml:"items,omitempty"`
	Steps []StepSpec `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Validate checks the structural invariants of the definition. Unknown step
// types are left for the dispatcher to reject.
func (d WorkflowDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("workflow definition has no steps")
	}
	return validateStepList(d.Steps, "")
}

func validateStepList(steps []StepSpec, parent string) error {
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("step %d%s has no name", i, describeParent(parent))
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate step name '%s'%s", name, describeParent(parent))
		}
		seen[name] = struct{}{}
		if step.RetryCount < 0 {
			return fmt.Errorf("step '%s' has negative retry_count", name)
		}
		for _, child := range step.children() {
			if len(child.steps) == 0 {
				continue
			}
			if err := validateStepList(child.steps, name+"."+child.label); err != nil {
				return err
			}
		}
	}
	return nil
}

type stepList struct {
	label string
	steps []StepSpec
}

func (s StepSpec) children() []stepList {
	return []stepList{
		{"then_steps", s.ThenSteps},
		{"else_steps", s.ElseSteps},
		{"steps", s.Steps},
		{"on_error", s.OnError},
	}
}

// Walk visits every step in the tree depth-first, in declared order.
func Walk(steps []StepSpec, fn func(StepSpec) error) error {
	for _, step := range steps {
		if err := fn(step); err != nil {
			return err
		}
		for _, child := range step.children() {
			if err := Walk(child.steps, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func describeParent(parent string) string {
	if parent == "" {
		return ""
	}
	return " in " + parent
}

// Duration is a time.Duration that decodes from "500ms"-style strings or from
// a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", v)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v (%T)", raw, raw)
	}
	if *d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}
