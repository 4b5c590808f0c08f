package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PendingExecutionStatus, RunningExecutionStatus))
	assert.False(t, CanTransition(PendingExecutionStatus, CompletedExecutionStatus))
	for _, to := range []ExecutionStatus{CompletedExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus} {
		assert.True(t, CanTransition(RunningExecutionStatus, to), to)
		assert.True(t, to.Terminal())
		assert.False(t, CanTransition(to, RunningExecutionStatus), to)
	}
	assert.False(t, CanTransition(RunningExecutionStatus, PendingExecutionStatus))
	assert.False(t, RunningExecutionStatus.Terminal())
}

func TestWorkflowDefinitionValidate(t *testing.T) {
	step := func(name string) StepSpec { return StepSpec{Name: name, Type: TransformStepType} }

	t.Run("Valid", func(t *testing.T) {
		def := WorkflowDefinition{ID: "a", Steps: []StepSpec{
			step("one"),
			{Name: "branch", Type: ConditionStepType, Condition: "true",
				ThenSteps: []StepSpec{step("one")}, ElseSteps: []StepSpec{step("one")}},
		}}
		assert.NoError(t, def.Validate())
	})

	t.Run("UnknownTypeIsLeftToDispatch", func(t *testing.T) {
		def := WorkflowDefinition{ID: "a", Steps: []StepSpec{{Name: "x", Type: "teleport"}}}
		assert.NoError(t, def.Validate())
		assert.False(t, StepType("teleport").Known())
	})

	t.Run("Invalid", func(t *testing.T) {
		cases := map[string]WorkflowDefinition{
			"no steps":       {ID: "a"},
			"empty name":     {ID: "a", Steps: []StepSpec{step(" ")}},
			"duplicate":      {ID: "a", Steps: []StepSpec{step("x"), step("x")}},
			"negative retry": {ID: "a", Steps: []StepSpec{{Name: "x", Type: WaitStepType, RetryCount: -1}}},
			"nested duplicate": {ID: "a", Steps: []StepSpec{{Name: "loop", Type: LoopStepType,
				Steps: []StepSpec{step("y"), step("y")}}}},
		}
		for name, def := range cases {
			t.Run(name, func(t *testing.T) {
				assert.Error(t, def.Validate())
			})
		}
	})
}

func TestWalk(t *testing.T) {
	steps := []StepSpec{
		{Name: "a", OnError: []StepSpec{{Name: "a_err"}}},
		{Name: "b", ThenSteps: []StepSpec{{Name: "b_then"}}, ElseSteps: []StepSpec{{Name: "b_else"}}},
		{Name: "c", Steps: []StepSpec{{Name: "c_body"}}},
	}
	var seen []string
	require.NoError(t, Walk(steps, func(s StepSpec) error {
		seen = append(seen, s.Name)
		return nil
	}))
	assert.Equal(t, []string{"a", "a_err", "b", "b_then", "b_else", "c", "c_body"}, seen)
}

func TestDuration(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var s StepSpec
		require.NoError(t, json.Unmarshal([]byte(`{"retry_delay":"250ms","duration":1.5,"timeout":"3"}`), &s))
		assert.Equal(t, 250*time.Millisecond, s.RetryDelay.Std())
		assert.Equal(t, 1500*time.Millisecond, s.Duration.Std())
		assert.Equal(t, 3*time.Second, s.Timeout.Std())

		out, err := json.Marshal(Duration(2 * time.Second))
		require.NoError(t, err)
		assert.Equal(t, `"2s"`, string(out))
	})

	t.Run("YAML", func(t *testing.T) {
		var s StepSpec
		require.NoError(t, yaml.Unmarshal([]byte("retry_delay: 1m\nduration: 2\n"), &s))
		assert.Equal(t, time.Minute, s.RetryDelay.Std())
		assert.Equal(t, 2*time.Second, s.Duration.Std())
	})

	t.Run("Invalid", func(t *testing.T) {
		var d Duration
		assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
		assert.Error(t, json.Unmarshal([]byte(`-1`), &d))
		assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	})
}
