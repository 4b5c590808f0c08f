package service

import (
	"testing"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
)

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

func TestRunScope(t *testing.T) {
	t.Run("ForkIsIsolated", func(t *testing.T) {
		parent := newRunScope(map[string]any{"order": map[string]any{"ports": []any{1, 2}}})
		child := parent.fork()
		child.data["order"].(map[string]any)["ports"].([]any)[0] = 99
		child.set("order.status", "open")

		assert.Equal(t, 1, parent.data["order"].(map[string]any)["ports"].([]any)[0])
		assert.NotContains(t, parent.data["order"], "status")
	})

	t.Run("MergeReplaysWritesInOrder", func(t *testing.T) {
		parent := newRunScope(nil)
		first, second := parent.fork(), parent.fork()
		second.set("answer", "second")
		first.set("answer", "first")
		first.fold(models.StepSpec{Name: "a"}, 1)
		second.fold(models.StepSpec{Name: "b"}, 2)

		parent.merge(first)
		parent.merge(second)
		assert.Equal(t, "second", parent.data["answer"])
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, parent.data["steps"])
	})

	t.Run("SetReplacesScalarsOnPath", func(t *testing.T) {
		s := newRunScope(map[string]any{"a": "scalar"})
		s.set("a.b.c", true)
		assert.Equal(t, map[string]any{"b": map[string]any{"c": true}}, s.data["a"])
	})

	t.Run("BindIsNotReplayed", func(t *testing.T) {
		parent := newRunScope(nil)
		child := parent.fork()
		child.bind("item", 3)
		parent.merge(child)
		assert.NotContains(t, parent.data, "item")
	})

	t.Run("DeepCopyTypedContainers", func(t *testing.T) {
		src := map[string]any{"tags": map[string]string{"region": "north"}, "ids": []string{"x"}}
		cp := deepCopy(src).(map[string]any)
		cp["tags"].(map[string]string)["region"] = "south"
		cp["ids"].([]string)[0] = "y"
		assert.Equal(t, "north", src["tags"].(map[string]string)["region"])
		assert.Equal(t, "x", src["ids"].([]string)[0])
	})
}

func TestGroupSteps(t *testing.T) {
	steps := []models.StepSpec{
		{Name: "a"},
		{Name: "b", Parallel: true},
		{Name: "c", Parallel: true},
		{Name: "d"},
		{Name: "e", Parallel: true},
	}
	groups := groupSteps(steps)
	names := make([][]string, len(groups))
	for i, g := range groups {
		for _, s := range g {
			names[i] = append(names[i], s.Name)
		}
	}
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}, {"e"}}, names)
}
