package service

import (
	"reflect"
	"strings"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
)

const stepsKey = "steps"

type scopeWrite struct {
	path  string
	value any
}

// runScope is the context of one execution, or a fork of it handed to a
// fan-out member or loop iteration. Writes are logged so a fork can be
// replayed into its parent after the join.
type runScope struct {
	data   map[string]any
	writes []scopeWrite
}

func newRunScope(input map[string]any) *runScope {
	data, _ := deepCopy(input).(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	return &runScope{data: data}
}

func (s *runScope) fork() *runScope {
	return &runScope{data: deepCopy(s.data).(map[string]any)}
}

// merge replays the writes of a fork in the order they were made.
func (s *runScope) merge(child *runScope) {
	for _, w := range child.writes {
		s.set(w.path, w.value)
	}
}

// set assigns value at a dot path, creating intermediate maps as needed.
func (s *runScope) set(path string, value any) {
	s.writes = append(s.writes, scopeWrite{path: path, value: value})
	segments := strings.Split(path, ".")
	node := s.data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
}

// bind sets a top-level key without logging it; loop variables are local to
// their iteration.
func (s *runScope) bind(key string, value any) {
	s.data[key] = value
}

// fold stores a copy of the output of a completed step, so later writes to
// the context never reach a recorded output.
func (s *runScope) fold(step models.StepSpec, output any) {
	if step.OutputPath != "" {
		s.set(step.OutputPath, deepCopy(output))
		return
	}
	s.set(stepsKey+"."+step.Name, deepCopy(output))
}

func (s *runScope) snapshot() map[string]any {
	return deepCopy(s.data).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyValue(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	}
	return v
}

func copyValue(v reflect.Value, typ reflect.Type) reflect.Value {
	if !v.CanInterface() {
		return v
	}
	copied := deepCopy(v.Interface())
	if copied == nil {
		return reflect.Zero(typ)
	}
	return reflect.ValueOf(copied)
}
