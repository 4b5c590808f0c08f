// Package expr resolves ${...} templates and evaluates boolean conditions
// against a run's context.
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EvaluationError reports a malformed template or condition, or a comparison
// that has no defined result.
type EvaluationError struct {
	Expression string
	Reason     string
}

func (e *EvaluationError) Error() string {
	if e.Expression == "" {
		return "evaluation error: " + e.Reason
	}
	return fmt.Sprintf("evaluation error in %q: %s", e.Expression, e.Reason)
}

func evalErrorf(expression, format string, args ...any) *EvaluationError {
	return &EvaluationError{Expression: expression, Reason: fmt.Sprintf(format, args...)}
}

// Resolve replaces ${path} placeholders in value. A string that is exactly one
// placeholder resolves to the referenced value with its type preserved; any
// other string containing placeholders is interpolated. Maps and slices are
// resolved recursively. Missing paths resolve to nil.
func Resolve(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := Resolve(child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := resolveString(child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := Resolve(child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := resolveString(child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap resolves every value of params. A nil map resolves to an empty one.
func ResolveMap(params map[string]any, scope map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	resolved, err := Resolve(params, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveString(s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if path, ok := wholeReference(s); ok {
		if path == "" {
			return nil, evalErrorf(s, "empty reference")
		}
		return Lookup(scope, path), nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}")
		if end == -1 {
			return nil, evalErrorf(s, "unterminated reference")
		}
		path := strings.TrimSpace(rest[:end])
		if path == "" {
			return nil, evalErrorf(s, "empty reference")
		}
		rest = rest[end+1:]
		if val := Lookup(scope, path); val != nil {
			b.WriteString(stringify(val))
		}
	}
	return b.String(), nil
}

// wholeReference reports whether s is exactly one ${path} placeholder.
func wholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "${") || !strings.HasSuffix(trimmed, "}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-1]
	if strings.Contains(inner, "${") || strings.Contains(inner, "}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Lookup walks a dot-separated path through nested maps and sequences.
// Numeric segments index into sequences. Any missing segment yields nil.
func Lookup(scope map[string]any, path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	var current any = scope
	for _, segment := range strings.Split(path, ".") {
		next, ok := child(current, segment)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func child(node any, segment string) (any, bool) {
	switch v := node.(type) {
	case nil:
		return nil, false
	case map[string]any:
		val, ok := v[segment]
		return val, ok
	case []any:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	}

	rv := reflect.ValueOf(node)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(segment).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}
