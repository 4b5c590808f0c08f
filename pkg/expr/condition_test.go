package expr_test

import (
	"testing"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	scope := map[string]any{
		"credit":  map[string]any{"score": 720, "band": "A"},
		"order":   map[string]any{"total": "150.00", "express": true},
		"empty":   "",
		"plan":    "fiber-100",
		"ports":   []any{1, 2},
		"nothing": nil,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"LiteralTrue", "true", true},
		{"LiteralFalse", "false", false},
		{"NumericGreater", "${credit.score} > 700", true},
		{"NumericGreaterEqual", "${credit.score} >= 720", true},
		{"NumericLess", "${credit.score} < 600", false},
		{"NumericStringOperand", "${order.total} > 100", true},
		{"StringEquality", "${credit.band} == 'A'", true},
		{"StringInequality", "${plan} != \"fiber-100\"", false},
		{"StringOrdering", "${credit.band} < 'B'", true},
		{"BoolEquality", "${order.express} == true", true},
		{"AndOr", "${credit.score} > 700 and ${credit.band} == 'B' or ${order.express}", true},
		{"AndBindsTighter", "true or false and false", true},
		{"Parens", "(true or false) and false", false},
		{"Not", "not ${order.express}", false},
		{"NotBindsTighterThanAnd", "not false and true", true},
		{"SymbolicAliases", "!${order.express} || ${credit.score} == 720 && true", true},
		{"MissingEqualsNull", "${credit.missing} == null", true},
		{"NilNotEqualValue", "${credit.missing} == 0", false},
		{"NilNotEqualsValue", "${credit.missing} != 'A'", true},
		{"ExplicitNilEqualsNull", "${nothing} == null", true},
		{"BareMissingIsFalse", "${credit.missing}", false},
		{"BareEmptyStringIsFalse", "${empty}", false},
		{"BareSliceIsTrue", "${ports}", true},
		{"NumberLiteral", "${credit.score} == 720.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expr.Evaluate(tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	scope := map[string]any{"score": 10, "name": "x"}

	for _, bad := range []string{
		"",
		"${score} >",
		"${score} = 10",
		"(true",
		"${score",
		"'unterminated",
		"maybe",
		"true false",
		"${missing} > 3",
		"3 <= ${missing}",
		"${name} > 3 and true",
	} {
		t.Run(bad, func(t *testing.T) {
			_, err := expr.Evaluate(bad, scope)
			var evalErr *expr.EvaluationError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestShortCircuit(t *testing.T) {
	// the right-hand side would fail if it were evaluated
	got, err := expr.Evaluate("false and ${missing} > 1", nil)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = expr.Evaluate("true or ${missing} > 1", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseString(t *testing.T) {
	e, err := expr.Parse("not ${a.b} == 1 or ${c}")
	require.NoError(t, err)
	assert.Equal(t, "(not ${a.b} == 1 or ${c})", e.String())
}

func TestNumberLiterals(t *testing.T) {
	scope := map[string]any{"ratio": 0.0001, "amount": 250, "delta": -3}

	for _, tt := range []struct {
		expr string
		want bool
	}{
		{"${ratio} < 1e-3", true},
		{"${ratio} > 1E-5", true},
		{"${amount} == 2.5E+2", true},
		{"${amount} == 25e1", true},
		{"${delta} == -3", true},
		{"${delta} < -.5", true},
		{"${ratio} < .5", true},
	} {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := expr.Evaluate(tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{
		"- 1 < 2",
		"${delta} > -",
		"${delta} > -e1",
		"1e > 0",
		"1e+ > 0",
		"${ratio} > 1.2.3",
	} {
		t.Run(bad, func(t *testing.T) {
			_, err := expr.Evaluate(bad, scope)
			var evalErr *expr.EvaluationError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestNonASCIIInput(t *testing.T) {
	scope := map[string]any{"city": "Kraków"}

	got, err := expr.Evaluate("${city} == 'Kraków'", scope)
	require.NoError(t, err)
	assert.True(t, got)

	// whole runes are reported, not single bytes
	_, err = expr.Evaluate("trué", scope)
	var evalErr *expr.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, `unexpected identifier "trué" at 0`, evalErr.Reason)

	_, err = expr.Evaluate("1 ≠ 2", scope)
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, `unexpected character '≠' at 2`, evalErr.Reason)
}
