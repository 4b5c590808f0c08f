package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Expr is a parsed condition.
type Expr interface {
	eval(scope map[string]any) (any, error)
	String() string
}

// Evaluate parses expression and evaluates it to a boolean against scope.
func Evaluate(expression string, scope map[string]any) (bool, error) {
	e, err := Parse(expression)
	if err != nil {
		return false, err
	}
	return EvalBool(e, scope)
}

// EvalBool evaluates a parsed expression and coerces the result to a boolean.
func EvalBool(e Expr, scope map[string]any) (bool, error) {
	v, err := e.eval(scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy coerces an operand to a boolean: nil, false, zero numbers, empty
// strings and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// AST

type literalNode struct {
	value any
	raw   string
}

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }
func (n literalNode) String() string                   { return n.raw }

type refNode struct {
	path string
}

func (n refNode) eval(scope map[string]any) (any, error) { return Lookup(scope, n.path), nil }
func (n refNode) String() string                         { return "${" + n.path + "}" }

type notNode struct {
	operand Expr
}

func (n notNode) eval(scope map[string]any) (any, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func (n notNode) String() string { return "not " + n.operand.String() }

type logicalNode struct {
	op          string // "and" | "or"
	left, right Expr
}

func (n logicalNode) eval(scope map[string]any) (any, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	lb := Truthy(l)
	if n.op == "and" && !lb {
		return false, nil
	}
	if n.op == "or" && lb {
		return true, nil
	}
	r, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

func (n logicalNode) String() string {
	return "(" + n.left.String() + " " + n.op + " " + n.right.String() + ")"
}

type compareNode struct {
	op          string
	left, right Expr
}

func (n compareNode) String() string {
	return n.left.String() + " " + n.op + " " + n.right.String()
}

func (n compareNode) eval(scope map[string]any) (any, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	if l == nil || r == nil {
		return nil, evalErrorf(n.String(), "cannot order a null operand with %s", n.op)
	}
	cmp, err := order(l, r)
	if err != nil {
		return nil, evalErrorf(n.String(), "%v", err)
	}
	switch n.op {
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return nil, evalErrorf(n.String(), "unknown operator %s", n.op)
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := numeric(l); ok {
		if rf, ok := numeric(r); ok {
			return lf == rf
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls == rs
		}
	}
	if lb, ok := l.(bool); ok {
		return boolEqual(lb, r)
	}
	if rb, ok := r.(bool); ok {
		return boolEqual(rb, l)
	}
	return reflect.DeepEqual(l, r)
}

func boolEqual(b bool, other any) bool {
	switch o := other.(type) {
	case bool:
		return b == o
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(o))
		return err == nil && parsed == b
	}
	return false
}

func order(l, r any) (int, error) {
	if lf, ok := numeric(l); ok {
		if rf, ok := numeric(r); ok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			}
			return 0, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return strings.Compare(ls, rs), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", l, r)
}

// numeric accepts native numbers and strings that parse as numbers.
func numeric(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return toNumber(v)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }: // json.Number
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Lexer

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokRef
	tokString
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case strings.HasPrefix(src[i:], "${"):
			end := strings.Index(src[i:], "}")
			if end == -1 {
				return nil, evalErrorf(src, "unterminated reference at %d", i)
			}
			path := strings.TrimSpace(src[i+2 : i+end])
			if path == "" {
				return nil, evalErrorf(src, "empty reference at %d", i)
			}
			tokens = append(tokens, token{kind: tokRef, text: path, pos: i})
			i += end + 1
		case c == '\'' || c == '"':
			j := i + 1
			var b strings.Builder
			for j < len(src) && rune(src[j]) != c {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				b.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, evalErrorf(src, "unterminated string at %d", i)
			}
			tokens = append(tokens, token{kind: tokString, text: b.String(), pos: i})
			i = j + 1
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case strings.ContainsRune("=!<>&|", c):
			op := string(c)
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "!=", ">=", "<=", "&&", "||":
					op = two
				}
			}
			switch op {
			case "=", "&", "|":
				return nil, evalErrorf(src, "unexpected %q at %d", op, i)
			case "&&":
				tokens = append(tokens, token{kind: tokIdent, text: "and", pos: i})
			case "||":
				tokens = append(tokens, token{kind: tokIdent, text: "or", pos: i})
			case "!":
				tokens = append(tokens, token{kind: tokIdent, text: "not", pos: i})
			default:
				tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			}
			i += len(op)
		case c == '-' || c == '.' || isDigit(c):
			j, err := scanNumber(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + size
			for j < len(src) {
				r, n := utf8.DecodeRuneInString(src[j:])
				if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
					break
				}
				j += n
			}
			tokens = append(tokens, token{kind: tokIdent, text: strings.ToLower(src[i:j]), pos: i})
			i = j
		default:
			return nil, evalErrorf(src, "unexpected character %q at %d", c, i)
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }

// scanNumber returns the end of the number starting at i: an optional minus,
// digits with at most one decimal point, and an optional signed exponent.
func scanNumber(src string, i int) (int, error) {
	j := i
	if src[j] == '-' {
		j++
	}
	digits := 0
	for j < len(src) && isDigit(rune(src[j])) {
		j++
		digits++
	}
	if j < len(src) && src[j] == '.' {
		j++
		for j < len(src) && isDigit(rune(src[j])) {
			j++
			digits++
		}
	}
	if digits == 0 {
		return 0, evalErrorf(src, "unexpected %q at %d", src[i:j], i)
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		start := k
		for k < len(src) && isDigit(rune(src[k])) {
			k++
		}
		if k == start {
			return 0, evalErrorf(src, "invalid number %q at %d", src[i:k], i)
		}
		j = k
	}
	return j, nil
}

// Parser
//
//	or      := and ("or" and)*
//	and     := not ("and" not)*
//	not     := "not" not | compare
//	compare := operand (op operand)?
//	operand := literal | ref | "(" or ")"

type parser struct {
	src    string
	tokens []token
	pos    int
}

// Parse builds the AST for a condition expression.
func Parse(expression string) (Expr, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, evalErrorf(expression, "empty condition")
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{src: expression, tokens: tokens}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, evalErrorf(expression, "unexpected %q at %d", tok.text, tok.pos)
	}
	return e, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) keyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && tok.text == word
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.keyword("not") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseOperand() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokRef:
		return refNode{path: tok.text}, nil
	case tokString:
		return literalNode{value: tok.text, raw: strconv.Quote(tok.text)}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, evalErrorf(p.src, "invalid number %q at %d", tok.text, tok.pos)
		}
		return literalNode{value: f, raw: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return literalNode{value: true, raw: "true"}, nil
		case "false":
			return literalNode{value: false, raw: "false"}, nil
		case "null", "nil", "none":
			return literalNode{value: nil, raw: "null"}, nil
		}
		return nil, evalErrorf(p.src, "unexpected identifier %q at %d", tok.text, tok.pos)
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, evalErrorf(p.src, "expected ')' at %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, evalErrorf(p.src, "unexpected end of expression")
	}
	return nil, evalErrorf(p.src, "unexpected %q at %d", tok.text, tok.pos)
}
