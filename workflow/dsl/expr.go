package dsl

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Expression is a compiled condition. It is immutable and safe for
// concurrent use.
type Expression struct {
	src  string
	root node
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q at position %d: %s", e.Expr, e.Pos, e.Msg)
}

// Compile parses expr. Supported: dotted paths, number/string/bool/null
// literals, == != < <= > >=, contains, && || !, and parentheses.
func Compile(expr string) (*Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &SyntaxError{Expr: expr, Msg: "empty expression"}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &exprParser{src: src, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, p.errorf(t, "unexpected token %q", t.value)
	}
	return &Expression{src: src, root: root}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Expression {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate compiles and evaluates expr against state.
func Evaluate(expr string, state map[string]any) (bool, error) {
	e, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Eval(state), nil
}

// Eval evaluates the expression. Missing paths resolve to an absent value:
// every comparison against it is false and it is falsy.
func (e *Expression) Eval(state map[string]any) bool {
	return truthy(e.root.eval(state))
}

// String returns the source text.
func (e *Expression) String() string { return e.src }

// Paths returns the state paths the expression reads, in order of appearance.
func (e *Expression) Paths() []string {
	var out []string
	seen := map[string]bool{}
	walk(e.root, func(n node) {
		if p, ok := n.(pathNode); ok && !seen[p.raw] {
			seen[p.raw] = true
			out = append(out, p.raw)
		}
	})
	return out
}

// Lookup resolves a dotted path in state the way expressions do.
func Lookup(state map[string]any, path string) (any, bool) {
	v := lookup(state, strings.Split(path, "."))
	if v == absent {
		return nil, false
	}
	return v, true
}

// --- AST ---

type absentValue struct{}

// absent is the value of a missing path.
var absent = absentValue{}

type node interface {
	eval(state map[string]any) any
}

type literalNode struct{ value any }

type pathNode struct {
	raw      string
	segments []string
}

type notNode struct{ x node }

type logicalNode struct {
	op          string
	left, right node
}

type compareNode struct {
	op          string
	left, right node
}

func (n literalNode) eval(map[string]any) any { return n.value }

func (n pathNode) eval(state map[string]any) any { return lookup(state, n.segments) }

func (n notNode) eval(state map[string]any) any { return !truthy(n.x.eval(state)) }

func (n logicalNode) eval(state map[string]any) any {
	l := truthy(n.left.eval(state))
	if n.op == "&&" {
		return l && truthy(n.right.eval(state))
	}
	return l || truthy(n.right.eval(state))
}

func (n compareNode) eval(state map[string]any) any {
	return compare(n.op, n.left.eval(state), n.right.eval(state))
}

func walk(n node, fn func(node)) {
	fn(n)
	switch v := n.(type) {
	case notNode:
		walk(v.x, fn)
	case logicalNode:
		walk(v.left, fn)
		walk(v.right, fn)
	case compareNode:
		walk(v.left, fn)
		walk(v.right, fn)
	}
}

// --- Tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello" or 'hello'
	tkIdent                   // path, keyword or literal name
	tkOp                      // ==, !=, >, <, >=, <=, &&, ||, !
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
			continue
		case '"', '\'':
			s, n, err := readString(expr, runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = n
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two, i})
				i += 2
				continue
			}
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch), i})
			i++
			continue
		}

		// A leading minus is a sign only where an operand may start.
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && isOperandStart(tokens)) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num, i})
			i = n
			continue
		}

		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident, i})
			i = n
			continue
		}

		return nil, &SyntaxError{Expr: expr, Pos: i, Msg: fmt.Sprintf("unexpected character %q", string(ch))}
	}
	return tokens, nil
}

func readString(expr string, runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			}
		case quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(runes[i])
		}
	}
	return "", 0, &SyntaxError{Expr: expr, Pos: start, Msg: "unterminated string"}
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i+1 < len(runes) && runes[i] == '.' && isDigit(runes[i+1]) {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' || ch == '-'
}

func isOperandStart(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen || (last.kind == tkIdent && last.value == "contains")
}

// --- Parser ---

type exprParser struct {
	src    string
	tokens []token
	pos    int
}

func (p *exprParser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) errorf(t *token, format string, args ...any) error {
	pos := len(p.src)
	if t != nil {
		pos = t.pos
	}
	return &SyntaxError{Expr: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *exprParser) atOp(op string) bool {
	t := p.peek()
	return t != nil && t.kind == tkOp && t.value == op
}

// parseOr handles: and ('||' and)*
func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atOp("||") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "||", left: left, right: right}
	}
	return left, nil
}

// parseAnd handles: comparison ('&&' comparison)*
func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.atOp("&&") {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

// parseComparison handles: unary (op unary)?
func (p *exprParser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil {
		return left, nil
	}
	op := ""
	switch {
	case t.kind == tkOp && t.value != "!" && t.value != "&&" && t.value != "||":
		op = t.value
	case t.kind == tkIdent && t.value == "contains":
		op = "contains"
	default:
		return left, nil
	}
	p.advance()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

// parseUnary handles: '!' unary | primary
func (p *exprParser) parseUnary() (node, error) {
	if p.atOp("!") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, p.errorf(nil, "unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.value)
		}
		return literalNode{value: f}, nil

	case tkString:
		p.advance()
		return literalNode{value: t.value}, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil":
			return literalNode{value: nil}, nil
		case "contains":
			return nil, p.errorf(t, "contains needs a left operand")
		}
		segments := strings.Split(t.value, ".")
		for _, s := range segments {
			if s == "" {
				return nil, p.errorf(t, "invalid path %q", t.value)
			}
		}
		return pathNode{raw: t.value, segments: segments}, nil

	case tkLParen:
		p.advance()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if r := p.peek(); r == nil || r.kind != tkRParen {
			return nil, p.errorf(r, "expected closing parenthesis")
		}
		p.advance()
		return x, nil

	default:
		return nil, p.errorf(t, "unexpected token %q", t.value)
	}
}

// --- Evaluation ---

// lookup walks maps by key and slices by index.
func lookup(state map[string]any, segments []string) any {
	var current any = state
	for _, seg := range segments {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return absent
			}
			current = v
			continue
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return absent
			}
			current = c[i]
			continue
		}

		rv := reflect.ValueOf(current)
		switch rv.Kind() {
		case reflect.Map:
			if rv.Type().Key().Kind() != reflect.String {
				return absent
			}
			v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
			if !v.IsValid() {
				return absent
			}
			current = v.Interface()
		case reflect.Slice, reflect.Array:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= rv.Len() {
				return absent
			}
			current = rv.Index(i).Interface()
		default:
			return absent
		}
	}
	return current
}

func compare(op string, l, r any) bool {
	if l == absent || r == absent {
		return false
	}
	switch op {
	case "contains":
		return contains(l, r)
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	}

	if lf, rf, ok := numbers(l, r); ok {
		return order(op, cmpFloat(lf, rf))
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return order(op, strings.Compare(ls, rs))
	}
	return false
}

func order(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, rf, ok := numbers(l, r); ok {
		return lf == rf
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		return ok && lb == rb
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		return ok && ls == rs
	}
	return reflect.DeepEqual(l, r)
}

// numbers converts both operands for numeric comparison. Two strings are
// never numeric; a numeric string is coerced only against a real number.
func numbers(l, r any) (float64, float64, bool) {
	_, lstr := l.(string)
	_, rstr := r.(string)
	if lstr && rstr {
		return 0, 0, false
	}
	lf, ok := toFloat64(l)
	if !ok {
		return 0, 0, false
	}
	rf, ok := toFloat64(r)
	return lf, rf, ok
}

// contains tests substring, list membership or map key presence.
func contains(container, item any) bool {
	if s, ok := container.(string); ok {
		sub, ok := item.(string)
		return ok && strings.Contains(s, sub)
	}
	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true
			}
		}
	case reflect.Map:
		key, ok := item.(string)
		if !ok || rv.Type().Key().Kind() != reflect.String {
			return false
		}
		return rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key())).IsValid()
	}
	return false
}

// truthy: absent, nil, false, zero numbers, empty strings and empty
// collections are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil, absentValue:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// toFloat64 converts numeric values and numeric strings.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
