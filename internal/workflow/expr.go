package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled boolean expression over variables.
//
// Grammar:
//
//	or      := and ("||" and)*
//	and     := unary ("&&" unary)*
//	unary   := "!" unary | compare
//	compare := operand (("=="|"!="|">="|"<="|">"|"<") operand)?
//	operand := "(" or ")" | literal | path | func "(" or ("," or)* ")"
//
// Literals are numbers, 'single' or "double" quoted strings, true, false and
// null. Paths walk nested maps with dots. Functions are length(x) and
// contains(haystack, needle).
type Expr struct {
	src    string
	root   node
	idents []string
}

// CompileExpr parses src.
func CompileExpr(src string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	seen := make(map[string]bool)
	var idents []string
	for _, id := range p.idents {
		if !seen[id] {
			seen[id] = true
			idents = append(idents, id)
		}
	}
	return &Expr{src: src, root: root, idents: idents}, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Identifiers returns the root variable names the expression reads.
func (e *Expr) Identifiers() []string { return append([]string(nil), e.idents...) }

// Eval evaluates the expression and reports its truthiness.
func (e *Expr) Eval(vars map[string]any) (bool, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

type node interface {
	eval(vars map[string]any) (any, error)
}

type literalNode struct{ v any }

func (n literalNode) eval(map[string]any) (any, error) { return n.v, nil }

type pathNode struct{ path string }

func (n pathNode) eval(vars map[string]any) (any, error) { return lookup(vars, n.path) }

type notNode struct{ x node }

func (n notNode) eval(vars map[string]any) (any, error) {
	v, err := n.x.eval(vars)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicNode struct {
	and         bool
	left, right node
}

func (n logicNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	if n.and && !truthy(l) {
		return false, nil
	}
	if !n.and && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return compare(l, r, n.op), nil
}

type callNode struct {
	fn   string
	args []node
}

func (n callNode) eval(vars map[string]any) (any, error) {
	vals := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch n.fn {
	case "length":
		switch v := vals[0].(type) {
		case []any:
			return float64(len(v)), nil
		case string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return float64(0), nil
		}
	case "contains":
		switch h := vals[0].(type) {
		case string:
			return strings.Contains(h, formatValue(vals[1])), nil
		case []any:
			for _, item := range h {
				if compare(item, vals[1], "==") {
					return true, nil
				}
			}
			return false, nil
		case map[string]any:
			_, ok := h[formatValue(vals[1])]
			return ok, nil
		default:
			return false, nil
		}
	}
	return nil, fmt.Errorf("unknown function %s", n.fn)
}

var funcArity = map[string]int{"length": 1, "contains": 2}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], src[i])
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			op := ""
			for _, candidate := range []string{"&&", "||", "==", "!=", ">=", "<=", ">", "<", "!"} {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		}
	}
	return append(toks, token{tokEOF, "end of expression", len(src)}), nil
}

type exprParser struct {
	toks   []token
	pos    int
	idents []string
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: false, left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: true, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<"); ok {
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *exprParser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at offset %d", t.pos)
		}
		return x, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return literalNode{f}, nil
	case tokString:
		return literalNode{t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalNode{true}, nil
		case "false":
			return literalNode{false}, nil
		case "null":
			return literalNode{nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		if !pathPattern.MatchString(t.text) {
			return nil, fmt.Errorf("bad variable path %q at offset %d", t.text, t.pos)
		}
		p.idents = append(p.idents, strings.SplitN(t.text, ".", 2)[0])
		return pathNode{t.text}, nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func (p *exprParser) parseCall(name token) (node, error) {
	arity, ok := funcArity[name.text]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at offset %d", name.text, name.pos)
	}
	p.next() // (
	var args []node
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.next()
		if t.kind == tokRParen {
			break
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected , or ) at offset %d", t.pos)
		}
	}
	if len(args) != arity {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", name.text, arity, len(args))
	}
	return callNode{fn: name.text, args: args}, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false")
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func compare(a, b any, op string) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf, op)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return cmpOrdered(as, bs, op)
		}
	}
	// fallback equality
	switch op {
	case "==":
		return equalValues(a, b)
	case "!=":
		return !equalValues(a, b)
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return formatValue(a) == formatValue(b)
}

func cmpOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
