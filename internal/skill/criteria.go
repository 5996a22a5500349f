package skill

import (
	"fmt"
	"strconv"
	"strings"
)

// ===== ACCEPTANCE CRITERIA =====
//
// Skills declare pass/fail criteria as small boolean expressions over the
// parsed output rows of a step:
//
//	status == "err-disabled"
//	crc_errors > 0 and duplex != full
//	(input_errors > 100 or output_errors > 100) and not status == admin-down
//
// Comparisons are numeric when both sides parse as numbers, otherwise
// case-insensitive string compares. "contains" does a substring test.
// An expression trips when any row of the step output satisfies it.

// Expr is a compiled criteria expression.
type Expr struct {
	root node
	src  string
}

// CompileCriteria parses an expression. The empty string compiles to nil.
func CompileCriteria(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("criteria %q: %w", src, err)
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("criteria %q: %w", src, err)
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("criteria %q: unexpected %q", src, p.toks[p.pos].text)
	}
	return &Expr{root: root, src: src}, nil
}

// String returns the expression as written.
func (e *Expr) String() string { return e.src }

// Eval reports whether the row satisfies the expression.
func (e *Expr) Eval(row map[string]string) bool {
	return e.root.eval(row)
}

// EvalAny reports whether any row satisfies the expression.
func (e *Expr) EvalAny(rows []map[string]string) bool {
	for _, row := range rows {
		if e.root.eval(row) {
			return true
		}
	}
	return false
}

// ===== AST =====

type node interface {
	eval(row map[string]string) bool
}

type boolNode struct {
	op          string // and, or
	left, right node
}

func (n *boolNode) eval(row map[string]string) bool {
	if n.op == "and" {
		return n.left.eval(row) && n.right.eval(row)
	}
	return n.left.eval(row) || n.right.eval(row)
}

type notNode struct{ inner node }

func (n *notNode) eval(row map[string]string) bool { return !n.inner.eval(row) }

type cmpNode struct {
	field string
	op    string
	value string
}

func (n *cmpNode) eval(row map[string]string) bool {
	actual, ok := lookupField(row, n.field)
	if !ok {
		return false
	}
	if n.op == "contains" {
		return strings.Contains(strings.ToLower(actual), strings.ToLower(n.value))
	}

	af, aerr := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	bf, berr := strconv.ParseFloat(n.value, 64)
	if aerr == nil && berr == nil {
		switch n.op {
		case "==":
			return af == bf
		case "!=":
			return af != bf
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		}
		return false
	}

	cmp := strings.Compare(strings.ToLower(strings.TrimSpace(actual)), strings.ToLower(n.value))
	switch n.op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// lookupField matches a criteria field against row columns with the same
// normalization parsers apply: case-insensitive, spaces and dashes as
// underscores. "crc_errors" finds a "CRC Errors" column.
func lookupField(row map[string]string, field string) (string, bool) {
	if v, ok := row[field]; ok {
		return v, true
	}
	want := normalizeField(field)
	for k, v := range row {
		if normalizeField(k) == want {
			return v, true
		}
	}
	return "", false
}

func normalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// ===== TOKENIZER =====

type token struct {
	kind string // ident, op, lparen, rparen
	text string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{"lparen", "("})
			i++
		case c == ')':
			toks = append(toks, token{"rparen", ")"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("incomplete operator %q", op)
			}
			toks = append(toks, token{"op", op})
		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{"ident", src[i+1 : i+1+end]})
			i += end + 2
		default:
			j := i
			for j < len(src) && !strings.ContainsRune(" \t()=!<>\"'", rune(src[j])) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			toks = append(toks, token{"ident", src[i:j]})
			i = j
		}
	}
	return toks, nil
}

// ===== PARSER =====

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "ident" || !strings.EqualFold(t.text, "or") {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "or", left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "ident" || !strings.EqualFold(t.text, "and") {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "and", left: left, right: right}
	}
}

func (p *exprParser) parseFactor() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if t.kind == "ident" && strings.EqualFold(t.text, "not") {
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	if t.kind == "lparen" {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (node, error) {
	field, ok := p.peek()
	if !ok || field.kind != "ident" {
		return nil, fmt.Errorf("expected a field name")
	}
	p.pos++

	op, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("field %q has no comparison", field.text)
	}
	switch {
	case op.kind == "op":
	case op.kind == "ident" && strings.EqualFold(op.text, "contains"):
		op = token{"op", "contains"}
	default:
		return nil, fmt.Errorf("expected an operator after %q, got %q", field.text, op.text)
	}
	p.pos++

	value, ok := p.peek()
	if !ok || value.kind != "ident" {
		return nil, fmt.Errorf("comparison on %q has no value", field.text)
	}
	p.pos++

	return &cmpNode{field: field.text, op: op.text, value: value.text}, nil
}
