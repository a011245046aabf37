// Package query implements the trace search surface: a small comparison
// grammar over TraceInfo fields and tags, an in-memory evaluator, a SQL
// compiler shared by the sqlite and postgres stores, and keyset cursors for
// pagination that stays stable while new traces are inserted.
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Filterable TraceInfo fields. start_time and duration_ms compare numerically
// (unix milliseconds / milliseconds); the rest compare as strings.
const (
	FieldTraceID    = "trace_id"
	FieldStatus     = "status"
	FieldStartTime  = "start_time"
	FieldDurationMS = "duration_ms"
	FieldRequest    = "request"
	FieldResponse   = "response"
)

// CmpOp is a comparison operator.
type CmpOp string

const (
	OpEq CmpOp = "="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
)

// Expr is a parsed filter expression.
type Expr interface{ isExpr() }

// AndExpr is the conjunction of two expressions.
type AndExpr struct {
	Left, Right Expr
}

// CmpExpr compares one field (or tag) against a literal.
type CmpExpr struct {
	Field   FieldRef
	Op      CmpOp
	Operand Operand
}

func (AndExpr) isExpr() {}
func (CmpExpr) isExpr() {}

// FieldRef names a TraceInfo field, or a tag when TagKey is non-empty.
type FieldRef struct {
	Name   string
	TagKey string
}

// Operand is a literal: a quoted string or a number.
type Operand struct {
	IsNumber bool
	Str      string
	Num      float64
}

// Parse compiles a filter expression like
//
//	status = 'ERROR' AND tags.env = 'prod' AND duration_ms > 250
//
// into an Expr. An empty expression returns (nil, nil) and matches everything.
// `attributes.x` is accepted as an alias for `tags.x`.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("query: unexpected %q", p.peek().text)
	}
	return expr, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokDot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokOp, text: "="})
			i++
		case c == '!':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, fmt.Errorf("query: unexpected '!' at offset %d", i)
			}
			toks = append(toks, token{kind: tokOp, text: "!="})
			i += 2
		case c == '<' || c == '>':
			op := string(c)
			i++
			if i < len(input) && input[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, text: op})
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("query: unterminated string at offset %d", i)
			}
			toks = append(toks, token{kind: tokString, text: input[i+1 : j]})
			i = j + 1
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(input[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("query: bad number %q", input[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: input[i:j], num: f})
			i = j
		case isIdentByte(c):
			j := i + 1
			for j < len(input) && isIdentByte(input[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("query: unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool     { return p.pos >= len(p.toks) }
func (p *parser) peek() token   { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

// parseExpr := parseCond (AND parseCond)*
func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseCond()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "and") {
		p.advance()
		right, err := p.parseCond()
		if err != nil {
			return nil, err
		}
		left = AndExpr{Left: left, Right: right}
	}
	return left, nil
}

// parseCond := '(' expr ')' | field op literal
func (p *parser) parseCond() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("query: unexpected end of expression")
	}
	if p.peek().kind == tokLParen {
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("query: missing closing parenthesis")
		}
		p.advance()
		return inner, nil
	}

	field, err := p.parseField()
	if err != nil {
		return nil, err
	}
	if p.eof() || p.peek().kind != tokOp {
		return nil, fmt.Errorf("query: expected comparison operator after %q", field.Name)
	}
	op := CmpOp(p.advance().text)
	if p.eof() {
		return nil, fmt.Errorf("query: expected literal after operator")
	}
	switch lit := p.advance(); lit.kind {
	case tokString:
		return CmpExpr{Field: field, Op: op, Operand: Operand{Str: lit.text}}, nil
	case tokNumber:
		return CmpExpr{Field: field, Op: op, Operand: Operand{IsNumber: true, Num: lit.num}}, nil
	default:
		return nil, fmt.Errorf("query: expected string or number literal, got %q", lit.text)
	}
}

func (p *parser) parseField() (FieldRef, error) {
	t := p.advance()
	if t.kind != tokIdent {
		return FieldRef{}, fmt.Errorf("query: expected field name, got %q", t.text)
	}
	name := strings.ToLower(t.text)
	if name == "tags" || name == "attributes" {
		if p.eof() || p.peek().kind != tokDot {
			return FieldRef{}, fmt.Errorf("query: %s requires a key (%s.<key>)", name, name)
		}
		p.advance()
		if p.eof() || p.toks[p.pos].kind != tokIdent && p.toks[p.pos].kind != tokString {
			return FieldRef{}, fmt.Errorf("query: expected tag key after %s.", name)
		}
		key := p.advance().text
		// Dotted keys like service.region form a single tag key.
		for !p.eof() && p.peek().kind == tokDot {
			p.advance()
			if p.eof() || p.peek().kind != tokIdent {
				return FieldRef{}, fmt.Errorf("query: expected tag key segment after %s.%s.", name, key)
			}
			key += "." + p.advance().text
		}
		return FieldRef{Name: "tags", TagKey: key}, nil
	}
	switch name {
	case FieldTraceID, FieldStatus, FieldStartTime, FieldDurationMS, FieldRequest, FieldResponse:
		return FieldRef{Name: name}, nil
	default:
		return FieldRef{}, fmt.Errorf("query: unknown field %q", t.text)
	}
}
