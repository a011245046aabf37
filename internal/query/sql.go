package query

import (
	"fmt"
	"strings"
)

// Dialect abstracts the differences between the sqlite and postgres stores.
// Both share the canonical trace table schema (trace_id, start_time_ns,
// duration_ns, status, request_preview, response_preview, tags, data).
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Placeholder returns the bind placeholder for the n-th argument (1-based).
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Compile translates the expression into a SQL boolean expression plus bind
// arguments, starting placeholder numbering at argOffset+1. A nil expression
// compiles to "1=1".
func Compile(e Expr, d Dialect, argOffset int) (string, []any, error) {
	c := &sqlCompiler{dialect: d, n: argOffset}
	sql, err := c.compile(e)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}

type sqlCompiler struct {
	dialect Dialect
	args    []any
	n       int
}

func (c *sqlCompiler) bind(v any) string {
	c.args = append(c.args, v)
	c.n++
	return c.dialect.Placeholder(c.n)
}

func (c *sqlCompiler) compile(e Expr) (string, error) {
	switch t := e.(type) {
	case nil:
		return "1=1", nil
	case AndExpr:
		l, err := c.compile(t.Left)
		if err != nil {
			return "", err
		}
		r, err := c.compile(t.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " AND " + r + ")", nil
	case CmpExpr:
		return c.compileCmp(t)
	default:
		return "", fmt.Errorf("query: unsupported expression %T", e)
	}
}

func (c *sqlCompiler) compileCmp(cmp CmpExpr) (string, error) {
	op := string(cmp.Op)
	if cmp.Op == OpNe {
		op = "<>"
	}

	if cmp.Field.Name == "tags" {
		if cmp.Operand.IsNumber {
			// Tags are strings; a numeric operand can never match.
			return "1=0", nil
		}
		var col string
		if c.dialect == DialectPostgres {
			col = "tags->>" + c.bind(cmp.Field.TagKey)
		} else {
			col = "json_extract(tags, " + c.bind(tagPath(cmp.Field.TagKey)) + ")"
		}
		return "(" + col + " " + op + " " + c.bind(cmp.Operand.Str) + ")", nil
	}

	switch cmp.Field.Name {
	case FieldStartTime:
		if !cmp.Operand.IsNumber {
			return "1=0", nil
		}
		// Filter values are unix milliseconds; the column is nanoseconds.
		return "(start_time_ns " + op + " " + c.bind(int64(cmp.Operand.Num*1e6)) + ")", nil
	case FieldDurationMS:
		if !cmp.Operand.IsNumber {
			return "1=0", nil
		}
		return "(duration_ns " + op + " " + c.bind(int64(cmp.Operand.Num*1e6)) + ")", nil
	case FieldTraceID:
		if cmp.Operand.IsNumber {
			return "1=0", nil
		}
		return "(trace_id " + op + " " + c.bind(cmp.Operand.Str) + ")", nil
	case FieldStatus:
		if cmp.Operand.IsNumber {
			return "1=0", nil
		}
		return "(status " + op + " " + c.bind(strings.ToUpper(cmp.Operand.Str)) + ")", nil
	case FieldRequest:
		if cmp.Operand.IsNumber {
			return "1=0", nil
		}
		return "(request_preview " + op + " " + c.bind(cmp.Operand.Str) + ")", nil
	case FieldResponse:
		if cmp.Operand.IsNumber {
			return "1=0", nil
		}
		return "(response_preview " + op + " " + c.bind(cmp.Operand.Str) + ")", nil
	default:
		return "", fmt.Errorf("query: unknown field %q", cmp.Field.Name)
	}
}

// tagPath builds a sqlite JSON path for a tag key, quoting so keys with dots
// or spaces resolve as a single member.
func tagPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}
