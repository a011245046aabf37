package query

import (
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Match evaluates the expression against one TraceInfo. A nil expression
// matches everything. Comparisons between mismatched kinds (e.g. a numeric
// operand against a string field) and lookups of absent tags evaluate to
// false rather than erroring: search filters are best-effort selectors.
func Match(e Expr, info *model.TraceInfo) bool {
	switch t := e.(type) {
	case nil:
		return true
	case AndExpr:
		return Match(t.Left, info) && Match(t.Right, info)
	case CmpExpr:
		return matchCmp(t, info)
	default:
		return false
	}
}

func matchCmp(c CmpExpr, info *model.TraceInfo) bool {
	if c.Field.Name == "tags" {
		v, ok := info.Tags[c.Field.TagKey]
		if !ok || c.Operand.IsNumber {
			return false
		}
		return cmpStrings(v, c.Op, c.Operand.Str)
	}

	switch c.Field.Name {
	case FieldStartTime:
		if !c.Operand.IsNumber {
			return false
		}
		return cmpNumbers(float64(info.StartTime.UnixMilli()), c.Op, c.Operand.Num)
	case FieldDurationMS:
		if !c.Operand.IsNumber {
			return false
		}
		return cmpNumbers(float64(info.Duration.Milliseconds()), c.Op, c.Operand.Num)
	case FieldTraceID:
		if c.Operand.IsNumber {
			return false
		}
		return cmpStrings(info.TraceID.String(), c.Op, c.Operand.Str)
	case FieldStatus:
		if c.Operand.IsNumber {
			return false
		}
		return cmpStrings(string(info.Status), c.Op, strings.ToUpper(c.Operand.Str))
	case FieldRequest:
		if c.Operand.IsNumber {
			return false
		}
		return cmpStrings(info.RequestPreview, c.Op, c.Operand.Str)
	case FieldResponse:
		if c.Operand.IsNumber {
			return false
		}
		return cmpStrings(info.ResponsePreview, c.Op, c.Operand.Str)
	default:
		return false
	}
}

func cmpStrings(a string, op CmpOp, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	default:
		return false
	}
}

func cmpNumbers(a float64, op CmpOp, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	default:
		return false
	}
}
