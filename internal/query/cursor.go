package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Cursor is the keyset pagination position: the (start_time, trace_id) pair of
// the last TraceInfo returned. Ordering on this composite key is total and
// monotonic, so concurrent inserts can never duplicate or skip entries in
// later pages.
type Cursor struct {
	StartUnixNano int64  `json:"s"`
	TraceID       string `json:"t"`
}

// Encode serializes the cursor into an opaque page token.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a page token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("query: bad page token: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, fmt.Errorf("query: bad page token: %w", err)
	}
	return c, nil
}

// Search is a fully-resolved search: parsed filter, ordering, bounds, and
// resume position.
type Search struct {
	Expr   Expr
	Desc   bool // ordering direction on (start_time, trace_id); default descending (newest first)
	Limit  int
	Cursor *Cursor
}

// Build resolves a SearchRequest into a Search, parsing the filter expression,
// order_by clause, and page token.
func Build(req model.SearchRequest) (Search, error) {
	req.Normalize()

	expr, err := Parse(req.Filter)
	if err != nil {
		return Search{}, err
	}

	desc, err := parseOrderBy(req.OrderBy)
	if err != nil {
		return Search{}, err
	}

	s := Search{Expr: expr, Desc: desc, Limit: req.MaxResults}
	if req.PageToken != "" {
		cur, err := DecodeCursor(req.PageToken)
		if err != nil {
			return Search{}, err
		}
		s.Cursor = &cur
	}
	return s, nil
}

// parseOrderBy accepts "", "start_time", "start_time ASC", "start_time DESC"
// (case-insensitive). start_time is the only orderable field — the trace id
// tiebreaker is always appended so pagination stays stable.
func parseOrderBy(s string) (desc bool, err error) {
	fields := strings.Fields(strings.ToLower(s))
	switch len(fields) {
	case 0:
		return true, nil
	case 1:
		if fields[0] != FieldStartTime {
			return false, fmt.Errorf("query: cannot order by %q", fields[0])
		}
		return true, nil
	case 2:
		if fields[0] != FieldStartTime {
			return false, fmt.Errorf("query: cannot order by %q", fields[0])
		}
		switch fields[1] {
		case "asc":
			return false, nil
		case "desc":
			return true, nil
		default:
			return false, fmt.Errorf("query: bad order direction %q", fields[1])
		}
	default:
		return false, fmt.Errorf("query: bad order_by %q", s)
	}
}

// After reports whether info sorts strictly after the cursor position in the
// configured direction, i.e. whether it belongs on pages after the cursor.
func (s Search) After(info *model.TraceInfo) bool {
	if s.Cursor == nil {
		return true
	}
	ts := info.StartTime.UnixNano()
	if ts != s.Cursor.StartUnixNano {
		if s.Desc {
			return ts < s.Cursor.StartUnixNano
		}
		return ts > s.Cursor.StartUnixNano
	}
	if s.Desc {
		return info.TraceID.String() < s.Cursor.TraceID
	}
	return info.TraceID.String() > s.Cursor.TraceID
}
