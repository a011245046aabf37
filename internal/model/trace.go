package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the aggregate completion state of a trace.
type TraceStatus string

const (
	TraceStatusOK         TraceStatus = "OK"
	TraceStatusError      TraceStatus = "ERROR"
	TraceStatusInProgress TraceStatus = "IN_PROGRESS"
)

// Event names for trace-level events recorded by the engine.
const (
	EventForcedClosure = "forced_closure"
)

// TraceInfo is the queryable summary metadata of a sealed trace.
type TraceInfo struct {
	TraceID         uuid.UUID         `json:"trace_id"`
	StartTime       time.Time         `json:"start_time"`
	Duration        time.Duration     `json:"duration"`
	Status          TraceStatus       `json:"status"` // ERROR iff any span errored
	RequestPreview  string            `json:"request_preview,omitempty"`
	ResponsePreview string            `json:"response_preview,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"` // mutable post-seal via the tag update path
	Events          []Event           `json:"events,omitempty"`
	Location        string            `json:"location,omitempty"` // storage reference, set by the store that holds the trace
}

// TraceData is the ordered sequence of all spans belonging to a trace.
// Insertion order is start order; the tree is reconstructable via ParentID.
type TraceData struct {
	Spans []Span `json:"spans"`
}

// Trace is a complete sealed trace: summary metadata plus all spans.
type Trace struct {
	Info TraceInfo `json:"info"`
	Data TraceData `json:"data"`
}

// Root returns the root span, or nil if the trace has none (malformed).
func (t *Trace) Root() *Span {
	for i := range t.Data.Spans {
		if t.Data.Spans[i].IsRoot() {
			return &t.Data.Spans[i]
		}
	}
	return nil
}

// SpanByID returns the span with the given ID, or nil.
func (t *Trace) SpanByID(id uuid.UUID) *Span {
	for i := range t.Data.Spans {
		if t.Data.Spans[i].SpanID == id {
			return &t.Data.Spans[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of a sealed trace: every span
// carries the trace's ID, the parent graph is a single-rooted tree with no
// orphans or cycles, and every span is finalized with end >= start.
func (t *Trace) Validate() error {
	if len(t.Data.Spans) == 0 {
		return fmt.Errorf("model: trace %s has no spans", t.Info.TraceID)
	}
	byID := make(map[uuid.UUID]*Span, len(t.Data.Spans))
	var roots int
	for i := range t.Data.Spans {
		s := &t.Data.Spans[i]
		if s.TraceID != t.Info.TraceID {
			return fmt.Errorf("model: span %s carries trace id %s, want %s", s.SpanID, s.TraceID, t.Info.TraceID)
		}
		if _, dup := byID[s.SpanID]; dup {
			return fmt.Errorf("model: duplicate span id %s", s.SpanID)
		}
		byID[s.SpanID] = s
		if s.IsRoot() {
			roots++
		}
		if !s.Finalized() {
			return fmt.Errorf("model: span %s not finalized", s.SpanID)
		}
		if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
			return fmt.Errorf("model: span %s ends before it starts", s.SpanID)
		}
	}
	if roots != 1 {
		return fmt.Errorf("model: trace %s has %d roots, want exactly 1", t.Info.TraceID, roots)
	}
	// Walk each span's ancestry; a missing parent is an orphan, revisiting a
	// span within one walk is a cycle.
	for id, s := range byID {
		seen := map[uuid.UUID]bool{id: true}
		for cur := s; cur.ParentID != nil; {
			p, ok := byID[*cur.ParentID]
			if !ok {
				return fmt.Errorf("model: span %s references missing parent %s", cur.SpanID, *cur.ParentID)
			}
			if seen[p.SpanID] {
				return fmt.Errorf("model: cycle through span %s", p.SpanID)
			}
			seen[p.SpanID] = true
			cur = p
		}
	}
	return nil
}

// ChildCount returns the number of direct children of the given span.
func (t *Trace) ChildCount(id uuid.UUID) int {
	var n int
	for i := range t.Data.Spans {
		if p := t.Data.Spans[i].ParentID; p != nil && *p == id {
			n++
		}
	}
	return n
}
