package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanType categorizes the GenAI operation a span records. The enumeration
// mirrors the common component taxonomy of LLM applications; producers may
// also supply any custom string.
type SpanType string

const (
	SpanTypeChain     SpanType = "CHAIN"
	SpanTypeLLM       SpanType = "LLM"
	SpanTypeChatModel SpanType = "CHAT_MODEL"
	SpanTypeRetriever SpanType = "RETRIEVER"
	SpanTypeEmbedding SpanType = "EMBEDDING"
	SpanTypeParser    SpanType = "PARSER"
	SpanTypeAgent     SpanType = "AGENT"
	SpanTypeTool      SpanType = "TOOL"
	SpanTypeReranker  SpanType = "RERANKER"
	SpanTypeUnknown   SpanType = "UNKNOWN"
)

// SpanStatus is the completion state of a span.
type SpanStatus string

const (
	SpanStatusOK         SpanStatus = "OK"
	SpanStatusError      SpanStatus = "ERROR"
	SpanStatusInProgress SpanStatus = "IN_PROGRESS"
)

// Status details recorded when the engine finalizes a span on the caller's
// behalf rather than via an explicit end call.
const (
	StatusDetailTimeout   = "timeout"
	StatusDetailCancelled = "cancelled"
)

// Span is a single timed operation record. A span is mutable while its status
// is IN_PROGRESS and immutable after finalization; end_time and status are set
// exactly once.
//
// StartTime and EndTime carry Go's monotonic clock reading while in process,
// so durations are immune to wall-clock adjustments.
type Span struct {
	SpanID       uuid.UUID  `json:"span_id"`
	TraceID      uuid.UUID  `json:"trace_id"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"` // nil marks the root span
	Name         string     `json:"name"`
	Type         SpanType   `json:"span_type"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Status       SpanStatus `json:"status"`
	StatusDetail string     `json:"status_detail,omitempty"` // "timeout", "cancelled", or an error message
	Inputs       Payload    `json:"inputs,omitempty"`        // write-once at start
	Outputs      Payload    `json:"outputs,omitempty"`       // write-once at end
	Attributes   Payload    `json:"attributes,omitempty"`    // mutable until finalization
	Events       []Event    `json:"events,omitempty"`        // append-only
}

// Event is a timestamped annotation recorded during a span's lifetime.
type Event struct {
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
	Payload Payload   `json:"payload,omitempty"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool { return s.ParentID == nil }

// Finalized reports whether the span has been ended.
func (s *Span) Finalized() bool { return s.Status != SpanStatusInProgress }

// Duration returns the span's duration, or 0 while in progress.
func (s *Span) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
