package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

// The public trace vocabulary aliases the internal model types directly.
// Spans flow through the hot path of instrumented applications; aliasing
// avoids a copy-and-convert layer between the public API and the recorder.
type (
	// Span is one recorded operation in a trace tree.
	Span = model.Span
	// SpanType is the operation category of a span.
	SpanType = model.SpanType
	// SpanStatus is the terminal state of a span.
	SpanStatus = model.SpanStatus
	// Event is a timestamped occurrence attached to a span or trace.
	Event = model.Event
	// Trace is a complete sealed trace: summary metadata plus all spans.
	Trace = model.Trace
	// TraceInfo is the queryable summary metadata of a sealed trace.
	TraceInfo = model.TraceInfo
	// TraceData is the ordered span sequence of a trace.
	TraceData = model.TraceData
	// TraceStatus is the aggregate completion state of a trace.
	TraceStatus = model.TraceStatus
	// Value is a JSON-shaped payload value.
	Value = model.Value
	// Payload is a string-keyed map of values.
	Payload = model.Payload
	// SearchRequest selects traces by filter expression with pagination.
	SearchRequest = model.SearchRequest
	// SearchResponse is one page of search results.
	SearchResponse = model.SearchResponse
)

// Span type constants.
const (
	SpanTypeChain     = model.SpanTypeChain
	SpanTypeLLM       = model.SpanTypeLLM
	SpanTypeChatModel = model.SpanTypeChatModel
	SpanTypeRetriever = model.SpanTypeRetriever
	SpanTypeEmbedding = model.SpanTypeEmbedding
	SpanTypeParser    = model.SpanTypeParser
	SpanTypeAgent     = model.SpanTypeAgent
	SpanTypeTool      = model.SpanTypeTool
	SpanTypeReranker  = model.SpanTypeReranker
	SpanTypeUnknown   = model.SpanTypeUnknown
)

// Span status constants.
const (
	SpanStatusOK         = model.SpanStatusOK
	SpanStatusError      = model.SpanStatusError
	SpanStatusInProgress = model.SpanStatusInProgress
)

// Trace status constants.
const (
	TraceStatusOK         = model.TraceStatusOK
	TraceStatusError      = model.TraceStatusError
	TraceStatusInProgress = model.TraceStatusInProgress
)

// QueuePolicy selects the export queue's behavior when full.
type QueuePolicy = export.Policy

// Queue-full policies.
const (
	DropOldest = export.PolicyDropOldest
	DropNewest = export.PolicyDropNewest
	Block      = export.PolicyBlock
)

// Value constructors.
var (
	// Null is the JSON null value.
	Null = model.Null
	// String wraps a string value.
	String = model.String
	// Number wraps a float64 value.
	Number = model.Number
	// Int wraps an integer value.
	Int = model.Int
	// Bool wraps a boolean value.
	Bool = model.Bool
	// List wraps a list of values.
	List = model.List
	// Map wraps a string-keyed map of values.
	Map = model.Map
	// ValueOf converts arbitrary JSON-shaped Go data into a Value.
	ValueOf = model.FromAny
	// PayloadOf converts a map of arbitrary JSON-shaped Go data into a Payload.
	PayloadOf = model.PayloadFromAny
)
