package model

import (
	"fmt"
	"time"
)

// SearchRequest is the request body for POST /v1/traces/search and the
// argument to the engine's search API.
type SearchRequest struct {
	// Filter is a comparison expression over TraceInfo fields and tags,
	// e.g. `status = 'ERROR' AND tags.env = 'prod' AND duration_ms > 250`.
	// Empty matches all traces.
	Filter string `json:"filter,omitempty"`
	// MaxResults caps the page size. Zero means the default (100).
	MaxResults int `json:"max_results,omitempty"`
	// OrderBy is "start_time" with an optional direction ("start_time ASC",
	// "start_time DESC"). Empty means "start_time DESC". The trace id is
	// always the tiebreaker so pagination is stable under insertion.
	OrderBy string `json:"order_by,omitempty"`
	// PageToken resumes a previous search.
	PageToken string `json:"page_token,omitempty"`
}

// SearchResponse is one page of search results.
type SearchResponse struct {
	Traces        []TraceInfo `json:"traces"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

// UpdateTagsRequest is the request body for PATCH /v1/traces/{trace_id}/tags.
// Set entries are upserted, then Delete keys are removed.
type UpdateTagsRequest struct {
	Set    map[string]string `json:"set,omitempty"`
	Delete []string          `json:"delete,omitempty"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

const (
	// DefaultMaxResults is the page size used when SearchRequest.MaxResults is zero.
	DefaultMaxResults = 100
	// MaxMaxResults bounds any requested page size.
	MaxMaxResults = 1000
)

// Normalize applies defaults and bounds to the request.
func (r *SearchRequest) Normalize() {
	if r.MaxResults <= 0 {
		r.MaxResults = DefaultMaxResults
	}
	if r.MaxResults > MaxMaxResults {
		r.MaxResults = MaxMaxResults
	}
}

// Validate rejects tag updates with empty keys.
func (r *UpdateTagsRequest) Validate() error {
	for k := range r.Set {
		if k == "" {
			return fmt.Errorf("model: empty tag key in set")
		}
	}
	for _, k := range r.Delete {
		if k == "" {
			return fmt.Errorf("model: empty tag key in delete")
		}
	}
	return nil
}
