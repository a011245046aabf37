package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Engine is the subset of the trace engine the HTTP API depends on.
type Engine interface {
	Ingest(ctx context.Context, trace model.Trace) error
	GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error)
	SearchTraces(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error)
	UpdateTraceTags(ctx context.Context, id uuid.UUID, set map[string]string, del []string) error
	OpenTraces() int
	QueueDepth() int
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	engine              Engine
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte

	// getGroup deduplicates concurrent fetches of the same trace: dashboards
	// tend to hammer one trace id while it renders.
	getGroup singleflight.Group
}

// HandlersDeps configures NewHandlers.
type HandlersDeps struct {
	Engine              Engine
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		engine:              deps.Engine,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		openapiSpec:         deps.OpenAPISpec,
	}
}

// HandleIngest accepts a complete pre-assembled trace from a remote SDK.
// POST /v1/traces
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var trace model.Trace
	if err := decodeJSON(r, &trace); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid trace body: %v", err))
		return
	}

	err := h.engine.Ingest(r.Context(), trace)
	switch {
	case errors.Is(err, model.ErrQueueFull):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "export queue full, retry later")
		return
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		h.logger.Error("ingest failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "ingest failed")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"trace_id": trace.Info.TraceID,
	})
}

// HandleGetTrace returns one full trace.
// GET /v1/traces/{trace_id}
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id must be a UUID")
		return
	}

	v, err, _ := h.getGroup.Do(id.String(), func() (any, error) {
		return h.engine.GetTrace(r.Context(), id)
	})
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("trace %s not found", id))
		return
	}
	if err != nil {
		h.logger.Error("get trace failed", "trace_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get trace failed")
		return
	}

	writeJSON(w, r, http.StatusOK, v)
}

// HandleSearch returns one page of trace summaries matching a filter.
// POST /v1/traces/search
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid search body: %v", err))
		return
	}

	resp, err := h.engine.SearchTraces(r.Context(), req)
	if errors.Is(err, model.ErrInvalidState) {
		// Bad filter expression, order_by, or page token.
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("search failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleUpdateTags mutates a trace's tags, open or sealed.
// PATCH /v1/traces/{trace_id}/tags
func (h *Handlers) HandleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id must be a UUID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.UpdateTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid tags body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	err = h.engine.UpdateTraceTags(r.Context(), id, req.Set, req.Delete)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("trace %s not found", id))
		return
	}
	if err != nil {
		h.logger.Error("update tags failed", "trace_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update tags failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"trace_id": id})
}

// HandleHealth reports collector liveness and pipeline depth.
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"open_traces": h.engine.OpenTraces(),
		"queue_depth": h.engine.QueueDepth(),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
// GET /openapi.yaml
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
