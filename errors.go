package kiroku

import "github.com/ashita-ai/kiroku/internal/model"

// Sentinel errors returned by Engine operations. Match with errors.Is.
var (
	// ErrInvalidState marks an operation against a finalized span, a sealed
	// trace, or a stopped engine.
	ErrInvalidState = model.ErrInvalidState
	// ErrNotFound marks a lookup of an unknown span or trace.
	ErrNotFound = model.ErrNotFound
	// ErrQueueFull marks a sealed trace rejected by the export queue policy.
	ErrQueueFull = model.ErrQueueFull
)
