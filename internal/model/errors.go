package model

import "errors"

// Sentinel errors shared by the capture, store, and query layers.
var (
	// ErrInvalidState is returned when mutating or finalizing a span that is
	// already finalized, or submitting to a closed pipeline.
	ErrInvalidState = errors.New("kiroku: invalid state")

	// ErrNotFound is returned when a span or trace id does not resolve.
	ErrNotFound = errors.New("kiroku: not found")

	// ErrQueueFull is returned by the export buffer when the queue is at
	// capacity and the configured policy rejects the submission.
	ErrQueueFull = errors.New("kiroku: export queue full")
)
