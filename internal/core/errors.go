package core

import "errors"

// Sentinel errors shared across components. The API layer maps these to
// structured error codes; internal detail never reaches the client.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrQueueFull     = errors.New("ingest queue full")
	ErrStopped       = errors.New("shutting down")
	ErrNoApproval    = errors.New("action requires approval")
	ErrBadTransition = errors.New("invalid state transition")
)
