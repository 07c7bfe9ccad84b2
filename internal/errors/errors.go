// Package errors defines the sentinel errors shared by the sync and
// messaging engines. Callers match them with errors.Is; engines wrap
// them with context using fmt.Errorf("...: %w", err).
package errors

import "errors"

// Client errors.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflicting in-flight mutation")
	ErrInvalidState = errors.New("invalid state transition")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Server/transport errors.
var (
	// ErrStoreUnavailable marks a persistence failure. Nothing from the
	// failed call was committed, so the whole call is safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDeliveryFailed marks a push or live-connection delivery failure.
	// It only ever appears inside a delivery result, never as a call error.
	ErrDeliveryFailed = errors.New("delivery failed")
)
