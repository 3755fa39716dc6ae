package generation

import "errors"

var (
	// ErrValidation rejects a malformed request before it is enqueued.
	ErrValidation = errors.New("generation: invalid request")
	// ErrNotFound reports an unknown or already purged session id.
	ErrNotFound = errors.New("generation: session not found")
	// ErrSessionCancelled marks a session stopped by an explicit cancel.
	ErrSessionCancelled = errors.New("generation: session cancelled")
	// ErrSessionTimeout marks a session that exceeded its wall-clock limit.
	ErrSessionTimeout = errors.New("generation: session timed out")
	// ErrResourceUnavailable reports that the resource monitor has no usable
	// sample; admission is denied, nothing fails.
	ErrResourceUnavailable = errors.New("generation: resource state unavailable")
)
