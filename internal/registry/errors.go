package registry

import "errors"

var (
	// ErrSessionNotFound is reported to the caller.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionDenied is never reported; callers drop the command.
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCodeSpaceExhausted = errors.New("failed to generate a free session code")
)
