package client

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotHost         = errors.New("only the host can control playback")
	ErrNotIdle         = errors.New("already in a session")
	ErrNotJoined       = errors.New("not in a session")
	ErrRequestFailed   = errors.New("request failed")
	ErrClosed          = errors.New("client closed")
)
