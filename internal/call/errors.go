package call

import "errors"

var (
	ErrSignaling        = errors.New("call signaling failed")
	ErrMediaAcquisition = errors.New("failed to acquire local media")
	ErrBusy             = errors.New("already in a call")
	ErrNoSender         = errors.New("no sender for track kind")
	ErrUnknownAddress   = errors.New("unknown call address")
	ErrNotReady         = errors.New("negotiator not initialized")
	ErrNoCall           = errors.New("no active call")
	ErrHungUp           = errors.New("call hung up")
	ErrRejected         = errors.New("call rejected")
	ErrClosed           = errors.New("closed")
)
