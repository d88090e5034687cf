package listener

import "errors"

var (
	ErrClosed          = errors.New("listener: optimizer is closed")
	ErrNilCallback     = errors.New("listener: callback is required")
	ErrSubscribeFailed = errors.New("listener: failed to open remote subscription")
)
