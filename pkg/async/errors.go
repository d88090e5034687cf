package async

import "errors"

var (
	ErrQueueClosed    = errors.New("async: queue closed")
	ErrAlreadyStarted = errors.New("async: queue already started")
	ErrTaskPanicked   = errors.New("async: task panicked")
)
