package kvstore

import "errors"

var (
	ErrNotFound    = errors.New("kvstore: key not found")
	ErrEmptyKey    = errors.New("kvstore: empty key")
	ErrStoreClosed = errors.New("kvstore: store closed")
	ErrOpenFailed  = errors.New("kvstore: failed to open store")
	ErrReadFailed  = errors.New("kvstore: read failed")
	ErrWriteFailed = errors.New("kvstore: write failed")
)
