package remotestore

import "errors"

var (
	ErrNotFound     = errors.New("remotestore: document not found")
	ErrInvalidQuery = errors.New("remotestore: invalid query")
	ErrInvalidID    = errors.New("remotestore: empty collection or document id")
	ErrEncodeFailed = errors.New("remotestore: failed to encode document")
	ErrDecodeFailed = errors.New("remotestore: failed to decode document")
	ErrReadFailed   = errors.New("remotestore: read failed")
	ErrWriteFailed  = errors.New("remotestore: write failed")
	ErrSubscribe    = errors.New("remotestore: subscription failed")
	ErrStoreClosed  = errors.New("remotestore: store closed")
)
