package cache

import "errors"

var (
	ErrFetchFailed  = errors.New("cache: fetch failed and no cached entry exists")
	ErrEncode       = errors.New("cache: failed to encode entry")
	ErrDurableRead  = errors.New("cache: durable store read failed")
	ErrDurableWrite = errors.New("cache: durable store write failed")
)
