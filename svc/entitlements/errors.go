package entitlements

import "errors"

var (
	ErrClosed          = errors.New("entitlements: engine closed")
	ErrMissingUserID   = errors.New("entitlements: user ID is required")
	ErrMissingDurable  = errors.New("entitlements: durable store is required")
	ErrMissingRemote   = errors.New("entitlements: remote store is required")
	ErrSubscribeFailed = errors.New("entitlements: failed to subscribe to subscription changes")
)
