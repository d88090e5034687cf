package reconciler

import "errors"

var (
	ErrMissingUserID    = errors.New("reconciler: user id is required")
	ErrNoBilling        = errors.New("reconciler: no billing provider configured")
	ErrNoSubscription   = errors.New("reconciler: user has no subscription")
	ErrNoEntitlements   = errors.New("reconciler: no active entitlements to restore")
	ErrAlreadyEntitled  = errors.New("reconciler: user already has an active plan")
	ErrPurchaseDeclined = errors.New("reconciler: purchase was not successful")
	ErrRemoteRead       = errors.New("reconciler: remote read failed")
	ErrRemoteWrite      = errors.New("reconciler: remote write failed")
	ErrBilling          = errors.New("reconciler: billing provider failed")
)
