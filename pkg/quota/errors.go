package quota

import "errors"

var (
	ErrMissingUserID = errors.New("quota: user id is required")
	ErrInvalidAmount = errors.New("quota: usage amount must be positive")
	ErrUsageRead     = errors.New("quota: failed to read usage")
	ErrUsageWrite    = errors.New("quota: failed to store usage")
)
