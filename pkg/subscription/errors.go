package subscription

import "errors"

var (
	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")

	ErrInvalidRecord     = errors.New("invalid subscription record")
	ErrInvalidStatus     = errors.New("invalid subscription status")
	ErrInvalidTransition = errors.New("invalid subscription status transition")

	ErrTrialNotAvailable = errors.New("subscription trial not available")
	ErrTrialAlreadyUsed  = errors.New("subscription trial already used for this plan")

	ErrMalformedUsage = errors.New("malformed usage document")

	ErrProviderError              = errors.New("billing provider error")
	ErrPurchaseFailed             = errors.New("purchase did not complete")
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrMissingProductRef          = errors.New("product reference is required")
	ErrMissingUserID              = errors.New("user ID is required")
)
