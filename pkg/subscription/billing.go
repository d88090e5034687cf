package subscription

import "context"

// BillingProvider is the payment collaborator. Checkout and webhook mechanics
// stay inside implementations; the engine only consumes the outcome.
type BillingProvider interface {
	// Purchase starts or completes a purchase of productRef for userID.
	Purchase(ctx context.Context, productRef, userID string) (*PurchaseResult, error)
	// Restore reports the entitlements currently active for userID.
	Restore(ctx context.Context, userID string) (*PurchaseResult, error)
}

// PurchaseResult is what a billing provider knows after a purchase or restore.
type PurchaseResult struct {
	Success            bool
	ActiveEntitlements []Entitlement
	// CheckoutURL is set when the purchase continues in a hosted checkout
	// and entitlements will arrive later.
	CheckoutURL string
}
