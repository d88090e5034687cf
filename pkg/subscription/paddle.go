package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey      string `env:"PADDLE_API_KEY,required"`
	Environment string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// CustomerResolver maps an internal user ID to a Paddle customer ID (ctm_...).
type CustomerResolver func(ctx context.Context, userID string) (string, error)

// PaddleProvider implements BillingProvider on top of Paddle Billing.
// Entitlement IDs are Paddle price IDs; map them to plans with an
// EntitlementMap.
type PaddleProvider struct {
	client   *paddle.SDK
	customer CustomerResolver
}

// PaddleOption configures a PaddleProvider.
type PaddleOption func(*PaddleProvider)

// WithCustomerResolver overrides the default, which uses the user ID as the
// Paddle customer ID.
func WithCustomerResolver(r CustomerResolver) PaddleOption {
	return func(p *PaddleProvider) {
		if r != nil {
			p.customer = r
		}
	}
}

// NewPaddleProvider creates a Paddle provider for the configured environment.
func NewPaddleProvider(cfg PaddleConfig, opts ...PaddleOption) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, errors.Join(ErrInvalidProviderEnvironment, fmt.Errorf("environment %q", cfg.Environment))
	}
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}

	p := &PaddleProvider{
		client: client,
		customer: func(_ context.Context, userID string) (string, error) {
			return userID, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Purchase creates a Paddle transaction for the price productRef and returns
// its hosted checkout URL. Entitlements become visible through Restore once
// the customer completes checkout.
func (p *PaddleProvider) Purchase(ctx context.Context, productRef, userID string) (*PurchaseResult, error) {
	if productRef == "" {
		return nil, ErrMissingProductRef
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  productRef,
		Quantity: 1,
	})

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{"user_id": userID},
	})
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, errors.Join(ErrProviderError, errors.New("no checkout URL returned from paddle"))
	}

	return &PurchaseResult{CheckoutURL: *tx.Checkout.URL}, nil
}

// Restore lists the customer's active and trialing Paddle subscriptions and
// reports one entitlement per subscribed price.
func (p *PaddleProvider) Restore(ctx context.Context, userID string) (*PurchaseResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	customerID, err := p.customer(ctx, userID)
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}

	subs, err := p.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
		Status:     []string{"active", "trialing"},
	})
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}

	var ents []Entitlement
	err = subs.Iter(ctx, func(s *paddle.Subscription) (bool, error) {
		ents = append(ents, paddleEntitlements(s)...)
		return true, nil
	})
	if err != nil {
		return nil, errors.Join(ErrProviderError, err)
	}

	return &PurchaseResult{Success: len(ents) > 0, ActiveEntitlements: ents}, nil
}

func paddleEntitlements(s *paddle.Subscription) []Entitlement {
	var started time.Time
	if s.StartedAt != nil {
		started = parsePaddleTime(*s.StartedAt)
	}
	var expires *time.Time
	if s.CurrentBillingPeriod != nil {
		if t := parsePaddleTime(s.CurrentBillingPeriod.EndsAt); !t.IsZero() {
			expires = &t
		}
	}

	out := make([]Entitlement, 0, len(s.Items))
	for _, item := range s.Items {
		out = append(out, Entitlement{ID: item.Price.ID, StartedAt: started, ExpiresAt: expires})
	}
	return out
}

func parsePaddleTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
