// Package receipts fetches charge receipt URLs from the Stripe API.
package receipts

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// ErrNoReceipt means the payment intent has no settled charge with a receipt yet.
var ErrNoReceipt = errors.New("no receipt available")

// Lookup resolves a payment intent to the receipt URL of its latest charge.
type Lookup struct {
	client paymentintent.Client
}

// Options tune the Stripe backend. Zero values use the live API.
type Options struct {
	// BaseURL overrides the API host, e.g. for stripe-mock.
	BaseURL string
	// MaxRetries bounds network retries inside the SDK.
	MaxRetries int64
}

// NewLookup returns a Lookup authenticated with secretKey.
func NewLookup(secretKey string, opts Options) *Lookup {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(opts.MaxRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if opts.BaseURL != "" {
		cfg.URL = stripe.String(opts.BaseURL)
	}
	return &Lookup{
		client: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
			Key: secretKey,
		},
	}
}

// ReceiptURL returns the receipt of the latest charge on paymentIntentID.
// ctx bounds the HTTP call; callers set the deadline.
func (l *Lookup) ReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := l.client.Get(paymentIntentID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve payment intent %s: %w", paymentIntentID, err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ReceiptURL == "" {
		return "", ErrNoReceipt
	}
	return pi.LatestCharge.ReceiptURL, nil
}
