// Package webhook authenticates inbound provider events against a shared secret.
package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
)

// SignatureHeader carries the Stripe signature over the raw request body.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the accepted clock skew of the signature timestamp.
const DefaultTolerance = 300 * time.Second

var (
	// ErrMissingSecret means the endpoint is misconfigured; no request can be verified.
	ErrMissingSecret = errors.New("webhook secret is not configured")
	// ErrVerification covers every per-request signature failure.
	ErrVerification = errors.New("webhook signature verification failed")
)

// Verifier turns untouched body bytes and a signature header into a provider event.
type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) (stripe.Event, error)
}

// StripeVerifier checks Stripe v1 signatures.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier for secret. A non-positive tolerance uses DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
	}
}

// Configured reports whether a secret is present.
func (v *StripeVerifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify authenticates rawBody. Errors wrap ErrMissingSecret or ErrVerification; the
// stripe cause is kept in the chain for logs only.
func (v *StripeVerifier) Verify(rawBody []byte, signatureHeader string) (stripe.Event, error) {
	if !v.Configured() {
		return stripe.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, fmt.Errorf("%w: %w", ErrVerification, stripewebhook.ErrNotSigned)
	}

	event, err := stripewebhook.ConstructEventWithOptions(rawBody, signatureHeader, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return event, nil
}
