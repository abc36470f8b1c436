// Package events maps verified provider payloads onto the reconciler's event types.
// Nothing here touches the order store.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v74"
)

// ErrMalformedPayload means a recognized event type carried an undecodable or invalid object.
var ErrMalformedPayload = errors.New("malformed event payload")

var validate = validatorv10.New()

// Normalize maps a verified Stripe event. Unrecognized types, and recognized ones missing the
// keys needed to reconcile, come back as Ignored.
func Normalize(ev stripe.Event) (Event, error) {
	eventType := string(ev.Type)
	switch eventType {
	case TypeSessionCompleted, TypeSessionAsyncSucceeded, TypeSessionAsyncFailed:
		return normalizeSession(ev)
	case TypeChargeSucceeded:
		return normalizeCharge(ev)
	default:
		return Ignored{ID: ev.ID, Type: eventType}, nil
	}
}

func normalizeSession(ev stripe.Event) (Event, error) {
	var s stripe.CheckoutSession
	if err := decodeObject(ev, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return Ignored{ID: ev.ID, Type: string(ev.Type), Reason: "missing_session_id"}, nil
	}

	out := SessionCompleted{
		ID:          ev.ID,
		SessionID:   s.ID,
		Status:      sessionStatus(string(ev.Type), s.PaymentStatus),
		AmountTotal: s.AmountTotal,
		Currency:    string(s.Currency),
		Email:       sessionEmail(&s),
		City:        strings.TrimSpace(s.Metadata["city"]),
		Slot:        strings.TrimSpace(s.Metadata["slot"]),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
		if s.PaymentIntent.LatestCharge != nil {
			out.ReceiptURL = s.PaymentIntent.LatestCharge.ReceiptURL
		}
	}

	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, ev.Type, err)
	}
	return out, nil
}

func normalizeCharge(ev stripe.Event) (Event, error) {
	var ch stripe.Charge
	if err := decodeObject(ev, &ch); err != nil {
		return nil, err
	}

	out := ChargeSettled{
		ID:         ev.ID,
		ChargeID:   ch.ID,
		ReceiptURL: ch.ReceiptURL,
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	if out.PaymentIntentID == "" || out.ChargeID == "" {
		return Ignored{ID: ev.ID, Type: string(ev.Type), Reason: "missing_payment_intent"}, nil
	}

	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, ev.Type, err)
	}
	return out, nil
}

func decodeObject(ev stripe.Event, out interface{}) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data.object", ErrMalformedPayload, ev.Type)
	}
	if err := json.Unmarshal(ev.Data.Raw, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, ev.Type, err)
	}
	return nil
}

func sessionStatus(eventType string, ps stripe.CheckoutSessionPaymentStatus) string {
	switch eventType {
	case TypeSessionAsyncSucceeded:
		return StatusPaid
	case TypeSessionAsyncFailed:
		return StatusFailed
	}
	switch ps {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return StatusPaid
	default:
		return StatusPending
	}
}

func sessionEmail(s *stripe.CheckoutSession) string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return strings.TrimSpace(s.CustomerDetails.Email)
	}
	return strings.TrimSpace(s.CustomerEmail)
}
