package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"github.com/imrishuroy/go-stripe-orderflow/internal/testutil/stripetest"
)

func parse(t *testing.T, raw []byte) stripe.Event {
	t.Helper()
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestNormalize_SessionCompleted(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_1", TypeSessionCompleted,
		stripetest.SessionObject("cs_1", "pi_1", "paid", 5000, "chf", "a@b.ch")))

	got, err := Normalize(ev)
	require.NoError(t, err)

	assert.Equal(t, SessionCompleted{
		ID:              "evt_1",
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		Status:          StatusPaid,
		AmountTotal:     5000,
		Currency:        "chf",
		Email:           "a@b.ch",
		City:            "Zurich",
		Slot:            "2026-10-20T09:00",
	}, got)
}

func TestNormalize_SessionStatuses(t *testing.T) {
	cases := []struct {
		name          string
		eventType     string
		paymentStatus string
		want          string
	}{
		{"paid", TypeSessionCompleted, "paid", StatusPaid},
		{"unpaid", TypeSessionCompleted, "unpaid", StatusPending},
		{"no payment required", TypeSessionCompleted, "no_payment_required", StatusPaid},
		{"async succeeded", TypeSessionAsyncSucceeded, "unpaid", StatusPaid},
		{"async failed", TypeSessionAsyncFailed, "unpaid", StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := parse(t, stripetest.Event("evt_s", tc.eventType,
				stripetest.SessionObject("cs_1", "pi_1", tc.paymentStatus, 100, "chf", "")))
			got, err := Normalize(ev)
			require.NoError(t, err)
			require.IsType(t, SessionCompleted{}, got)
			assert.Equal(t, tc.want, got.(SessionCompleted).Status)
		})
	}
}

func TestNormalize_SessionEmailFallback(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_2", TypeSessionCompleted,
		`{"id":"cs_2","object":"checkout.session","payment_status":"paid","amount_total":100,"currency":"chf","customer_email":"fallback@b.ch"}`))

	got, err := Normalize(ev)
	require.NoError(t, err)
	s := got.(SessionCompleted)
	assert.Equal(t, "fallback@b.ch", s.Email)
	assert.Empty(t, s.PaymentIntentID)
	assert.Empty(t, s.City)
}

func TestNormalize_SessionExpandedPaymentIntentCarriesReceipt(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_3", TypeSessionCompleted,
		`{"id":"cs_3","object":"checkout.session","payment_status":"paid","amount_total":100,"currency":"chf",
		  "payment_intent":{"id":"pi_3","object":"payment_intent","latest_charge":{"id":"ch_3","object":"charge","receipt_url":"https://x/r3"}}}`))

	got, err := Normalize(ev)
	require.NoError(t, err)
	s := got.(SessionCompleted)
	assert.Equal(t, "pi_3", s.PaymentIntentID)
	assert.Equal(t, "https://x/r3", s.ReceiptURL)
}

func TestNormalize_ChargeSettled(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_4", TypeChargeSucceeded,
		stripetest.ChargeObject("ch_1", "pi_1", "https://x/receipt")))

	got, err := Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, ChargeSettled{
		ID:              "evt_4",
		PaymentIntentID: "pi_1",
		ChargeID:        "ch_1",
		ReceiptURL:      "https://x/receipt",
	}, got)
}

func TestNormalize_ChargeWithoutPaymentIntentIsIgnored(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_5", TypeChargeSucceeded,
		stripetest.ChargeObject("ch_1", "", "https://x/receipt")))

	got, err := Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored{ID: "evt_5", Type: TypeChargeSucceeded, Reason: "missing_payment_intent"}, got)
}

func TestNormalize_UnknownTypeIsIgnored(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_6", "customer.created", `{"id":"cus_1","object":"customer"}`))

	got, err := Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored{ID: "evt_6", Type: "customer.created"}, got)
	assert.Equal(t, "evt_6", got.EventID())
}

func TestNormalize_MalformedObject(t *testing.T) {
	ev := parse(t, stripetest.Event("evt_7", TypeSessionCompleted, `{"id":"cs_7","amount_total":"lots"}`))

	_, err := Normalize(ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestNormalize_MissingData(t *testing.T) {
	_, err := Normalize(stripe.Event{ID: "evt_8", Type: TypeChargeSucceeded})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
