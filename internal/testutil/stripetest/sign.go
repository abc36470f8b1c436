// Package stripetest builds signed Stripe webhook payloads for tests.
package stripetest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SignatureHeader returns a Stripe-Signature value for body signed with secret at ts.
func SignatureHeader(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(unix))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

// Event renders a minimal event envelope whose data.object is object (raw JSON).
func Event(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2022-11-15","created":1700000000,"type":%q,"data":{"object":%s}}`, id, eventType, object))
}

// SessionObject renders a checkout.session object.
func SessionObject(sessionID, paymentIntentID, paymentStatus string, amount int64, currency, email string) string {
	pi := "null"
	if paymentIntentID != "" {
		pi = strconv.Quote(paymentIntentID)
	}
	return fmt.Sprintf(`{"id":%q,"object":"checkout.session","payment_intent":%s,"payment_status":%q,"amount_total":%d,"currency":%q,"customer_details":{"email":%q},"metadata":{"city":"Zurich","slot":"2026-10-20T09:00"}}`,
		sessionID, pi, paymentStatus, amount, currency, email)
}

// ChargeObject renders a charge object.
func ChargeObject(chargeID, paymentIntentID, receiptURL string) string {
	pi := "null"
	if paymentIntentID != "" {
		pi = strconv.Quote(paymentIntentID)
	}
	return fmt.Sprintf(`{"id":%q,"object":"charge","payment_intent":%s,"paid":true,"status":"succeeded","receipt_url":%q}`,
		chargeID, pi, receiptURL)
}
