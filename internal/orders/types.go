package orders

import "time"

// Order statuses. pending may move to paid or failed; paid and failed are terminal.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// Table attribute and index names.
const (
	attrSessionID       = "session_id"
	attrPaymentIntentID = "payment_intent_id"
	attrChargeID        = "charge_id"
	attrStatus          = "status"
	attrAmountTotal     = "amount_total"
	attrCurrency        = "currency"
	attrEmail           = "email"
	attrCity            = "city"
	attrSlot            = "slot"
	attrReceiptURL      = "receipt_url"
	attrCreatedAt       = "created_at"
	attrUpdatedAt       = "updated_at"

	// PaymentIntentIndex is the GSI on payment_intent_id.
	PaymentIntentIndex = "payment_intent_id-index"
	// EmailIndex is the GSI on email, sorted by created_at.
	EmailIndex = "email-created_at-index"
)

// Order represents the item stored in the Orders DynamoDB table, one per checkout session.
type Order struct {
	SessionID       string    `dynamodbav:"session_id" json:"session_id"` // PK
	PaymentIntentID string    `dynamodbav:"payment_intent_id,omitempty" json:"payment_intent_id,omitempty"`
	ChargeID        string    `dynamodbav:"charge_id,omitempty" json:"charge_id,omitempty"`
	Status          string    `dynamodbav:"status" json:"status"`
	AmountTotal     int64     `dynamodbav:"amount_total" json:"amount_total"` // minor currency units
	Currency        string    `dynamodbav:"currency,omitempty" json:"currency,omitempty"`
	Email           string    `dynamodbav:"email,omitempty" json:"email,omitempty"`
	City            string    `dynamodbav:"city,omitempty" json:"city,omitempty"`
	Slot            string    `dynamodbav:"slot,omitempty" json:"slot,omitempty"`
	ReceiptURL      string    `dynamodbav:"receipt_url,omitempty" json:"receipt_url,omitempty"`
	CreatedAt       time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// SessionFields is what a session-completion event contributes. Empty strings mean "not supplied".
type SessionFields struct {
	PaymentIntentID string
	Status          string
	AmountTotal     int64
	Currency        string
	Email           string
	City            string
	Slot            string
	ReceiptURL      string
}

// SettlementFields is what a charge-settlement event contributes.
type SettlementFields struct {
	ChargeID   string
	ReceiptURL string
}

func isTerminal(status string) bool {
	return status == StatusPaid || status == StatusFailed
}
