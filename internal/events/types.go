package events

// Provider event types this service reconciles.
const (
	TypeSessionCompleted      = "checkout.session.completed"
	TypeSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	TypeSessionAsyncFailed    = "checkout.session.async_payment_failed"
	TypeChargeSucceeded       = "charge.succeeded"
)

// Order status values carried by normalized events.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// Event is one of SessionCompleted, ChargeSettled or Ignored.
type Event interface {
	// EventID is the provider event id, used as the delivery idempotency key.
	EventID() string
	isEvent()
}

// SessionCompleted records a checkout session that reached a payment outcome.
type SessionCompleted struct {
	ID              string `json:"event_id"`
	SessionID       string `json:"session_id" validate:"required"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Status          string `json:"status" validate:"oneof=pending paid failed"`
	AmountTotal     int64  `json:"amount_total" validate:"gte=0"`
	Currency        string `json:"currency"`
	Email           string `json:"email,omitempty"`
	City            string `json:"city,omitempty"`
	Slot            string `json:"slot,omitempty"`
	ReceiptURL      string `json:"receipt_url,omitempty"`
}

// ChargeSettled confirms the charge behind a payment intent succeeded.
type ChargeSettled struct {
	ID              string `json:"event_id"`
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
	ChargeID        string `json:"charge_id" validate:"required"`
	ReceiptURL      string `json:"receipt_url,omitempty"`
}

// Ignored is any verified event that carries nothing to reconcile. It is still acknowledged.
type Ignored struct {
	ID     string `json:"event_id"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (e SessionCompleted) EventID() string { return e.ID }
func (e ChargeSettled) EventID() string    { return e.ID }
func (e Ignored) EventID() string          { return e.ID }

func (SessionCompleted) isEvent() {}
func (ChargeSettled) isEvent()    {}
func (Ignored) isEvent()          {}
