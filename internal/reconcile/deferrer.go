package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/imrishuroy/go-stripe-orderflow/internal/events"
)

// DeferredSettlement is the queue payload for a settlement whose order did not exist yet.
type DeferredSettlement struct {
	Event      events.ChargeSettled `json:"event"`
	Attempt    int                  `json:"attempt"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
}

// MessageSender is satisfied by *aws.Publisher.
type MessageSender interface {
	SendMessage(ctx context.Context, body string, delay time.Duration, attributes map[string]string) error
}

// QueueDeferrer pushes deferred settlements onto a delay queue.
type QueueDeferrer struct {
	sender  MessageSender
	delay   time.Duration
	nowFunc func() time.Time
}

// NewQueueDeferrer returns a deferrer that makes each retry visible after delay.
func NewQueueDeferrer(sender MessageSender, delay time.Duration) *QueueDeferrer {
	return &QueueDeferrer{sender: sender, delay: delay, nowFunc: time.Now}
}

// Defer enqueues ev as attempt.
func (d *QueueDeferrer) Defer(ctx context.Context, ev events.ChargeSettled, attempt int) error {
	body, err := json.Marshal(DeferredSettlement{
		Event:      ev,
		Attempt:    attempt,
		EnqueuedAt: d.nowFunc().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal deferred settlement: %w", err)
	}
	attrs := map[string]string{
		"event_id":          ev.ID,
		"payment_intent_id": ev.PaymentIntentID,
		"attempt":           strconv.Itoa(attempt),
	}
	if err := d.sender.SendMessage(ctx, string(body), d.delay, attrs); err != nil {
		return fmt.Errorf("defer settlement %s: %w", ev.ID, err)
	}
	return nil
}

// DecodeDeferred parses a queue message body produced by Defer.
func DecodeDeferred(body string) (DeferredSettlement, error) {
	var ds DeferredSettlement
	if err := json.Unmarshal([]byte(body), &ds); err != nil {
		return DeferredSettlement{}, fmt.Errorf("decode deferred settlement: %w", err)
	}
	if ds.Event.PaymentIntentID == "" || ds.Event.ChargeID == "" {
		return DeferredSettlement{}, fmt.Errorf("decode deferred settlement: missing payment intent or charge id")
	}
	if ds.Attempt < 1 {
		return DeferredSettlement{}, fmt.Errorf("decode deferred settlement: attempt %d", ds.Attempt)
	}
	return ds, nil
}
