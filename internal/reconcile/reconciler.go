// Package reconcile folds normalized provider events into the order store.
//
// A session-completion event creates or merges the order for its checkout session. A charge
// settlement merges the receipt into the order found through its payment intent; when that
// order does not exist yet the settlement is reported pending and, with a deferrer
// configured, retried later up to a bounded number of attempts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-stripe-orderflow/internal/events"
	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
)

// Outcome names what a delivery did to the store.
type Outcome string

const (
	OutcomeSessionRecorded   Outcome = "session_recorded"
	OutcomeSettlementApplied Outcome = "settlement_applied"
	OutcomeSettlementPending Outcome = "settlement_pending"
	OutcomeSettlementExpired Outcome = "settlement_expired"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeDuplicate         Outcome = "duplicate"
)

// Applied reports whether the outcome is final for its delivery.
func (o Outcome) Applied() bool {
	switch o {
	case OutcomeSessionRecorded, OutcomeSettlementApplied, OutcomeIgnored, OutcomeDuplicate:
		return true
	}
	return false
}

// ErrStore wraps every order store failure other than the not-found race.
var ErrStore = errors.New("order store failure")

// OrderStore is the subset of *orders.Store the reconciler writes through.
type OrderStore interface {
	UpsertBySession(ctx context.Context, sessionID string, f orders.SessionFields) (*orders.Order, error)
	UpdateByPaymentIntent(ctx context.Context, paymentIntentID string, f orders.SettlementFields) (*orders.Order, error)
}

// ReceiptLookup resolves a payment intent's receipt URL from the provider API.
type ReceiptLookup interface {
	ReceiptURL(ctx context.Context, paymentIntentID string) (string, error)
}

// SettlementDeferrer schedules a settlement to be retried as attempt.
type SettlementDeferrer interface {
	Defer(ctx context.Context, ev events.ChargeSettled, attempt int) error
}

// Recorder counts outcomes.
type Recorder interface {
	IncrCounter(ctx context.Context, metric string, dims map[string]string) error
}

// Options carries the optional collaborators. Nil collaborators are skipped.
type Options struct {
	Receipts       ReceiptLookup
	ReceiptTimeout time.Duration
	Deferrer       SettlementDeferrer
	MaxAttempts    int
	Metrics        Recorder
	Logger         *slog.Logger
}

// Reconciler applies events to the order store.
type Reconciler struct {
	store          OrderStore
	receipts       ReceiptLookup
	receiptTimeout time.Duration
	deferrer       SettlementDeferrer
	maxAttempts    int
	metrics        Recorder
	log            *slog.Logger
}

const outcomeMetric = "WebhookOutcome"

// New returns a Reconciler writing to store.
func New(store OrderStore, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:          store,
		receipts:       opts.Receipts,
		receiptTimeout: opts.ReceiptTimeout,
		deferrer:       opts.Deferrer,
		maxAttempts:    opts.MaxAttempts,
		metrics:        opts.Metrics,
		log:            logger,
	}
}

// Apply reconciles one normalized event. The returned error is non-nil only for store
// failures (wrapping ErrStore) and unknown event variants.
func (r *Reconciler) Apply(ctx context.Context, ev events.Event) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch e := ev.(type) {
	case events.SessionCompleted:
		out, err = r.recordSession(ctx, e)
	case events.ChargeSettled:
		return r.Settle(ctx, e, 0)
	case events.Ignored:
		if e.Type == events.TypeChargeSucceeded {
			r.log.WarnContext(ctx, "charge_succeeded_missing_data", "event_id", e.ID, "reason", e.Reason)
		} else {
			r.log.DebugContext(ctx, "event_ignored", "event_id", e.ID, "type", e.Type, "reason", e.Reason)
		}
		out = OutcomeIgnored
	default:
		return "", fmt.Errorf("unsupported event %T", ev)
	}
	if err == nil {
		r.count(ctx, out)
	}
	return out, err
}

// Settle merges a settlement into its order. attempt is 0 for a live delivery and counts
// deferred retries after that.
func (r *Reconciler) Settle(ctx context.Context, ev events.ChargeSettled, attempt int) (Outcome, error) {
	order, err := r.store.UpdateByPaymentIntent(ctx, ev.PaymentIntentID, orders.SettlementFields{
		ChargeID:   ev.ChargeID,
		ReceiptURL: ev.ReceiptURL,
	})
	switch {
	case errors.Is(err, orders.ErrNotFound):
		out := r.pending(ctx, ev, attempt)
		r.count(ctx, out)
		return out, nil
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}

	r.log.InfoContext(ctx, "receipt_url_updated",
		"event_id", ev.ID,
		"session_id", order.SessionID,
		"payment_intent_id", ev.PaymentIntentID,
		"charge_id", ev.ChargeID,
		"status", order.Status,
		"attempt", attempt,
	)
	r.count(ctx, OutcomeSettlementApplied)
	return OutcomeSettlementApplied, nil
}

func (r *Reconciler) recordSession(ctx context.Context, ev events.SessionCompleted) (Outcome, error) {
	receipt := ev.ReceiptURL
	if receipt == "" && ev.Status == events.StatusPaid && ev.PaymentIntentID != "" {
		receipt = r.lookupReceipt(ctx, ev.PaymentIntentID)
	}

	order, err := r.store.UpsertBySession(ctx, ev.SessionID, orders.SessionFields{
		PaymentIntentID: ev.PaymentIntentID,
		Status:          ev.Status,
		AmountTotal:     ev.AmountTotal,
		Currency:        ev.Currency,
		Email:           ev.Email,
		City:            ev.City,
		Slot:            ev.Slot,
		ReceiptURL:      receipt,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}

	msg := "session_recorded"
	if order.Status == orders.StatusPaid {
		msg = "payment_success"
	}
	r.log.InfoContext(ctx, msg,
		"event_id", ev.ID,
		"session_id", order.SessionID,
		"payment_intent_id", order.PaymentIntentID,
		"status", order.Status,
		"amount_total", order.AmountTotal,
		"currency", order.Currency,
		"has_receipt", order.ReceiptURL != "",
	)
	return OutcomeSessionRecorded, nil
}

// lookupReceipt is best effort: any failure or timeout yields "".
func (r *Reconciler) lookupReceipt(ctx context.Context, paymentIntentID string) string {
	if r.receipts == nil {
		return ""
	}
	if r.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.receiptTimeout)
		defer cancel()
	}
	url, err := r.receipts.ReceiptURL(ctx, paymentIntentID)
	if err != nil {
		r.log.WarnContext(ctx, "receipt_lookup_failed", "payment_intent_id", paymentIntentID, "error", err)
		return ""
	}
	return url
}

func (r *Reconciler) pending(ctx context.Context, ev events.ChargeSettled, attempt int) Outcome {
	logger := r.log.With(
		"event_id", ev.ID,
		"payment_intent_id", ev.PaymentIntentID,
		"charge_id", ev.ChargeID,
		"attempt", attempt,
	)
	if r.deferrer == nil {
		logger.InfoContext(ctx, "receipt_url_pending_no_order_yet")
		return OutcomeSettlementPending
	}
	if attempt >= r.maxAttempts {
		logger.WarnContext(ctx, "settlement_expired", "max_attempts", r.maxAttempts)
		return OutcomeSettlementExpired
	}
	logger.InfoContext(ctx, "receipt_url_pending_no_order_yet", "next_attempt", attempt+1)
	if err := r.deferrer.Defer(ctx, ev, attempt+1); err != nil {
		logger.ErrorContext(ctx, "settlement_defer_failed", "error", err)
	}
	return OutcomeSettlementPending
}

func (r *Reconciler) count(ctx context.Context, out Outcome) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.IncrCounter(ctx, outcomeMetric, map[string]string{"Outcome": string(out)}); err != nil {
		r.log.DebugContext(ctx, "metric_failed", "outcome", out, "error", err)
	}
}
