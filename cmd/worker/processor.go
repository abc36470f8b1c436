package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"

	normalized "github.com/imrishuroy/go-stripe-orderflow/internal/events"
	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
	"github.com/imrishuroy/go-stripe-orderflow/internal/reconcile"
)

var nowFunc = time.Now

// Settler reapplies a deferred settlement.
type Settler interface {
	Settle(ctx context.Context, ev normalized.ChargeSettled, attempt int) (reconcile.Outcome, error)
}

// Processor handles deferred-settlement SQS batches.
type Processor struct {
	settler Settler
	log     *slog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(settler Settler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{settler: settler, log: logger}
}

// Handle processes every record and reports the ones that hit a store failure, so SQS
// redelivers only those. Malformed records are logged and dropped.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.ErrorContext(ctx, "settlement_retry_failed",
				"message_id", rec.MessageId,
				"error", err,
				"retryable", orders.IsRetryable(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	msg, err := reconcile.DecodeDeferred(rec.Body)
	if err != nil {
		p.log.WarnContext(ctx, "dropping_malformed_message", "message_id", rec.MessageId, "error", err)
		return nil
	}

	out, err := p.settler.Settle(ctx, msg.Event, msg.Attempt)
	if err != nil {
		if errors.Is(err, reconcile.ErrStore) {
			return err
		}
		p.log.WarnContext(ctx, "dropping_unsettleable_message", "message_id", rec.MessageId, "error", err)
		return nil
	}

	p.log.InfoContext(ctx, "settlement_retry_processed",
		"message_id", rec.MessageId,
		"event_id", msg.Event.ID,
		"attempt", msg.Attempt,
		"outcome", out,
		"queued_for", p.queuedFor(msg),
	)
	return nil
}

func (p *Processor) queuedFor(msg reconcile.DeferredSettlement) string {
	if msg.EnqueuedAt.IsZero() {
		return ""
	}
	return nowFunc().Sub(msg.EnqueuedAt).Round(time.Second).String()
}
