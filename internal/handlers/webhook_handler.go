package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-stripe-orderflow/internal/events"
	"github.com/imrishuroy/go-stripe-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
	"github.com/imrishuroy/go-stripe-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-stripe-orderflow/internal/webhook"
)

// MaxBodyBytes bounds the webhook payload read before verification.
const MaxBodyBytes = 1 << 20

// EventApplier reconciles a normalized event.
type EventApplier interface {
	Apply(ctx context.Context, ev events.Event) (reconcile.Outcome, error)
}

// EventLedger remembers which provider events were already applied.
type EventLedger interface {
	Begin(ctx context.Context, key, eventType string) (*idempotency.Record, bool, error)
	MarkDone(ctx context.Context, key, outcome string) error
	MarkFailed(ctx context.Context, key, note string) error
}

// WebhookConfig groups dependencies for the webhook handler.
type WebhookConfig struct {
	Verifier   webhook.Verifier
	Reconciler EventApplier
	Ledger     EventLedger // optional
	Logger     *slog.Logger
}

// RegisterWebhookRoutes registers the provider webhook endpoints.
func RegisterWebhookRoutes(r gin.IRouter, cfg WebhookConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	providers := map[string]gin.HandlerFunc{
		"stripe": stripeWebhook(cfg),
	}

	r.POST("/webhooks/:provider", func(c *gin.Context) {
		h, ok := providers[c.Param("provider")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return
		}
		h(c)
	})
	r.POST("/api/webhooks/stripe", providers["stripe"])
}

func stripeWebhook(cfg WebhookConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := requestLogger(c, cfg.Logger)

		// Raw bytes first: the signature covers the exact body.
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
		if err != nil {
			logger.WarnContext(ctx, "webhook_body_read_failed", "error", err)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
			return
		}

		ev, err := cfg.Verifier.Verify(body, c.GetHeader(webhook.SignatureHeader))
		switch {
		case errors.Is(err, webhook.ErrMissingSecret):
			logger.ErrorContext(ctx, "missing_webhook_secret")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "missing_webhook_secret"})
			return
		case err != nil:
			logger.WarnContext(ctx, "signature_error", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature_error"})
			return
		}
		logger = logger.With("event_id", ev.ID, "event_type", string(ev.Type))

		normalized, err := events.Normalize(ev)
		if err != nil {
			logger.WarnContext(ctx, "malformed_event", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event"})
			return
		}

		if cfg.Ledger != nil && ev.ID != "" {
			rec, created, err := cfg.Ledger.Begin(ctx, ev.ID, string(ev.Type))
			switch {
			case err != nil:
				// merges are idempotent on their own; carry on without the ledger.
				logger.WarnContext(ctx, "event_ledger_unavailable", "error", err)
			case !created && rec != nil && rec.Status == idempotency.StatusDone:
				logger.InfoContext(ctx, "duplicate_event", "previous_outcome", rec.Outcome)
				c.JSON(http.StatusOK, gin.H{"ok": true, "result": reconcile.OutcomeDuplicate})
				return
			}
		}

		out, err := cfg.Reconciler.Apply(ctx, normalized)
		if err != nil {
			logger.ErrorContext(ctx, "store_error", "error", err, "retryable", orders.IsRetryable(err))
			markFailed(ctx, cfg.Ledger, logger, ev.ID, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}

		if out.Applied() {
			markDone(ctx, cfg.Ledger, logger, ev.ID, string(out))
		} else {
			markFailed(ctx, cfg.Ledger, logger, ev.ID, string(out))
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": out})
	}
}

func markDone(ctx context.Context, l EventLedger, logger *slog.Logger, key, outcome string) {
	if l == nil || key == "" {
		return
	}
	if err := l.MarkDone(ctx, key, outcome); err != nil {
		logger.WarnContext(ctx, "event_ledger_mark_done_failed", "error", err)
	}
}

func markFailed(ctx context.Context, l EventLedger, logger *slog.Logger, key, note string) {
	if l == nil || key == "" {
		return
	}
	if err := l.MarkFailed(ctx, key, note); err != nil && !errors.Is(err, idempotency.ErrConditionFailed) {
		logger.WarnContext(ctx, "event_ledger_mark_failed_failed", "error", err)
	}
}
