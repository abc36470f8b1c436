// Package bootstrap wires configuration into the components shared by the api and worker binaries.
package bootstrap

import (
	"log/slog"
	"os"
	"strings"

	"github.com/imrishuroy/go-stripe-orderflow/internal/aws"
	"github.com/imrishuroy/go-stripe-orderflow/internal/config"
	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
	"github.com/imrishuroy/go-stripe-orderflow/internal/receipts"
	"github.com/imrishuroy/go-stripe-orderflow/internal/reconcile"
)

// NewLogger returns a JSON logger at level ("debug", "info", "warn", "error").
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Components are the stores and reconciler built from one Config.
type Components struct {
	Orders     *orders.Store
	Reconciler *reconcile.Reconciler
}

// Build constructs the order store and a reconciler with whichever optional collaborators
// the configuration enables.
func Build(cfg *config.Config, clients *aws.AWSClients, logger *slog.Logger) *Components {
	store := orders.NewStore(clients.DynamoDB, cfg.Tables.Orders)

	opts := reconcile.Options{
		ReceiptTimeout: cfg.ReceiptLookupTimeout,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		Logger:         logger,
	}
	if cfg.Stripe.SecretKey != "" {
		opts.Receipts = receipts.NewLookup(cfg.Stripe.SecretKey, receipts.Options{MaxRetries: 1})
	}
	if cfg.Settlement.QueueURL != "" {
		publisher := aws.NewPublisher(clients.SQS, cfg.Settlement.QueueURL)
		opts.Deferrer = reconcile.NewQueueDeferrer(publisher, cfg.Settlement.RetryDelay)
	}
	if cfg.MetricsNamespace != "" {
		opts.Metrics = aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)
	}

	return &Components{
		Orders:     store,
		Reconciler: reconcile.New(store, opts),
	}
}
