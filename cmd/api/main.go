package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/imrishuroy/go-stripe-orderflow/internal/aws"
	"github.com/imrishuroy/go-stripe-orderflow/internal/bootstrap"
	"github.com/imrishuroy/go-stripe-orderflow/internal/config"
	"github.com/imrishuroy/go-stripe-orderflow/internal/handlers"
	"github.com/imrishuroy/go-stripe-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-stripe-orderflow/internal/webhook"
)

func setupRouter(wh handlers.WebhookConfig, ord handlers.OrdersConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterWebhookRoutes(r, wh)
	handlers.RegisterOrdersRoutes(r, ord)

	return r
}

func main() {
	// .env is optional; real deployments configure the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Error("failed to init aws clients", "error", err)
		os.Exit(1)
	}

	verifier := webhook.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance)
	if !verifier.Configured() {
		logger.Error("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}
	components := bootstrap.Build(cfg, clients, logger)

	r := setupRouter(
		handlers.WebhookConfig{
			Verifier:   verifier,
			Reconciler: components.Reconciler,
			Ledger:     idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL),
			Logger:     logger,
		},
		handlers.OrdersConfig{Store: components.Orders, Logger: logger},
	)

	logger.Info("api configured",
		"orders_table", cfg.Tables.Orders,
		"receipt_lookup", cfg.Stripe.SecretKey != "",
		"backfill_window", cfg.BackfillWindow().String(),
		"public_base_url", cfg.Server.PublicBaseURL,
	)

	// RUN_LOCAL=true runs a plain HTTP server for development.
	if cfg.Server.RunLocal {
		srv := &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("running local server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("failed to run local server", "error", err)
			os.Exit(1)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
