package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"github.com/imrishuroy/go-stripe-orderflow/internal/aws"
	"github.com/imrishuroy/go-stripe-orderflow/internal/bootstrap"
	"github.com/imrishuroy/go-stripe-orderflow/internal/config"
)

func main() {
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
	components := bootstrap.Build(cfg, clients, logger)
	processor := NewProcessor(components.Reconciler, logger)

	// If RUN_LOCAL=true, process a single message body from LOCAL_SQS_BODY and exit.
	if cfg.Server.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Error("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
			os.Exit(1)
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: body},
			},
		}
		resp, _ := processor.Handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			logger.Error("local message failed")
			os.Exit(1)
		}
		return
	}

	lambda.Start(processor.Handle)
}
