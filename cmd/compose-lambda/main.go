package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/neurostuff/compose-runner/internal/cli"
	"github.com/neurostuff/compose-runner/internal/config"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("compose-lambda: starting", "handler", cfg.LambdaHandler)

	handler, err := cli.NewLambdaHandler(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to build handler: %v", err)
	}

	lambda.Start(handler)
}
