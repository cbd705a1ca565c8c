package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/polygraf/internal/app"
	"github.com/jun/polygraf/internal/config"
	"github.com/jun/polygraf/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, slog.LevelInfo, "json").Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	application, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", slog.Any("error", err))
		os.Exit(1)
	}
	defer application.Close()

	lambda.Start(application.HandleRequest)
}
