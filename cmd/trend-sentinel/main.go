package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearmap/trend-sentinel/internal/app"
	"github.com/clearmap/trend-sentinel/internal/platform/config"
	"github.com/clearmap/trend-sentinel/internal/storage"
)

func main() {
	mode := flag.String("mode", "all", "Service mode (engine, bot, all)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			log.Printf("configuration error: %v", err)
			os.Exit(2)
		}

		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DBPath, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	// The store closes last, after every task has drained.
	defer func() { _ = store.Close() }()

	if err = store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	application := app.New(cfg, store, &logger)

	go func() {
		if err := application.StartHealthServer(ctx); err != nil {
			logger.Error().Err(err).Msg("health server error")
		}
	}()

	if err = runMode(ctx, application, *mode); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("service stopped")

			return
		}

		logger.Fatal().Err(err).Msg("service error")
	}
}

func runMode(ctx context.Context, application *app.App, mode string) error {
	switch mode {
	case "engine":
		return application.RunEngine(ctx, nil)
	case "bot":
		return application.RunBot(ctx)
	case "all":
		return application.RunAll(ctx)
	default:
		return fmt.Errorf("%w: unknown mode %q", config.ErrInvalid, mode)
	}
}

func newLogger(appEnv string) zerolog.Logger {
	if appEnv == "local" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
