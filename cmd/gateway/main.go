// Command gateway is the multi-tenant LLM router server.
//
// It reads configuration from environment variables (or config.yaml) and
// starts an OpenAI-compatible HTTP API on the configured port. Tenancy,
// providers, models, routing policies and credentials live in the catalog
// database; see cmd/catalog for migrating and seeding it.
//
// Quick-start (sqlite catalog, in-memory replay store, no Redis required):
//
//	CREDENTIAL_ENCRYPTION_KEY=... CATALOG_SEED_FILE=seed.yaml ./gateway
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-router/internal/app"
	"github.com/nulpointcorp/llm-router/internal/config"
)

// version is set at build time with -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("router_exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("router_starting", slog.String("version", version), slog.Int("port", cfg.Port))

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}

// buildLogger returns a JSON logger on stdout. Unknown levels mean info;
// debug also records the call site.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
