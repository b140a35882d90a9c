// Command providers serves local stand-ins for the four upstream protocols
// the router speaks, so a catalog can point provider base_url values at them
// during E2E and load tests. Any non-empty key is accepted.
//
// Default ports (override with PORT_OPENAI, PORT_ANTHROPIC, PORT_GOOGLEAI,
// PORT_COHERE):
//
//	openai     19001
//	anthropic  19002
//	googleai   19003
//	cohere     19004
//
// MOCK_LATENCY_MS adds a fixed delay to each response, MOCK_ERROR_RATE is
// the fraction in [0,1] of calls answered with HTTP 500 and MOCK_STREAM_WORDS
// sets the completion length in words (default 10).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config tunes how every mock behaves.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}
	if n, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil && n >= 0 {
		c.LatencyMS = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		c.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_STREAM_WORDS")); err == nil && n > 0 {
		c.StreamWords = n
	}
	return c
}

// protocol is one mock upstream.
type protocol struct {
	name    string
	portEnv string
	port    int
	handler func(Config) http.Handler
}

var protocols = []protocol{
	{"openai", "PORT_OPENAI", 19001, newOpenAIHandler},
	{"anthropic", "PORT_ANTHROPIC", 19002, newAnthropicHandler},
	{"googleai", "PORT_GOOGLEAI", 19003, newGoogleAIHandler},
	{"cohere", "PORT_COHERE", 19004, newCohereHandler},
}

func (p protocol) addr() string {
	port := os.Getenv(p.portEnv)
	if port == "" {
		port = strconv.Itoa(p.port)
	}
	return net.JoinHostPort("", port)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadConfig()
	log.Info("mock_providers_starting",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("mock_providers_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock_providers_stopped")
}

// serve runs every protocol until ctx is cancelled or one listener fails.
func serve(ctx context.Context, cfg Config, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	servers := make([]*http.Server, 0, len(protocols))

	for _, p := range protocols {
		srv := &http.Server{
			Addr:              p.addr(),
			Handler:           p.handler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Minute,
		}
		servers = append(servers, srv)

		g.Go(func() error {
			log.Info("mock_provider_listening", slog.String("provider", p.name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", p.name, err)
			}
			return nil
		})
	}
	fmt.Println("READY")

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}
