package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// retryBackoff is the pause before re-attempting the same target.
const retryBackoff = 100 * time.Millisecond

var errCircuitOpen = errors.New("circuit breaker open")

// attemptFunc performs one provider call for a selection.
type attemptFunc func(ctx context.Context, sel *routing.Selection) error

// executeCascade runs fn against first and, on retryable failures, against
// the next usable candidates of the cascade, one at a time. A target with
// MaxRetries above one is re-attempted before moving on, except after a
// timeout. Providers whose circuit breaker is open are skipped.
//
// It returns the selection that served the request, or the last failure
// once the cascade is exhausted or a non-retryable error occurred.
func (g *Gateway) executeCascade(ctx context.Context, c *call, first *routing.Selection, cascade *routing.Cascade, fn attemptFunc) (*routing.Selection, error) {
	primary := first.Provider.Slug

	var lastErr error
	prevProvider := ""
	prevReason := ""

	for sel := first; sel != nil; {
		name := sel.Provider.Slug

		if prevProvider != "" && g.metrics != nil {
			g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
		}

		err := g.attemptTarget(ctx, c, sel, fn)
		if err == nil {
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", c.requestID),
					slog.String("from", primary),
					slog.String("to", name),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return sel, nil
		}

		if !errors.Is(err, errCircuitOpen) || lastErr == nil {
			lastErr = err
		}
		prevProvider = name
		prevReason = classifyError(err)

		if !isRetryable(err) {
			return nil, err
		}

		next, nerr := cascade.Next(ctx)
		if nerr != nil && !errors.Is(nerr, routing.ErrNoProvider) {
			return nil, nerr
		}
		sel = next
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	if errors.Is(lastErr, errCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", routing.ErrNoProvider, lastErr)
	}
	return nil, lastErr
}

// attemptTarget calls fn for sel up to sel.MaxRetries times.
func (g *Gateway) attemptTarget(ctx context.Context, c *call, sel *routing.Selection, fn attemptFunc) error {
	id := sel.Provider.ID
	name := sel.Provider.Slug
	tries := max(sel.MaxRetries, 1)
	selector := g.router.Selector()

	var err error
	for i := 0; i < tries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(i) * retryBackoff):
			}
		}

		if g.cb != nil && !g.cb.Allow(id) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", c.requestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(id))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(id)))
				g.metrics.ObserveUpstreamAttempt(name, "circuit_reject", 0)
			}
			if err == nil {
				err = errCircuitOpen
			}
			return err
		}

		start := time.Now()
		selector.Acquire(id)
		err = fn(ctx, sel)
		selector.Release(id)
		dur := time.Since(start)
		c.attempts++

		if canceled(err) {
			return err
		}
		selector.Observe(id, sel.Credential.Region, dur, err)

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, "success", dur)
			}
			if g.cb != nil {
				g.cb.RecordSuccess(id)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(id)))
				}
			}
			return nil
		}

		reason := classifyError(err)
		if g.cb != nil {
			g.cb.RecordFailure(id)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(id)))
			}
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", c.requestID),
			slog.String("provider", name),
			slog.String("provider_model", sel.Decision.Target.ProviderModelID),
			slog.Int("try", i+1),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if !isRetryable(err) || isTimeout(err) {
			return err
		}
	}
	return err
}

// isRetryable reports whether err should move the request to another
// attempt.
//
//   - provider errors carry their own flag: timeouts, network errors, 429
//     and 5xx are retryable; other statuses are not
//   - an open circuit breaker moves on to the next candidate
//   - cancellation by the caller is never retried
//   - unknown errors are treated as retryable
func isRetryable(err error) bool {
	if errors.Is(err, errCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if canceled(err) {
		return false
	}
	if perr, ok := providers.AsError(err); ok {
		return perr.Retryable
	}
	return true
}

func isTimeout(err error) bool {
	if perr, ok := providers.AsError(err); ok {
		return perr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func canceled(err error) bool {
	if err == nil {
		return false
	}
	if perr, ok := providers.AsError(err); ok {
		return perr.Code == providers.CodeCanceled
	}
	return errors.Is(err, context.Canceled)
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, errCircuitOpen):
		return "circuit_open"
	case isTimeout(err):
		return "timeout"
	case canceled(err):
		return "canceled"
	}
	if perr, ok := providers.AsError(err); ok {
		if perr.StatusCode > 0 {
			return fmt.Sprintf("http_%d", perr.StatusCode)
		}
		if perr.Code == providers.CodeNetworkError {
			return "network"
		}
		return "provider"
	}
	return "unknown"
}
