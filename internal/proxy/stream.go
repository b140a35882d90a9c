package proxy

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// stream serves a streaming request. The provider stream is opened through
// the cascade, so failover is still possible until the first byte reaches
// the client. It reports whether the response was handed to the stream
// writer, which then owns metrics finalisation.
func (g *Gateway) stream(ctx *fasthttp.RequestCtx, c *call, first *routing.Selection, cascade *routing.Cascade) bool {
	// The stream writer runs after the handler returns; ctx must not be used
	// inside it.
	streamCtx, cancel := context.WithCancel(g.baseCtx)

	var cs *providers.ChunkStream
	sel, err := g.executeCascade(ctx, c, first, cascade, func(_ context.Context, s *routing.Selection) error {
		opened, err := g.client.OpenStream(streamCtx, s.Target(), c.req)
		if err != nil {
			return err
		}
		cs = opened
		return nil
	})
	if err != nil {
		cancel()
		g.fail(ctx, c, err)
		return false
	}
	c.served = sel

	setRoutedHeaders(ctx, sel)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer cs.Close() //nolint:errcheck

		acc := &streamAccumulator{}
		clientGone := false

		err := cs.Each(func(chunk *providers.Chunk) error {
			acc.add(chunk)
			frame, err := providers.EncodeChunk(chunk)
			if err != nil {
				return err
			}
			if _, err := w.Write(frame); err != nil {
				clientGone = true
				cancel()
				return err
			}
			if err := w.Flush(); err != nil {
				clientGone = true
				cancel()
				return err
			}
			return nil
		})

		status := "success"
		errClass := ""
		if err != nil && !clientGone {
			status, errClass = "error", classifyError(err)
			g.log.Warn("stream_failed",
				slog.String("request_id", c.requestID),
				slog.String("provider", sel.Provider.Slug),
				slog.String("error", err.Error()),
			)
			if !canceled(err) && g.cb != nil {
				g.cb.RecordFailure(sel.Provider.ID)
			}
			if frame, ferr := providers.EncodeChunk(providers.ErrorChunk(acc.id, acc.model, acc.created)); ferr == nil {
				_, _ = w.Write(frame)
			}
		}
		if clientGone {
			status, errClass = "canceled", "client_disconnected"
		} else {
			_, _ = w.Write(providers.DoneFrame)
			_ = w.Flush()
		}

		g.finishStream(c, sel, acc, status, errClass)
	})
	return true
}

// finishStream prices and records a stream once it has drained.
func (g *Gateway) finishStream(c *call, sel *routing.Selection, acc *streamAccumulator, status, errClass string) {
	u, estimated := acc.usage(c.req)
	out := &outcome{
		finishReason: acc.finishReason,
		usage:        u,
		estimated:    estimated,
		outputSize:   acc.chars,
	}
	out.cost = g.cost(g.baseCtx, c, sel, u)

	g.observeServed(c, true, out)
	g.record(c, out, status, errClass)

	g.log.Debug("stream_done",
		slog.String("request_id", c.requestID),
		slog.String("provider", sel.Provider.Slug),
		slog.String("status", status),
		slog.Int64("input_tokens", u.PromptTokens),
		slog.Int64("output_tokens", u.CompletionTokens),
		slog.Bool("usage_estimated", estimated),
		slog.Duration("elapsed", time.Since(c.start)),
	)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		dur := time.Since(c.start)
		g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, dur, len(c.body), acc.chars)
		g.metrics.RecordRequest(sel.Provider.Slug, fasthttp.StatusOK, dur.Milliseconds())
	}
}

// streamAccumulator collects what a stream produced.
type streamAccumulator struct {
	id           string
	model        string
	created      int64
	finishReason string
	reported     *providers.Usage
	chars        int
}

func (a *streamAccumulator) add(chunk *providers.Chunk) {
	if a.id == "" {
		a.id, a.model, a.created = chunk.ID, chunk.Model, chunk.Created
	}
	if chunk.Usage != nil {
		a.reported = chunk.Usage
	}
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != nil {
			a.chars += len(*ch.Delta.Content)
		}
		if ch.FinishReason != nil {
			a.finishReason = *ch.FinishReason
		}
	}
}

// usage returns the usage the provider reported in the stream, or an
// estimate when it reported none.
func (a *streamAccumulator) usage(req *providers.ChatRequest) (providers.Usage, bool) {
	if a.reported != nil {
		return *a.reported, false
	}
	return estimateUsage(req, a.chars), true
}
