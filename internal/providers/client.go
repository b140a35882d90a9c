package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// Client dispatches chat requests to providers through their adapters.
type Client struct {
	registry *Registry
	exec     *Executor

	timeout      time.Duration
	imageTimeout time.Duration
}

func NewClient(registry *Registry, exec *Executor) *Client {
	return &Client{
		registry:     registry,
		exec:         exec,
		timeout:      DefaultTimeout,
		imageTimeout: DefaultImageTimeout,
	}
}

// SetTimeouts overrides the fallback call timeouts used when a target sets
// none. Non-positive values keep the current setting.
func (c *Client) SetTimeouts(def, image time.Duration) {
	if def > 0 {
		c.timeout = def
	}
	if image > 0 {
		c.imageTimeout = image
	}
}

func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) adapter(t Target) (Adapter, error) {
	if t.ProviderModel == nil {
		return nil, fmt.Errorf("providers: target has no provider model")
	}
	return c.registry.For(&t.ProviderModel.Provider)
}

func (c *Client) request(t Target, req *ChatRequest) (Adapter, *Request, error) {
	a, err := c.adapter(t)
	if err != nil {
		return nil, nil, err
	}
	out, err := a.TransformRequest(req, t)
	if err != nil {
		return nil, nil, err
	}
	if out.Timeout <= 0 {
		out.Timeout = TimeoutFor(t, req, c.timeout, c.imageTimeout)
	}
	return a, out, nil
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, t Target, req *ChatRequest) (*ChatResponse, error) {
	a, out, err := c.request(t, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.exec.Do(ctx, t.ProviderModel.Provider.Slug, out)
	if err != nil {
		return nil, err
	}
	return a.TransformResponse(resp.Body, t.ProviderModel, req)
}

// ChunkStream is an open provider stream. Close must be called.
type ChunkStream struct {
	ctx      context.Context
	provider string
	body     *StreamBody
	stream   Stream
}

// OpenStream starts a streaming completion. Errors returned here happen
// before any chunk was produced, so the caller may still fail over.
func (c *Client) OpenStream(ctx context.Context, t Target, req *ChatRequest) (*ChunkStream, error) {
	a, out, err := c.request(t, req)
	if err != nil {
		return nil, err
	}
	out.Stream = true
	slug := t.ProviderModel.Provider.Slug
	body, err := c.exec.Stream(ctx, slug, out)
	if err != nil {
		return nil, err
	}
	return &ChunkStream{
		ctx:      ctx,
		provider: slug,
		body:     body,
		stream:   a.NewStream(t.ProviderModel, req),
	}, nil
}

// Each calls fn for every chunk until the provider stream ends.
func (s *ChunkStream) Each(fn func(*Chunk) error) error {
	return ReadEvents(s.ctx, s.provider, s.body, func(ev Event) error {
		chunk, err := s.stream.Transform(ev)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		return fn(chunk)
	})
}

func (s *ChunkStream) Close() error { return s.body.Close() }

// HealthCheck probes provider p and returns the observed latency.
func (c *Client) HealthCheck(ctx context.Context, p *catalog.Provider, cred Credential) (time.Duration, error) {
	a, err := c.registry.For(p)
	if err != nil {
		return 0, err
	}
	req, err := a.HealthCheckRequest(p, cred)
	if err != nil {
		return 0, err
	}
	if req.Timeout <= 0 {
		req.Timeout = HealthCheckTimeout
	}
	resp, err := c.exec.Do(ctx, p.Slug, req)
	if err != nil {
		return 0, err
	}
	return resp.Latency, nil
}
