package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Default outbound timeouts.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultImageTimeout = 120 * time.Second
	HealthCheckTimeout  = 5 * time.Second
)

// Request is a fully-built provider HTTP call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Stream  bool
	Timeout time.Duration
}

// Response is a buffered provider reply.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// Executor performs provider requests over one shared HTTP client. Every
// call is bound to the request's timeout and to the caller's context.
type Executor struct {
	client *http.Client
}

func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Executor{client: client}
}

func (x *Executor) send(ctx context.Context, provider string, req *Request) (*http.Response, context.CancelFunc, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		cancel()
		return nil, nil, &Error{Provider: provider, Code: CodeInvalidRequest, StatusCode: 400, Message: err.Error(), Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := x.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, classify(ctx, callCtx, provider, err)
	}
	return resp, cancel, nil
}

// Do sends req and buffers the reply. Non-2xx replies become *Error.
func (x *Executor) Do(ctx context.Context, provider string, req *Request) (*Response, error) {
	start := time.Now()
	resp, cancel, err := x.send(ctx, provider, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, nil, provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(provider, resp.StatusCode, body)
	}
	return &Response{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    body,
		Latency: time.Since(start),
	}, nil
}

// StreamBody is an open event-stream reply. Close releases the connection
// and the call's deadline.
type StreamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *StreamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Stream sends req and returns the open body once a 2xx status arrived.
func (x *Executor) Stream(ctx context.Context, provider string, req *Request) (*StreamBody, error) {
	resp, cancel, err := x.send(ctx, provider, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cancel()
		return nil, StatusError(provider, resp.StatusCode, body)
	}
	return &StreamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// classify maps a transport error to a provider error. parent is the
// caller's context; call, if non-nil, is the deadline-bound child.
func classify(parent, call context.Context, provider string, err error) *Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &Error{Provider: provider, Code: CodeCanceled, Message: "request canceled", Err: err}
	}
	var ne net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(call != nil && errors.Is(call.Err(), context.DeadlineExceeded)) ||
		(errors.As(err, &ne) && ne.Timeout())
	if timedOut {
		return &Error{Provider: provider, Code: CodeTimeout, StatusCode: http.StatusGatewayTimeout, Message: "request timeout", Retryable: true, Err: err}
	}
	return &Error{Provider: provider, Code: CodeNetworkError, Message: err.Error(), Retryable: true, Err: err}
}

// ReadError classifies an error raised while consuming a stream body.
func ReadError(ctx context.Context, provider string, err error) *Error {
	return classify(ctx, nil, provider, err)
}
