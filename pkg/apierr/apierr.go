// Package apierr provides the gateway error taxonomy and writes errors to
// clients in the OpenAI error format.
//
// Every failure that reaches the HTTP layer is classified into one Kind:
//
//	authentication  missing, invalid or disabled API key
//	resolution      requested model has no alias or direct match
//	routing         no active policy, no matching rule or no healthy target
//	provider        HTTP, network or timeout failure from a backend
//	validation      request does not fit the resolved model's capabilities
//	internal        translation or mapping defect
//
// Only provider errors may be retryable; all other kinds are terminal.
package apierr

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRoutingError      = "routing_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeModelNotFound       = "model_not_found"
	CodeNoRoute             = "no_route"
	CodeInvalidParameters   = "invalid_parameters"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeNotFound            = "not_found"
	CodeMethodNotAllowed    = "method_not_allowed"
)

// Kind classifies an Error.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindResolution
	KindRouting
	KindProvider
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindResolution:
		return "resolution"
	case KindRouting:
		return "routing"
	case KindProvider:
		return "provider"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string

	// Status is the upstream HTTP status for provider errors, 0 otherwise.
	Status int

	// Timeout marks a provider error caused by a deadline.
	Timeout bool

	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code the gateway answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return fasthttp.StatusUnauthorized
	case KindResolution:
		return fasthttp.StatusNotFound
	case KindRouting:
		return fasthttp.StatusServiceUnavailable
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindProvider:
		switch {
		case e.Timeout:
			return fasthttp.StatusGatewayTimeout
		case e.Status == fasthttp.StatusTooManyRequests:
			return fasthttp.StatusTooManyRequests
		default:
			return fasthttp.StatusBadGateway
		}
	default:
		return fasthttp.StatusInternalServerError
	}
}

// TypeAndCode returns the OpenAI envelope type and code for the error.
func (e *Error) TypeAndCode() (string, string) {
	switch e.Kind {
	case KindAuthentication:
		return TypeAuthenticationErr, CodeInvalidAPIKey
	case KindResolution:
		return TypeInvalidRequest, CodeModelNotFound
	case KindRouting:
		return TypeRoutingError, CodeNoRoute
	case KindValidation:
		return TypeInvalidRequest, CodeInvalidParameters
	case KindProvider:
		switch {
		case e.Timeout:
			return TypeProviderError, CodeRequestTimeout
		case e.Status == fasthttp.StatusTooManyRequests:
			return TypeRateLimitError, CodeRateLimitExceeded
		default:
			return TypeProviderError, CodeProviderError
		}
	default:
		return TypeServerError, CodeInternalError
	}
}

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

func Resolution(msg string) *Error {
	return &Error{Kind: KindResolution, Message: msg}
}

func Routing(msg string, err error) *Error {
	return &Error{Kind: KindRouting, Message: msg, Err: err}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Provider wraps a backend failure. status is the upstream HTTP status (0 for
// network errors).
func Provider(msg string, status int, timeout, retryable bool, err error) *Error {
	return &Error{
		Kind:      KindProvider,
		Message:   msg,
		Status:    status,
		Timeout:   timeout,
		Retryable: retryable,
		Err:       err,
	}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body renders the error envelope.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteError classifies err and writes the matching envelope. Unclassified
// errors are reported as internal errors.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	e, ok := As(err)
	if !ok {
		e = Internal("internal error", err)
	}
	errType, code := e.TypeAndCode()
	status := e.HTTPStatus()
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, status, e.Message, errType, code)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
