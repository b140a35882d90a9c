package providers

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Error codes carried by *Error.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeHTTPError       = "HTTP_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeNetworkError    = "NETWORK_ERROR"
	CodeAPIError        = "API_ERROR"
	CodeUnsupportedAuth = "UNSUPPORTED_AUTH"
	CodeCanceled        = "CANCELED"
)

// Error is a failure talking to a provider.
type Error struct {
	Provider   string
	Code       string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s: %s (status=%d)", e.Provider, e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Timeout reports whether the call hit its deadline.
func (e *Error) Timeout() bool { return e.Code == CodeTimeout }

type StatusCoder interface {
	HTTPStatus() int
}

// RetryableStatus reports whether an upstream status may succeed elsewhere.
func RetryableStatus(status int) bool {
	return status >= 500 || status == 429
}

// StatusError builds the error for a non-2xx provider response, extracting
// the message from the usual error envelopes.
func StatusError(provider string, status int, body []byte) *Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", status)
	}
	return &Error{
		Provider:   provider,
		Code:       CodeHTTPError,
		StatusCode: status,
		Message:    msg,
		Retryable:  RetryableStatus(status),
	}
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		if len(body) > 512 {
			body = body[:512]
		}
		return string(body)
	}
	for _, path := range []string{"error.message", "message", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
