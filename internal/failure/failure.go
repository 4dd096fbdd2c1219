// Package failure defines the error taxonomy shared by every stage of the
// note generation pipeline. Each stage returns a *Error so the transport
// layer can map it to a status code without inspecting messages.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Kind is the stable tag reported to callers.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	PayloadTooLarge     Kind = "payload_too_large"
	Auth                Kind = "auth"
	UpstreamRateLimit   Kind = "upstream_rate_limit"
	UpstreamTimeout     Kind = "upstream_timeout"
	UpstreamUnavailable Kind = "upstream_unavailable"
	MalformedResponse   Kind = "malformed_response"
)

// Kinds lists every kind in a fixed order.
var Kinds = []Kind{
	InvalidInput,
	PayloadTooLarge,
	Auth,
	UpstreamRateLimit,
	UpstreamTimeout,
	UpstreamUnavailable,
	MalformedResponse,
}

// Error is a classified failure. Status and Raw are diagnostic only.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status code, if one was observed.
	Status int
	// Raw holds the offending upstream text for malformed responses.
	Raw string
	// Indices lists the input positions that failed validation (images).
	Indices []int
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a classified error wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Classify maps any error into the taxonomy. Errors that already carry a
// kind are returned unchanged. Classify(nil) returns nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(UpstreamTimeout, err, "upstream did not respond in time")
	case errors.Is(err, context.Canceled):
		return Wrap(UpstreamUnavailable, err, "request canceled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(UpstreamTimeout, err, "upstream did not respond in time")
	}

	var urlErr *url.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return Wrap(UpstreamUnavailable, err, "upstream unreachable")
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(MalformedResponse, err, "upstream returned undecodable data")
	}

	return Wrap(UpstreamUnavailable, err, "upstream call failed")
}

// FromStatus classifies a non-2xx upstream response.
func FromStatus(code int, message string) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = http.StatusText(code)
	}
	var kind Kind
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = Auth
	case code == http.StatusRequestEntityTooLarge:
		kind = PayloadTooLarge
	case code == http.StatusTooManyRequests:
		kind = UpstreamRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = UpstreamTimeout
	default:
		kind = UpstreamUnavailable
	}
	return &Error{Kind: kind, Message: "upstream: " + msg, Status: code}
}

// Retryable reports whether a failure is transient. Only upstream kinds
// are; a 4xx rejection other than rate limiting is not, even though it is
// reported as upstream_unavailable.
func Retryable(e *Error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case UpstreamRateLimit, UpstreamTimeout:
		return true
	case UpstreamUnavailable:
		if errors.Is(e, context.Canceled) {
			return false
		}
		return e.Status == 0 || e.Status >= 500
	}
	return false
}

// HTTPStatus maps a kind to the status code the HTTP layer reports.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case Auth:
		return http.StatusUnauthorized
	case UpstreamRateLimit:
		return http.StatusTooManyRequests
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case MalformedResponse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
