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
	"testing"
)

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassify_PassThrough(t *testing.T) {
	orig := New(PayloadTooLarge, "too many images")
	wrapped := fmt.Errorf("normalizing: %w", orig)

	got := Classify(wrapped)
	if got != orig {
		t.Errorf("Classify returned %v, want the original error", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_Mapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, UpstreamTimeout},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), UpstreamTimeout},
		{"canceled", context.Canceled, UpstreamUnavailable},
		{"net timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, UpstreamTimeout},
		{"connection refused", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, UpstreamUnavailable},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.invalid"}, UpstreamUnavailable},
		{"json syntax", &json.SyntaxError{Offset: 3}, MalformedResponse},
		{"json type", &json.UnmarshalTypeError{Value: "number", Field: "plan"}, MalformedResponse},
		{"unknown", errors.New("boom"), UpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %q, want %q", tt.err, got.Kind, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code      int
		want      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, Auth, false},
		{http.StatusForbidden, Auth, false},
		{http.StatusRequestEntityTooLarge, PayloadTooLarge, false},
		{http.StatusTooManyRequests, UpstreamRateLimit, true},
		{http.StatusGatewayTimeout, UpstreamTimeout, true},
		{http.StatusRequestTimeout, UpstreamTimeout, true},
		{http.StatusInternalServerError, UpstreamUnavailable, true},
		{http.StatusServiceUnavailable, UpstreamUnavailable, true},
		{http.StatusBadRequest, UpstreamUnavailable, false},
		{http.StatusNotFound, UpstreamUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			got := FromStatus(tt.code, "")
			if got.Kind != tt.want {
				t.Errorf("FromStatus(%d).Kind = %q, want %q", tt.code, got.Kind, tt.want)
			}
			if got.Status != tt.code {
				t.Errorf("Status = %d, want %d", got.Status, tt.code)
			}
			if Retryable(got) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", Retryable(got), tt.retryable)
			}
		})
	}
}

func TestFromStatus_Message(t *testing.T) {
	got := FromStatus(http.StatusBadRequest, "  model not found ")
	if !strings.Contains(got.Message, "model not found") {
		t.Errorf("Message = %q, want upstream message", got.Message)
	}
	got = FromStatus(http.StatusBadGateway, "")
	if !strings.Contains(got.Message, "Bad Gateway") {
		t.Errorf("Message = %q, want status text fallback", got.Message)
	}
}

func TestRetryable_NonUpstream(t *testing.T) {
	for _, k := range []Kind{InvalidInput, PayloadTooLarge, Auth, MalformedResponse} {
		if Retryable(New(k, "x")) {
			t.Errorf("Retryable(%q) = true, want false", k)
		}
	}
	if Retryable(Classify(context.Canceled)) {
		t.Error("canceled requests must not be retried")
	}
	if !Retryable(Classify(errors.New("connection reset"))) {
		t.Error("network failures should be retried")
	}
}

func TestHTTPStatus_CoversAllKinds(t *testing.T) {
	seen := make(map[int]Kind)
	for _, k := range Kinds {
		code := HTTPStatus(k)
		if code == http.StatusInternalServerError {
			t.Errorf("HTTPStatus(%q) fell through to 500", k)
		}
		if prev, dup := seen[code]; dup {
			t.Errorf("HTTPStatus(%q) = %d, same as %q", k, code, prev)
		}
		seen[code] = k
	}
}

func TestError_Message(t *testing.T) {
	e := Wrap(UpstreamUnavailable, errors.New("reset"), "upstream call failed")
	e.Status = 502
	got := e.Error()
	for _, want := range []string{"upstream_unavailable", "upstream call failed", "HTTP 502", "reset"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, want it to contain %q", got, want)
		}
	}
}
