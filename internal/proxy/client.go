// Package proxy invokes the upstream OpenAI-compatible chat completion API
// that turns an assembled prompt into raw note text.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/kalambet/scribe/internal/failure"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/prompt"
)

const (
	DefaultBaseURL        = "https://api.sambanova.ai/v1"
	defaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 2
	defaultInitialBackoff = 500 * time.Millisecond
	maxBackoff            = 8 * time.Second
	maxErrorBody          = 64 << 10
	maxResponseBody       = 4 << 20
)

// Options configures a Client. Zero durations and an empty BaseURL select
// the defaults.
type Options struct {
	BaseURL         string
	APIKey          string // used when a request carries no key of its own
	Timeout         time.Duration
	MaxRetries      int // retries after the first attempt
	InitialBackoff  time.Duration
	MaxPayloadBytes int
}

// Completion is the outcome of one Invoke call.
type Completion struct {
	Content    string
	Model      string
	UpstreamID string
	Attempts   int
}

// Client talks to the upstream model API.
type Client struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	timeout         time.Duration
	maxRetries      int
	initialBackoff  time.Duration
	maxPayloadBytes int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client from opts.
func NewClient(opts Options) *Client {
	c := &Client{
		apiKey:          strings.TrimSpace(opts.APIKey),
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		httpClient:      &http.Client{},
		timeout:         opts.Timeout,
		maxRetries:      opts.MaxRetries,
		initialBackoff:  opts.InitialBackoff,
		maxPayloadBytes: opts.MaxPayloadBytes,
		sleep:           sleepCtx,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	return c
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Invoke sends req with retries and returns the completion. On failure the
// returned Completion still reports how many attempts were made. Every
// error is a *failure.Error.
func (c *Client) Invoke(ctx context.Context, req prompt.Request, apiKey string) (Completion, error) {
	key := c.resolveKey(apiKey)
	if key == "" {
		return Completion{}, failure.New(failure.Auth, "no API key configured")
	}

	body, err := req.Body()
	if err != nil {
		return Completion{}, failure.Wrap(failure.InvalidInput, err, "building request body")
	}
	if c.maxPayloadBytes > 0 && len(body) > c.maxPayloadBytes {
		return Completion{}, failure.New(failure.PayloadTooLarge,
			"request body is %d bytes, limit is %d", len(body), c.maxPayloadBytes)
	}

	log := logging.FromContext(ctx)
	var comp Completion
	for attempt := 0; ; attempt++ {
		comp.Attempts = attempt + 1

		var retryAfter time.Duration
		comp.Content, comp.Model, comp.UpstreamID, retryAfter, err = c.doChat(ctx, req.ID, key, body)
		if err == nil {
			return comp, nil
		}

		fe := failure.Classify(err)
		if ctx.Err() != nil {
			return comp, failure.Classify(ctx.Err())
		}
		if !failure.Retryable(fe) || attempt >= c.maxRetries {
			if attempt > 0 {
				fe.Message = fmt.Sprintf("%s (after %d attempts)", fe.Message, attempt+1)
			}
			return comp, fe
		}

		wait := c.backoff(attempt, retryAfter)
		log.Warn("upstream call failed, retrying",
			"kind", fe.Kind, "status", fe.Status, "attempt", attempt+1, "backoff", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return comp, failure.Classify(err)
		}
	}
}

func (c *Client) resolveKey(apiKey string) string {
	if k := strings.TrimSpace(apiKey); k != "" {
		return k
	}
	return c.apiKey
}

func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := time.Duration(float64(c.initialBackoff) * math.Pow(2, float64(attempt)))
	if retryAfter > 0 {
		d = retryAfter
	}
	return min(d, maxBackoff)
}

func (c *Client) doChat(ctx context.Context, requestID, key string, body []byte) (content, model, id string, retryAfter time.Duration, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", "", 0, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, key)
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", "", "", 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", "", "", parseRetryAfter(resp.Header.Get("Retry-After")),
			failure.FromStatus(resp.StatusCode, errorMessage(respBody))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", "", "", 0, fmt.Errorf("reading response: %w", err)
	}

	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		e := failure.Wrap(failure.MalformedResponse, err, "undecodable completion envelope")
		e.Raw = string(raw)
		return "", "", "", 0, e
	}
	if len(out.Choices) == 0 {
		e := failure.New(failure.MalformedResponse, "completion has no choices")
		e.Raw = string(raw)
		return "", "", "", 0, e
	}
	text := out.Choices[0].Message.Content
	if text == "" {
		for _, p := range out.Choices[0].Message.MultiContent {
			text += p.Text
		}
	}
	if strings.TrimSpace(text) == "" {
		e := failure.New(failure.MalformedResponse, "completion content is empty")
		e.Raw = string(raw)
		return "", "", "", 0, e
	}
	return text, out.Model, out.ID, 0, nil
}

// errorMessage extracts a human-readable message from an upstream error
// body, falling back to the body itself.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ListModels returns the models the upstream offers, trying /models first
// and /meta/models as a fallback.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]openai.Model, error) {
	key := c.resolveKey(apiKey)
	if key == "" {
		return nil, failure.New(failure.Auth, "no API key configured")
	}

	var errs []error
	for _, path := range []string{"/models", "/meta/models"} {
		models, err := c.listModels(ctx, key, path)
		if err == nil {
			return models, nil
		}
		fe := failure.Classify(err)
		if fe.Kind == failure.Auth || ctx.Err() != nil {
			return nil, fe
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return nil, failure.Wrap(failure.UpstreamUnavailable, errors.Join(errs...), "listing models")
}

func (c *Client) listModels(ctx context.Context, key, path string) ([]openai.Model, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, failure.FromStatus(resp.StatusCode, errorMessage(respBody))
	}

	var list openai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Models == nil {
		return []openai.Model{}, nil
	}
	return list.Models, nil
}

func (c *Client) setHeaders(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
