package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     []string // first non-empty variable wins
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: []string{"SCRIBE_SERVER_HOST"},
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: []string{"SCRIBE_SERVER_PORT", "PORT"},
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "upstream.base_url", typ: kString, env: []string{"SCRIBE_UPSTREAM_BASE_URL"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.model", typ: kString, env: []string{"SCRIBE_UPSTREAM_MODEL"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Model },
	},
	{
		key: apiKeySecret, typ: kString, env: []string{"SCRIBE_API_KEY", "SAMBANOVA_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "upstream.timeout", typ: kDuration, env: []string{"SCRIBE_UPSTREAM_TIMEOUT"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "upstream.max_retries", typ: kInt, env: []string{"SCRIBE_UPSTREAM_MAX_RETRIES"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxRetries },
	},
	{
		key: "upstream.initial_backoff", typ: kDuration, env: []string{"SCRIBE_UPSTREAM_INITIAL_BACKOFF"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.InitialBackoff },
	},
	{
		key: "upstream.temperature", typ: kFloat, env: []string{"SCRIBE_UPSTREAM_TEMPERATURE"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Upstream.Temperature },
	},
	{
		key: "upstream.max_tokens", typ: kInt, env: []string{"SCRIBE_UPSTREAM_MAX_TOKENS"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxTokens },
	},
	{
		key: "upstream.json_mode", typ: kBool, env: []string{"SCRIBE_UPSTREAM_JSON_MODE"},
		apply:   func(cfg *Config, v any) { cfg.Upstream.JSONMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Upstream.JSONMode },
	},
	{
		key: "limits.max_images", typ: kInt, env: []string{"SCRIBE_LIMITS_MAX_IMAGES"},
		apply:   func(cfg *Config, v any) { cfg.Limits.MaxImages = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.MaxImages },
	},
	{
		key: "limits.max_image_bytes", typ: kInt, env: []string{"SCRIBE_LIMITS_MAX_IMAGE_BYTES"},
		apply:   func(cfg *Config, v any) { cfg.Limits.MaxImageBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.MaxImageBytes },
	},
	{
		key: "limits.max_transcript_bytes", typ: kInt, env: []string{"SCRIBE_LIMITS_MAX_TRANSCRIPT_BYTES"},
		apply:   func(cfg *Config, v any) { cfg.Limits.MaxTranscriptBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.MaxTranscriptBytes },
	},
	{
		key: "limits.max_image_pixels", typ: kInt, env: []string{"SCRIBE_LIMITS_MAX_IMAGE_PIXELS"},
		apply:   func(cfg *Config, v any) { cfg.Limits.MaxImagePixels = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.MaxImagePixels },
	},
	{
		key: "limits.max_payload_bytes", typ: kInt, env: []string{"SCRIBE_LIMITS_MAX_PAYLOAD_BYTES"},
		apply:   func(cfg *Config, v any) { cfg.Limits.MaxPayloadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.MaxPayloadBytes },
	},
	{
		key: "storage.enabled", typ: kBool, env: []string{"SCRIBE_STORAGE_ENABLED"},
		apply:   func(cfg *Config, v any) { cfg.Storage.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.Enabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: []string{"SCRIBE_STORAGE_DATA_DIR"},
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.retention", typ: kDuration, env: []string{"SCRIBE_STORAGE_RETENTION"},
		apply:   func(cfg *Config, v any) { cfg.Storage.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.Retention },
	},
	{
		key: "log.level", typ: kString, env: []string{"SCRIBE_LOG_LEVEL"},
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: []string{"SCRIBE_LOG_FORMAT"},
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parseValue converts raw text into the Go type a key expects.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return cast.ToIntE(raw)
	case kBool:
		return cast.ToBoolE(raw)
	case kFloat:
		return cast.ToFloat64E(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		for _, env := range s.env {
			raw := strings.TrimSpace(os.Getenv(env))
			if raw == "" {
				continue
			}
			parsed, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, env, raw, err)
			} else {
				s.apply(cfg, parsed)
			}
			break
		}
	}
}
