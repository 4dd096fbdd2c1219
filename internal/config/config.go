package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Limits   LimitsConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type UpstreamConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Temperature    float64
	MaxTokens      int
	JSONMode       bool
}

type LimitsConfig struct {
	MaxImages          int
	MaxImageBytes      int
	MaxTranscriptBytes int
	MaxPayloadBytes    int
	MaxImagePixels     int
}

type StorageConfig struct {
	Enabled   bool
	DataDir   string
	Retention time.Duration // ledger rows older than this are pruned; 0 keeps everything
}

type LogConfig struct {
	Level  string
	Format string
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5000,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.sambanova.ai/v1",
			Model:          "Llama-4-Maverick-17B-128E-Instruct",
			Timeout:        60 * time.Second,
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			Temperature:    0.3,
			MaxTokens:      1500,
		},
		Limits: LimitsConfig{
			MaxImages:          8,
			MaxImageBytes:      10 << 20,
			MaxTranscriptBytes: 256 << 10,
			MaxPayloadBytes:    20 << 20,
			MaxImagePixels:     40_000_000,
		},
		Storage: StorageConfig{
			Enabled:   true,
			DataDir:   defaultDataDir(),
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the YAML
// file at $XDG_CONFIG_HOME/scribe/config.yaml, then environment variables
// (SCRIBE_*, plus PORT and SAMBANOVA_API_KEY). A .env file in the working
// directory is loaded into the environment first; it never overrides
// variables that are already set.
//
// The API key is never read from the config file. If no environment
// variable provides it, the secrets file written by `scribe config set-key`
// is consulted. A missing key is not an error: callers may still supply
// one per request.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, fileSecrets{path: SecretsFilePath()})
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Upstream.APIKey == "" {
		if key, err := secrets.Get(apiKeySecret); err == nil && strings.TrimSpace(key) != "" {
			cfg.Upstream.APIKey = strings.TrimSpace(key)
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is empty"))
	}
	if cfg.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model is empty"))
	}
	if cfg.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries %d is negative", cfg.Upstream.MaxRetries))
	}
	if cfg.Upstream.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout %s must be positive", cfg.Upstream.Timeout))
	}
	if cfg.Storage.Retention < 0 {
		errs = append(errs, fmt.Errorf("storage.retention %s is negative", cfg.Storage.Retention))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func xdgDir(env string, fallback ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(append([]string{home}, fallback...)...)
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "scribe")
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ConfigFilePath returns the location of the YAML config file.
func ConfigFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.yaml")
}

// SecretsFilePath returns the location of the secrets file.
func SecretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}
