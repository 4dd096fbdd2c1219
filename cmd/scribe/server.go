package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scribe/internal/api"
	"github.com/kalambet/scribe/internal/config"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/pipeline"
	"github.com/kalambet/scribe/internal/prompt"
	"github.com/kalambet/scribe/internal/proxy"
	"github.com/kalambet/scribe/internal/retention"
	"github.com/kalambet/scribe/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app holds the components shared by every entry point.
type app struct {
	cfg       config.Config
	client    *proxy.Client
	generator *pipeline.Generator
	store     *storage.Store // nil when the outcome ledger is disabled
}

func newApp(cfg config.Config) (*app, error) {
	client := proxy.NewClient(proxy.Options{
		BaseURL:         cfg.Upstream.BaseURL,
		APIKey:          cfg.Upstream.APIKey,
		Timeout:         cfg.Upstream.Timeout,
		MaxRetries:      cfg.Upstream.MaxRetries,
		InitialBackoff:  cfg.Upstream.InitialBackoff,
		MaxPayloadBytes: cfg.Limits.MaxPayloadBytes,
	})

	a := &app{cfg: cfg, client: client}

	var recorder pipeline.Recorder
	if cfg.Storage.Enabled {
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		schema, err := store.AppliedMigrations()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("reading ledger schema: %w", err)
		}
		slog.Debug("outcome ledger opened", "dir", cfg.Storage.DataDir, "schema", schema)
		a.store = store
		recorder = store
	}

	normalizer := intake.NewNormalizer(intake.Limits{
		MaxImages:          cfg.Limits.MaxImages,
		MaxImageBytes:      cfg.Limits.MaxImageBytes,
		MaxTranscriptBytes: cfg.Limits.MaxTranscriptBytes,
		MaxImagePixels:     cfg.Limits.MaxImagePixels,
	}, 0)
	assembler := prompt.NewAssembler(prompt.Options{
		Model:       cfg.Upstream.Model,
		Temperature: float32(cfg.Upstream.Temperature),
		MaxTokens:   cfg.Upstream.MaxTokens,
		JSONMode:    cfg.Upstream.JSONMode,
	})
	a.generator = pipeline.NewGenerator(normalizer, assembler, client, recorder, cfg.Upstream.Model)

	return a, nil
}

// outcomes returns the ledger reader, or nil when storage is disabled.
func (a *app) outcomes() api.OutcomeReader {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// maxBodyBytes bounds an incoming request: every image at its limit,
// base64-inflated, plus the transcript and form overhead. Zero selects the
// handler default.
func maxBodyBytes(l config.LimitsConfig) int64 {
	if l.MaxImages <= 0 || l.MaxImageBytes <= 0 || l.MaxTranscriptBytes <= 0 {
		return 0
	}
	images := int64(l.MaxImages) * int64(l.MaxImageBytes) * 4 / 3
	return images + 2*int64(l.MaxTranscriptBytes) + 1<<20
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured; requests must supply api_key")
	}
	return newApp(cfg)
}

func runServer() error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(api.Deps{
		Generator:    a.generator,
		Models:       a.client,
		Outcomes:     a.outcomes(),
		MaxBodyBytes: maxBodyBytes(a.cfg.Limits),
		Version:      version,
	})

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.store != nil && a.cfg.Storage.Retention > 0 {
		g.Go(func() error {
			return retention.NewWorker(a.store, a.cfg.Storage.Retention, time.Hour).Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("scribe listening", "addr", srv.Addr, "version", version,
			"model", a.cfg.Upstream.Model, "upstream", a.client.BaseURL(), "ledger", a.store != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Generator: a.generator,
		Outcomes:  a.outcomes(),
		Version:   version,
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
