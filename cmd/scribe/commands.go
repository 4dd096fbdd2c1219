package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/scribe/internal/api"
	"github.com/kalambet/scribe/internal/config"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/pipeline"
	"github.com/kalambet/scribe/internal/soap"
	"github.com/kalambet/scribe/internal/storage"
	"github.com/kalambet/scribe/internal/transcript"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a SOAP note from a conversation",
	Long: `Generate a SOAP note from a conversation and optional images.

By default the request is sent to a running "scribe serve". With --local the
pipeline runs in this process using the local configuration.

Examples:
  scribe generate --text "Doctor: What brings you in? Patient: I fell on my ribs."
  scribe generate --file visit.pdf --image xray.png --image labs.jpg
  cat visit.txt | scribe generate --text - --local --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		images, _ := cmd.Flags().GetStringArray("image")
		apiKey, _ := cmd.Flags().GetString("api-key")
		local, _ := cmd.Flags().GetBool("local")
		asJSON, _ := cmd.Flags().GetBool("json")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if text == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			text = string(data)
		}

		req, err := readGenerateFiles(text, file, images)
		if err != nil {
			return err
		}
		req.apiKey = apiKey

		var note soap.Note
		if local {
			note, err = generateLocal(cmd.Context(), req)
		} else {
			note, err = generateRemote(cmd.Context(), req)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			fmt.Fprintln(out, string(note.JSON()))
			return nil
		}
		printNote(out, note)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("text", "", `conversation text ("-" reads stdin)`)
	generateCmd.Flags().String("file", "", "transcript file (.txt, .md or .pdf)")
	generateCmd.Flags().StringArray("image", nil, "image file to attach (repeatable)")
	generateCmd.Flags().String("api-key", "", "upstream API key for this request")
	generateCmd.Flags().Bool("local", false, "run the pipeline in-process instead of calling the server")
	generateCmd.Flags().Bool("json", false, "print the note as JSON")
}

// generateRequest is the CLI's view of one note request with files read.
type generateRequest struct {
	text       string
	transcript *upload
	images     []upload
	apiKey     string
}

func readGenerateFiles(text, file string, images []string) (generateRequest, error) {
	req := generateRequest{text: text}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading transcript: %w", err)
		}
		req.transcript = &upload{field: "transcript_file", filename: filepath.Base(file), data: data}
	}
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("reading image: %w", err)
		}
		req.images = append(req.images, upload{field: "images", filename: filepath.Base(path), data: data})
	}
	return req, nil
}

func generateLocal(ctx context.Context, req generateRequest) (soap.Note, error) {
	a, err := loadApp()
	if err != nil {
		return soap.Note{}, err
	}
	defer a.close()
	return generateLocalWith(ctx, a, req)
}

func generateLocalWith(ctx context.Context, a *app, req generateRequest) (soap.Note, error) {
	text := req.text
	if req.transcript != nil {
		fromFile, err := transcript.Extract(req.transcript.filename, req.transcript.data)
		if err != nil {
			return soap.Note{}, err
		}
		text = transcript.Join(text, fromFile)
	}

	in := pipeline.Input{ConversationText: text, APIKey: req.apiKey, Source: "cli"}
	for _, img := range req.images {
		in.Images = append(in.Images, intake.RawImage{Data: img.data, Filename: img.filename})
	}
	printStep("Generating note with %s", a.cfg.Upstream.Model)
	return a.generator.Generate(ctx, in)
}

func generateRemote(ctx context.Context, req generateRequest) (soap.Note, error) {
	client, err := newAPIClient()
	if err != nil {
		return soap.Note{}, err
	}

	files := req.images
	if req.transcript != nil {
		files = append([]upload{*req.transcript}, files...)
	}
	resp, err := client.postMultipart(ctx, "/generate-soap", map[string]string{
		"conversation_text": req.text,
		"api_key":           req.apiKey,
	}, files)
	if err != nil {
		return soap.Note{}, err
	}

	var result struct {
		SoapNotes soap.Note `json:"soap_notes"`
		RequestID string    `json:"request_id"`
		Attempts  int       `json:"attempts"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return soap.Note{}, err
	}
	if result.Attempts > 1 {
		printWarning("request %s needed %d upstream attempts", result.RequestID, result.Attempts)
	}
	return result.SoapNotes, nil
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered by the upstream API",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		models, err := a.client.ListModels(cmd.Context(), apiKey)
		if err != nil {
			return err
		}
		if len(models) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No models found.")
			return nil
		}

		out := cmd.OutOrStdout()
		for _, m := range models {
			marker := "  "
			if m.ID == cfg.Upstream.Model {
				marker = colorize(colorGreen, "* ")
			}
			fmt.Fprintf(out, "%s%s\n", marker, m.ID)
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().String("api-key", "", "upstream API key (default: configured key)")
}

// --- outcomes ---

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Inspect the request outcome ledger",
}

var outcomesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent request outcomes from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/outcomes?limit=%d", limit))
		if err != nil {
			return err
		}

		var sum api.OutcomeSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		printOutcomes(cmd.OutOrStdout(), sum)
		return nil
	},
}

func printOutcomes(w io.Writer, sum api.OutcomeSummary) {
	if len(sum.Outcomes) == 0 {
		fmt.Fprintln(w, "No outcomes recorded.")
		return
	}
	for _, o := range sum.Outcomes {
		kind := o.Kind
		if kind == storage.KindOK {
			kind = colorize(colorGreen, kind)
		} else {
			kind = colorize(colorRed, kind)
		}
		id := o.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %s  %-20s  attempts=%d images=%d %dms\n",
			colorize(colorCyan, id), o.CreatedAt, kind, o.Attempts, o.ImageCount, o.DurationMs)
	}

	kinds := make([]string, 0, len(sum.Counts))
	for k, n := range sum.Counts {
		if n == 0 {
			continue
		}
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	if len(kinds) > 0 {
		slices.Sort(kinds)
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, "Totals:"), strings.Join(kinds, " "))
	}
}

var outcomesShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show the recorded outcome of one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		o, err := fetchOutcome(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printOutcome(cmd.OutOrStdout(), o)
		return nil
	},
}

func fetchOutcome(ctx context.Context, client *apiClient, id string) (api.OutcomeView, error) {
	resp, err := client.get(ctx, "/outcomes/"+url.PathEscape(id))
	if err != nil {
		return api.OutcomeView{}, err
	}
	var o api.OutcomeView
	if err := decodeJSON(resp, &o); err != nil {
		return api.OutcomeView{}, err
	}
	return o, nil
}

func printOutcome(w io.Writer, o api.OutcomeView) {
	fields := []struct{ label, value string }{
		{"Request", o.ID},
		{"Recorded", o.CreatedAt},
		{"Model", o.Model},
		{"Outcome", o.Kind},
		{"Attempts", fmt.Sprint(o.Attempts)},
		{"Images", fmt.Sprint(o.ImageCount)},
		{"Transcript", fmt.Sprintf("%d bytes", o.TranscriptBytes)},
		{"Duration", fmt.Sprintf("%dms", o.DurationMs)},
		{"Source", o.Source},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, f.label+":"), f.value)
	}
}

var outcomesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger entries older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if olderThan == 0 {
			olderThan = cfg.Storage.Retention
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		if !cfg.Storage.Enabled {
			return fmt.Errorf("outcome ledger is disabled (storage.enabled=false)")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.PruneOutcomes(time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		printSuccess("Pruned %d outcomes", n)
		return nil
	},
}

func init() {
	outcomesListCmd.Flags().Int("limit", 20, "maximum number of outcomes to list")
	outcomesPruneCmd.Flags().Duration("older-than", 0, "prune entries older than this (default: storage.retention)")
	outcomesCmd.AddCommand(outcomesListCmd)
	outcomesCmd.AddCommand(outcomesShowCmd)
	outcomesCmd.AddCommand(outcomesPruneCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [api-key]",
	Short: "Store the upstream API key in the secrets file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			fmt.Fprint(os.Stderr, "API key: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading API key: %w", err)
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("API key must not be empty")
		}

		if err := config.SetAPIKey(key); err != nil {
			return err
		}
		printSuccess("API key stored in %s", config.SecretsFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}
