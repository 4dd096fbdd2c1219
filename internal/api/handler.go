// Package api exposes note generation over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/scribe/internal/failure"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/pipeline"
	"github.com/kalambet/scribe/internal/soap"
	"github.com/kalambet/scribe/internal/storage"
	"github.com/kalambet/scribe/internal/transcript"
)

const (
	defaultMaxBodyBytes = 100 << 20
	maxMultipartMemory  = 32 << 20
	defaultOutcomeLimit = 20
	maxOutcomeLimit     = 500
)

// Generator produces notes. *pipeline.Generator implements it.
type Generator interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

// ModelLister lists upstream models. *proxy.Client implements it.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]openai.Model, error)
}

// OutcomeReader reads the outcome ledger. *storage.Store implements it.
type OutcomeReader interface {
	RecentOutcomes(limit int) ([]storage.Outcome, error)
	GetOutcome(id string) (storage.Outcome, error)
	CountByKind(since time.Time) ([]storage.KindCount, error)
}

// Deps holds the handler's collaborators. Models and Outcomes may be nil.
type Deps struct {
	Generator    Generator
	Models       ModelLister
	Outcomes     OutcomeReader
	MaxBodyBytes int64
	Version      string
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/", handleHealth(deps.Version))
	r.Get("/health", handleHealth(deps.Version))
	r.Post("/generate-soap", handleGenerate(deps))
	r.Get("/models", handleModels(deps.Models))
	r.Get("/outcomes", handleOutcomes(deps.Outcomes))
	r.Get("/outcomes/{id}", handleOutcome(deps.Outcomes))

	return r
}

// requestID takes the caller's X-Request-ID or mints one, echoes it, and
// stores it in the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"service":   "scribe",
			"version":   version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type imagePayload struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
	Filename  string `json:"filename"`
}

type generateRequest struct {
	ConversationText string         `json:"conversation_text"`
	Images           []imagePayload `json:"images"`
	APIKey           string         `json:"api_key"`
}

type generateResponse struct {
	Status    string    `json:"status"`
	SoapNotes soap.Note `json:"soap_notes"`
	RequestID string    `json:"request_id"`
	Model     string    `json:"model,omitempty"`
	Attempts  int       `json:"attempts"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes)
		defer r.Body.Close()

		in, err := decodeGenerate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.Source = "http"

		res, err := deps.Generator.Run(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, generateResponse{
			Status:    "success",
			SoapNotes: res.Note,
			RequestID: res.RequestID,
			Model:     res.Model,
			Attempts:  res.Attempts,
		})
	}
}

func decodeGenerate(r *http.Request) (pipeline.Input, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return decodeJSON(r)
	case "multipart/form-data":
		return decodeMultipart(r)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return pipeline.Input{}, bodyError(err)
		}
		return pipeline.Input{
			ConversationText: r.PostForm.Get("conversation_text"),
			APIKey:           r.PostForm.Get("api_key"),
		}, nil
	}
	return pipeline.Input{}, failure.New(failure.InvalidInput,
		"unsupported content type %q (want multipart/form-data or application/json)", mediaType)
}

func decodeJSON(r *http.Request) (pipeline.Input, error) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return pipeline.Input{}, bodyError(err)
	}

	in := pipeline.Input{ConversationText: req.ConversationText, APIKey: req.APIKey}
	var bad []int
	for i, img := range req.Images {
		data, err := decodeBase64(img.Data)
		if err != nil {
			bad = append(bad, i)
			continue
		}
		in.Images = append(in.Images, intake.RawImage{Data: data, MediaType: img.MediaType, Filename: img.Filename})
	}
	if len(bad) > 0 {
		e := failure.New(failure.InvalidInput, "images %v are not valid base64", bad)
		e.Indices = bad
		return pipeline.Input{}, e
	}
	return in, nil
}

// decodeBase64 accepts raw base64 or a data URI.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeMultipart(r *http.Request) (pipeline.Input, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return pipeline.Input{}, bodyError(err)
	}
	defer r.MultipartForm.RemoveAll()

	in := pipeline.Input{
		ConversationText: r.FormValue("conversation_text"),
		APIKey:           r.FormValue("api_key"),
	}

	if files := r.MultipartForm.File["transcript_file"]; len(files) > 0 {
		data, err := readPart(files[0])
		if err != nil {
			return pipeline.Input{}, err
		}
		text, err := transcript.Extract(files[0].Filename, data)
		if err != nil {
			return pipeline.Input{}, err
		}
		in.ConversationText = transcript.Join(in.ConversationText, text)
	}

	for _, fh := range r.MultipartForm.File["images"] {
		data, err := readPart(fh)
		if err != nil {
			return pipeline.Input{}, err
		}
		in.Images = append(in.Images, intake.RawImage{
			Data:      data,
			MediaType: fh.Header.Get("Content-Type"),
			Filename:  fh.Filename,
		})
	}
	return in, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "opening upload %q", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "reading upload %q", fh.Filename)
	}
	return data, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return failure.New(failure.PayloadTooLarge, "request body exceeds %d bytes", maxErr.Limit)
	}
	return failure.Wrap(failure.InvalidInput, err, "invalid request body")
}

func handleModels(models ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if models == nil {
			httpError(w, http.StatusNotFound, "model listing is not available")
			return
		}
		list, err := models.ListModels(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, openai.ModelsList{Models: list})
	}
}

// OutcomeView is the public form of a ledger row.
type OutcomeView struct {
	ID              string `json:"id"`
	CreatedAt       string `json:"created_at"`
	Model           string `json:"model"`
	Kind            string `json:"kind"`
	Attempts        int    `json:"attempts"`
	ImageCount      int    `json:"image_count"`
	TranscriptBytes int    `json:"transcript_bytes"`
	DurationMs      int64  `json:"duration_ms"`
	Source          string `json:"source,omitempty"`
}

func toOutcomeView(o storage.Outcome) OutcomeView {
	return OutcomeView{
		ID:              o.ID,
		CreatedAt:       o.CreatedAt.UTC().Format(time.RFC3339),
		Model:           o.Model,
		Kind:            o.Kind,
		Attempts:        o.Attempts,
		ImageCount:      o.ImageCount,
		TranscriptBytes: o.TranscriptBytes,
		DurationMs:      o.Duration.Milliseconds(),
		Source:          o.Source,
	}
}

// OutcomeSummary is the body of GET /outcomes and the MCP outcomes resource.
// Counts has an entry for "ok" and every failure kind, zero or not.
type OutcomeSummary struct {
	Outcomes []OutcomeView  `json:"outcomes"`
	Counts   map[string]int `json:"counts"`
}

func summarizeOutcomes(r OutcomeReader, limit int) (OutcomeSummary, error) {
	outcomes, err := r.RecentOutcomes(limit)
	if err != nil {
		return OutcomeSummary{}, fmt.Errorf("reading outcomes: %w", err)
	}
	counts, err := r.CountByKind(time.Time{})
	if err != nil {
		return OutcomeSummary{}, fmt.Errorf("counting outcomes: %w", err)
	}

	sum := OutcomeSummary{
		Outcomes: make([]OutcomeView, len(outcomes)),
		Counts:   make(map[string]int, len(failure.Kinds)+1),
	}
	sum.Counts[storage.KindOK] = 0
	for _, k := range failure.Kinds {
		sum.Counts[string(k)] = 0
	}
	for i, o := range outcomes {
		sum.Outcomes[i] = toOutcomeView(o)
	}
	for _, c := range counts {
		sum.Counts[c.Kind] = c.Count
	}
	return sum, nil
}

func handleOutcomes(outcomes OutcomeReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if outcomes == nil {
			httpError(w, http.StatusNotFound, "outcome ledger is disabled")
			return
		}

		limit := defaultOutcomeLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxOutcomeLimit)
		}

		sum, err := summarizeOutcomes(outcomes, limit)
		if err != nil {
			logging.FromContext(r.Context()).Error("listing outcomes", "error", err)
			httpError(w, http.StatusInternalServerError, "failed to read outcomes")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleOutcome(outcomes OutcomeReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if outcomes == nil {
			httpError(w, http.StatusNotFound, "outcome ledger is disabled")
			return
		}

		id := chi.URLParam(r, "id")
		o, err := outcomes.GetOutcome(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no outcome recorded for %q", id)
			return
		}
		if err != nil {
			logging.FromContext(r.Context()).Error("reading outcome", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "failed to read outcome")
			return
		}
		writeJSON(w, http.StatusOK, toOutcomeView(o))
	}
}

type errorResponse struct {
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Indices   []int  `json:"indices,omitempty"`
}

// writeError reports a classified failure. Raw upstream text is never
// echoed to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := failure.Classify(err)
	status := failure.HTTPStatus(fe.Kind)
	if status >= 500 {
		logging.FromContext(r.Context()).Warn("request failed", "kind", fe.Kind, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{
		Status:    "error",
		Kind:      string(fe.Kind),
		Message:   fe.Message,
		RequestID: logging.RequestID(r.Context()),
		Indices:   fe.Indices,
	})
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, errorResponse{
		Status:  "error",
		Message: fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
