// Package pipeline wires the note generation stages together: normalize the
// input, assemble the prompt, invoke the model, and parse the response.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/scribe/internal/failure"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/prompt"
	"github.com/kalambet/scribe/internal/proxy"
	"github.com/kalambet/scribe/internal/soap"
	"github.com/kalambet/scribe/internal/storage"
)

// Invoker sends an assembled request upstream. *proxy.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error)
}

// Recorder stores request outcomes. *storage.Store implements it.
type Recorder interface {
	RecordOutcome(o storage.Outcome) error
}

// Input is one note request.
type Input struct {
	ConversationText string
	Images           []intake.RawImage
	APIKey           string // overrides the configured key when set
	Source           string // recorded in the outcome ledger
}

// Result is a generated note plus request metadata.
type Result struct {
	Note      soap.Note
	RequestID string
	Model     string
	Attempts  int
	Duration  time.Duration
}

// Generator runs the pipeline. It is safe for concurrent use and keeps no
// state between requests.
type Generator struct {
	normalizer *intake.Normalizer
	assembler  *prompt.Assembler
	invoker    Invoker
	recorder   Recorder
	model      string
}

// NewGenerator creates a Generator. recorder may be nil.
func NewGenerator(n *intake.Normalizer, a *prompt.Assembler, inv Invoker, recorder Recorder, model string) *Generator {
	return &Generator{
		normalizer: n,
		assembler:  a,
		invoker:    inv,
		recorder:   recorder,
		model:      model,
	}
}

// Generate produces a SOAP note. Every error is a *failure.Error.
func (g *Generator) Generate(ctx context.Context, in Input) (soap.Note, error) {
	res, err := g.Run(ctx, in)
	if err != nil {
		return soap.Note{}, err
	}
	return res.Note, nil
}

// Run is Generate with request metadata. The request ID is taken from ctx
// when present, otherwise a new one is minted.
func (g *Generator) Run(ctx context.Context, in Input) (res Result, err error) {
	start := time.Now()
	res.RequestID = logging.RequestID(ctx)
	if res.RequestID == "" {
		res.RequestID = uuid.NewString()
		ctx = logging.WithRequestID(ctx, res.RequestID)
	}
	res.Model = g.model
	log := logging.FromContext(ctx)

	var images, transcriptBytes int
	defer func() {
		res.Duration = time.Since(start)
		kind := storage.KindOK
		if err != nil {
			fe := failure.Classify(err)
			err = fe
			kind = string(fe.Kind)
			log.Warn("note generation failed",
				"kind", fe.Kind, "status", fe.Status, "attempts", res.Attempts,
				"duration", res.Duration, "error", fe.Message)
		} else {
			log.Info("note generated",
				"model", res.Model, "attempts", res.Attempts, "images", images,
				"transcript_bytes", transcriptBytes, "duration", res.Duration)
		}
		g.record(log, storage.Outcome{
			ID:              res.RequestID,
			CreatedAt:       start,
			Model:           res.Model,
			Kind:            kind,
			Attempts:        res.Attempts,
			ImageCount:      len(in.Images),
			TranscriptBytes: len(in.ConversationText),
			Duration:        res.Duration,
			Source:          in.Source,
		})
	}()

	transcript, atts, err := g.normalizer.Normalize(in.ConversationText, in.Images)
	if err != nil {
		return res, err
	}
	images, transcriptBytes = len(atts), len(transcript.Text)

	req := g.assembler.Assemble(res.RequestID, transcript, atts)
	log.Debug("invoking model", "model", req.Chat.Model, "images", images)

	comp, err := g.invoker.Invoke(ctx, req, in.APIKey)
	res.Attempts = comp.Attempts
	if comp.Model != "" {
		res.Model = comp.Model
	}
	if err != nil {
		return res, err
	}

	note, err := soap.Parse(comp.Content)
	if err != nil {
		return res, err
	}
	res.Note = note
	return res, nil
}

func (g *Generator) record(log *slog.Logger, o storage.Outcome) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.RecordOutcome(o); err != nil {
		log.Warn("recording outcome failed", "error", err)
	}
}
