package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/scribe/internal/failure"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/logging"
	"github.com/kalambet/scribe/internal/prompt"
	"github.com/kalambet/scribe/internal/proxy"
	"github.com/kalambet/scribe/internal/soap"
	"github.com/kalambet/scribe/internal/storage"
)

// --- mock invoker ---

type mockInvoker struct {
	invokeFn func(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error)
	calls    atomic.Int32

	mu      sync.Mutex
	lastReq prompt.Request
}

func (m *mockInvoker) Invoke(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	if m.invokeFn != nil {
		return m.invokeFn(ctx, req, apiKey)
	}
	return proxy.Completion{}, errors.New("no invokeFn")
}

func replying(content string) *mockInvoker {
	return &mockInvoker{invokeFn: func(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error) {
		return proxy.Completion{Content: content, Attempts: 1}, nil
	}}
}

// --- mock recorder ---

type mockRecorder struct {
	mu       sync.Mutex
	outcomes []storage.Outcome
	err      error
}

func (m *mockRecorder) RecordOutcome(o storage.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return m.err
}

func newGenerator(inv Invoker, rec Recorder) *Generator {
	return NewGenerator(
		intake.NewNormalizer(intake.DefaultLimits(), 0),
		prompt.NewAssembler(prompt.DefaultOptions()),
		inv, rec, "test-model",
	)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func requireKind(t *testing.T, err error, want failure.Kind) *failure.Error {
	t.Helper()
	var fe *failure.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error %v is not a *failure.Error", err)
	}
	if fe.Kind != want {
		t.Errorf("kind = %q, want %q", fe.Kind, want)
	}
	return fe
}

const ribTranscript = `Doctor: What brings you in today?
Patient: I slipped on the stairs yesterday and landed on my left side. It hurts when I breathe deeply.
Doctor: The X-ray shows a displaced fracture of the seventh rib, no pneumothorax.
Doctor: We'll manage the pain with ibuprofen and breathing exercises.`

func TestGenerate_RoundTrip(t *testing.T) {
	want := soap.Note{
		Subjective: "Slipped on stairs, left-sided chest pain worse on deep breathing.",
		Objective:  "X-ray: displaced 7th rib fracture, no pneumothorax.",
		Assessment: "Rib fracture (7th rib).",
		Plan:       "Ibuprofen for pain; breathing exercises. Follow-up: Not mentioned.",
	}
	inv := replying(string(want.JSON()))
	g := newGenerator(inv, nil)

	got, err := g.Generate(context.Background(), Input{
		ConversationText: ribTranscript,
		Images:           []intake.RawImage{{Data: pngBytes(t), MediaType: "image/png", Filename: "xray.png"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != want {
		t.Errorf("Generate() = %+v, want %+v", got, want)
	}

	parts := inv.lastReq.Chat.Messages[1].MultiContent
	if len(parts) != 3 {
		t.Fatalf("expected transcript + label + image parts, got %d", len(parts))
	}
	if !strings.Contains(parts[0].Text, "seventh rib") {
		t.Errorf("transcript not forwarded: %q", parts[0].Text)
	}
}

func TestGenerate_FencedResponse(t *testing.T) {
	raw := "```json\n" + `{"subjective":"Rib pain","objective":"Fracture on X-ray","assessment":"Rib fracture","plan":"Analgesia"}` + "\n```"
	g := newGenerator(replying(raw), nil)

	got, err := g.Generate(context.Background(), Input{ConversationText: ribTranscript})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Assessment != "Rib fracture" || got.Plan != "Analgesia" {
		t.Errorf("Generate() = %+v", got)
	}
}

func TestGenerate_EmptyTextNoInvocation(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		inv := replying(`{}`)
		g := newGenerator(inv, nil)

		_, err := g.Generate(context.Background(), Input{ConversationText: text})
		requireKind(t, err, failure.InvalidInput)
		if n := inv.calls.Load(); n != 0 {
			t.Errorf("invoker called %d times for text %q", n, text)
		}
	}
}

func TestGenerate_BadImageNoInvocation(t *testing.T) {
	inv := replying(`{}`)
	g := newGenerator(inv, nil)

	_, err := g.Generate(context.Background(), Input{
		ConversationText: ribTranscript,
		Images:           []intake.RawImage{{Data: []byte("not an image"), Filename: "notes.txt"}},
	})
	fe := requireKind(t, err, failure.InvalidInput)
	if len(fe.Indices) != 1 || fe.Indices[0] != 0 {
		t.Errorf("Indices = %v, want [0]", fe.Indices)
	}
	if inv.calls.Load() != 0 {
		t.Error("invoker called for an undecodable image")
	}
}

func TestGenerate_ThreeKeyResponseIsMalformed(t *testing.T) {
	raw := `{"subjective":"a","objective":"b","assessment":"c"}`
	g := newGenerator(replying(raw), nil)

	note, err := g.Generate(context.Background(), Input{ConversationText: ribTranscript})
	fe := requireKind(t, err, failure.MalformedResponse)
	if fe.Raw != raw {
		t.Errorf("Raw = %q, want %q", fe.Raw, raw)
	}
	if note != (soap.Note{}) {
		t.Errorf("partial note returned: %+v", note)
	}
}

func TestGenerate_InvokerErrorsAreClassified(t *testing.T) {
	inv := &mockInvoker{invokeFn: func(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error) {
		return proxy.Completion{Attempts: 3}, context.DeadlineExceeded
	}}
	rec := &mockRecorder{}
	g := newGenerator(inv, rec)

	_, err := g.Generate(context.Background(), Input{ConversationText: ribTranscript})
	requireKind(t, err, failure.UpstreamTimeout)
	if len(rec.outcomes) != 1 || rec.outcomes[0].Attempts != 3 || rec.outcomes[0].Kind != string(failure.UpstreamTimeout) {
		t.Errorf("outcomes = %+v", rec.outcomes)
	}
}

// TestGenerate_MissingCredentialNoNetwork runs the real client against a
// server that must never be reached.
func TestGenerate_MissingCredentialNoNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	g := newGenerator(proxy.NewClient(proxy.Options{APIKey: "  ", BaseURL: srv.URL}), nil)
	_, err := g.Generate(context.Background(), Input{ConversationText: ribTranscript})
	requireKind(t, err, failure.Auth)
	if calls.Load() != 0 {
		t.Errorf("upstream reached %d times without a credential", calls.Load())
	}
}

func TestGenerate_PassesAPIKey(t *testing.T) {
	var gotKey string
	inv := &mockInvoker{invokeFn: func(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error) {
		gotKey = apiKey
		return proxy.Completion{Content: string(soap.Note{}.JSON()), Attempts: 1}, nil
	}}
	g := newGenerator(inv, nil)

	if _, err := g.Generate(context.Background(), Input{ConversationText: "hi", APIKey: "sk-request"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotKey != "sk-request" {
		t.Errorf("apiKey = %q", gotKey)
	}
}

func TestRun_RecordsOutcomeMetadataOnly(t *testing.T) {
	note := soap.Note{Subjective: "s", Objective: "o", Assessment: "a", Plan: "p"}
	inv := &mockInvoker{invokeFn: func(ctx context.Context, req prompt.Request, apiKey string) (proxy.Completion, error) {
		return proxy.Completion{Content: string(note.JSON()), Model: "upstream-model", Attempts: 2}, nil
	}}
	rec := &mockRecorder{}
	g := newGenerator(inv, rec)

	ctx := logging.WithRequestID(context.Background(), "req-42")
	res, err := g.Run(ctx, Input{ConversationText: ribTranscript, Source: "http"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RequestID != "req-42" || res.Attempts != 2 || res.Model != "upstream-model" {
		t.Errorf("result = %+v", res)
	}
	if inv.lastReq.ID != "req-42" {
		t.Errorf("request ID not propagated: %q", inv.lastReq.ID)
	}

	if len(rec.outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(rec.outcomes))
	}
	o := rec.outcomes[0]
	if o.ID != "req-42" || o.Kind != storage.KindOK || o.Source != "http" || o.TranscriptBytes != len(ribTranscript) {
		t.Errorf("outcome = %+v", o)
	}
}

func TestRun_MintsRequestID(t *testing.T) {
	g := newGenerator(replying(string(soap.Note{}.JSON())), nil)
	res, err := g.Run(context.Background(), Input{ConversationText: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.RequestID) != 36 {
		t.Errorf("RequestID = %q, want a UUID", res.RequestID)
	}
}

func TestRun_RecorderFailureDoesNotFailRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	g := newGenerator(replying(string(soap.Note{}.JSON())), rec)
	if _, err := g.Generate(context.Background(), Input{ConversationText: "hello"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	g := newGenerator(replying(string(soap.Note{Plan: "p"}.JSON())), &mockRecorder{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := g.Generate(context.Background(), Input{ConversationText: "hello"})
			if err == nil && n.Plan != "p" {
				err = errors.New("wrong note")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}
