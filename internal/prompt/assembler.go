// Package prompt builds the upstream chat completion request for a SOAP
// note from a normalized transcript and its image attachments.
package prompt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/scribe/internal/intake"
)

const systemInstruction = `You are a medical scribe that writes clinical notes in SOAP format from doctor-patient conversations and any attached clinical images (for example X-rays, lab reports, or photos of wounds).

Sections:
- "subjective": the patient's reported symptoms, complaints, history, and concerns, in their own terms.
- "objective": measurable findings: vital signs, physical examination, and results read from lab reports or imaging, including the attached images.
- "assessment": the clinician's diagnosis or differential, supported by the subjective and objective findings.
- "plan": treatment, medications, tests ordered, referrals, patient education, and follow-up.

Rules:
- Respond with ONLY one JSON object with exactly these four string keys: "subjective", "objective", "assessment", "plan".
- Do not add any other keys, commentary, or markdown code fences.
- Use only information present in the conversation or the images. Do not invent findings.
- If information for a section is not available, write "Not mentioned" for that section.`

// Options carries the upstream generation parameters.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	JSONMode    bool // request response_format json_object
}

// DefaultOptions returns the parameters used when none are configured.
func DefaultOptions() Options {
	return Options{
		Model:       "Llama-4-Maverick-17B-128E-Instruct",
		Temperature: 0.3,
		MaxTokens:   1500,
	}
}

// Request is an assembled upstream call. ID is used for tracing only and
// is never sent upstream.
type Request struct {
	ID   string
	Chat openai.ChatCompletionRequest
}

// Body returns the JSON body sent upstream.
func (r Request) Body() ([]byte, error) {
	b, err := json.Marshal(r.Chat)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}
	return b, nil
}

// Assembler builds Requests. It holds no per-request state.
type Assembler struct {
	opts Options
}

// NewAssembler creates an Assembler. Zero-valued fields of opts fall back
// to DefaultOptions.
func NewAssembler(opts Options) *Assembler {
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.Temperature < 0 {
		opts.Temperature = def.Temperature
	}
	return &Assembler{opts: opts}
}

// SystemInstruction returns the fixed instruction sent as the system message.
func SystemInstruction() string {
	return systemInstruction
}

// Assemble builds the request for one note. The result depends only on its
// arguments and the Assembler's options.
func (a *Assembler) Assemble(id string, t intake.Transcript, atts []intake.Attachment) Request {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(atts) == 0 {
		user.Content = userText(t)
	} else {
		user.MultiContent = multiContent(t, atts)
	}

	chat := openai.ChatCompletionRequest{
		Model: a.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstruction},
			user,
		},
		Temperature: a.opts.Temperature,
		MaxTokens:   a.opts.MaxTokens,
	}
	if chat.Temperature == 0 {
		// A zero float32 is omitted from the body, which leaves the
		// temperature to the upstream default.
		chat.Temperature = math.SmallestNonzeroFloat32
	}
	if a.opts.JSONMode {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return Request{ID: id, Chat: chat}
}

func userText(t intake.Transcript) string {
	return "Conversation transcript:\n\n" + t.Text
}

func multiContent(t intake.Transcript, atts []intake.Attachment) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, 1+2*len(atts))
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: userText(t),
	})
	for i, att := range atts {
		parts = append(parts,
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Image %d (%s):", i+1, att.MediaType),
			},
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    DataURI(att),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		)
	}
	return parts
}

// DataURI encodes an attachment as a base64 data URI.
func DataURI(att intake.Attachment) string {
	return "data:" + att.MediaType + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
}
