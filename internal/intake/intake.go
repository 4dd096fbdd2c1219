// Package intake validates and canonicalizes the transcript and image
// payloads of a note request before any prompt is built.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scribe/internal/failure"
)

// RawImage is an image as received from the caller.
type RawImage struct {
	Data      []byte
	MediaType string // declared by the caller; may be empty or wrong
	Filename  string
}

// Attachment is a validated image ready to be embedded in a prompt.
type Attachment struct {
	Index     int
	MediaType string
	Data      []byte
}

// Transcript is the normalized conversation text.
type Transcript struct {
	Text string
}

// Limits bounds the size of a single request. Zero disables a bound.
type Limits struct {
	MaxImages          int
	MaxImageBytes      int
	MaxTranscriptBytes int
	MaxImagePixels     int // width * height, checked before decoding
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxImages:          8,
		MaxImageBytes:      10 << 20,
		MaxTranscriptBytes: 256 << 10,
		MaxImagePixels:     40_000_000,
	}
}

type format struct {
	mime      string
	transcode bool // re-encode as PNG before sending upstream
}

// errTooManyPixels marks an image whose header declares more pixels than
// Limits.MaxImagePixels allows.
var errTooManyPixels = errors.New("image dimensions exceed the pixel limit")

// formats lists the accepted raster formats in sniffing order.
var formats = []format{
	{mime: "image/png"},
	{mime: "image/jpeg"},
	{mime: "image/gif"},
	{mime: "image/webp"},
	{mime: "image/bmp", transcode: true},
	{mime: "image/tiff", transcode: true},
}

// AcceptedTypes returns the media types Normalize accepts.
func AcceptedTypes() []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = f.mime
	}
	return out
}

// Normalizer validates request input against Limits.
type Normalizer struct {
	limits  Limits
	workers int
}

// NewNormalizer creates a Normalizer. Decoding runs on at most workers
// goroutines (default 4 if <= 0).
func NewNormalizer(limits Limits, workers int) *Normalizer {
	if workers <= 0 {
		workers = 4
	}
	return &Normalizer{limits: limits, workers: workers}
}

// Normalize validates the transcript and images. It never mutates the
// input buffers. The transcript is checked first, so an empty transcript
// fails with invalid_input whatever the images contain.
func (n *Normalizer) Normalize(text string, raws []RawImage) (Transcript, []Attachment, error) {
	t, err := n.normalizeText(text)
	if err != nil {
		return Transcript{}, nil, err
	}

	if err := n.checkImageBounds(raws); err != nil {
		return Transcript{}, nil, err
	}

	atts, err := n.decodeAll(raws)
	if err != nil {
		return Transcript{}, nil, err
	}
	return t, atts, nil
}

func (n *Normalizer) normalizeText(text string) (Transcript, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return Transcript{}, failure.New(failure.InvalidInput, "conversation text is required")
	}
	if !utf8.ValidString(text) {
		return Transcript{}, failure.New(failure.InvalidInput, "conversation text is not valid UTF-8")
	}
	if max := n.limits.MaxTranscriptBytes; max > 0 && len(text) > max {
		return Transcript{}, failure.New(failure.PayloadTooLarge,
			"conversation text is %d bytes, limit is %d", len(text), max)
	}
	return Transcript{Text: text}, nil
}

func (n *Normalizer) checkImageBounds(raws []RawImage) error {
	if max := n.limits.MaxImages; max > 0 && len(raws) > max {
		return failure.New(failure.PayloadTooLarge, "%d images attached, limit is %d", len(raws), max)
	}
	max := n.limits.MaxImageBytes
	if max <= 0 {
		return nil
	}
	var over []int
	for i, r := range raws {
		if len(r.Data) > max {
			over = append(over, i)
		}
	}
	if len(over) > 0 {
		e := failure.New(failure.PayloadTooLarge, "images %v exceed the per-image limit of %d bytes", over, max)
		e.Indices = over
		return e
	}
	return nil
}

func (n *Normalizer) decodeAll(raws []RawImage) ([]Attachment, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	atts := make([]Attachment, len(raws))
	errs := make([]error, len(raws))

	var g errgroup.Group
	g.SetLimit(n.workers)
	for i, r := range raws {
		g.Go(func() error {
			atts[i], errs[i] = decodeImage(i, r, n.limits.MaxImagePixels)
			return nil
		})
	}
	g.Wait()

	var bad, huge []int
	var first error
	for i, err := range errs {
		if errors.Is(err, errTooManyPixels) {
			huge = append(huge, i)
			continue
		}
		if err != nil {
			bad = append(bad, i)
			if first == nil {
				first = err
			}
		}
	}
	if len(huge) > 0 {
		e := failure.New(failure.PayloadTooLarge,
			"images %v exceed the limit of %d pixels", huge, n.limits.MaxImagePixels)
		e.Indices = huge
		return nil, e
	}
	if len(bad) > 0 {
		e := failure.Wrap(failure.InvalidInput, first,
			"images %v could not be decoded as %s", bad, strings.Join(AcceptedTypes(), ", "))
		e.Indices = bad
		return nil, e
	}
	return atts, nil
}

func decodeImage(index int, r RawImage, maxPixels int) (Attachment, error) {
	if len(r.Data) == 0 {
		return Attachment{}, fmt.Errorf("image %d is empty", index)
	}

	mt := mimetype.Detect(r.Data)
	var f *format
	for i := range formats {
		if mt.Is(formats[i].mime) {
			f = &formats[i]
			break
		}
	}
	if f == nil {
		return Attachment{}, fmt.Errorf("image %d: unsupported type %s", index, mt.String())
	}

	if r.MediaType != "" && !mimetype.EqualsAny(r.MediaType, f.mime, "application/octet-stream") {
		slog.Debug("declared media type differs from content",
			"index", index, "declared", r.MediaType, "detected", f.mime)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(r.Data))
	if err != nil {
		return Attachment{}, fmt.Errorf("image %d: reading %s header: %w", index, f.mime, err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return Attachment{}, fmt.Errorf("image %d is %dx%d: %w", index, cfg.Width, cfg.Height, errTooManyPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(r.Data))
	if err != nil {
		return Attachment{}, fmt.Errorf("image %d: decoding %s: %w", index, f.mime, err)
	}

	if f.transcode {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return Attachment{}, fmt.Errorf("image %d: re-encoding as png: %w", index, err)
		}
		return Attachment{Index: index, MediaType: "image/png", Data: buf.Bytes()}, nil
	}

	return Attachment{Index: index, MediaType: f.mime, Data: bytes.Clone(r.Data)}, nil
}
