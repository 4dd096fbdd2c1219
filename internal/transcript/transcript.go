// Package transcript reads conversation text from uploaded files.
package transcript

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/scribe/internal/failure"
)

// MaxPDFTextBytes bounds the text extracted from a single PDF.
const MaxPDFTextBytes = 1 << 20

// Extract returns the plain text of a transcript file. Plain text and PDF
// are supported; the type is taken from the content, falling back to the
// file extension.
func Extract(filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", failure.New(failure.InvalidInput, "transcript file %q is empty", filename)
	}

	mt := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case mt.Is("application/pdf"):
		return pdfText(filename, data)
	case mt.Is("text/plain"), ext == ".txt" || ext == ".md":
		if !utf8.Valid(data) {
			return "", failure.New(failure.InvalidInput, "transcript file %q is not valid UTF-8", filename)
		}
		return string(data), nil
	}
	return "", failure.New(failure.InvalidInput,
		"transcript file %q has unsupported type %s (want text or PDF)", filename, mt.String())
}

func pdfText(filename string, data []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.InvalidInput, "transcript file %q is not a readable PDF: %v", filename, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", failure.Wrap(failure.InvalidInput, err, "transcript file %q is not a readable PDF", filename)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", failure.Wrap(failure.InvalidInput, err, "extracting text from %q", filename)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(plain, MaxPDFTextBytes+1))
	if err != nil {
		return "", failure.Wrap(failure.InvalidInput, err, "reading text from %q", filename)
	}
	if n > MaxPDFTextBytes {
		return "", failure.New(failure.PayloadTooLarge, "text in %q exceeds %d bytes", filename, MaxPDFTextBytes)
	}

	out := strings.ToValidUTF8(buf.String(), "")
	if strings.TrimSpace(out) == "" {
		return "", failure.New(failure.InvalidInput, "transcript file %q contains no extractable text", filename)
	}
	return out, nil
}

// Join combines typed conversation text with text extracted from a file.
func Join(typed, fromFile string) string {
	typed = strings.TrimSpace(typed)
	fromFile = strings.TrimSpace(fromFile)
	switch {
	case typed == "":
		return fromFile
	case fromFile == "":
		return typed
	}
	return fmt.Sprintf("%s\n\n%s", typed, fromFile)
}
