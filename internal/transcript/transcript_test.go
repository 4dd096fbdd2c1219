package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/scribe/internal/failure"
)

// minimalPDF builds a one-page PDF that draws text with a standard font.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func requireKind(t *testing.T, err error, want failure.Kind) {
	t.Helper()
	var fe *failure.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error %v is not a *failure.Error", err)
	}
	if fe.Kind != want {
		t.Errorf("kind = %q, want %q", fe.Kind, want)
	}
}

func TestExtract_PlainText(t *testing.T) {
	in := "Doctor: How are you?\nPatient: My ribs hurt."
	got, err := Extract("visit.txt", []byte(in))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != in {
		t.Errorf("Extract = %q, want %q", got, in)
	}
}

func TestExtract_PDF(t *testing.T) {
	got, err := Extract("visit.pdf", minimalPDF("Patient reports chest pain"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(got, "Patient reports chest pain") {
		t.Errorf("Extract = %q", got)
	}
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"empty", "a.txt", nil},
		{"invalid utf8", "a.txt", []byte{'o', 'k', 0xff, 0xfe, 0xfd}},
		{"broken pdf", "a.pdf", []byte("%PDF-1.4\nthis is not really a pdf")},
		{"binary", "a.bin", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.file, tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			requireKind(t, err, failure.InvalidInput)
		})
	}
}

func TestJoin(t *testing.T) {
	tests := []struct{ typed, file, want string }{
		{"", "from file", "from file"},
		{"typed", "  ", "typed"},
		{" typed ", "file\n", "typed\n\nfile"},
	}
	for _, tt := range tests {
		if got := Join(tt.typed, tt.file); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.typed, tt.file, got, tt.want)
		}
	}
}
