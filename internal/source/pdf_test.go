package source

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// buildPDF writes a single-page PDF showing each line with Tj.
func buildPDF(lines ...string) []byte {
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 72 720 Td\n")
	for _, l := range lines {
		fmt.Fprintf(&content, "(%s) Tj 0 -14 Td\n", l)
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
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

func TestExtractPDFText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passage.pdf")
	if err := os.WriteFile(path, buildPDF("El cardenal", "canta al amanecer"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, err := ExtractPDFText(path, 0)
	if err != nil {
		t.Fatalf("ExtractPDFText: %v", err)
	}
	if !strings.Contains(text, "cardenal") || !strings.Contains(text, "amanecer") {
		t.Errorf("text = %q, want both lines", text)
	}
	if strings.Contains(text, "  ") || strings.Contains(text, "\n") {
		t.Errorf("text = %q, want collapsed whitespace", text)
	}
}

func TestExtractPDFTextTruncates(t *testing.T) {
	data := buildPDF("abcdefghijklmnopqrstuvwxyz")
	text, err := ExtractPDFTextFrom(bytes.NewReader(data), int64(len(data)), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len([]rune(text)) > 10 {
		t.Errorf("len = %d, want at most 10", len([]rune(text)))
	}
}

func TestExtractPDFTextEmptyPage(t *testing.T) {
	data := buildPDF()
	_, err := ExtractPDFTextFrom(bytes.NewReader(data), int64(len(data)), 0)
	if !errors.Is(err, ErrNoText) {
		t.Errorf("error = %v, want ErrNoText", err)
	}
}

func TestExtractPDFTextRejectsGarbage(t *testing.T) {
	data := []byte("not a pdf at all")
	if _, err := ExtractPDFTextFrom(bytes.NewReader(data), int64(len(data)), 0); err == nil {
		t.Error("expected error for non-PDF input")
	}
}

func TestCollapseSpace(t *testing.T) {
	if got := collapseSpace("  a \n\t b\x00c  "); got != "a b c" {
		t.Errorf("collapseSpace = %q, want %q", got, "a b c")
	}
}
