// Package source extracts reading passages from documents so text exercises
// can be generated from them.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxChars bounds a passage sent to a provider.
const DefaultMaxChars = 8000

var ErrNoText = errors.New("document contains no extractable text")

// ExtractPDFText reads the PDF at path and returns its text with whitespace
// collapsed, truncated to maxChars runes (DefaultMaxChars when <= 0).
func ExtractPDFText(path string, maxChars int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	return ExtractPDFTextFrom(f, st.Size(), maxChars)
}

// ExtractPDFTextFrom is ExtractPDFText over an in-memory or open document.
func ExtractPDFTextFrom(r io.ReaderAt, size int64, maxChars int) (text string, err error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parsing pdf: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	var buf bytes.Buffer
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("reading page %d: %w", i, err)
		}
		buf.WriteString(t)
		buf.WriteByte(' ')
		if buf.Len() > maxChars*4 {
			break
		}
	}

	text = collapseSpace(buf.String())
	if text == "" {
		return "", ErrNoText
	}
	if runes := []rune(text); len(runes) > maxChars {
		text = strings.TrimSpace(string(runes[:maxChars]))
	}
	return text, nil
}

func collapseSpace(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) || r == 0 {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
