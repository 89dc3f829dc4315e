package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// buildDocx assembles a minimal docx archive with the given paragraph texts.
func buildDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create archive entry: %v", err)
	}
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		doc.WriteString(`<w:p><w:r><w:t>`)
		doc.WriteString(p)
		doc.WriteString(`</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)
	if _, err := w.Write([]byte(doc.String())); err != nil {
		t.Fatalf("write archive entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func rawTextEntry(filename string) *domain.MaterialEntry {
	return &domain.MaterialEntry{
		ID:         uuid.New(),
		NodeID:     uuid.New(),
		SourceType: domain.SourceTypeText,
		Filename:   filename,
	}
}

func TestTextProcessorDocx(t *testing.T) {
	p := newTextProcessor(testLogger(t), nil)
	data := buildDocx(t, "Hello from a document.", "Second paragraph.")

	got, err := p.Process(context.Background(), Input{
		Entry: rawTextEntry("notes.docx"),
		Data:  data,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(got, "Hello from a document.") || !strings.Contains(got, "Second paragraph.") {
		t.Fatalf("docx text not extracted, got %q", got)
	}
}

func TestTextProcessorHTMLStripsMarkup(t *testing.T) {
	p := newTextProcessor(testLogger(t), nil)
	data := []byte(`<html><head><title>t</title></head><body><h1>Heading</h1><p>Body  text.</p></body></html>`)

	got, err := p.Process(context.Background(), Input{
		Entry: rawTextEntry("page.html"),
		Data:  data,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if strings.Contains(got, "<") {
		t.Fatalf("markup survived extraction: %q", got)
	}
	if !strings.Contains(got, "Heading") || !strings.Contains(got, "Body text.") {
		t.Fatalf("visible text lost: %q", got)
	}
}

func TestTextProcessorPlainText(t *testing.T) {
	p := newTextProcessor(testLogger(t), nil)

	got, err := p.Process(context.Background(), Input{
		Entry: rawTextEntry("notes.txt"),
		Data:  []byte("line one\n\n   line   two  \n"),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "line one\nline two" {
		t.Fatalf("whitespace not normalized, got %q", got)
	}
}

func TestTextProcessorRejectsUnsupportedBytes(t *testing.T) {
	p := newTextProcessor(testLogger(t), nil)

	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}
	if _, err := p.Process(context.Background(), Input{Entry: rawTextEntry("blob.bin"), Data: binary}); err == nil {
		t.Fatal("opaque binary should be rejected")
	}
	if _, err := p.Process(context.Background(), Input{Entry: rawTextEntry("empty.txt")}); err == nil {
		t.Fatal("empty input should be rejected")
	}
}

func TestTextProcessorPDFRequiresExtractor(t *testing.T) {
	p := newTextProcessor(testLogger(t), nil)
	if _, err := p.Process(context.Background(), Input{
		Entry: rawTextEntry("deck.pdf"),
		Data:  []byte("%PDF-1.7 ..."),
	}); err == nil {
		t.Fatal("pdf without a document extractor should fail")
	}
}

func TestLooksLikeText(t *testing.T) {
	if !looksLikeText([]byte("ordinary prose with numbers 123 and punctuation.")) {
		t.Fatal("prose should look like text")
	}
	junk := bytes.Repeat([]byte{0x00, 0x01, 0x02}, 50)
	if looksLikeText(junk) {
		t.Fatal("control bytes should not look like text")
	}
}

func TestCollapseWhitespaceLines(t *testing.T) {
	in := "a  b c\n\n\n  d\t e \n"
	if got := collapseWhitespaceLines(in); got != "a b c\nd e" {
		t.Fatalf("collapse = %q", got)
	}
}
