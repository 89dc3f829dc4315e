package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type textProcessor struct {
	log *logger.Logger
	doc gcp.Document
}

func newTextProcessor(baseLog *logger.Logger, doc gcp.Document) *textProcessor {
	return &textProcessor{log: baseLog.With("processor", "text"), doc: doc}
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

func (p *textProcessor) Process(ctx context.Context, in Input) (string, error) {
	data := in.Data
	if len(data) == 0 {
		return "", fmt.Errorf("no bytes for entry %s", in.Entry.ID)
	}
	ext := strings.ToLower(filepath.Ext(in.Entry.Filename))

	switch {
	case isPDFHeader(data):
		if p.doc == nil {
			return "", fmt.Errorf("pdf material but no document extractor configured")
		}
		text, err := p.doc.ExtractText(ctx, data, "application/pdf")
		if err != nil {
			return "", err
		}
		return finishText(text)
	case isZipHeader(data) && (ext == ".docx" || ext == ""):
		text, err := extractOfficeXMLText(data, "word/")
		if err != nil {
			return "", err
		}
		return finishText(text)
	case ext == ".html" || ext == ".htm" || bytes.Contains(data[:min(len(data), 512)], []byte("<html")):
		return finishText(htmlTagRe.ReplaceAllString(string(data), " "))
	case looksLikeText(data):
		return finishText(string(data))
	}
	return "", fmt.Errorf("unsupported text material (ext %q)", ext)
}

func finishText(s string) (string, error) {
	s = collapseWhitespaceLines(sanitizeUTF8(s))
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("extraction produced empty text")
	}
	return s, nil
}

// extractOfficeXMLText pulls the character data of every <t> element from the
// XML parts under the given archive prefix. Both docx (w:t) and pptx (a:t)
// keep their visible text in elements with local name "t".
func extractOfficeXMLText(data []byte, prefix string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	var b strings.Builder
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		text := collectTextElements(rc)
		rc.Close()
		if text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func collectTextElements(r io.Reader) string {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == "t" && depth > 0 {
				depth--
				b.WriteString(" ")
			}
		case xml.CharData:
			if depth > 0 {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
