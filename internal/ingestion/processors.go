// Package ingestion turns raw material bytes into processed text, one
// processor per source type.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/platform/openai"
)

// Input is one entry's raw material. Data holds the downloaded bytes for
// bucket-backed sources; GCSURI points at the object for APIs that read the
// bucket directly. Web sources carry neither and fetch from the locator.
type Input struct {
	Entry  *domain.MaterialEntry
	Data   []byte
	GCSURI string
}

// Processor extracts a plain-text rendition of one material.
type Processor interface {
	Process(ctx context.Context, in Input) (string, error)
}

// Set maps each source type to its processor.
type Set struct {
	byType map[domain.SourceType]Processor
}

func NewSet(baseLog *logger.Logger, doc gcp.Document, video gcp.Video, describer openai.Client) *Set {
	return &Set{byType: map[domain.SourceType]Processor{
		domain.SourceTypeText:         newTextProcessor(baseLog, doc),
		domain.SourceTypePresentation: newPresentationProcessor(baseLog, doc, describer),
		domain.SourceTypeVideo:        newVideoProcessor(baseLog, video),
		domain.SourceTypeWeb:          newWebProcessor(baseLog),
	}}
}

func (s *Set) ForType(t domain.SourceType) (Processor, error) {
	p, ok := s.byType[t]
	if !ok {
		return nil, fmt.Errorf("no processor for source type %q", t)
	}
	return p, nil
}

func collapseWhitespaceLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.Join(strings.Fields(strings.ReplaceAll(l, "\u00a0", " ")), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func sanitizeUTF8(s string) string {
	if s == "" || utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, " ")
}

func isPDFHeader(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func isZipHeader(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 0x03 && b[3] == 0x04
}

func looksLikeText(data []byte) bool {
	printable := 0
	total := 0
	for _, r := range string(data) {
		total++
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' || (r >= 32 && r != 127) {
			printable++
		}
	}
	return total > 0 && float64(printable)/float64(total) > 0.90
}
