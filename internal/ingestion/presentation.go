package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/platform/openai"
)

type presentationProcessor struct {
	log       *logger.Logger
	doc       gcp.Document
	describer openai.Client

	maxDescribeImages int
	maxImageBytes     int64
}

func newPresentationProcessor(baseLog *logger.Logger, doc gcp.Document, describer openai.Client) *presentationProcessor {
	return &presentationProcessor{
		log:               baseLog.With("processor", "presentation"),
		doc:               doc,
		describer:         describer,
		maxDescribeImages: envutil.Int("INGEST_PPTX_MAX_DESCRIBE_IMAGES", 8),
		maxImageBytes:     int64(envutil.Int("INGEST_PPTX_MAX_IMAGE_BYTES", 3*1024*1024)),
	}
}

func (p *presentationProcessor) Process(ctx context.Context, in Input) (string, error) {
	data := in.Data
	if len(data) == 0 {
		return "", fmt.Errorf("no bytes for entry %s", in.Entry.ID)
	}

	// PDF-exported decks go through Document AI like any other PDF.
	if isPDFHeader(data) {
		if p.doc == nil {
			return "", fmt.Errorf("pdf deck but no document extractor configured")
		}
		text, err := p.doc.ExtractText(ctx, data, "application/pdf")
		if err != nil {
			return "", err
		}
		return finishText(text)
	}

	if !isZipHeader(data) {
		return "", fmt.Errorf("unsupported presentation format for entry %s", in.Entry.ID)
	}

	text, err := extractOfficeXMLText(data, "ppt/slides/")
	if err != nil {
		return "", err
	}

	// Image-heavy decks often carry almost no native text. Describe the
	// embedded media when a vision model is available.
	if len(strings.TrimSpace(text)) < 500 && p.describer != nil {
		descriptions := p.describeImages(ctx, data)
		if descriptions != "" {
			text = text + "\n" + descriptions
		}
	}
	return finishText(text)
}

func (p *presentationProcessor) describeImages(ctx context.Context, data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		if !strings.HasPrefix(lower, "ppt/media/") {
			continue
		}
		if !strings.HasSuffix(lower, ".png") && !strings.HasSuffix(lower, ".jpg") && !strings.HasSuffix(lower, ".jpeg") {
			continue
		}
		if f.UncompressedSize64 > uint64(p.maxImageBytes) {
			continue
		}
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	sort.Strings(names)
	if len(names) > p.maxDescribeImages {
		names = names[:p.maxDescribeImages]
	}

	var images []openai.ImageInput
	for _, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(rc, p.maxImageBytes))
		rc.Close()
		if err != nil || len(raw) == 0 {
			continue
		}
		mime := "image/png"
		if strings.HasSuffix(strings.ToLower(name), ".jpg") || strings.HasSuffix(strings.ToLower(name), ".jpeg") {
			mime = "image/jpeg"
		}
		images = append(images, openai.ImageInput{
			ImageURL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(raw)),
			Detail:   "low",
		})
	}
	if len(images) == 0 {
		return ""
	}

	out, _, err := p.describer.GenerateTextWithImages(ctx,
		"You describe slide imagery for indexing. Be concise and factual.",
		"Describe the educational content shown in these slide images.",
		images)
	if err != nil {
		p.log.Warn("slide image description failed", "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}
