package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type webProcessor struct {
	log        *logger.Logger
	httpClient *http.Client
	maxBytes   int64
}

func newWebProcessor(baseLog *logger.Logger) *webProcessor {
	return &webProcessor{
		log:        baseLog.With("processor", "web"),
		httpClient: &http.Client{Timeout: time.Duration(envutil.Int("INGEST_WEB_TIMEOUT_SECONDS", 30)) * time.Second},
		maxBytes:   int64(envutil.Int("INGEST_WEB_MAX_BYTES", 5*1024*1024)),
	}
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	anyTagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Process fetches the page at the entry's source locator and strips it down
// to visible text.
func (p *webProcessor) Process(ctx context.Context, in Input) (string, error) {
	raw := in.Entry.SourceLocator
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid web locator %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", u, err)
	}

	text := scriptStyleRe.ReplaceAllString(string(body), " ")
	text = anyTagRe.ReplaceAllString(text, " ")
	return finishText(text)
}
