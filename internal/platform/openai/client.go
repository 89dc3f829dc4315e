package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// ImageInput is a multimodal image reference: an https URL or a
// data:image/...;base64 payload.
type ImageInput struct {
	ImageURL string
	Detail   string // "low" | "high"
}

// Usage reports what one generation call consumed.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client is the OpenAI API surface the backend uses.
type Client interface {
	// GenerateJSON forces a json_schema structured output and decodes it.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, Usage, error)

	// GenerateTextWithImages sends the user prompt plus images, returns text.
	GenerateTextWithImages(ctx context.Context, system, user string, images []ImageInput) (string, Usage, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	models     []string
	httpClient *http.Client
	maxRetries int
}

func NewClient(baseLog *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4o"
	}
	models := []string{model}
	for _, m := range strings.Split(envutil.String("OPENAI_FALLBACK_MODELS", "gpt-4o-mini"), ",") {
		if m = strings.TrimSpace(m); m != "" && m != model {
			models = append(models, m)
		}
	}

	return &client{
		log:        baseLog.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		models:     models,
		httpClient: &http.Client{Timeout: time.Duration(envutil.Int("OPENAI_TIMEOUT_SECONDS", 120)) * time.Second},
		maxRetries: envutil.Int("OPENAI_MAX_RETRIES", 3),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, Usage, error) {
	req := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schemaName,
				"strict": true,
				"schema": schema,
			},
		},
	}
	text, usage, err := c.complete(ctx, req)
	if err != nil {
		return nil, usage, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, usage, fmt.Errorf("decode structured output: %w", err)
	}
	return out, usage, nil
}

func (c *client) GenerateTextWithImages(ctx context.Context, system, user string, images []ImageInput) (string, Usage, error) {
	parts := []map[string]any{{"type": "text", "text": user}}
	for _, img := range images {
		block := map[string]any{"url": img.ImageURL}
		if img.Detail != "" {
			block["detail"] = img.Detail
		}
		parts = append(parts, map[string]any{"type": "image_url", "image_url": block})
	}
	req := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: parts},
		},
	}
	return c.complete(ctx, req)
}

// complete walks the model chain. Each model gets the full retry budget;
// a model that keeps erroring hands off to the next one.
func (c *client) complete(ctx context.Context, req chatRequest) (string, Usage, error) {
	var lastErr error
	for i, model := range c.models {
		if i > 0 {
			c.log.Warn("falling back to next model", "model", model, "error", lastErr)
		}
		req.Model = model
		text, usage, err := c.completeWith(ctx, req)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", Usage{}, lastErr
}

func (c *client) completeWith(ctx context.Context, req chatRequest) (string, Usage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", Usage{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", Usage{}, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("openai status %d: %s", resp.StatusCode, truncate(string(raw), 200))
			continue
		}

		var out chatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", Usage{}, fmt.Errorf("decode response: %w", err)
		}
		if out.Error != nil {
			return "", Usage{}, fmt.Errorf("openai error (%s): %s", out.Error.Type, out.Error.Message)
		}
		if len(out.Choices) == 0 {
			return "", Usage{}, fmt.Errorf("openai returned no choices")
		}
		usage := Usage{
			Model:            req.Model,
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		}
		return out.Choices[0].Message.Content, usage, nil
	}
	return "", Usage{}, fmt.Errorf("openai request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
