package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/platform/openai"
)

// Material is one processed entry as handed to the model, already READY.
type Material struct {
	NodeTitle  string
	SourceType string
	Filename   string
	Text       string
}

// GenerationUsage reports what one structure generation cost.
type GenerationUsage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// CompletionClient turns a set of processed materials into a structured
// course outline. The structure shape is owned by the model schema below and
// stored opaquely on the snapshot row.
type CompletionClient interface {
	GenerateStructure(ctx context.Context, materials []Material, mode string) (json.RawMessage, GenerationUsage, error)
}

type completionClient struct {
	log *logger.Logger
	ai  openai.Client

	promptCostPerM     float64
	completionCostPerM float64
	maxMaterialChars   int
}

func NewCompletionClient(baseLog *logger.Logger, ai openai.Client) CompletionClient {
	return &completionClient{
		log:                baseLog.With("service", "CompletionClient"),
		ai:                 ai,
		promptCostPerM:     envutil.Float("OPENAI_PROMPT_COST_PER_M", 2.50),
		completionCostPerM: envutil.Float("OPENAI_COMPLETION_COST_PER_M", 10.00),
		maxMaterialChars:   envutil.Int("GENERATION_MAX_MATERIAL_CHARS", 16000),
	}
}

var structureSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
		"sections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":   map[string]any{"type": "string"},
					"summary": map[string]any{"type": "string"},
					"objectives": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required":             []string{"title", "summary", "objectives"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"title", "sections"},
	"additionalProperties": false,
}

func (c *completionClient) GenerateStructure(ctx context.Context, materials []Material, mode string) (json.RawMessage, GenerationUsage, error) {
	if c.ai == nil {
		return nil, GenerationUsage{}, fmt.Errorf("completion backend not configured")
	}
	if len(materials) == 0 {
		return nil, GenerationUsage{}, fmt.Errorf("no materials to generate from")
	}

	system := "You are a curriculum designer. Using only the provided source materials, " +
		"produce a coherent course structure. Mode: " + mode + "."

	var b strings.Builder
	for i, m := range materials {
		text := m.Text
		if len(text) > c.maxMaterialChars {
			text = text[:c.maxMaterialChars]
		}
		fmt.Fprintf(&b, "--- Material %d (%s, under %q", i+1, m.SourceType, m.NodeTitle)
		if m.Filename != "" {
			fmt.Fprintf(&b, ", file %s", m.Filename)
		}
		b.WriteString(") ---\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	out, usage, err := c.ai.GenerateJSON(ctx, system, b.String(), "course_structure", structureSchema)
	if err != nil {
		return nil, GenerationUsage{}, fmt.Errorf("generate structure: %w", err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, GenerationUsage{}, fmt.Errorf("encode structure: %w", err)
	}

	gu := GenerationUsage{
		Model:            usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	gu.CostUSD = float64(usage.PromptTokens)/1e6*c.promptCostPerM +
		float64(usage.CompletionTokens)/1e6*c.completionCostPerM
	return raw, gu, nil
}
