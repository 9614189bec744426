// Package analysis produces the structured risk analysis for a document by
// prompting the completion model for a strict JSON payload and decoding it
// defensively.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/pkg/logger"
	"github.com/clauselens/backend/pkg/utils"
)

var (
	// ErrUnavailable means the completion backend could not be reached;
	// the attempt is worth repeating.
	ErrUnavailable = errors.New("analysis backend unavailable")
	// ErrParse means the model answered but not with usable JSON; repeating
	// the same prompt is unlikely to help.
	ErrParse = errors.New("analysis response could not be parsed")
)

const systemPrompt = `You are a senior legal analyst. Analyze the provided contract or legal document for the party being asked to sign it.

Respond with a single JSON object in exactly this format:
{
  "summary": "2-4 sentence plain-language summary of the document",
  "key_points": ["important term, obligation or right"],
  "risks": [
    {
      "description": "what could harm the signing party",
      "level": "LOW | MEDIUM | HIGH",
      "confidence": 0.9,
      "clause_text": "short quote of the clause this refers to",
      "recommendation": "how to mitigate this risk"
    }
  ],
  "recommendations": ["overall action item before signing"]
}

Rules:
- Base every statement ONLY on the document text
- level must be LOW, MEDIUM or HIGH
- List the most material risks first
- Return JSON only, no markdown and no commentary`

// Completer is the slice of the LLM client the generator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Model() string
}

type Generator struct {
	llm      Completer
	maxChars int
}

// NewGenerator builds a Generator that prompts with at most maxChars of
// document text.
func NewGenerator(completer Completer, maxChars int) *Generator {
	if maxChars <= 0 {
		maxChars = 6000
	}
	return &Generator{llm: completer, maxChars: maxChars}
}

// Generate analyzes text and returns the structured result. Failures are
// split into ErrUnavailable (transient) and ErrParse (permanent).
func (g *Generator) Generate(ctx context.Context, text string) (*models.Analysis, error) {
	input := utils.TruncateAtWord(text, g.maxChars)

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Analyze this legal document:\n\n%s\n\nReturn JSON only.", input),
		Temperature:  0.1,
		MaxTokens:    1500,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}

	payload, err := decodePayload(resp.Content)
	if err != nil {
		logger.Warn("Analysis payload rejected",
			zap.Error(err),
			zap.Int("response_length", len(resp.Content)),
		)
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	result := payload.toModel()
	result.Model = g.llm.Model()

	logger.Info("Document analysis generated",
		zap.Int("key_points", len(result.KeyPoints)),
		zap.Int("risks", len(result.Risks)),
		zap.Int("recommendations", len(result.Recommendations)),
	)

	return result, nil
}

// decodePayload tries the raw content first, then one repaired form with
// markdown fences stripped and the outermost JSON object clipped out.
func decodePayload(content string) (*analysisPayload, error) {
	var p analysisPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		repaired := repairJSON(content)
		if repaired == "" {
			return nil, err
		}
		p = analysisPayload{}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return nil, err
		}
	}

	if p.empty() {
		return nil, errors.New("payload has no summary, key points or risks")
	}
	return &p, nil
}

func repairJSON(content string) string {
	s := strings.TrimSpace(content)

	if strings.Contains(s, "```") {
		parts := strings.SplitN(s, "```", 3)
		if len(parts) >= 2 {
			s = parts[1]
			s = strings.TrimPrefix(s, "json")
			s = strings.TrimPrefix(s, "JSON")
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
