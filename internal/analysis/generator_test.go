package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/storage/models"
)

type fakeCompleter struct {
	content    string
	err        error
	userPrompt string
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.userPrompt = req.UserPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeCompleter) Model() string { return "test-model" }

const wellFormed = `{
	"summary": "A mutual NDA with a three year confidentiality term.",
	"key_points": ["Confidentiality survives termination", "No non-compete"],
	"risks": [
		{
			"description": "Unlimited liability for disclosure",
			"level": "HIGH",
			"confidence": 0.9,
			"clause_text": "Recipient shall be liable for all damages",
			"recommendation": "Negotiate a liability cap"
		},
		{"description": "Broad definition of confidential information", "level": "medium"}
	],
	"recommendations": ["Add a liability cap before signing"]
}`

func TestGenerateWellFormedPayload(t *testing.T) {
	f := &fakeCompleter{content: wellFormed}
	g := NewGenerator(f, 0)

	a, err := g.Generate(context.Background(), "some contract text")
	require.NoError(t, err)

	assert.Equal(t, "A mutual NDA with a three year confidentiality term.", a.Summary)
	assert.Len(t, a.KeyPoints, 2)
	require.Len(t, a.Risks, 2)
	assert.Equal(t, models.RiskHigh, a.Risks[0].Level)
	require.NotNil(t, a.Risks[0].Confidence)
	assert.InDelta(t, 0.9, *a.Risks[0].Confidence, 1e-9)
	assert.Equal(t, "Negotiate a liability cap", a.Risks[0].Recommendation)
	assert.Equal(t, models.RiskMedium, a.Risks[1].Level)
	assert.Nil(t, a.Risks[1].Confidence)
	assert.Equal(t, []string{"Add a liability cap before signing"}, a.Recommendations)
	assert.Equal(t, "test-model", a.Model)
}

func TestGenerateRepairsFencedResponse(t *testing.T) {
	f := &fakeCompleter{content: "Here is the analysis you asked for:\n```json\n" + wellFormed + "\n```\nLet me know if you need more."}
	g := NewGenerator(f, 0)

	a, err := g.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, a.Risks, 2)
}

func TestGenerateClipsSurroundingProse(t *testing.T) {
	f := &fakeCompleter{content: "Sure! " + wellFormed + " Hope that helps."}
	g := NewGenerator(f, 0)

	a, err := g.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.NotEmpty(t, a.Summary)
}

func TestGenerateLenientRiskShapes(t *testing.T) {
	f := &fakeCompleter{content: `{
		"summary": "s",
		"risks": [
			"Auto-renewal without notice",
			{"risk": "Venue is inconvenient", "severity": "moderate", "clause": "Exclusive venue in Anchorage"},
			{"description": "Confidence off the scale", "level": "catastrophic", "confidence": 1.7},
			{"description": "Negative confidence", "level": "low", "confidence": -0.2},
			{"description": "   "}
		]
	}`}
	g := NewGenerator(f, 0)

	a, err := g.Generate(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, a.Risks, 4, "blank-description risk is dropped")

	assert.Equal(t, "Auto-renewal without notice", a.Risks[0].Description)
	assert.Equal(t, models.RiskUnknown, a.Risks[0].Level)

	assert.Equal(t, "Venue is inconvenient", a.Risks[1].Description)
	assert.Equal(t, models.RiskMedium, a.Risks[1].Level)
	assert.Equal(t, "Exclusive venue in Anchorage", a.Risks[1].ClauseText)

	assert.Equal(t, models.RiskUnknown, a.Risks[2].Level)
	assert.Equal(t, 1.0, *a.Risks[2].Confidence)
	assert.Equal(t, 0.0, *a.Risks[3].Confidence)
}

func TestGenerateKeyPointObjects(t *testing.T) {
	f := &fakeCompleter{content: `{
		"summary": "s",
		"key_points": [{"point": "Thirty day termination notice"}, {"text": "Net 45 payment"}, "Plain string"]
	}`}
	g := NewGenerator(f, 0)

	a, err := g.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Thirty day termination notice", "Net 45 payment", "Plain string"}, a.KeyPoints)
}

func TestGenerateParseFailure(t *testing.T) {
	for name, content := range map[string]string{
		"not json":     "I cannot analyze this document.",
		"empty object": "{}",
		"broken json":  `{"summary": "unterminated`,
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeCompleter{content: content}
			g := NewGenerator(f, 0)

			_, err := g.Generate(context.Background(), "text")
			assert.ErrorIs(t, err, ErrParse)
			assert.NotErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestGenerateBackendUnavailable(t *testing.T) {
	f := &fakeCompleter{err: llm.ErrUnavailable}
	g := NewGenerator(f, 0)

	_, err := g.Generate(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrParse)
}

func TestGenerateTruncatesInput(t *testing.T) {
	f := &fakeCompleter{content: `{"summary": "s", "risks": ["r"]}`}
	g := NewGenerator(f, 40)

	long := strings.Repeat("indemnification ", 20) + "FINALWORD"
	_, err := g.Generate(context.Background(), long)
	require.NoError(t, err)

	assert.NotContains(t, f.userPrompt, "FINALWORD")
	assert.Contains(t, f.userPrompt, "indemnification")
	assert.NotContains(t, f.userPrompt, "indemnificatio\n", "input never ends mid-word")
}
