package analysis

import (
	"encoding/json"
	"strings"

	"github.com/clauselens/backend/internal/storage/models"
)

// analysisPayload mirrors the JSON object the model is instructed to
// return. Decoding is deliberately lenient: models drift between spellings
// and occasionally collapse structured items into bare strings, and a
// recoverable payload beats a failed document.
type analysisPayload struct {
	Summary         string        `json:"summary"`
	KeyPoints       []flexString  `json:"key_points"`
	Risks           []riskPayload `json:"risks"`
	Recommendations []flexString  `json:"recommendations"`
}

func (p *analysisPayload) empty() bool {
	return strings.TrimSpace(p.Summary) == "" && len(p.KeyPoints) == 0 && len(p.Risks) == 0
}

func (p *analysisPayload) toModel() *models.Analysis {
	a := &models.Analysis{
		Summary:         strings.TrimSpace(p.Summary),
		KeyPoints:       flexStrings(p.KeyPoints),
		Recommendations: flexStrings(p.Recommendations),
	}

	for _, r := range p.Risks {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			continue
		}
		a.Risks = append(a.Risks, models.RiskItem{
			Description:    desc,
			Level:          models.ParseRiskLevel(r.Level),
			Confidence:     clampConfidence(r.Confidence),
			ClauseText:     strings.TrimSpace(r.ClauseText),
			Recommendation: strings.TrimSpace(r.Recommendation),
		})
	}

	return a
}

type riskPayload struct {
	Description    string
	Level          string
	Confidence     *float64
	ClauseText     string
	Recommendation string
}

func (r *riskPayload) UnmarshalJSON(data []byte) error {
	// A bare string is a description with everything else unknown.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Description = s
		return nil
	}

	var obj struct {
		Description    string   `json:"description"`
		Risk           string   `json:"risk"`
		Level          string   `json:"level"`
		Severity       string   `json:"severity"`
		Confidence     *float64 `json:"confidence"`
		ClauseText     string   `json:"clause_text"`
		Clause         string   `json:"clause"`
		Recommendation string   `json:"recommendation"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	r.Description = firstNonEmpty(obj.Description, obj.Risk)
	r.Level = firstNonEmpty(obj.Level, obj.Severity)
	r.Confidence = obj.Confidence
	r.ClauseText = firstNonEmpty(obj.ClauseText, obj.Clause)
	r.Recommendation = obj.Recommendation
	return nil
}

// flexString accepts either a JSON string or an object carrying its text
// under a common field name.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var obj struct {
		Text        string `json:"text"`
		Description string `json:"description"`
		Point       string `json:"point"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*f = flexString(firstNonEmpty(obj.Text, obj.Description, obj.Point))
	return nil
}

func flexStrings(in []flexString) []string {
	var out []string
	for _, f := range in {
		if s := strings.TrimSpace(string(f)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
