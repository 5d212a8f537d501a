// Package providers implements the image capabilities against hosted model
// APIs. OpenAI is reached through hand-built JSON requests and Google through
// its SDK; both send their HTTP traffic through the shared transport
// pipeline so rate limits, retries, caching and logging apply uniformly.
package providers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/ahrav/go-imgjudge/internal/domain"
	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
)

// Provider names used in transport requests and errors.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// ErrNoAPIKey is returned by providers constructed without credentials.
var ErrNoAPIKey = errors.New("API key is required")

const (
	captionInstruction = "Please provide a detailed description of this image."
	captionMaxTokens   = 300
	ratingMaxTokens    = 1000
)

func breakdownInstruction(prompt string) string {
	return fmt.Sprintf(`Break down this image generation prompt into its essential visual elements: %q

Rules:
1. Each element should be a distinct, assessable visual component
2. Include specific attributes (colors, materials, etc.)
3. Include environmental or contextual elements
4. Include important spatial relationships
5. Break complex objects into key parts if needed

The elements should be specific enough that each one can be clearly verified as present or absent in an image.`, prompt)
}

func ratingInstruction(prompt string, elements []string) string {
	var b strings.Builder
	for _, e := range elements {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteByte('\n')
	}
	return fmt.Sprintf(`Evaluate this image generated from: %q

Required elements to verify:
%s
For each element:
1. Is it present in the image?
2. Provide specific details about how well it matches

Also check for:
1. Technical issues (blur, distortion, anatomy, etc.)
2. Composition issues (balance, cropping, focal point)
3. Style consistency with prompt

Be specific and critical. Cite concrete examples.
Score overall quality from 0.0 to 1.0.`, prompt, b.String())
}

// breakdownSchema is the JSON schema of domain.PromptElements.
var breakdownSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"chain_of_thought":  map[string]any{"type": "string"},
		"required_elements": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"chain_of_thought", "required_elements"},
	"additionalProperties": false,
}

// evaluationSchema is the JSON schema of domain.ObjectiveEvaluation.
var evaluationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"required_elements": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"element": map[string]any{"type": "string"},
					"present": map[string]any{"type": "boolean"},
					"details": map[string]any{"type": "string"},
				},
				"required":             []string{"element", "present", "details"},
				"additionalProperties": false,
			},
		},
		"composition_issues": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"technical_issues":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"style_match":        map[string]any{"type": "boolean"},
		"overall_score":      map[string]any{"type": "number"},
		"evaluation_notes":   map[string]any{"type": "string"},
	},
	"required": []string{
		"required_elements", "composition_issues", "technical_issues",
		"style_match", "overall_score", "evaluation_notes",
	},
	"additionalProperties": false,
}

// dataURL encodes an image as a data URL, sniffing its media type.
func dataURL(artifact []byte) string {
	return "data:" + mimeType(artifact) + ";base64," + base64.StdEncoding.EncodeToString(artifact)
}

func mimeType(artifact []byte) string {
	mt := http.DetectContentType(artifact)
	if !strings.HasPrefix(mt, "image/") {
		return "image/png"
	}
	return mt
}

// decodeEvaluation parses and validates a structured rating.
func decodeEvaluation(provider, content string) (*domain.ObjectiveEvaluation, error) {
	var eval domain.ObjectiveEvaluation
	if err := json.Unmarshal([]byte(content), &eval); err != nil {
		return nil, fmt.Errorf("%s: %w: decoding evaluation: %w", provider, llmerrors.ErrInvalidResponse, err)
	}
	if err := eval.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", provider, llmerrors.ErrInvalidResponse, err)
	}
	return &eval, nil
}

// decodeElements parses a prompt breakdown.
func decodeElements(provider, content string) (*domain.PromptElements, error) {
	var elems domain.PromptElements
	if err := json.Unmarshal([]byte(content), &elems); err != nil {
		return nil, fmt.Errorf("%s: %w: decoding prompt elements: %w", provider, llmerrors.ErrInvalidResponse, err)
	}
	if elems.RequiredElements == nil {
		elems.RequiredElements = []string{}
	}
	return &elems, nil
}

// similarityScore maps the cosine similarity of two embeddings to [0, 100].
// Opposed vectors score 0.
func similarityScore(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: embedding dimensions %d and %d", llmerrors.ErrInvalidResponse, len(a), len(b))
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("%w: zero embedding", llmerrors.ErrInvalidResponse)
	}
	cos := floats.Dot(a, b) / (na * nb)
	return math.Max(0, math.Min(1, cos)) * 100, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
