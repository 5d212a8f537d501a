package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm/cache"
	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// GoogleConfig configures the Google GenAI provider.
type GoogleConfig struct {
	APIKey string `yaml:"-"`
	// Endpoint overrides the API base URL.
	Endpoint string `yaml:"endpoint"`

	ImageModel     string `yaml:"image_model"`
	TextModel      string `yaml:"text_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// DefaultGoogleConfig returns the default Gemini and Imagen models.
func DefaultGoogleConfig() GoogleConfig {
	return GoogleConfig{
		ImageModel:     "imagen-3.0-generate-002",
		TextModel:      "gemini-2.0-flash",
		EmbeddingModel: "gemini-embedding-001",
	}
}

// Google implements every image capability with the GenAI SDK. The SDK's
// HTTP client is backed by the transport pipeline.
type Google struct {
	cfg    GoogleConfig
	client *genai.Client
}

// NewGoogle creates the provider. h carries all SDK traffic.
func NewGoogle(ctx context.Context, cfg GoogleConfig, h transport.Handler) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", ProviderGoogle, ErrNoAPIKey)
	}
	def := DefaultGoogleConfig()
	setDefault(&cfg.ImageModel, def.ImageModel)
	setDefault(&cfg.TextModel, def.TextModel)
	setDefault(&cfg.EmbeddingModel, def.EmbeddingModel)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Transport: transport.RoundTripper(h, ProviderGoogle)},
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.Endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Google{cfg: cfg, client: client}, nil
}

// Generate creates one PNG image with Imagen.
func (g *Google) Generate(ctx context.Context, prompt string) ([]byte, error) {
	ctx = transport.WithCall(ctx, transport.OpGenerateImage, "")
	resp, err := g.client.Models.GenerateImages(ctx, g.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return nil, fmt.Errorf("%s: image generation: %w", ProviderGoogle, err)
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("%s: %w: no image returned", ProviderGoogle, llmerrors.ErrInvalidResponse)
	}
	img := resp.GeneratedImages[0]
	if img.RAIFilteredReason != "" {
		return nil, fmt.Errorf("%s: %w: %s", ProviderGoogle, llmerrors.ErrContentFiltered, img.RAIFilteredReason)
	}
	if img.Image == nil || len(img.Image.ImageBytes) == 0 {
		return nil, fmt.Errorf("%s: %w: empty image", ProviderGoogle, llmerrors.ErrInvalidResponse)
	}
	return img.Image.ImageBytes, nil
}

// Describe captions an image with Gemini.
func (g *Google) Describe(ctx context.Context, artifact []byte) (string, error) {
	ctx = transport.WithCall(ctx, transport.OpCaption, "")
	return g.generateText(ctx, captionInstruction, artifact, &genai.GenerateContentConfig{
		MaxOutputTokens: captionMaxTokens,
	})
}

// BreakDown splits a prompt into verifiable visual elements. The call runs
// at temperature zero and its response is cached per model and prompt.
func (g *Google) BreakDown(ctx context.Context, prompt string) (*domain.PromptElements, error) {
	ctx = transport.WithCall(ctx, transport.OpBreakdown, cache.Key(g.cfg.TextModel, prompt))
	temp := float32(0)
	text, err := g.generateText(ctx, breakdownInstruction(prompt), nil, &genai.GenerateContentConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"chain_of_thought":  {Type: genai.TypeString},
				"required_elements": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			},
			Required: []string{"chain_of_thought", "required_elements"},
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeElements(ProviderGoogle, text)
}

// Rate breaks the prompt down and rates the image against its elements.
func (g *Google) Rate(ctx context.Context, prompt string, artifact []byte) (*domain.ObjectiveEvaluation, error) {
	elems, err := g.BreakDown(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt breakdown: %w", err)
	}
	ctx = transport.WithCall(ctx, transport.OpRate, "")
	text, err := g.generateText(ctx, ratingInstruction(prompt, elems.RequiredElements), artifact, &genai.GenerateContentConfig{
		MaxOutputTokens:  ratingMaxTokens,
		ResponseMIMEType: "application/json",
		ResponseSchema:   evaluationGenAISchema,
	})
	if err != nil {
		return nil, err
	}
	return decodeEvaluation(ProviderGoogle, text)
}

// ScoreSimilarity captions the image and scores the caption.
func (g *Google) ScoreSimilarity(ctx context.Context, prompt string, artifact []byte) (float64, error) {
	caption, err := g.Describe(ctx, artifact)
	if err != nil {
		return 0, fmt.Errorf("caption for similarity: %w", err)
	}
	return g.ScoreCaption(ctx, prompt, caption)
}

// ScoreCaption compares embeddings of the prompt and the caption.
func (g *Google) ScoreCaption(ctx context.Context, prompt, caption string) (float64, error) {
	ctx = transport.WithCall(ctx, transport.OpEmbed, "")
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
		genai.NewContentFromText(caption, genai.RoleUser),
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.cfg.EmbeddingModel, contents, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: embedding: %w", ProviderGoogle, err)
	}
	if len(resp.Embeddings) != 2 {
		return 0, fmt.Errorf("%s: %w: expected 2 embeddings, got %d", ProviderGoogle, llmerrors.ErrInvalidResponse, len(resp.Embeddings))
	}
	return similarityScore(toFloat64(resp.Embeddings[0].Values), toFloat64(resp.Embeddings[1].Values))
}

// generateText runs one Gemini call with an optional image part and returns
// the concatenated text of the first candidate.
func (g *Google) generateText(ctx context.Context, instruction string, artifact []byte, cfg *genai.GenerateContentConfig) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(instruction)}
	if artifact != nil {
		parts = append(parts, genai.NewPartFromBytes(artifact, mimeType(artifact)))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TextModel, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%s: generate content: %w", ProviderGoogle, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%s: %w: no candidates", ProviderGoogle, llmerrors.ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%s: %w", ProviderGoogle, llmerrors.ErrContentFiltered)
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		b.WriteString(p.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%s: %w: empty content", ProviderGoogle, llmerrors.ErrInvalidResponse)
	}
	return b.String(), nil
}

var evaluationGenAISchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"required_elements": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"element": {Type: genai.TypeString},
					"present": {Type: genai.TypeBoolean},
					"details": {Type: genai.TypeString},
				},
				Required: []string{"element", "present", "details"},
			},
		},
		"composition_issues": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"technical_issues":   {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"style_match":        {Type: genai.TypeBoolean},
		"overall_score":      {Type: genai.TypeNumber},
		"evaluation_notes":   {Type: genai.TypeString},
	},
	Required: []string{
		"required_elements", "composition_issues", "technical_issues",
		"style_match", "overall_score", "evaluation_notes",
	},
}
