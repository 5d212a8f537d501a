package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm/cache"
	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey   string `yaml:"-"`
	Endpoint string `yaml:"endpoint"`

	ImageModel     string `yaml:"image_model"`
	ImageSize      string `yaml:"image_size"`
	RatingModel    string `yaml:"rating_model"`
	BreakdownModel string `yaml:"breakdown_model"`
	CaptionModel   string `yaml:"caption_model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultOpenAIConfig returns the models the service was tuned against.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Endpoint:       "https://api.openai.com/v1",
		ImageModel:     "dall-e-2",
		ImageSize:      "1024x1024",
		RatingModel:    "gpt-4o",
		BreakdownModel: "gpt-4o",
		CaptionModel:   "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Timeout:        2 * time.Minute,
	}
}

// OpenAI implements every image capability against the OpenAI REST API.
type OpenAI struct {
	cfg OpenAIConfig
	h   transport.Handler
}

// NewOpenAI creates the provider. Empty config fields take their defaults.
func NewOpenAI(cfg OpenAIConfig, h transport.Handler) *OpenAI {
	def := DefaultOpenAIConfig()
	setDefault(&cfg.Endpoint, def.Endpoint)
	setDefault(&cfg.ImageModel, def.ImageModel)
	setDefault(&cfg.ImageSize, def.ImageSize)
	setDefault(&cfg.RatingModel, def.RatingModel)
	setDefault(&cfg.BreakdownModel, def.BreakdownModel)
	setDefault(&cfg.CaptionModel, def.CaptionModel)
	setDefault(&cfg.EmbeddingModel, def.EmbeddingModel)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &OpenAI{cfg: cfg, h: h}
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Generate creates one image for prompt and returns its decoded bytes.
func (o *OpenAI) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body := map[string]any{
		"model":           o.cfg.ImageModel,
		"prompt":          prompt,
		"n":               1,
		"size":            o.cfg.ImageSize,
		"response_format": "b64_json",
	}
	var resp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := o.post(ctx, transport.OpGenerateImage, "/images/generations", body, "", &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%s: %w: no image returned", ProviderOpenAI, llmerrors.ErrInvalidResponse)
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: image is not base64: %w", ProviderOpenAI, llmerrors.ErrInvalidResponse, err)
	}
	return img, nil
}

// Describe captions an image.
func (o *OpenAI) Describe(ctx context.Context, artifact []byte) (string, error) {
	body := map[string]any{
		"model":      o.cfg.CaptionModel,
		"messages":   []any{imageMessage(captionInstruction, artifact)},
		"max_tokens": captionMaxTokens,
	}
	return o.chat(ctx, transport.OpCaption, body, "")
}

// BreakDown splits a prompt into verifiable visual elements. The call runs
// at temperature zero and its response is cached per model and prompt.
func (o *OpenAI) BreakDown(ctx context.Context, prompt string) (*domain.PromptElements, error) {
	body := map[string]any{
		"model": o.cfg.BreakdownModel,
		"messages": []any{map[string]any{
			"role":    "user",
			"content": breakdownInstruction(prompt),
		}},
		"temperature":     0.0,
		"response_format": jsonSchemaFormat("prompt_elements", breakdownSchema),
	}
	content, err := o.chat(ctx, transport.OpBreakdown, body, cache.Key(o.cfg.BreakdownModel, prompt))
	if err != nil {
		return nil, err
	}
	return decodeElements(ProviderOpenAI, content)
}

// Rate breaks the prompt down and then rates the image against the
// resulting elements.
func (o *OpenAI) Rate(ctx context.Context, prompt string, artifact []byte) (*domain.ObjectiveEvaluation, error) {
	elems, err := o.BreakDown(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt breakdown: %w", err)
	}
	body := map[string]any{
		"model":           o.cfg.RatingModel,
		"messages":        []any{imageMessage(ratingInstruction(prompt, elems.RequiredElements), artifact)},
		"max_tokens":      ratingMaxTokens,
		"response_format": jsonSchemaFormat("objective_evaluation", evaluationSchema),
	}
	content, err := o.chat(ctx, transport.OpRate, body, "")
	if err != nil {
		return nil, err
	}
	return decodeEvaluation(ProviderOpenAI, content)
}

// ScoreSimilarity captions the image and scores the caption.
func (o *OpenAI) ScoreSimilarity(ctx context.Context, prompt string, artifact []byte) (float64, error) {
	caption, err := o.Describe(ctx, artifact)
	if err != nil {
		return 0, fmt.Errorf("caption for similarity: %w", err)
	}
	return o.ScoreCaption(ctx, prompt, caption)
}

// ScoreCaption compares embeddings of the prompt and the caption.
func (o *OpenAI) ScoreCaption(ctx context.Context, prompt, caption string) (float64, error) {
	body := map[string]any{
		"model": o.cfg.EmbeddingModel,
		"input": []string{prompt, caption},
	}
	var resp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := o.post(ctx, transport.OpEmbed, "/embeddings", body, "", &resp); err != nil {
		return 0, err
	}
	if len(resp.Data) != 2 {
		return 0, fmt.Errorf("%s: %w: expected 2 embeddings, got %d", ProviderOpenAI, llmerrors.ErrInvalidResponse, len(resp.Data))
	}
	vecs := make([][]float64, 2)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index > 1 {
			return 0, fmt.Errorf("%s: %w: embedding index %d", ProviderOpenAI, llmerrors.ErrInvalidResponse, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return similarityScore(vecs[0], vecs[1])
}

func imageMessage(text string, artifact []byte) map[string]any {
	return map[string]any{
		"role": "user",
		"content": []any{
			map[string]any{"type": "text", "text": text},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL(artifact)}},
		},
	}
}

func jsonSchemaFormat(name string, schema map[string]any) map[string]any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   name,
			"strict": true,
			"schema": schema,
		},
	}
}

// chat runs a chat completion and returns the first choice's content.
func (o *OpenAI) chat(ctx context.Context, op transport.Operation, body map[string]any, cacheKey string) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := o.post(ctx, op, "/chat/completions", body, cacheKey, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w: no choices", ProviderOpenAI, llmerrors.ErrInvalidResponse)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return "", fmt.Errorf("%s: %w: %s", ProviderOpenAI, llmerrors.ErrContentFiltered, choice.Message.Refusal)
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("%s: %w: empty content", ProviderOpenAI, llmerrors.ErrInvalidResponse)
	}
	return choice.Message.Content, nil
}

// post sends a JSON request through the pipeline and decodes a 2xx body
// into out.
func (o *OpenAI) post(ctx context.Context, op transport.Operation, path string, body any, cacheKey string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.h.Handle(ctx, &transport.Request{
		Provider:  ProviderOpenAI,
		Operation: op,
		Method:    http.MethodPost,
		URL:       o.cfg.Endpoint + path,
		Header:    header,
		Body:      payload,
		CacheKey:  cacheKey,
		Timeout:   o.cfg.Timeout,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return parseOpenAIError(resp)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s: %w: %w", ProviderOpenAI, llmerrors.ErrInvalidResponse, err)
	}
	return nil
}

// parseOpenAIError converts an OpenAI error response to a ProviderError.
func parseOpenAIError(resp *transport.Response) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	retryAfter := 0
	if resp.Header != nil {
		retryAfter, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
	}

	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Error.Message != "" {
		code := errResp.Error.Code
		if code == "" {
			code = errResp.Error.Type
		}
		return llmerrors.NewProviderError(ProviderOpenAI, resp.StatusCode, code, errResp.Error.Message, retryAfter)
	}
	msg := string(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return llmerrors.NewProviderError(ProviderOpenAI, resp.StatusCode, "", msg, retryAfter)
}
