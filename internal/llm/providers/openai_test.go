package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeOpenAI serves canned responses per path and records request bodies.
type fakeOpenAI struct {
	mu       sync.Mutex
	bodies   map[string][]map[string]any
	handlers map[string]http.HandlerFunc
}

func newFakeOpenAI(t *testing.T) (*fakeOpenAI, *httptest.Server) {
	f := &fakeOpenAI{bodies: map[string][]map[string]any{}, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
		h := f.handlers[r.URL.Path]
		f.mu.Unlock()

		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOpenAI) on(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeOpenAI) requests(path string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func writeJSON(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func chatReply(content string) map[string]any {
	return map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func newTestOpenAI(srv *httptest.Server) *OpenAI {
	return NewOpenAI(OpenAIConfig{APIKey: "test-key", Endpoint: srv.URL}, transport.NewHTTPHandler(srv.Client()))
}

func TestOpenAIGenerate(t *testing.T) {
	fake, srv := newFakeOpenAI(t)
	img := testPNG(t)
	fake.on("/images/generations", writeJSON(map[string]any{
		"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString(img)}},
	}))

	got, err := newTestOpenAI(srv).Generate(context.Background(), "A red cat")
	require.NoError(t, err)
	assert.Equal(t, img, got)

	reqs := fake.requests("/images/generations")
	require.Len(t, reqs, 1)
	assert.Equal(t, "A red cat", reqs[0]["prompt"])
	assert.Equal(t, "b64_json", reqs[0]["response_format"])
	assert.Equal(t, "dall-e-2", reqs[0]["model"])
}

func TestOpenAIGenerateEmptyData(t *testing.T) {
	fake, srv := newFakeOpenAI(t)
	fake.on("/images/generations", writeJSON(map[string]any{"data": []any{}}))

	_, err := newTestOpenAI(srv).Generate(context.Background(), "A red cat")
	assert.ErrorIs(t, err, llmerrors.ErrInvalidResponse)
}

func TestOpenAIDescribe(t *testing.T) {
	fake, srv := newFakeOpenAI(t)
	fake.on("/chat/completions", writeJSON(chatReply("A small red square on black.")))

	caption, err := newTestOpenAI(srv).Describe(context.Background(), testPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "A small red square on black.", caption)

	req := fake.requests("/chat/completions")[0]
	assert.Equal(t, "gpt-4o-mini", req["model"])
	assert.EqualValues(t, captionMaxTokens, req["max_tokens"])

	msg := req["messages"].([]any)[0].(map[string]any)
	parts := msg["content"].([]any)
	imagePart := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(imagePart["url"].(string), "data:image/png;base64,"))
}

func TestOpenAIRate(t *testing.T) {
	fake, srv := newFakeOpenAI(t)

	var calls int
	fake.on("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeJSON(chatReply(`{"chain_of_thought":"cat, red","required_elements":["cat","red fur"]}`))(w, r)
			return
		}
		writeJSON(chatReply(`{
			"required_elements":[{"element":"cat","present":true,"details":"centered"}],
			"composition_issues":[],
			"technical_issues":["slight blur"],
			"style_match":true,
			"overall_score":0.8,
			"evaluation_notes":"good"
		}`))(w, r)
	})

	eval, err := newTestOpenAI(srv).Rate(context.Background(), "A red cat", testPNG(t))
	require.NoError(t, err)
	assert.Equal(t, 0.8, eval.OverallScore)
	assert.Equal(t, []string{"slight blur"}, eval.TechnicalIssues)
	assert.Empty(t, eval.CompositionIssues)

	reqs := fake.requests("/chat/completions")
	require.Len(t, reqs, 2)
	assert.EqualValues(t, 0, reqs[0]["temperature"], "breakdown is deterministic")

	rating := reqs[1]["messages"].([]any)[0].(map[string]any)["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, rating, "- red fur")
	format := reqs[1]["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIRateRejectsOutOfRangeScore(t *testing.T) {
	fake, srv := newFakeOpenAI(t)
	var calls int
	fake.on("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeJSON(chatReply(`{"chain_of_thought":"","required_elements":[]}`))(w, r)
			return
		}
		writeJSON(chatReply(`{"required_elements":[],"composition_issues":[],"technical_issues":[],"style_match":true,"overall_score":1.5,"evaluation_notes":""}`))(w, r)
	})

	_, err := newTestOpenAI(srv).Rate(context.Background(), "A red cat", testPNG(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, llmerrors.ErrInvalidResponse)
}

func TestOpenAIBreakDownUsesCacheKey(t *testing.T) {
	var seen []*transport.Request
	h := transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		seen = append(seen, req)
		body, _ := json.Marshal(chatReply(`{"chain_of_thought":"","required_elements":["cat"]}`))
		return &transport.Response{StatusCode: 200, Body: body}, nil
	})
	p := NewOpenAI(OpenAIConfig{APIKey: "k"}, h)

	_, err := p.BreakDown(context.Background(), "A red cat")
	require.NoError(t, err)
	_, err = p.BreakDown(context.Background(), "A blue dog")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, transport.OpBreakdown, seen[0].Operation)
	assert.NotEmpty(t, seen[0].CacheKey)
	assert.NotEqual(t, seen[0].CacheKey, seen[1].CacheKey)
}

func TestOpenAIScoreSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		vectors [][]float64
		want    float64
	}{
		{name: "identical", vectors: [][]float64{{1, 0}, {1, 0}}, want: 100},
		{name: "orthogonal", vectors: [][]float64{{1, 0}, {0, 1}}, want: 0},
		{name: "opposed clamps to zero", vectors: [][]float64{{1, 0}, {-1, 0}}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeOpenAI(t)
			fake.on("/chat/completions", writeJSON(chatReply("a cat")))
			fake.on("/embeddings", writeJSON(map[string]any{
				"data": []any{
					map[string]any{"index": 1, "embedding": tt.vectors[1]},
					map[string]any{"index": 0, "embedding": tt.vectors[0]},
				},
			}))

			got, err := newTestOpenAI(srv).ScoreSimilarity(context.Background(), "A red cat", testPNG(t))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)

			input := fake.requests("/embeddings")[0]["input"].([]any)
			assert.Equal(t, []any{"A red cat", "a cat"}, input)
		})
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantType llmerrors.ErrorType
		wantIs   error
	}{
		{
			name: "rate limit",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
			},
			wantType: llmerrors.ErrorTypeRateLimit,
		},
		{
			name: "auth",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`))
			},
			wantType: llmerrors.ErrorTypeAuth,
		},
		{
			name: "unstructured server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantType: llmerrors.ErrorTypeProvider,
		},
		{
			name:     "refusal",
			handler:  writeJSON(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"refusal": "no"}, "finish_reason": "stop"}}}),
			wantType: llmerrors.ErrorTypeContent,
			wantIs:   llmerrors.ErrContentFiltered,
		},
		{
			name:     "malformed body",
			handler:  func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{")) },
			wantType: llmerrors.ErrorTypeInvalidResponse,
			wantIs:   llmerrors.ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeOpenAI(t)
			fake.on("/chat/completions", tt.handler)

			_, err := newTestOpenAI(srv).Describe(context.Background(), testPNG(t))
			require.Error(t, err)
			assert.Equal(t, tt.wantType, llmerrors.Classify(err))
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestParseOpenAIErrorRetryAfter(t *testing.T) {
	err := parseOpenAIError(&transport.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"7"}},
		Body:       []byte(`{"error":{"message":"slow down","code":"rate_limit_exceeded"}}`),
	})
	var perr *llmerrors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 7, perr.RetryAfter)
	assert.Equal(t, ProviderOpenAI, perr.Provider)
}
