package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm/cache"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// newFakeGemini serves the Gemini REST methods the provider uses.
func newFakeGemini(t *testing.T, img []byte, caption string, vectors [][]float64) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var resp any
		switch {
		case strings.HasSuffix(r.URL.Path, ":predict"):
			resp = map[string]any{"predictions": []any{map[string]any{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(img),
				"mimeType":           "image/png",
			}}}
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			resp = map[string]any{"candidates": []any{map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": caption}}},
				"finishReason": "STOP",
			}}}
		case strings.HasSuffix(r.URL.Path, ":batchEmbedContents"), strings.HasSuffix(r.URL.Path, ":embedContent"):
			embeddings := make([]any, len(vectors))
			for i, v := range vectors {
				embeddings[i] = map[string]any{"values": v}
			}
			resp = map[string]any{"embeddings": embeddings}
		default:
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoogle(t *testing.T, srv *httptest.Server, calls *atomic.Int64) *Google {
	t.Helper()
	counting := func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			assert.Equal(t, ProviderGoogle, req.Provider)
			calls.Add(1)
			return next.Handle(ctx, req)
		})
	}
	h := transport.Chain(transport.NewHTTPHandler(srv.Client()), counting)
	g, err := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key", Endpoint: srv.URL}, h)
	require.NoError(t, err)
	return g
}

func TestNewGoogleRequiresKey(t *testing.T) {
	_, err := NewGoogle(context.Background(), GoogleConfig{}, transport.NewHTTPHandler(nil))
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestGoogleGenerate(t *testing.T) {
	img := testPNG(t)
	var calls atomic.Int64
	g := newTestGoogle(t, newFakeGemini(t, img, "", nil), &calls)

	got, err := g.Generate(context.Background(), "A red cat")
	require.NoError(t, err)
	assert.Equal(t, img, got)
	assert.Equal(t, int64(1), calls.Load(), "SDK traffic goes through the pipeline")
}

func TestGoogleDescribe(t *testing.T) {
	var calls atomic.Int64
	g := newTestGoogle(t, newFakeGemini(t, nil, "a red cat on a sofa", nil), &calls)

	caption, err := g.Describe(context.Background(), testPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "a red cat on a sofa", caption)
}

func TestGoogleScoreSimilarity(t *testing.T) {
	var calls atomic.Int64
	g := newTestGoogle(t, newFakeGemini(t, nil, "a cat", [][]float64{{3, 4}, {3, 4}}), &calls)

	score, err := g.ScoreSimilarity(context.Background(), "A red cat", testPNG(t))
	require.NoError(t, err)
	assert.InDelta(t, 100, score, 1e-4)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGoogleRateCachesBreakdown(t *testing.T) {
	evaluation, err := json.Marshal(domain.ObjectiveEvaluation{
		RequiredElements:  []domain.ElementPresence{{Element: "cat", Present: true, Details: "centered"}},
		CompositionIssues: []string{},
		TechnicalIssues:   []string{},
		StyleMatch:        true,
		OverallScore:      0.8,
	})
	require.NoError(t, err)

	var breakdowns, ratings atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		text := `{"chain_of_thought":"one subject","required_elements":["cat"]}`
		if strings.Contains(string(raw), "inlineData") {
			ratings.Add(1)
			text = string(evaluation)
		} else {
			breakdowns.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			"finishReason": "STOP",
		}}})
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.New(rdb, time.Hour, nil)

	h := transport.Chain(transport.NewHTTPHandler(srv.Client()), c.Middleware())
	g, err := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key", Endpoint: srv.URL}, h)
	require.NoError(t, err)

	const iterations = 4
	for range iterations {
		got, err := g.Rate(context.Background(), "A red cat", testPNG(t))
		require.NoError(t, err)
		assert.InDelta(t, 0.8, got.OverallScore, 1e-9)
	}

	assert.EqualValues(t, 1, breakdowns.Load())
	assert.EqualValues(t, iterations, ratings.Load())
	assert.EqualValues(t, iterations-1, c.Stats().Hits)
}
