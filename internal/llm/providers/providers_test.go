package providers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
)

func TestSimilarityScore(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float64
		want    float64
		wantErr bool
	}{
		{name: "identical", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, want: 100},
		{name: "scaled", a: []float64{1, 1}, b: []float64{5, 5}, want: 100},
		{name: "45 degrees", a: []float64{1, 0}, b: []float64{1, 1}, want: 100 / math.Sqrt2},
		{name: "dimension mismatch", a: []float64{1}, b: []float64{1, 2}, wantErr: true},
		{name: "empty", wantErr: true},
		{name: "zero vector", a: []float64{0, 0}, b: []float64{1, 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := similarityScore(tt.a, tt.b)
			if tt.wantErr {
				assert.ErrorIs(t, err, llmerrors.ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/png", mimeType(testPNG(t)))
	assert.Equal(t, "image/png", mimeType([]byte("plain text")), "non-images fall back to png")
}

func TestDecodeEvaluationNormalizesLists(t *testing.T) {
	eval, err := decodeEvaluation(ProviderOpenAI, `{"style_match":true,"overall_score":0.5}`)
	require.NoError(t, err)
	assert.NotNil(t, eval.TechnicalIssues)
	assert.NotNil(t, eval.RequiredElements)
}

func TestRatingInstructionListsElements(t *testing.T) {
	got := ratingInstruction("A red cat", []string{"cat", "red fur"})
	assert.Contains(t, got, `"A red cat"`)
	assert.Contains(t, got, "- cat\n- red fur\n")
}
