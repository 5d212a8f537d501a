package aggregation

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/pkg/activity"
)

func f64(v float64) *float64 { return &v }

func result(sim float64, overall float64, issues ...string) domain.IterationResult {
	return domain.IterationResult{
		SimilarityScore: f64(sim),
		ObjectiveEvaluation: &domain.ObjectiveEvaluation{
			OverallScore:    overall,
			TechnicalIssues: issues,
		},
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		issue string
		want  domain.IssueCategory
	}{
		{"severe blur near edges", domain.CategoryClarity},
		{"Slightly BLURRY background", domain.CategoryClarity},
		{"visible pixelation", domain.CategoryClarity},
		{"awkward cropping of subject", domain.CategoryComposition},
		{"oversaturation in sky", domain.CategoryColor},
		{"harsh lighting", domain.CategoryColor},
		{"jpeg artifacts", domain.CategoryArtifacts},
		{"lens distortion", domain.CategoryArtifacts},
		{"extra fingers, wrong anatomy", domain.CategoryAnatomy},
		{"plastic-looking texture", domain.CategoryRendering},
		{"watermark present", domain.CategoryOther},
		{"", domain.CategoryOther},
		// Earlier table entries win when several keywords match.
		{"color distortion", domain.CategoryColor},
		{"blurry texture", domain.CategoryClarity},
		{"body proportion artifact", domain.CategoryArtifacts},
	}

	for _, tt := range tests {
		t.Run(tt.issue, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.issue))
		})
	}
}

func TestCategoriesCoverTable(t *testing.T) {
	known := make(map[domain.IssueCategory]bool)
	for _, c := range Categories() {
		known[c] = true
	}
	for _, kw := range issueKeywords {
		assert.True(t, known[kw.category], "keyword %q maps to unlisted category", kw.keyword)
	}
}

func TestAggregate(t *testing.T) {
	t.Run("empty input yields zeros and an empty map", func(t *testing.T) {
		m := Aggregate(nil)
		assert.Equal(t, 0.0, m.AvgSimilarityScore)
		assert.Equal(t, 0.0, m.AvgObjectiveScore)
		require.NotNil(t, m.TechnicalIssuesFrequency)
		assert.Empty(t, m.TechnicalIssuesFrequency)
	})

	t.Run("averages and category counts", func(t *testing.T) {
		m := Aggregate([]domain.IterationResult{
			result(80, 0.6, "blur", "noise in shadows"),
			result(60, 0.8, "color banding"),
		})
		assert.InDelta(t, 70.0, m.AvgSimilarityScore, 1e-9)
		assert.InDelta(t, 0.7, m.AvgObjectiveScore, 1e-9)
		assert.Equal(t, map[domain.IssueCategory]int{
			domain.CategoryClarity: 2,
			domain.CategoryColor:   1,
		}, m.TechnicalIssuesFrequency)
	})

	t.Run("missing values do not count toward averages", func(t *testing.T) {
		m := Aggregate([]domain.IterationResult{
			result(90, 0.5),
			{SimilarityScore: f64(30)},
			{ObjectiveEvaluation: &domain.ObjectiveEvaluation{OverallScore: 1}},
		})
		assert.InDelta(t, 60.0, m.AvgSimilarityScore, 1e-9)
		assert.InDelta(t, 0.75, m.AvgObjectiveScore, 1e-9)
	})

	t.Run("non-finite values are ignored", func(t *testing.T) {
		m := Aggregate([]domain.IterationResult{
			result(math.NaN(), math.Inf(1)),
			result(50, 0.4),
		})
		assert.InDelta(t, 50.0, m.AvgSimilarityScore, 1e-9)
		assert.InDelta(t, 0.4, m.AvgObjectiveScore, 1e-9)
	})

	t.Run("result order does not matter", func(t *testing.T) {
		rs := []domain.IterationResult{
			result(10, 0.1, "glitch"),
			result(20, 0.2, "framing"),
			result(30, 0.3, "body"),
			result(40, 0.4, "surface"),
			result(50, 0.5, "spacing"),
		}
		want := Aggregate(rs)

		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 10; i++ {
			shuffled := append([]domain.IterationResult(nil), rs...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got := Aggregate(shuffled)
			assert.InDelta(t, want.AvgSimilarityScore, got.AvgSimilarityScore, 1e-9)
			assert.InDelta(t, want.AvgObjectiveScore, got.AvgObjectiveScore, 1e-9)
			assert.Equal(t, want.TechnicalIssuesFrequency, got.TechnicalIssuesFrequency)
		}
	})
}

func TestAggregateIssues(t *testing.T) {
	got := AggregateIssues([]string{"blur", "focus drift", "random smudge", "random smear"})
	assert.Equal(t, map[domain.IssueCategory]int{
		domain.CategoryClarity: 2,
		domain.CategoryOther:   2,
	}, got)

	assert.NotNil(t, AggregateIssues(nil))
}

func TestComputeMetricsActivity(t *testing.T) {
	acts := NewActivities(activity.NewBaseActivities(nil))

	t.Run("computes metrics", func(t *testing.T) {
		out, err := acts.ComputeMetrics(context.Background(), ComputeMetricsInput{
			BatchID: "b-1",
			Results: []domain.IterationResult{result(40, 0.9, "lens glitch")},
		})
		require.NoError(t, err)
		assert.InDelta(t, 40.0, out.AvgSimilarityScore, 1e-9)
		assert.Equal(t, 1, out.TechnicalIssuesFrequency[domain.CategoryArtifacts])
	})

	t.Run("missing batch id is not retryable", func(t *testing.T) {
		_, err := acts.ComputeMetrics(context.Background(), ComputeMetricsInput{})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}
