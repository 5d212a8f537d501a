package aggregation

import (
	"math"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// Aggregate reduces results into batch metrics. Averages cover only the
// results that carry the value; with no contributing results they are 0.0.
// Non-finite values are ignored. Issue frequency counts categories, not raw
// issue strings. The reduction is order-independent and never fails.
func Aggregate(results []domain.IterationResult) domain.BatchMetrics {
	var (
		simSum, objSum     float64
		simCount, objCount int
		issues             []string
	)

	for _, r := range results {
		if r.SimilarityScore != nil && isFinite(*r.SimilarityScore) {
			simSum += *r.SimilarityScore
			simCount++
		}
		if ev := r.ObjectiveEvaluation; ev != nil {
			if isFinite(ev.OverallScore) {
				objSum += ev.OverallScore
				objCount++
			}
			issues = append(issues, ev.TechnicalIssues...)
		}
	}

	return domain.BatchMetrics{
		AvgSimilarityScore:       mean(simSum, simCount),
		AvgObjectiveScore:        mean(objSum, objCount),
		TechnicalIssuesFrequency: AggregateIssues(issues),
	}
}

// AggregateIssues counts issues per category. The map is never nil and only
// holds categories that occurred.
func AggregateIssues(issues []string) map[domain.IssueCategory]int {
	counts := make(map[domain.IssueCategory]int)
	for _, issue := range issues {
		counts[Categorize(issue)]++
	}
	return counts
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0.0
	}
	return sum / float64(n)
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
