// Package aggregation reduces per-iteration results into batch metrics.
// It owns the technical issue taxonomy, the keyword categorizer that maps
// free-text defect descriptions onto it, and the Temporal activity that
// exposes metric computation to workflows.
package aggregation

import (
	"strings"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// issueKeyword pairs a lower-case keyword with the category it selects.
type issueKeyword struct {
	keyword  string
	category domain.IssueCategory
}

// issueKeywords is scanned in order; the first keyword contained in an issue
// decides its category. Reordering entries changes classification.
var issueKeywords = []issueKeyword{
	{"blur", domain.CategoryClarity},
	{"blurry", domain.CategoryClarity},
	{"focus", domain.CategoryClarity},
	{"sharp", domain.CategoryClarity},
	{"noise", domain.CategoryClarity},
	{"pixelation", domain.CategoryClarity},

	{"composition", domain.CategoryComposition},
	{"framing", domain.CategoryComposition},
	{"cropping", domain.CategoryComposition},
	{"alignment", domain.CategoryComposition},
	{"balance", domain.CategoryComposition},
	{"spacing", domain.CategoryComposition},

	{"color", domain.CategoryColor},
	{"chromatic", domain.CategoryColor},
	{"saturation", domain.CategoryColor},
	{"contrast", domain.CategoryColor},
	{"tone", domain.CategoryColor},
	{"lighting", domain.CategoryColor},

	{"artifact", domain.CategoryArtifacts},
	{"glitch", domain.CategoryArtifacts},
	{"distortion", domain.CategoryArtifacts},
	{"corruption", domain.CategoryArtifacts},

	{"anatomy", domain.CategoryAnatomy},
	{"proportion", domain.CategoryAnatomy},
	{"anatomical", domain.CategoryAnatomy},
	{"body", domain.CategoryAnatomy},

	{"rendering", domain.CategoryRendering},
	{"texture", domain.CategoryRendering},
	{"surface", domain.CategoryRendering},
	{"detail", domain.CategoryRendering},
}

// Categories lists every issue category in reporting order.
func Categories() []domain.IssueCategory {
	return []domain.IssueCategory{
		domain.CategoryClarity,
		domain.CategoryComposition,
		domain.CategoryColor,
		domain.CategoryArtifacts,
		domain.CategoryAnatomy,
		domain.CategoryRendering,
		domain.CategoryOther,
	}
}

// Categorize maps a free-text issue description to a category by
// case-insensitive substring match against the keyword table. The first
// matching keyword wins; text matching nothing is CategoryOther.
func Categorize(issue string) domain.IssueCategory {
	lower := strings.ToLower(issue)
	for _, kw := range issueKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.category
		}
	}
	return domain.CategoryOther
}
