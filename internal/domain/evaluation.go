// Package domain provides the core types of image evaluation batches.
// It defines batches, prompts, per-iteration results, objective evaluations
// and derived batch metrics, together with request validation and the
// error taxonomy shared by every layer of the system.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Request limits for batch submission.
const (
	DefaultNumIterations = 5
	MaxNumIterations     = 100
	MaxPrompts           = 100
	MaxPromptLength      = 4000
)

// Batch is one orchestration run covering all prompts and iterations
// submitted together. It is created once and never modified.
type Batch struct {
	ID          string    `json:"batch_id"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Prompt is a deduplicated prompt text. The same text always resolves to the
// same ID for the lifetime of a store.
type Prompt struct {
	ID   string `json:"prompt_id"`
	Text string `json:"prompt_text"`
}

// ElementPresence records whether one required visual element was found in
// a generated image.
type ElementPresence struct {
	Element string `json:"element"`
	Present bool   `json:"present"`
	Details string `json:"details"`
}

// ObjectiveEvaluation is the structured, multi-criterion rating of an image
// against the prompt that produced it.
type ObjectiveEvaluation struct {
	RequiredElements  []ElementPresence `json:"required_elements"`
	CompositionIssues []string          `json:"composition_issues"`
	TechnicalIssues   []string          `json:"technical_issues"`
	StyleMatch        bool              `json:"style_match"`
	OverallScore      float64           `json:"overall_score"`
	EvaluationNotes   string            `json:"evaluation_notes"`
}

// Validate checks that the overall score is a finite value in [0, 1].
// Nil issue lists are normalized to empty lists.
func (e *ObjectiveEvaluation) Validate() error {
	if math.IsNaN(e.OverallScore) || math.IsInf(e.OverallScore, 0) {
		return fmt.Errorf("overall_score is not finite: %w", ErrValidation)
	}
	if e.OverallScore < 0 || e.OverallScore > 1 {
		return fmt.Errorf("overall_score %v outside [0,1]: %w", e.OverallScore, ErrValidation)
	}
	if e.RequiredElements == nil {
		e.RequiredElements = []ElementPresence{}
	}
	if e.CompositionIssues == nil {
		e.CompositionIssues = []string{}
	}
	if e.TechnicalIssues == nil {
		e.TechnicalIssues = []string{}
	}
	return nil
}

// PromptElements is the breakdown of a prompt into distinct visual elements
// that can each be verified as present or absent in an image.
type PromptElements struct {
	ChainOfThought   string   `json:"chain_of_thought"`
	RequiredElements []string `json:"required_elements"`
}

// IterationResult is the record of one successfully generated and scored
// image. Scoring fields are pointers because rows loaded from storage may
// predate a field; results produced by a worker always carry all three.
type IterationResult struct {
	ID                  string               `json:"result_id"`
	BatchID             string               `json:"batch_id"`
	PromptID            string               `json:"prompt_id"`
	Prompt              string               `json:"prompt"`
	Iteration           int                  `json:"iteration"`
	ArtifactData        string               `json:"image_data"`
	SimilarityScore     *float64             `json:"similarity_score"`
	ObjectiveEvaluation *ObjectiveEvaluation `json:"objective_evaluation"`
	Feedback            *string              `json:"feedback"`
}

// IssueCategory is one bucket of the fixed technical issue taxonomy.
type IssueCategory string

// Issue categories. The values are the labels reported to clients.
const (
	CategoryClarity     IssueCategory = "Image Clarity"
	CategoryComposition IssueCategory = "Composition"
	CategoryColor       IssueCategory = "Color Issues"
	CategoryArtifacts   IssueCategory = "Digital Artifacts"
	CategoryAnatomy     IssueCategory = "Anatomical Issues"
	CategoryRendering   IssueCategory = "Rendering Problems"
	CategoryOther       IssueCategory = "Other Issues"
)

// BatchMetrics summarizes the quality of a batch. It is always derived from
// persisted results and never updated incrementally.
type BatchMetrics struct {
	AvgSimilarityScore       float64               `json:"avg_similarity_score"`
	AvgObjectiveScore        float64               `json:"avg_objective_score"`
	TechnicalIssuesFrequency map[IssueCategory]int `json:"technical_issues_frequency"`
}

// BatchSummary is one entry of the batch listing.
type BatchSummary struct {
	BatchID     string    `json:"batch_id"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"timestamp"`
	ResultCount int       `json:"image_count"`
}

// EvaluationRequest is the batch-submission input.
type EvaluationRequest struct {
	Description   *string  `json:"description,omitempty" validate:"omitempty,max=1000"`
	NumIterations int      `json:"num_iterations" validate:"min=1,max=100"`
	CustomPrompts []string `json:"custom_prompts,omitempty" validate:"omitempty,max=100,dive,required,max=4000"`
}

// NewEvaluationRequest builds a request with the default iteration count.
func NewEvaluationRequest(description string, prompts ...string) EvaluationRequest {
	req := EvaluationRequest{NumIterations: DefaultNumIterations, CustomPrompts: prompts}
	if description != "" {
		req.Description = &description
	}
	return req
}

// Validate rejects malformed requests. The returned error is a
// *ValidationError listing every offending field.
func (r *EvaluationRequest) Validate() error {
	if err := toValidationError(validate.Struct(r)); err != nil {
		return err
	}
	var blank []FieldError
	for i, p := range r.CustomPrompts {
		if strings.TrimSpace(p) == "" {
			blank = append(blank, FieldError{
				Field:  fmt.Sprintf("CustomPrompts[%d]", i),
				Reason: "must not be blank",
			})
		}
	}
	if len(blank) > 0 {
		return &ValidationError{Fields: blank}
	}
	return nil
}

// Prompts returns the custom prompts, or the default prompt set when none
// were supplied.
func (r *EvaluationRequest) Prompts() []string {
	if len(r.CustomPrompts) > 0 {
		return append([]string(nil), r.CustomPrompts...)
	}
	return DefaultPrompts()
}

// EvaluationResponse is the composed result of a batch run or of reading a
// batch back from storage.
type EvaluationResponse struct {
	BatchID          string            `json:"batch_id"`
	Description      *string           `json:"description"`
	Timestamp        time.Time         `json:"timestamp"`
	Prompts          []string          `json:"prompts"`
	Metrics          BatchMetrics      `json:"metrics"`
	Results          []IterationResult `json:"results"`
	FailedIterations int               `json:"failed_iterations"`
}
