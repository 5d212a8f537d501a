// Package llmtest provides scriptable fake capabilities for tests of the
// layers above the providers.
package llmtest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm"
)

// ErrInjected is the default failure returned by scripted steps.
var ErrInjected = errors.New("injected failure")

// PNG returns a small valid PNG image.
func PNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 200, G: 30, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Fake implements every capability. The zero value succeeds with a PNG,
// similarity 50, overall score 0.5 and a fixed caption. Hooks override the
// defaults per call; they must be safe for concurrent use.
type Fake struct {
	// Delay is slept (honoring cancellation) at the start of every call.
	Delay time.Duration

	GenerateFunc   func(ctx context.Context, prompt string) ([]byte, error)
	SimilarityFunc func(ctx context.Context, prompt string) (float64, error)
	RateFunc       func(ctx context.Context, prompt string) (*domain.ObjectiveEvaluation, error)
	DescribeFunc   func(ctx context.Context) (string, error)

	generates    atomic.Int64
	similarities atomic.Int64
	rates        atomic.Int64
	describes    atomic.Int64

	inFlight atomic.Int64
	peakMu   sync.Mutex
	peak     int64
}

// Capabilities returns f as all four capabilities.
func (f *Fake) Capabilities() llm.Capabilities {
	return llm.Capabilities{Generator: f, Similarity: f, Rater: f, Captioner: f}
}

// Calls returns how often each capability was invoked.
func (f *Fake) Calls() (generate, similarity, rate, describe int64) {
	return f.generates.Load(), f.similarities.Load(), f.rates.Load(), f.describes.Load()
}

// PeakGenerations returns the largest number of concurrent Generate calls.
func (f *Fake) PeakGenerations() int64 {
	f.peakMu.Lock()
	defer f.peakMu.Unlock()
	return f.peak
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Generate implements llm.Generator.
func (f *Fake) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.generates.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	f.peakMu.Lock()
	if n > f.peak {
		f.peak = n
	}
	f.peakMu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, prompt)
	}
	return PNG(), nil
}

// ScoreSimilarity implements llm.SimilarityScorer.
func (f *Fake) ScoreSimilarity(ctx context.Context, prompt string, _ []byte) (float64, error) {
	f.similarities.Add(1)
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if f.SimilarityFunc != nil {
		return f.SimilarityFunc(ctx, prompt)
	}
	return 50, nil
}

// Rate implements llm.Rater.
func (f *Fake) Rate(ctx context.Context, prompt string, _ []byte) (*domain.ObjectiveEvaluation, error) {
	f.rates.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.RateFunc != nil {
		return f.RateFunc(ctx, prompt)
	}
	return Evaluation(0.5, "slight blur"), nil
}

// Describe implements llm.Captioner.
func (f *Fake) Describe(ctx context.Context, _ []byte) (string, error) {
	f.describes.Add(1)
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	if f.DescribeFunc != nil {
		return f.DescribeFunc(ctx)
	}
	return "a generated test image", nil
}

// Evaluation builds a valid evaluation with the given score and issues.
func Evaluation(score float64, technicalIssues ...string) *domain.ObjectiveEvaluation {
	if technicalIssues == nil {
		technicalIssues = []string{}
	}
	return &domain.ObjectiveEvaluation{
		RequiredElements:  []domain.ElementPresence{{Element: "subject", Present: true, Details: "visible"}},
		CompositionIssues: []string{},
		TechnicalIssues:   technicalIssues,
		StyleMatch:        true,
		OverallScore:      score,
		EvaluationNotes:   "scripted",
	}
}

// CaptionScoring is a Fake whose similarity scorer compares the prompt with
// the caption the iteration already produced.
type CaptionScoring struct {
	*Fake
	ScoreCaptionFunc func(ctx context.Context, prompt, caption string) (float64, error)

	captionScores atomic.Int64
}

// Capabilities returns c as the similarity scorer and its Fake for the rest.
func (c *CaptionScoring) Capabilities() llm.Capabilities {
	return llm.Capabilities{Generator: c.Fake, Similarity: c, Rater: c.Fake, Captioner: c.Fake}
}

// ScoreCaption implements llm.CaptionScorer.
func (c *CaptionScoring) ScoreCaption(ctx context.Context, prompt, caption string) (float64, error) {
	c.captionScores.Add(1)
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	if c.ScoreCaptionFunc != nil {
		return c.ScoreCaptionFunc(ctx, prompt, caption)
	}
	return 50, nil
}

// CaptionScores returns how often ScoreCaption was invoked.
func (c *CaptionScoring) CaptionScores() int64 { return c.captionScores.Load() }
