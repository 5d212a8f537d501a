// Package llm defines the external model capabilities an iteration depends
// on and assembles the shared call pipeline that provider implementations
// send their requests through.
//
// Each capability is a narrow interface so that a deployment can mix
// providers (Imagen for generation, OpenAI for rating) and tests can inject
// deterministic fakes.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// Generator produces an encoded image for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// SimilarityScorer measures how well an image matches its prompt, on a
// 0 to 100 scale.
type SimilarityScorer interface {
	ScoreSimilarity(ctx context.Context, prompt string, artifact []byte) (float64, error)
}

// CaptionScorer is implemented by similarity scorers that compare the prompt
// with an existing caption. When the configured scorer implements it, an
// iteration scores the caption it stores as feedback instead of captioning
// the image a second time.
type CaptionScorer interface {
	ScoreCaption(ctx context.Context, prompt, caption string) (float64, error)
}

// Rater produces the structured objective evaluation of an image.
type Rater interface {
	Rate(ctx context.Context, prompt string, artifact []byte) (*domain.ObjectiveEvaluation, error)
}

// Captioner describes an image in free text.
type Captioner interface {
	Describe(ctx context.Context, artifact []byte) (string, error)
}

// Capabilities bundles the four capabilities an iteration uses.
type Capabilities struct {
	Generator  Generator
	Similarity SimilarityScorer
	Rater      Rater
	Captioner  Captioner
}

// ErrMissingCapability is returned by Validate when a capability is unset.
var ErrMissingCapability = errors.New("missing capability")

// Validate reports the first unset capability.
func (c Capabilities) Validate() error {
	switch {
	case c.Generator == nil:
		return fmt.Errorf("%w: generator", ErrMissingCapability)
	case c.Similarity == nil:
		return fmt.Errorf("%w: similarity scorer", ErrMissingCapability)
	case c.Rater == nil:
		return fmt.Errorf("%w: rater", ErrMissingCapability)
	case c.Captioner == nil:
		return fmt.Errorf("%w: captioner", ErrMissingCapability)
	}
	return nil
}
