// Package iteration runs a single generate-then-score unit of a batch.
//
// A Worker generates one image for a prompt, checks that the bytes decode
// as an image, then scores the image with three independent calls run
// concurrently: semantic similarity, structured objective rating and a free
// text caption. A similarity scorer that implements llm.CaptionScorer
// scores that caption once it is ready instead of reading the image. The
// iteration succeeds only if every call succeeds. Failures are reported as
// values in the Outcome, never as panics or aborted siblings, so one bad
// iteration cannot affect the rest of its batch.
package iteration

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm"
	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
)

// Pipeline steps reported in CallError.Step.
const (
	StepGenerate   = "generate"
	StepArtifact   = "artifact"
	StepSimilarity = "similarity"
	StepRate       = "rate"
	StepCaption    = "caption"
)

// MaxSimilarity is the top of the similarity scale.
const MaxSimilarity = 100.0

// Task identifies one iteration of one prompt within a batch.
type Task struct {
	BatchID   string
	PromptID  string
	Prompt    string
	Iteration int
}

// Outcome is the result of running a Task: exactly one of Result and Err is
// set.
type Outcome struct {
	Task   Task
	Result *domain.IterationResult
	Err    error
}

// Succeeded reports whether the iteration produced a result.
func (o Outcome) Succeeded() bool { return o.Err == nil && o.Result != nil }

// Worker executes iterations against a set of capabilities. It holds no
// per-iteration state and is safe for concurrent use.
type Worker struct {
	caps   llm.Capabilities
	logger *zap.Logger
}

// NewWorker creates a worker.
func NewWorker(caps llm.Capabilities, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{caps: caps, logger: logger.With(zap.String("component", "iteration"))}
}

// Run executes task and always returns an Outcome.
// Capability panics are recovered and reported as failures.
func (w *Worker) Run(ctx context.Context, task Task) Outcome {
	var artifact []byte
	err := guard(StepGenerate, func() error {
		var err error
		artifact, err = w.caps.Generator.Generate(ctx, task.Prompt)
		return err
	})()
	if err != nil {
		return w.fail(task, err)
	}
	if err := checkArtifact(artifact); err != nil {
		return w.fail(task, callError(StepArtifact, err))
	}

	var (
		similarity float64
		evaluation *domain.ObjectiveEvaluation
		caption    string
	)
	checkSimilarity := func(s float64) error {
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 || s > MaxSimilarity {
			return fmt.Errorf("%w: similarity %v outside [0,%v]", llmerrors.ErrInvalidResponse, s, MaxSimilarity)
		}
		similarity = s
		return nil
	}
	captionScorer, scoresCaption := w.caps.Similarity.(llm.CaptionScorer)

	g, gctx := errgroup.WithContext(ctx)
	if !scoresCaption {
		g.Go(guard(StepSimilarity, func() error {
			s, err := w.caps.Similarity.ScoreSimilarity(gctx, task.Prompt, artifact)
			if err != nil {
				return err
			}
			return checkSimilarity(s)
		}))
	}
	g.Go(guard(StepRate, func() error {
		e, err := w.caps.Rater.Rate(gctx, task.Prompt, artifact)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: empty evaluation", llmerrors.ErrInvalidResponse)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, err)
		}
		evaluation = e
		return nil
	}))
	g.Go(func() error {
		err := guard(StepCaption, func() error {
			c, err := w.caps.Captioner.Describe(gctx, artifact)
			if err != nil {
				return err
			}
			caption = c
			return nil
		})()
		if err != nil || !scoresCaption {
			return err
		}
		return guard(StepSimilarity, func() error {
			s, err := captionScorer.ScoreCaption(gctx, task.Prompt, caption)
			if err != nil {
				return err
			}
			return checkSimilarity(s)
		})()
	})
	if err := g.Wait(); err != nil {
		return w.fail(task, err)
	}

	result := &domain.IterationResult{
		ID:                  uuid.NewString(),
		BatchID:             task.BatchID,
		PromptID:            task.PromptID,
		Prompt:              task.Prompt,
		Iteration:           task.Iteration,
		ArtifactData:        base64.StdEncoding.EncodeToString(artifact),
		SimilarityScore:     &similarity,
		ObjectiveEvaluation: evaluation,
		Feedback:            &caption,
	}
	return Outcome{Task: task, Result: result}
}

func (w *Worker) fail(task Task, err error) Outcome {
	w.logger.Debug("iteration failed",
		zap.String("batch_id", task.BatchID),
		zap.String("prompt_id", task.PromptID),
		zap.Int("iteration", task.Iteration),
		zap.Error(err))
	return Outcome{Task: task, Err: err}
}

// guard runs fn for step, converting errors and panics into CallErrors.
func guard(step string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &domain.CallError{Step: step, Kind: "panic", Cause: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := fn(); err != nil {
			return callError(step, err)
		}
		return nil
	}
}

func callError(step string, err error) *domain.CallError {
	return &domain.CallError{Step: step, Kind: string(llmerrors.Classify(err)), Cause: err}
}

// checkArtifact verifies that the bytes carry a decodable image header.
func checkArtifact(artifact []byte) error {
	if len(artifact) == 0 {
		return fmt.Errorf("%w: empty artifact", llmerrors.ErrInvalidResponse)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(artifact)); err != nil {
		return fmt.Errorf("%w: artifact is not an image: %w", llmerrors.ErrInvalidResponse, err)
	}
	return nil
}
