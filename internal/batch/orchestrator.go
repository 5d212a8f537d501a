// Package batch runs evaluation batches end to end.
//
// An Orchestrator validates a request, records the batch, resolves prompt
// IDs, fans N×P iterations out over a bounded Pool, persists the iterations
// that succeeded and derives metrics from what was persisted. Iteration
// failures only lower the result count; storage failures abort the batch
// with a FailedError.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/aggregation"
	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/iteration"
	"github.com/ahrav/go-imgjudge/internal/llm"
	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/store"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

const eventSource = "batch-orchestrator"

// Config bounds a batch run.
type Config struct {
	// Concurrency caps the iterations in flight at once.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=1000"`

	// BatchTimeout is the deadline for generating and scoring every
	// iteration. Iterations still queued or running when it expires fail.
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"min=0"`

	// PersistTimeout bounds the writes made after the iterations finish.
	// Those writes run detached from the batch deadline.
	PersistTimeout time.Duration `yaml:"persist_timeout" validate:"min=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		BatchTimeout:   30 * time.Minute,
		PersistTimeout: 2 * time.Minute,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEventSink sets the sink that receives batch lifecycle events.
func WithEventSink(sink events.EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator runs and reads back evaluation batches. It is safe for
// concurrent use; concurrent batches share the store but not a pool.
type Orchestrator struct {
	cfg    Config
	store  store.Store
	worker *iteration.Worker
	sink   events.EventSink
	logger *zap.Logger
}

// NewOrchestrator creates an orchestrator. Zero config fields take their
// defaults.
func NewOrchestrator(cfg Config, st store.Store, caps llm.Capabilities, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	o := &Orchestrator{
		cfg:    cfg,
		store:  st,
		sink:   events.NewNoOpEventSink(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "batch"))
	o.worker = iteration.NewWorker(caps, o.logger)
	return o
}

// Tasks expands prompts into one task per prompt and iteration, prompt-major.
func Tasks(batchID string, prompts []string, ids map[string]string, iterations int) []iteration.Task {
	tasks := make([]iteration.Task, 0, len(prompts)*iterations)
	for _, p := range prompts {
		for i := 0; i < iterations; i++ {
			tasks = append(tasks, iteration.Task{
				BatchID:   batchID,
				PromptID:  ids[p],
				Prompt:    p,
				Iteration: i,
			})
		}
	}
	return tasks
}

// RunBatch executes req and returns the persisted outcome. It fails with a
// *domain.ValidationError before any work for a malformed request and with
// a *FailedError when storage fails. Individual iteration failures are
// counted in FailedIterations and never fail the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	batch, err := o.store.CreateBatch(ctx, req.Description)
	if err != nil {
		return nil, o.failed(ctx, "", StageCreateBatch, err)
	}
	log := o.logger.With(zap.String("batch_id", batch.ID))

	prompts := req.Prompts()
	ids, err := o.store.ResolvePromptIDs(ctx, prompts)
	if err != nil {
		return nil, o.failed(ctx, batch.ID, StageResolvePrompts, err)
	}

	tasks := Tasks(batch.ID, prompts, ids, req.NumIterations)
	log.Info("batch started",
		zap.Int("prompts", len(prompts)),
		zap.Int("iterations", req.NumIterations),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", o.cfg.Concurrency))
	o.emit(ctx, events.TypeBatchStarted, batch.ID, map[string]any{
		"prompts":    len(prompts),
		"iterations": req.NumIterations,
		"tasks":      len(tasks),
	})

	start := time.Now()
	outcomes := o.execute(ctx, tasks)

	results := make([]domain.IterationResult, 0, len(outcomes))
	failed := 0
	for _, out := range outcomes {
		if out.Succeeded() {
			results = append(results, *out.Result)
			continue
		}
		failed++
		log.Warn("iteration dropped",
			zap.String("prompt_id", out.Task.PromptID),
			zap.Int("iteration", out.Task.Iteration),
			zap.Error(out.Err))
	}

	// Successes are saved even when the batch deadline or the caller's
	// context has already expired.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.store.PersistResults(pctx, batch.ID, results); err != nil {
		return nil, o.failed(pctx, batch.ID, StagePersistResults, err)
	}

	stored, persisted, err := o.store.LoadBatch(pctx, batch.ID)
	if err != nil {
		return nil, o.failed(pctx, batch.ID, StageLoadResults, err)
	}

	metrics := aggregation.Aggregate(persisted)
	if err := o.store.RecordMetrics(pctx, batch.ID, metrics); err != nil {
		log.Warn("failed to record metrics snapshot", zap.Error(err))
	}

	log.Info("batch completed",
		zap.Int("succeeded", len(persisted)),
		zap.Int("failed", failed),
		zap.Float64("avg_similarity", metrics.AvgSimilarityScore),
		zap.Float64("avg_objective", metrics.AvgObjectiveScore),
		zap.Duration("elapsed", time.Since(start)))
	o.emit(pctx, events.TypeBatchCompleted, batch.ID, map[string]any{
		"succeeded": len(persisted),
		"failed":    failed,
		"metrics":   metrics,
	})

	return &domain.EvaluationResponse{
		BatchID:          stored.ID,
		Description:      stored.Description,
		Timestamp:        stored.CreatedAt,
		Prompts:          prompts,
		Metrics:          metrics,
		Results:          persisted,
		FailedIterations: failed,
	}, nil
}

// execute runs every task under the batch deadline and returns one outcome
// per task, in task order.
func (o *Orchestrator) execute(ctx context.Context, tasks []iteration.Task) []iteration.Outcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	outcomes := make([]iteration.Outcome, len(tasks))
	pool := NewPool(o.cfg.Concurrency)
	for i, task := range tasks {
		pool.Go(func() {
			if err := ctx.Err(); err != nil {
				outcomes[i] = iteration.Outcome{Task: task, Err: &domain.CallError{
					Step:  iteration.StepGenerate,
					Kind:  string(llmerrors.Classify(err)),
					Cause: fmt.Errorf("not started: %w", err),
				}}
				return
			}
			outcomes[i] = o.worker.Run(ctx, task)
		})
	}
	pool.Wait()

	o.logger.Debug("iterations finished",
		zap.Int("tasks", len(tasks)),
		zap.Int64("peak_in_flight", pool.Peak()))
	return outcomes
}

// GetBatch rebuilds the response of a stored batch. Metrics are recomputed
// from the stored results. Unknown batches fail with domain.ErrNotFound.
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*domain.EvaluationResponse, error) {
	b, results, err := o.store.LoadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &domain.EvaluationResponse{
		BatchID:     b.ID,
		Description: b.Description,
		Timestamp:   b.CreatedAt,
		Prompts:     distinctPrompts(results),
		Metrics:     aggregation.Aggregate(results),
		Results:     results,
	}, nil
}

// ListBatches returns every batch, newest first.
func (o *Orchestrator) ListBatches(ctx context.Context) ([]domain.BatchSummary, error) {
	return o.store.ListBatches(ctx)
}

func (o *Orchestrator) failed(ctx context.Context, batchID, stage string, err error) error {
	ferr := &FailedError{BatchID: batchID, Stage: stage, Cause: err}
	o.logger.Error("batch failed",
		zap.String("batch_id", batchID),
		zap.String("stage", stage),
		zap.Error(err))
	if batchID != "" {
		o.emit(ctx, events.TypeBatchFailed, batchID, map[string]string{
			"stage": stage,
			"error": err.Error(),
		})
	}
	return ferr
}

// emit delivers an event best effort.
func (o *Orchestrator) emit(ctx context.Context, eventType, batchID string, payload any) {
	env, err := events.NewEnvelope(eventType, eventSource, batchID, payload)
	if err == nil {
		err = o.sink.Append(ctx, env)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("event not delivered",
			zap.String("event_type", eventType),
			zap.String("batch_id", batchID),
			zap.Error(err))
	}
}

func distinctPrompts(results []domain.IterationResult) []string {
	seen := make(map[string]struct{}, len(results))
	prompts := make([]string, 0)
	for _, r := range results {
		if _, ok := seen[r.Prompt]; ok {
			continue
		}
		seen[r.Prompt] = struct{}{}
		prompts = append(prompts, r.Prompt)
	}
	sort.Strings(prompts)
	return prompts
}
