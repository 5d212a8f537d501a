package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgjudge/internal/aggregation"
	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/domain"
)

// Registered activity names.
const (
	RunBatchActivity       = "RunBatch"
	ComputeMetricsActivity = "ComputeMetrics"
)

// Activity timeouts. RunBatch covers the default 30 minute batch deadline
// plus the persistence that follows it.
const (
	runBatchTimeout       = 35 * time.Minute
	computeMetricsTimeout = time.Minute
	heartbeatTimeout      = 30 * time.Second
)

// EvaluationBatchWorkflow runs one evaluation batch and returns its
// persisted outcome.
func EvaluationBatchWorkflow(
	ctx workflow.Context,
	req domain.EvaluationRequest,
) (*domain.EvaluationResponse, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "evaluation-batch.v", workflow.DefaultVersion, currentVersion)

	if err := req.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			"invalid evaluation request",
			"Validation",
			err,
		)
	}

	retry := &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{"Validation"},
	}

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: runBatchTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy:         retry,
	})
	var resp domain.EvaluationResponse
	if err := workflow.ExecuteActivity(runCtx, RunBatchActivity, req).Get(runCtx, &resp); err != nil {
		return nil, err
	}

	logger := workflow.GetLogger(ctx)
	logger.Info("Batch persisted",
		"batch_id", resp.BatchID,
		"results", len(resp.Results),
		"failed_iterations", resp.FailedIterations)

	metricsCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: computeMetricsTimeout,
		RetryPolicy:         retry,
	})
	var metrics domain.BatchMetrics
	err := workflow.ExecuteActivity(metricsCtx, ComputeMetricsActivity, aggregation.ComputeMetricsInput{
		BatchID: resp.BatchID,
		Results: batch.StripArtifacts(resp.Results),
	}).Get(metricsCtx, &metrics)
	if err != nil {
		// The batch is already durable; keep the metrics RunBatch derived.
		logger.Warn("ComputeMetrics failed", "batch_id", resp.BatchID, "error", err)
		return &resp, nil
	}
	resp.Metrics = metrics

	return &resp, nil
}
