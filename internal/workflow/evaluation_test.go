package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkactivity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-imgjudge/internal/aggregation"
	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/pkg/activity"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

func ptr[T any](v T) *T { return &v }

func cannedResponse() *domain.EvaluationResponse {
	return &domain.EvaluationResponse{
		BatchID:   "batch-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Prompts:   []string{"A red cat"},
		Results: []domain.IterationResult{
			{
				ID: "r1", BatchID: "batch-1", PromptID: "p1", Prompt: "A red cat", Iteration: 0,
				ArtifactData:    "aW1n",
				SimilarityScore: ptr(80.0),
				ObjectiveEvaluation: &domain.ObjectiveEvaluation{
					TechnicalIssues: []string{"slight blur"},
					OverallScore:    0.8,
				},
			},
			{
				ID: "r2", BatchID: "batch-1", PromptID: "p1", Prompt: "A red cat", Iteration: 1,
				ArtifactData:    "aW1n",
				SimilarityScore: ptr(60.0),
				ObjectiveEvaluation: &domain.ObjectiveEvaluation{
					TechnicalIssues: []string{"harsh lighting"},
					OverallScore:    0.4,
				},
			},
		},
		FailedIterations: 1,
	}
}

func newEnv(t *testing.T, runBatch func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResponse, error)) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(EvaluationBatchWorkflow)
	env.RegisterActivityWithOptions(runBatch, sdkactivity.RegisterOptions{Name: RunBatchActivity})
	agg := aggregation.NewActivities(activity.NewBaseActivities(events.NewNoOpEventSink()))
	env.RegisterActivityWithOptions(agg.ComputeMetrics, sdkactivity.RegisterOptions{Name: ComputeMetricsActivity})
	return env
}

func validRequest() domain.EvaluationRequest {
	req := domain.NewEvaluationRequest("workflow", "A red cat")
	req.NumIterations = 3
	return req
}

func TestEvaluationBatchWorkflow(t *testing.T) {
	var got domain.EvaluationRequest
	env := newEnv(t, func(_ context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		got = req
		return cannedResponse(), nil
	})

	env.ExecuteWorkflow(EvaluationBatchWorkflow, validRequest())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var resp domain.EvaluationResponse
	require.NoError(t, env.GetWorkflowResult(&resp))

	assert.Equal(t, 3, got.NumIterations)
	assert.Equal(t, "batch-1", resp.BatchID)
	assert.Equal(t, 1, resp.FailedIterations)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "aW1n", resp.Results[0].ArtifactData, "artifacts survive the metrics step")
	assert.InDelta(t, 70.0, resp.Metrics.AvgSimilarityScore, 1e-9)
	assert.InDelta(t, 0.6, resp.Metrics.AvgObjectiveScore, 1e-9)
	assert.Equal(t, map[domain.IssueCategory]int{
		domain.CategoryClarity: 1,
		domain.CategoryColor:   1,
	}, resp.Metrics.TechnicalIssuesFrequency)
}

func TestEvaluationBatchWorkflowRejectsInvalidRequest(t *testing.T) {
	called := false
	env := newEnv(t, func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		called = true
		return cannedResponse(), nil
	})

	env.ExecuteWorkflow(EvaluationBatchWorkflow, domain.EvaluationRequest{})
	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Validation", appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.False(t, called)
}

func TestEvaluationBatchWorkflowRunBatchFailure(t *testing.T) {
	attempts := 0
	env := newEnv(t, func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		attempts++
		return nil, activity.Retryable("BatchFailed", errors.New("disk full"), "batch failed at persist_results")
	})

	env.ExecuteWorkflow(EvaluationBatchWorkflow, validRequest())
	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "BatchFailed", appErr.Type())
	assert.Equal(t, 3, attempts)
}

func TestEvaluationBatchWorkflowKeepsMetricsWhenComputeFails(t *testing.T) {
	canned := cannedResponse()
	canned.Metrics = domain.BatchMetrics{AvgSimilarityScore: 42, TechnicalIssuesFrequency: map[domain.IssueCategory]int{}}
	env := newEnv(t, func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		return canned, nil
	})
	env.OnActivity(ComputeMetricsActivity, mock.Anything, mock.Anything).
		Return(nil, temporal.NewNonRetryableApplicationError("boom", "Internal", nil))

	env.ExecuteWorkflow(EvaluationBatchWorkflow, validRequest())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var resp domain.EvaluationResponse
	require.NoError(t, env.GetWorkflowResult(&resp))
	assert.Equal(t, 42.0, resp.Metrics.AvgSimilarityScore)
}

func TestEvaluationBatchWorkflowDeterminism(t *testing.T) {
	var first domain.EvaluationResponse
	for i := 0; i < 3; i++ {
		env := newEnv(t, func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
			return cannedResponse(), nil
		})
		env.ExecuteWorkflow(EvaluationBatchWorkflow, validRequest())
		require.True(t, env.IsWorkflowCompleted(), "attempt %d", i+1)
		require.NoError(t, env.GetWorkflowError(), "attempt %d", i+1)

		var resp domain.EvaluationResponse
		require.NoError(t, env.GetWorkflowResult(&resp))
		if i == 0 {
			first = resp
			continue
		}
		assert.Equal(t, first.Metrics, resp.Metrics, "attempt %d", i+1)
	}
}
