package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm/llmtest"
	"github.com/ahrav/go-imgjudge/internal/store/memstore"
)

func newEnv(t *testing.T, st *memstore.Store, fake *llmtest.Fake) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	RegisterAll(env, batch.NewOrchestrator(batch.Config{}, st, fake.Capabilities()), nil)
	return env
}

func TestRegisteredWorkflowRunsBatch(t *testing.T) {
	st := memstore.New()
	fake := &llmtest.Fake{SimilarityFunc: func(context.Context, string) (float64, error) { return 64, nil }}
	env := newEnv(t, st, fake)

	req := domain.NewEvaluationRequest("temporal", "A red cat", "A blue dog")
	req.NumIterations = 2
	env.ExecuteWorkflow(WorkflowName, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var resp domain.EvaluationResponse
	require.NoError(t, env.GetWorkflowResult(&resp))
	assert.Len(t, resp.Results, 4)
	assert.InDelta(t, 64.0, resp.Metrics.AvgSimilarityScore, 1e-9)

	stored, err := st.ListBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, resp.BatchID, stored[0].BatchID)
}

func TestRegisteredWorkflowDoesNotRetryValidation(t *testing.T) {
	env := newEnv(t, memstore.New(), &llmtest.Fake{})

	env.ExecuteWorkflow(WorkflowName, domain.EvaluationRequest{NumIterations: 500})
	require.True(t, env.IsWorkflowCompleted())

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, env.GetWorkflowError(), &appErr)
	assert.Equal(t, "Validation", appErr.Type())
}

func TestRegisteredWorkflowRetriesStorageFailures(t *testing.T) {
	st := memstore.New()
	st.FailOn(memstore.OpResolve, errors.New("connection reset"))
	env := newEnv(t, st, &llmtest.Fake{})

	req := domain.NewEvaluationRequest("", "A red cat")
	req.NumIterations = 1
	env.ExecuteWorkflow(WorkflowName, req)
	require.True(t, env.IsWorkflowCompleted())

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, env.GetWorkflowError(), &appErr)
	assert.Equal(t, "BatchFailed", appErr.Type())
	assert.False(t, appErr.NonRetryable())

	// Every attempt created a batch before failing to resolve prompts.
	stored, err := st.ListBatches(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Debug("debug", "k", 1)
	l.Info("info", "k", 2)
	l.Warn("warn")
	l.Error("error", "err", "boom")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "temporal", entries[0].ContextMap()["component"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["k"])
	assert.Equal(t, "boom", entries[3].ContextMap()["err"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.HostPort)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, "imgjudge-batches", cfg.TaskQueue)
}
