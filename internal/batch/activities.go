package batch

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/pkg/activity"
)

// heartbeatInterval must stay well below the workflow's HeartbeatTimeout.
const heartbeatInterval = 10 * time.Second

// Activities exposes batch runs to Temporal workflows.
type Activities struct {
	activity.BaseActivities
	orchestrator *Orchestrator
}

// NewActivities creates batch activities backed by o.
func NewActivities(base activity.BaseActivities, o *Orchestrator) *Activities {
	return &Activities{BaseActivities: base, orchestrator: o}
}

// RunBatch runs one evaluation batch. It heartbeats while iterations are in
// flight. Invalid requests are not retried; storage failures are.
//
// Image bytes are stripped from the returned results to keep the activity
// result under the server's payload limit. They stay in the store and are
// served by GetBatch.
func (a *Activities) RunBatch(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	wfCtx := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "Starting RunBatch activity",
		"workflow_id", wfCtx.WorkflowID,
		"num_iterations", req.NumIterations,
		"custom_prompts", len(req.CustomPrompts))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.RecordHeartbeat(ctx, "running")
			}
		}
	}()

	resp, err := a.orchestrator.RunBatch(ctx, req)
	if err != nil {
		activity.SafeLogError(ctx, "RunBatch failed", "error", err)
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return nil, activity.NonRetryable("Validation", err, "invalid evaluation request")
		}
		var ferr *FailedError
		if errors.As(err, &ferr) {
			return nil, activity.Retryable("BatchFailed", err, "batch failed at "+ferr.Stage)
		}
		return nil, err
	}

	resp.Results = StripArtifacts(resp.Results)
	activity.SafeLog(ctx, "RunBatch completed",
		"batch_id", resp.BatchID,
		"results", len(resp.Results),
		"failed_iterations", resp.FailedIterations)
	return resp, nil
}

// StripArtifacts returns a copy of results without image data.
func StripArtifacts(results []domain.IterationResult) []domain.IterationResult {
	slim := make([]domain.IterationResult, len(results))
	for i, r := range results {
		r.ArtifactData = ""
		slim[i] = r
	}
	return slim
}
