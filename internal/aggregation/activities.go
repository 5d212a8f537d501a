package aggregation

import (
	"context"
	"fmt"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/pkg/activity"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

// ComputeMetricsInput is the ComputeMetrics activity argument.
type ComputeMetricsInput struct {
	BatchID string                   `json:"batch_id"`
	Results []domain.IterationResult `json:"results"`
}

// Validate rejects an input without a batch.
func (in ComputeMetricsInput) Validate() error {
	if in.BatchID == "" {
		return &domain.ValidationError{Fields: []domain.FieldError{{Field: "BatchID", Reason: "is required"}}}
	}
	return nil
}

// Activities exposes metric computation to Temporal workflows.
type Activities struct {
	activity.BaseActivities
}

// NewActivities creates aggregation activities on top of base.
func NewActivities(base activity.BaseActivities) *Activities {
	return &Activities{BaseActivities: base}
}

// ComputeMetrics reduces the results of one batch into BatchMetrics and
// emits a metrics.computed event. Invalid input is not retried.
func (a *Activities) ComputeMetrics(ctx context.Context, input ComputeMetricsInput) (*domain.BatchMetrics, error) {
	if err := input.Validate(); err != nil {
		return nil, activity.NonRetryable("ComputeMetrics", err, "invalid input")
	}

	wfCtx := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "Starting ComputeMetrics activity",
		"workflow_id", wfCtx.WorkflowID,
		"batch_id", input.BatchID,
		"results", len(input.Results))

	metrics := Aggregate(input.Results)

	env, err := events.NewEnvelope(events.TypeMetricsComputed, "aggregation-activity", input.BatchID, metrics)
	if err != nil {
		activity.SafeLogError(ctx, "Failed to build metrics event", "batch_id", input.BatchID, "error", err)
	} else {
		a.EmitEventSafe(ctx, env, fmt.Sprintf("MetricsComputed[%s]", input.BatchID))
	}

	activity.SafeLog(ctx, "ComputeMetrics completed",
		"batch_id", input.BatchID,
		"avg_similarity", metrics.AvgSimilarityScore,
		"avg_objective", metrics.AvgObjectiveScore)

	return &metrics, nil
}
