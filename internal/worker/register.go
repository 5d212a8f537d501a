// Package worker wires the evaluation workflow and its activities into a
// Temporal worker and provides the client plumbing used by the CLI.
package worker

import (
	sdkactivity "go.temporal.io/sdk/activity"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgjudge/internal/aggregation"
	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/workflow"
	"github.com/ahrav/go-imgjudge/pkg/activity"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

// Registrar is the registration subset shared by sdk workers and the
// Temporal test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w any, options sdkworkflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options sdkactivity.RegisterOptions)
}

// RegisterAll registers the batch workflow and every activity it calls.
// Call it once during worker startup, before the worker is started.
func RegisterAll(r Registrar, o *batch.Orchestrator, sink events.EventSink) {
	if sink == nil {
		sink = events.NewNoOpEventSink()
	}
	base := activity.NewBaseActivities(sink)

	batchActivities := batch.NewActivities(base, o)
	aggregationActivities := aggregation.NewActivities(base)

	r.RegisterWorkflowWithOptions(workflow.EvaluationBatchWorkflow,
		sdkworkflow.RegisterOptions{Name: WorkflowName})

	r.RegisterActivityWithOptions(batchActivities.RunBatch,
		sdkactivity.RegisterOptions{Name: workflow.RunBatchActivity})
	r.RegisterActivityWithOptions(aggregationActivities.ComputeMetrics,
		sdkactivity.RegisterOptions{Name: workflow.ComputeMetricsActivity})
}
