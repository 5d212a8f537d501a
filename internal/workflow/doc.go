// Package workflow implements the Temporal workflow that runs evaluation
// batches.
//
// EvaluationBatchWorkflow delegates the whole batch to the RunBatch activity,
// which owns generation, scoring and persistence, then recomputes the batch
// metrics through the ComputeMetrics activity so a metrics.computed event is
// emitted from the workflow history.
//
// Workflows must stay deterministic: no random numbers, wall-clock time or
// I/O. Anything of that kind belongs in an activity.
package workflow
