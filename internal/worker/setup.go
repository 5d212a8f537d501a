package worker

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

// WorkflowName is the registered name of the batch workflow.
const WorkflowName = "EvaluationBatchWorkflow"

// Config locates the Temporal frontend and task queue.
type Config struct {
	HostPort  string `yaml:"host_port" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
	TaskQueue string `yaml:"task_queue" validate:"required"`
}

// DefaultConfig targets a local development server.
func DefaultConfig() Config {
	return Config{
		HostPort:  client.DefaultHostPort,
		Namespace: client.DefaultNamespace,
		TaskQueue: "imgjudge-batches",
	}
}

// Dial connects to Temporal, logging through logger.
func Dial(cfg Config, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// New creates a worker on cfg.TaskQueue with everything registered. The
// caller starts it with Run or Start.
func New(c client.Client, cfg Config, o *batch.Orchestrator, sink events.EventSink) sdkworker.Worker {
	w := sdkworker.New(c, cfg.TaskQueue, sdkworker.Options{})
	RegisterAll(w, o, sink)
	return w
}

// StartBatch submits req as a workflow execution and waits for its result.
func StartBatch(ctx context.Context, c client.Client, cfg Config, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		TaskQueue: cfg.TaskQueue,
	}, WorkflowName, req)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", WorkflowName, err)
	}

	var resp domain.EvaluationResponse
	if err := run.Get(ctx, &resp); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", run.GetID(), err)
	}
	return &resp, nil
}
