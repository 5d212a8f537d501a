package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdkworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/server"
	"github.com/ahrav/go-imgjudge/internal/worker"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			d, err := openDeps(ctx, opts.cfg, opts.logger, true)
			if err != nil {
				return err
			}
			defer d.Close()

			srv := server.New(opts.cfg.Server, d.orchestrator(opts.cfg.Batch), opts.logger,
				server.WithCapabilities(d.caps))
			return srv.Run(ctx)
		},
	}
}

type runOptions struct {
	prompts       []string
	iterations    int
	description   string
	viaTemporal   bool
	includeImages bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch and print the result as JSON",
		Long: `Runs one evaluation batch and prints the response.

Without --prompt the default prompt set is evaluated. With --temporal the
batch is submitted to the configured Temporal task queue and a worker
started with "imgjudge worker" executes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runBatch(ctx, cmd.OutOrStdout(), opts, ro)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&ro.prompts, "prompt", "p", nil, "prompt to evaluate (repeatable)")
	f.IntVarP(&ro.iterations, "iterations", "n", domain.DefaultNumIterations, "images generated per prompt")
	f.StringVarP(&ro.description, "description", "d", "", "batch description")
	f.BoolVar(&ro.viaTemporal, "temporal", false, "run the batch as a Temporal workflow")
	f.BoolVar(&ro.includeImages, "include-images", false, "keep base64 image data in the output")
	return cmd
}

func runBatch(ctx context.Context, out io.Writer, opts *rootOptions, ro *runOptions) error {
	req := domain.NewEvaluationRequest(ro.description, ro.prompts...)
	req.NumIterations = ro.iterations
	if err := req.Validate(); err != nil {
		return err
	}

	var (
		resp *domain.EvaluationResponse
		err  error
	)
	if ro.viaTemporal {
		c, derr := worker.Dial(opts.cfg.Temporal, opts.logger)
		if derr != nil {
			return derr
		}
		defer c.Close()
		resp, err = worker.StartBatch(ctx, c, opts.cfg.Temporal, req)
	} else {
		d, derr := openDeps(ctx, opts.cfg, opts.logger, true)
		if derr != nil {
			return derr
		}
		defer d.Close()
		resp, err = d.orchestrator(opts.cfg.Batch).RunBatch(ctx, req)
	}
	if err != nil {
		return err
	}

	if !ro.includeImages {
		for i := range resp.Results {
			resp.Results[i].ArtifactData = ""
		}
	}
	return writeJSON(out, resp)
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker executing batch workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(cmd.Context(), opts.cfg, opts.logger, true)
			if err != nil {
				return err
			}
			defer d.Close()

			c, err := worker.Dial(opts.cfg.Temporal, opts.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			w := worker.New(c, opts.cfg.Temporal, d.orchestrator(opts.cfg.Batch), d.sink)
			opts.logger.Info("worker started",
				zap.String("task_queue", opts.cfg.Temporal.TaskQueue),
				zap.String("namespace", opts.cfg.Temporal.Namespace))
			return w.Run(sdkworker.InterruptCh())
		},
	}
}

func newBatchesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List stored batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(cmd.Context(), opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer d.Close()

			list, err := d.orchestrator(opts.cfg.Batch).ListBatches(cmd.Context())
			if err != nil {
				return err
			}
			if list == nil {
				list = []domain.BatchSummary{}
			}
			return writeJSON(cmd.OutOrStdout(), list)
		},
	}

	var includeImages bool
	show := &cobra.Command{
		Use:   "show BATCH_ID",
		Short: "Print a stored batch with recomputed metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context(), opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer d.Close()

			resp, err := d.orchestrator(opts.cfg.Batch).GetBatch(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("batch %s: %w", args[0], err)
			}
			if !includeImages {
				for i := range resp.Results {
					resp.Results[i].ArtifactData = ""
				}
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	show.Flags().BoolVar(&includeImages, "include-images", false, "keep base64 image data in the output")
	cmd.AddCommand(show)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
