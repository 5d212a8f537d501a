package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ahrav/go-imgjudge/internal/config"
)

// rootOptions holds the persistent flags and the state PersistentPreRunE
// derives from them.
type rootOptions struct {
	configPath  string
	verbose     bool
	storeDriver string
	storeURI    string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "imgjudge",
		Short:         "Generate images for prompts and score them in batches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.storeDriver, "store-driver", "", "override store.driver (sqlite, postgres, memory)")
	flags.StringVar(&opts.storeURI, "store-uri", "", "override store.uri")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newWorkerCmd(opts),
		newBatchesCmd(opts),
	)
	return root
}

func (o *rootOptions) init() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.storeDriver != "" {
		cfg.Store.Driver = o.storeDriver
	}
	if o.storeURI != "" {
		cfg.Store.URI = o.storeURI
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	zcfg := zap.NewProductionConfig()
	if o.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	o.logger = logger
	return nil
}
