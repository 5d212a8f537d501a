package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/config"
	"github.com/ahrav/go-imgjudge/internal/llm"
	"github.com/ahrav/go-imgjudge/internal/llm/providers"
	"github.com/ahrav/go-imgjudge/internal/store"
	"github.com/ahrav/go-imgjudge/internal/store/memstore"
	"github.com/ahrav/go-imgjudge/internal/store/postgres"
	"github.com/ahrav/go-imgjudge/internal/store/sqlite"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

// deps are the long-lived resources a command runs on.
type deps struct {
	store  store.Store
	redis  *redis.Client
	sink   events.EventSink
	caps   llm.Capabilities
	logger *zap.Logger
}

func (d *deps) Close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}

// orchestrator builds a batch orchestrator over d.
func (d *deps) orchestrator(cfg batch.Config) *batch.Orchestrator {
	return batch.NewOrchestrator(cfg, d.store, d.caps,
		batch.WithEventSink(d.sink),
		batch.WithLogger(d.logger))
}

// openDeps opens the store and Redis. When withProviders is set it also
// builds the provider capabilities, which needs API keys.
func openDeps(ctx context.Context, cfg config.Config, logger *zap.Logger, withProviders bool) (*deps, error) {
	d := &deps{logger: logger, sink: events.NewNoOpEventSink()}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	d.store = st

	if cfg.Redis.Enabled() {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			// Cache and shared rate limits degrade without Redis.
			logger.Warn("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}
	if cfg.Events.Sink == config.SinkRedis && d.redis != nil {
		d.sink = events.NewRedisStreamSink(d.redis, cfg.Events.Stream)
	}

	if withProviders {
		caps, err := buildCapabilities(ctx, cfg, d.redis, logger)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.caps = caps
	}
	return d, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.URI, logger)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.URI, logger)
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// capabilitySet is what each provider offers.
type capabilitySet interface {
	llm.Generator
	llm.SimilarityScorer
	llm.Rater
	llm.Captioner
}

func buildCapabilities(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *zap.Logger) (llm.Capabilities, error) {
	if err := cfg.RequireKeys(); err != nil {
		return llm.Capabilities{}, err
	}

	pipeline := llm.NewPipeline(llm.PipelineConfig{
		RateLimit:      cfg.Pipeline.RateLimit,
		Retry:          cfg.Pipeline.Retry,
		CircuitBreaker: cfg.Pipeline.CircuitBreaker,
		CacheTTL:       cfg.Pipeline.CacheTTL,
		Redis:          rdb,
	}, logger)

	available := make(map[string]capabilitySet, 2)
	if cfg.Providers.Uses(providers.ProviderOpenAI) {
		available[providers.ProviderOpenAI] = providers.NewOpenAI(cfg.Providers.OpenAI, pipeline)
	}
	if cfg.Providers.Uses(providers.ProviderGoogle) {
		g, err := providers.NewGoogle(ctx, cfg.Providers.Google, pipeline)
		if err != nil {
			return llm.Capabilities{}, fmt.Errorf("google provider: %w", err)
		}
		available[providers.ProviderGoogle] = g
	}

	caps := llm.Capabilities{
		Generator:  available[cfg.Providers.Generator],
		Similarity: available[cfg.Providers.Similarity],
		Rater:      available[cfg.Providers.Rater],
		Captioner:  available[cfg.Providers.Captioner],
	}
	return caps, caps.Validate()
}
