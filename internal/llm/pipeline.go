package llm

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/llm/cache"
	"github.com/ahrav/go-imgjudge/internal/llm/circuitbreaker"
	"github.com/ahrav/go-imgjudge/internal/llm/ratelimit"
	"github.com/ahrav/go-imgjudge/internal/llm/retry"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// PipelineConfig configures the shared provider call pipeline.
type PipelineConfig struct {
	RateLimit      ratelimit.Config
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
	CacheTTL       time.Duration

	// HTTPClient performs round trips; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Redis backs the response cache and the shared rate window. Nil
	// disables both.
	Redis *redis.Client
}

// Pipeline is an assembled call pipeline plus handles on its stateful
// stages for inspection.
type Pipeline struct {
	transport.Handler

	Cache    *cache.Cache
	Breakers *circuitbreaker.Breakers
}

// NewPipeline assembles the pipeline. Per-call stages (logging, cache,
// circuit breaker) wrap the retry loop; the rate limiter sits inside it so
// every attempt waits for capacity.
func NewPipeline(cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	core := transport.NewHTTPHandler(cfg.HTTPClient)
	attempt := transport.Chain(core, ratelimit.New(cfg.RateLimit, cfg.Redis, logger))
	retried := retry.New(cfg.Retry, logger)(attempt)

	c := cache.New(cfg.Redis, cfg.CacheTTL, logger)
	breakers := circuitbreaker.New(cfg.CircuitBreaker, logger)

	return &Pipeline{
		Handler:  transport.Chain(retried, transport.Logging(logger), c.Middleware(), breakers.Middleware()),
		Cache:    c,
		Breakers: breakers,
	}
}
