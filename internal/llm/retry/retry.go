// Package retry re-issues provider calls that failed transiently: network
// errors, timeouts of a single attempt, 429 and 5xx responses. Backoff is
// exponential with full jitter, and a provider Retry-After header takes
// precedence when it fits the remaining budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	UseJitter       bool          `yaml:"use_jitter"`
}

// DefaultConfig returns three attempts starting at 500ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		UseJitter:       true,
	}
}

var errRetriesExhausted = errors.New("all retry attempts exhausted")

type retryMiddleware struct {
	cfg    Config
	logger *zap.Logger
}

// New returns retry middleware.
func New(cfg Config, logger *zap.Logger) transport.Middleware {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &retryMiddleware{cfg: cfg, logger: logger.With(zap.String("component", "retry"))}
	return r.middleware
}

func (r *retryMiddleware) middleware(next transport.Handler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		var lastErr error
		for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
			resp, err := next.Handle(ctx, req)

			if err == nil && !retryableStatus(resp.StatusCode) {
				if attempt > 1 {
					r.logger.Debug("request succeeded after retry",
						zap.Int("attempt", attempt),
						zap.String("provider", req.Provider),
						zap.String("operation", string(req.Operation)))
				}
				return resp, nil
			}

			if err != nil {
				if ctx.Err() != nil || !llmerrors.IsRetryable(err) {
					return nil, err
				}
				lastErr = err
			} else {
				lastErr = llmerrors.NewProviderError(req.Provider, resp.StatusCode, "", http.StatusText(resp.StatusCode), 0)
				if attempt == r.cfg.MaxAttempts {
					// Hand the final error body to the provider for decoding.
					return resp, nil
				}
			}

			if attempt == r.cfg.MaxAttempts {
				break
			}

			backoff := r.backoff(attempt, resp)
			r.logger.Debug("retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.String("provider", req.Provider),
				zap.Error(lastErr))

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", errRetriesExhausted, r.cfg.MaxAttempts, lastErr)
	})
}

// backoff computes the delay before attempt+1.
func (r *retryMiddleware) backoff(attempt int, resp *transport.Response) time.Duration {
	if resp != nil {
		if d := retryAfter(resp.Header); d > 0 {
			if r.cfg.MaxInterval <= 0 || d <= r.cfg.MaxInterval {
				return d
			}
		}
	}
	return ExponentialBackoff(attempt, r.cfg)
}

// ExponentialBackoff returns the delay after the given failed attempt.
func ExponentialBackoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := cfg.InitialInterval
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxInterval > 0 && backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
			break
		}
	}
	if cfg.UseJitter {
		return time.Duration(rand.Int64N(int64(backoff) + 1)) // #nosec G404 -- jitter
	}
	return backoff
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= llmerrors.ServerErrorStatusThreshold
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
