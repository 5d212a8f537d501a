// Package ratelimit throttles provider calls. A local token bucket per
// provider bounds each process; an optional Redis fixed window bounds all
// processes sharing a provider account. Calls wait for capacity instead of
// failing, so a burst of iterations is smoothed rather than rejected.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	llmerrors "github.com/ahrav/go-imgjudge/internal/llm/errors"
	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

const (
	windowMs                = 1000
	minGlobalBackoff        = 10 * time.Millisecond
	defaultRecoveryInterval = 30 * time.Second
)

// Config sets limits per provider. Zero RequestsPerSecond disables the local
// bucket; zero GlobalRequestsPerSecond disables the shared window.
type Config struct {
	RequestsPerSecond       float64 `yaml:"requests_per_second"`
	Burst                   int     `yaml:"burst"`
	GlobalRequestsPerSecond int     `yaml:"global_requests_per_second"`

	// RecoveryInterval is how long the shared window is skipped after a
	// Redis failure before it is tried again. Zero means 30s.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// fixedWindow admits up to ARGV[2] calls per ARGV[1] ms window. It returns
// {1, remaining} when admitted and {0, ttl_ms} when the window is full.
var fixedWindow = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		if redis.call('PTTL', key) == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end
	return {0, redis.call('PTTL', key)}
`)

type limiter struct {
	cfg    Config
	client *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter

	// degradedUntil is the unix nano time before which the shared window
	// is skipped.
	degradedUntil atomic.Int64
}

// New returns rate limiting middleware. client may be nil, in which case
// only local limits apply.
func New(cfg Config, client *redis.Client, logger *zap.Logger) transport.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &limiter{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "ratelimit")),
		local:  make(map[string]*rate.Limiter),
	}
	if l.cfg.RecoveryInterval <= 0 {
		l.cfg.RecoveryInterval = defaultRecoveryInterval
	}
	return l.middleware
}

func (l *limiter) middleware(next transport.Handler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if err := l.waitLocal(ctx, req.Provider); err != nil {
			return nil, err
		}
		if err := l.waitGlobal(ctx, req.Provider); err != nil {
			return nil, err
		}
		return next.Handle(ctx, req)
	})
}

func (l *limiter) limiterFor(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[provider]
	if !ok {
		burst := l.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), burst)
		l.local[provider] = lim
	}
	return lim
}

func (l *limiter) waitLocal(ctx context.Context, provider string) error {
	if l.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if err := l.limiterFor(provider).Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", llmerrors.ErrRateLimitExceeded, provider, err)
	}
	return nil
}

// waitGlobal blocks until the shared window admits the call. A Redis
// failure switches the limiter to local-only operation for
// RecoveryInterval; the first call after that tries Redis again.
func (l *limiter) waitGlobal(ctx context.Context, provider string) error {
	limit := l.cfg.GlobalRequestsPerSecond
	if l.client == nil || limit <= 0 {
		return nil
	}
	if until := l.degradedUntil.Load(); until != 0 {
		if time.Now().UnixNano() < until {
			return nil
		}
		if l.degradedUntil.CompareAndSwap(until, 0) {
			l.logger.Info("retrying global rate limit")
		}
	}

	key := "rl:global:" + provider
	for {
		res, err := fixedWindow.Run(ctx, l.client, []string{key}, windowMs, limit).Int64Slice()
		if err != nil || len(res) < 2 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("global rate limit unavailable, continuing with local limits",
				zap.Duration("retry_in", l.cfg.RecoveryInterval),
				zap.Error(err))
			l.degradedUntil.Store(time.Now().Add(l.cfg.RecoveryInterval).UnixNano())
			return nil
		}
		if res[0] == 1 {
			return nil
		}

		backoff := time.Duration(res[1]) * time.Millisecond
		if backoff < minGlobalBackoff {
			backoff = minGlobalBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", llmerrors.ErrRateLimitExceeded, provider, ctx.Err())
		case <-timer.C:
		}
	}
}
