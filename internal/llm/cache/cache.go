// Package cache provides Redis-backed response caching for provider calls
// that are deterministic in their input, such as prompt breakdowns run at
// temperature zero. Concurrent misses for one key are collapsed by a short
// lease so a batch with many iterations of one prompt pays for one call.
// Redis failures degrade to uncached operation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/llm/transport"
)

const (
	keyPrefix         = "imgjudge:llm:"
	leaseTimeout      = 30 * time.Second
	leaseWaitInterval = 100 * time.Millisecond
	leaseWaitAttempts = 20
	cleanupTimeout    = 5 * time.Second
	defaultTTL        = 24 * time.Hour
)

// Key derives a cache key from the parts that determine a response.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"stored_at"`
}

// Stats counts cache outcomes.
type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// Cache is the caching middleware.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// New creates a cache over client. A nil client yields a pass-through cache.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With(zap.String("component", "cache"))}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errors.Load()}
}

// Middleware returns the transport middleware. Only requests with a
// CacheKey are cached, and only 2xx responses are stored.
func (c *Cache) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if c.client == nil || req.CacheKey == "" {
				return next.Handle(ctx, req)
			}
			key := keyPrefix + string(req.Operation) + ":" + req.CacheKey
			leaseKey := key + ":lease"

			if resp, err := c.get(ctx, key); err == nil {
				c.hits.Add(1)
				return resp, nil
			} else if !errors.Is(err, redis.Nil) {
				return c.degrade(ctx, next, req, err)
			}
			c.misses.Add(1)

			acquired, err := c.client.SetNX(ctx, leaseKey, 1, leaseTimeout).Result()
			if err != nil {
				return c.degrade(ctx, next, req, err)
			}
			if !acquired {
				if resp, ok := c.awaitLeaseHolder(ctx, key); ok {
					return resp, nil
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
			} else {
				defer c.release(leaseKey)
				// The previous holder may have stored the response between
				// our miss and the lease.
				if resp, err := c.get(ctx, key); err == nil {
					return resp, nil
				}
			}

			resp, err := next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.OK() {
				if setErr := c.set(ctx, key, resp); setErr != nil {
					c.errors.Add(1)
					c.logger.Warn("cache set error", zap.Error(setErr))
				}
			}
			return resp, nil
		})
	}
}

func (c *Cache) degrade(ctx context.Context, next transport.Handler, req *transport.Request, err error) (*transport.Response, error) {
	c.errors.Add(1)
	c.logger.Warn("cache unavailable, bypassing", zap.Error(err))
	return next.Handle(ctx, req)
}

// awaitLeaseHolder polls for the response being produced by another caller.
func (c *Cache) awaitLeaseHolder(ctx context.Context, key string) (*transport.Response, bool) {
	for i := 0; i < leaseWaitAttempts; i++ {
		timer := time.NewTimer(leaseWaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		if resp, err := c.get(ctx, key); err == nil {
			c.hits.Add(1)
			return resp, true
		}
	}
	return nil, false
}

func (c *Cache) release(leaseKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.client.Del(ctx, leaseKey).Err(); err != nil {
		c.logger.Warn("lease cleanup error", zap.Error(err))
	}
}

func (c *Cache) get(ctx context.Context, key string) (*transport.Response, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt entries are dropped and treated as misses.
		c.client.Del(ctx, key)
		return nil, redis.Nil
	}
	return &transport.Response{StatusCode: e.StatusCode, Body: e.Body, Cached: true}, nil
}

func (c *Cache) set(ctx context.Context, key string, resp *transport.Response) error {
	raw, err := json.Marshal(entry{StatusCode: resp.StatusCode, Body: resp.Body, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}
