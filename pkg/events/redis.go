package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the Redis stream events are appended to.
	DefaultStream = "imgjudge:events"

	// defaultMaxLen caps the stream length; older entries are trimmed
	// approximately.
	defaultMaxLen = 10000

	dedupTTL = 24 * time.Hour
)

// RedisStreamSink appends envelopes to a Redis stream with XADD. Envelopes
// whose idempotency key was already seen within a day are dropped.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream. An empty stream name
// selects DefaultStream.
func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Append implements EventSink.
func (s *RedisStreamSink) Append(ctx context.Context, env Envelope) error {
	if env.IdempotencyKey != "" {
		fresh, err := s.client.SetNX(ctx, s.dedupKey(env.IdempotencyKey), 1, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("event dedup check: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":     env.Type,
			"batch_id": env.BatchID,
			"envelope": string(body),
		},
	}).Err()
	if err != nil {
		// Release the dedup marker so a retry can deliver the event.
		if env.IdempotencyKey != "" {
			s.client.Del(context.WithoutCancel(ctx), s.dedupKey(env.IdempotencyKey))
		}
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStreamSink) dedupKey(idemKey string) string {
	return s.stream + ":seen:" + idemKey
}
