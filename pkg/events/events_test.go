package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*RedisStreamSink, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStreamSink(client, ""), client, mr
}

func TestNewEnvelope(t *testing.T) {
	a, err := NewEnvelope(TypeBatchCompleted, "batch-orchestrator", "b-1", map[string]int{"results": 3})
	require.NoError(t, err)
	b, err := NewEnvelope(TypeBatchCompleted, "batch-orchestrator", "b-1", map[string]int{"results": 3})
	require.NoError(t, err)

	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey, "key must be deterministic")
	assert.Equal(t, SchemaVersion, a.Version)
	assert.JSONEq(t, `{"results":3}`, string(a.Payload))

	other, err := NewEnvelope(TypeBatchFailed, "batch-orchestrator", "b-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.IdempotencyKey, other.IdempotencyKey)

	_, err = NewEnvelope(TypeBatchFailed, "x", "b-1", make(chan int))
	assert.Error(t, err)
}

func TestRedisStreamSinkAppend(t *testing.T) {
	ctx := context.Background()
	sink, client, _ := newTestSink(t)

	env, err := NewEnvelope(TypeMetricsComputed, "aggregation", "b-42", map[string]float64{"avg": 0.5})
	require.NoError(t, err)

	require.NoError(t, sink.Append(ctx, env))
	// Duplicate emission is dropped.
	require.NoError(t, sink.Append(ctx, env))

	entries, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, TypeMetricsComputed, entries[0].Values["type"])
	assert.Equal(t, "b-42", entries[0].Values["batch_id"])

	var got Envelope
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["envelope"].(string)), &got))
	assert.Equal(t, env.IdempotencyKey, got.IdempotencyKey)
}

func TestRedisStreamSinkUnavailable(t *testing.T) {
	sink, _, mr := newTestSink(t)
	mr.Close()

	env, err := NewEnvelope(TypeBatchStarted, "batch-orchestrator", "b-1", nil)
	require.NoError(t, err)
	assert.Error(t, sink.Append(context.Background(), env))
}

func TestNoOpEventSink(t *testing.T) {
	assert.NoError(t, NewNoOpEventSink().Append(context.Background(), Envelope{}))
}
