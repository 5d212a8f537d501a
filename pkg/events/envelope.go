// Package events provides the event infrastructure used to announce batch
// lifecycle milestones to downstream consumers. It defines the Envelope
// wrapper, the EventSink interface, and sink implementations.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the orchestrator and activities.
const (
	TypeBatchStarted    = "batch.started"
	TypeBatchCompleted  = "batch.completed"
	TypeBatchFailed     = "batch.failed"
	TypeMetricsComputed = "metrics.computed"
)

// SchemaVersion is the payload schema version stamped on every envelope.
const SchemaVersion = "1.0.0"

// Envelope wraps an event payload with routing and idempotency metadata.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing, e.g. "batch.completed".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "batch-orchestrator".
	Source string `json:"source"`

	// Version enables payload schema evolution.
	Version string `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is derived from the batch and event type so that
	// retried emissions collapse into one event downstream.
	IdempotencyKey string `json:"idempotency_key"`

	BatchID string `json:"batch_id"`

	// WorkflowID and RunID are set when the event originates in a Temporal
	// activity; they are empty for direct orchestrator runs.
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope for batchID with payload marshaled to JSON.
// The ID and idempotency key are deterministic in (eventType, batchID).
func NewEnvelope(eventType, source, batchID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	key := uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventType+":"+batchID)).String()
	return Envelope{
		ID:             key,
		Type:           eventType,
		Source:         source,
		Version:        SchemaVersion,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: key,
		BatchID:        batchID,
		Payload:        raw,
	}, nil
}

// EventSink emits events to downstream consumers.
//
// Append is best-effort: callers never fail their primary operation because
// an event could not be delivered.
type EventSink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil
}

// NewNoOpEventSink creates a sink that discards events.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}
