// Package store defines the durable record of batches, prompts and
// iteration results. Implementations live in subpackages: sqlite for the
// embedded single-node deployment, postgres for shared deployments, and
// memstore for tests.
//
// Every implementation must be safe for concurrent use. Prompt IDs are
// stable: the same text resolves to the same ID for the lifetime of a store,
// even when two batches resolve it at the same moment.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// Store persists evaluation batches.
type Store interface {
	// CreateBatch inserts a new batch with a fresh ID and the current UTC
	// time.
	CreateBatch(ctx context.Context, description *string) (domain.Batch, error)

	// ResolvePromptIDs returns the stable ID of every prompt, inserting
	// prompts that are not yet known.
	ResolvePromptIDs(ctx context.Context, prompts []string) (map[string]string, error)

	// PersistResults writes each result independently. A failure writing one
	// result does not prevent the others; the joined error reports every
	// failed write.
	PersistResults(ctx context.Context, batchID string, results []domain.IterationResult) error

	// LoadBatch returns a batch and its results ordered by prompt text then
	// iteration. It fails with domain.ErrNotFound for an unknown batch.
	LoadBatch(ctx context.Context, batchID string) (domain.Batch, []domain.IterationResult, error)

	// ListBatches summarizes every batch, newest first.
	ListBatches(ctx context.Context) ([]domain.BatchSummary, error)

	// RecordMetrics stores a metrics snapshot for a batch, replacing any
	// earlier snapshot.
	RecordMetrics(ctx context.Context, batchID string, metrics domain.BatchMetrics) error

	Close() error
}

// Error is a storage failure tagged with the operation that produced it.
// It matches domain.ErrStorage with errors.Is.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Cause) }

func (e *Error) Unwrap() error { return e.Cause }

// Is reports domain.ErrStorage for every storage error. domain.ErrNotFound
// is reported through Unwrap when it is the cause.
func (e *Error) Is(target error) bool { return target == domain.ErrStorage }

// Wrap tags err with op. Nil stays nil, and not-found errors pass through
// untouched so callers can tell them apart from failures.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Cause: err}
}

// NotFound reports an unknown batch.
func NotFound(batchID string) error {
	return fmt.Errorf("batch %q: %w", batchID, domain.ErrNotFound)
}

// UniquePrompts returns prompts with duplicates removed, keeping first
// occurrences in order.
func UniquePrompts(prompts []string) []string {
	seen := make(map[string]struct{}, len(prompts))
	out := make([]string, 0, len(prompts))
	for _, p := range prompts {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
