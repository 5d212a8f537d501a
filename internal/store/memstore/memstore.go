// Package memstore is an in-memory store.Store used by tests and by the
// "run" command when no database is configured.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/store"
)

// Operation names accepted by FailOn.
const (
	OpCreateBatch   = "create_batch"
	OpResolve       = "resolve_prompts"
	OpPersist       = "persist_results"
	OpLoad          = "load_batch"
	OpList          = "list_batches"
	OpRecordMetrics = "record_metrics"
)

// Store keeps every record in process memory.
type Store struct {
	mu      sync.RWMutex
	batches map[string]domain.Batch
	prompts map[string]string // text -> id
	texts   map[string]string // id -> text
	results map[string][]domain.IterationResult
	metrics map[string]domain.BatchMetrics
	faults  map[string]error
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		batches: make(map[string]domain.Batch),
		prompts: make(map[string]string),
		texts:   make(map[string]string),
		results: make(map[string][]domain.IterationResult),
		metrics: make(map[string]domain.BatchMetrics),
		faults:  make(map[string]error),
		now:     time.Now,
	}
}

// FailOn makes every later call of op fail with err. A nil err clears the
// fault.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return store.Wrap(op, err)
	}
	return nil
}

// CreateBatch implements store.Store.
func (s *Store) CreateBatch(_ context.Context, description *string) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpCreateBatch); err != nil {
		return domain.Batch{}, err
	}

	b := domain.Batch{
		ID:          uuid.NewString(),
		Description: copyString(description),
		CreatedAt:   s.now().UTC(),
	}
	s.batches[b.ID] = b
	return b, nil
}

// ResolvePromptIDs implements store.Store.
func (s *Store) ResolvePromptIDs(_ context.Context, prompts []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpResolve); err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(prompts))
	for _, p := range prompts {
		id, ok := s.prompts[p]
		if !ok {
			id = uuid.NewString()
			s.prompts[p] = id
			s.texts[id] = p
		}
		ids[p] = id
	}
	return ids, nil
}

// PersistResults implements store.Store.
func (s *Store) PersistResults(_ context.Context, batchID string, results []domain.IterationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPersist); err != nil {
		return err
	}
	if _, ok := s.batches[batchID]; !ok {
		return store.Wrap(OpPersist, fmt.Errorf("batch %q does not exist", batchID))
	}

	var errs []error
	for _, r := range results {
		text, ok := s.texts[r.PromptID]
		if !ok {
			errs = append(errs, store.Wrap(OpPersist, fmt.Errorf("unknown prompt id %q", r.PromptID)))
			continue
		}
		r.Prompt = text
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.BatchID = batchID
		s.results[batchID] = append(s.results[batchID], cloneResult(r))
	}
	return errors.Join(errs...)
}

// LoadBatch implements store.Store.
func (s *Store) LoadBatch(_ context.Context, batchID string) (domain.Batch, []domain.IterationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault(OpLoad); err != nil {
		return domain.Batch{}, nil, err
	}

	b, ok := s.batches[batchID]
	if !ok {
		return domain.Batch{}, nil, store.NotFound(batchID)
	}

	stored := s.results[batchID]
	out := make([]domain.IterationResult, 0, len(stored))
	for _, r := range stored {
		out = append(out, cloneResult(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Prompt != out[j].Prompt {
			return out[i].Prompt < out[j].Prompt
		}
		return out[i].Iteration < out[j].Iteration
	})
	b.Description = copyString(b.Description)
	return b, out, nil
}

// ListBatches implements store.Store.
func (s *Store) ListBatches(_ context.Context) ([]domain.BatchSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault(OpList); err != nil {
		return nil, err
	}

	out := make([]domain.BatchSummary, 0, len(s.batches))
	for id, b := range s.batches {
		out = append(out, domain.BatchSummary{
			BatchID:     id,
			Description: copyString(b.Description),
			CreatedAt:   b.CreatedAt,
			ResultCount: len(s.results[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].BatchID < out[j].BatchID
	})
	return out, nil
}

// RecordMetrics implements store.Store.
func (s *Store) RecordMetrics(_ context.Context, batchID string, m domain.BatchMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRecordMetrics); err != nil {
		return err
	}
	if _, ok := s.batches[batchID]; !ok {
		return store.NotFound(batchID)
	}
	s.metrics[batchID] = m
	return nil
}

// Metrics returns the last recorded snapshot for batchID.
func (s *Store) Metrics(batchID string) (domain.BatchMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[batchID]
	return m, ok
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneResult(r domain.IterationResult) domain.IterationResult {
	if r.SimilarityScore != nil {
		v := *r.SimilarityScore
		r.SimilarityScore = &v
	}
	if r.ObjectiveEvaluation != nil {
		ev := *r.ObjectiveEvaluation
		ev.RequiredElements = slices.Clone(ev.RequiredElements)
		ev.CompositionIssues = slices.Clone(ev.CompositionIssues)
		ev.TechnicalIssues = slices.Clone(ev.TechnicalIssues)
		r.ObjectiveEvaluation = &ev
	}
	r.Feedback = copyString(r.Feedback)
	return r
}
