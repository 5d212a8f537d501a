// Package storetest holds the behavioral suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndLoadEmptyBatch", testCreateAndLoadEmptyBatch},
		{"LoadUnknownBatch", testLoadUnknownBatch},
		{"ResolvePromptIDsStable", testResolvePromptIDsStable},
		{"ResolvePromptIDsConcurrent", testResolvePromptIDsConcurrent},
		{"PersistAndLoadRoundTrip", testPersistAndLoadRoundTrip},
		{"PersistResultsIndependent", testPersistResultsIndependent},
		{"ListBatches", testListBatches},
		{"RecordMetrics", testRecordMetrics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func strPtr(s string) *string   { return &s }
func f64Ptr(v float64) *float64 { return &v }

// NewResult builds a fully scored result for prompt text/id.
func NewResult(promptID, prompt string, iteration int, similarity, overall float64) domain.IterationResult {
	return domain.IterationResult{
		ID:              uuid.NewString(),
		PromptID:        promptID,
		Prompt:          prompt,
		Iteration:       iteration,
		ArtifactData:    "aGVsbG8=",
		SimilarityScore: f64Ptr(similarity),
		ObjectiveEvaluation: &domain.ObjectiveEvaluation{
			RequiredElements:  []domain.ElementPresence{{Element: "cat", Present: true, Details: "center"}},
			CompositionIssues: []string{},
			TechnicalIssues:   []string{"slight blur"},
			StyleMatch:        true,
			OverallScore:      overall,
			EvaluationNotes:   "fine",
		},
		Feedback: strPtr("A cat sitting on a mat."),
	}
}

func testCreateAndLoadEmptyBatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, strPtr("nightly"))
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, time.UTC, b.CreatedAt.Location())

	got, results, err := s.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	require.NotNil(t, got.Description)
	assert.Equal(t, "nightly", *got.Description)
	assert.WithinDuration(t, b.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Empty(t, results)

	anon, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, anon.ID)
	got, _, err = s.LoadBatch(ctx, anon.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Description)
}

func testLoadUnknownBatch(t *testing.T, s store.Store) {
	_, _, err := s.LoadBatch(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrStorage)
}

func testResolvePromptIDsStable(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.ResolvePromptIDs(ctx, []string{"A red cat", "A blue dog", "A red cat"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotEqual(t, first["A red cat"], first["A blue dog"])

	second, err := s.ResolvePromptIDs(ctx, []string{"A blue dog", "A green frog"})
	require.NoError(t, err)
	assert.Equal(t, first["A blue dog"], second["A blue dog"])
	assert.NotEmpty(t, second["A green frog"])
}

func testResolvePromptIDsConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	prompts := []string{"p1", "p2", "p3", "p4"}

	const workers = 8
	got := make([]map[string]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = s.ResolvePromptIDs(ctx, prompts)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, got[0], got[i], "worker %d resolved different ids", i)
	}
}

func testPersistAndLoadRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	ids, err := s.ResolvePromptIDs(ctx, []string{"A red cat", "A blue dog"})
	require.NoError(t, err)

	// Written deliberately out of order.
	want := []domain.IterationResult{
		NewResult(ids["A red cat"], "A red cat", 1, 81, 0.7),
		NewResult(ids["A blue dog"], "A blue dog", 1, 62, 0.5),
		NewResult(ids["A red cat"], "A red cat", 0, 80, 0.9),
		NewResult(ids["A blue dog"], "A blue dog", 0, 60, 0.4),
	}
	require.NoError(t, s.PersistResults(ctx, b.ID, want))

	_, got, err := s.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)

	for i := range want {
		want[i].BatchID = b.ID
	}
	expected := []domain.IterationResult{want[3], want[1], want[2], want[0]}
	if diff := cmp.Diff(expected, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("LoadBatch results mismatch (-want +got):\n%s", diff)
	}
}

func testPersistResultsIndependent(t *testing.T, s store.Store) {
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	ids, err := s.ResolvePromptIDs(ctx, []string{"ok"})
	require.NoError(t, err)

	results := []domain.IterationResult{
		NewResult(ids["ok"], "ok", 0, 50, 0.5),
		NewResult(uuid.NewString(), "orphan", 0, 50, 0.5),
		NewResult(ids["ok"], "ok", 1, 50, 0.5),
	}
	err = s.PersistResults(ctx, b.ID, results)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)

	_, got, err := s.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2, "valid results are kept despite the failed write")
}

func testListBatches(t *testing.T, s store.Store) {
	ctx := context.Background()

	older, err := s.CreateBatch(ctx, strPtr("older"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)

	ids, err := s.ResolvePromptIDs(ctx, []string{"x"})
	require.NoError(t, err)
	require.NoError(t, s.PersistResults(ctx, older.ID, []domain.IterationResult{
		NewResult(ids["x"], "x", 0, 1, 0.1),
		NewResult(ids["x"], "x", 1, 1, 0.1),
		NewResult(ids["x"], "x", 2, 1, 0.1),
	}))

	list, err := s.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, newer.ID, list[0].BatchID)
	assert.Equal(t, 0, list[0].ResultCount)
	assert.Nil(t, list[0].Description)

	assert.Equal(t, older.ID, list[1].BatchID)
	assert.Equal(t, 3, list[1].ResultCount)
	require.NotNil(t, list[1].Description)
	assert.Equal(t, "older", *list[1].Description)
}

func testRecordMetrics(t *testing.T, s store.Store) {
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)

	m := domain.BatchMetrics{
		AvgSimilarityScore:       70,
		AvgObjectiveScore:        0.6,
		TechnicalIssuesFrequency: map[domain.IssueCategory]int{domain.CategoryClarity: 2},
	}
	require.NoError(t, s.RecordMetrics(ctx, b.ID, m))
	m.AvgObjectiveScore = 0.7
	require.NoError(t, s.RecordMetrics(ctx, b.ID, m), "recording again replaces the snapshot")
}
