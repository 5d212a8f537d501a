package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/store"
	"github.com/ahrav/go-imgjudge/internal/store/storetest"
)

func openTestStore(t *testing.T, logger *zap.Logger) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "imgjudge.db"), logger)
	require.NoError(t, err)
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t, nil) })
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "imgjudge.db")

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, _, err := reopened.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestLoadBatchSkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	s := openTestStore(t, zap.New(core))
	defer s.Close()

	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	ids, err := s.ResolvePromptIDs(ctx, []string{"p"})
	require.NoError(t, err)
	require.NoError(t, s.PersistResults(ctx, b.ID, []domain.IterationResult{
		storetest.NewResult(ids["p"], "p", 0, 10, 0.1),
		storetest.NewResult(ids["p"], "p", 1, 20, 0.2),
	}))

	_, err = s.db.ExecContext(ctx,
		`UPDATE generated_images SET objective_evaluation = '{not json' WHERE iteration = 1`)
	require.NoError(t, err)

	_, results, err := s.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Iteration)
	assert.Equal(t, 1, logs.FilterMessage("skipping result with undecodable evaluation").Len())
}

func TestRecordMetricsUnknownBatch(t *testing.T) {
	s := openTestStore(t, nil)
	defer s.Close()

	err := s.RecordMetrics(context.Background(), "missing", domain.BatchMetrics{})
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestOpenUsesSingleWriterConnection(t *testing.T) {
	s := openTestStore(t, nil)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, 1, s.db.Stats().MaxOpenConnections)

	ctx := context.Background()
	b, err := s.CreateBatch(ctx, nil)
	require.NoError(t, err)
	ids, err := s.ResolvePromptIDs(ctx, []string{"A red cat"})
	require.NoError(t, err)

	results := make([]domain.IterationResult, 20)
	for i := range results {
		score := 50.0
		results[i] = domain.IterationResult{PromptID: ids["A red cat"], Iteration: i, SimilarityScore: &score}
	}

	errc := make(chan error, 2)
	for half := range 2 {
		go func() { errc <- s.PersistResults(ctx, b.ID, results[half*10:(half+1)*10]) }()
	}
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	_, got, err := s.LoadBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}
