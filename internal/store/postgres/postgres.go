// Package postgres implements store.Store on PostgreSQL through a pgx
// connection pool, for deployments where several orchestrators share one
// result database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS evaluation_batches (
	batch_id    UUID PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS test_prompts (
	prompt_id   UUID PRIMARY KEY,
	prompt_text TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS generated_images (
	image_id             UUID PRIMARY KEY,
	batch_id             UUID NOT NULL REFERENCES evaluation_batches(batch_id),
	prompt_id            UUID NOT NULL REFERENCES test_prompts(prompt_id),
	iteration            INTEGER NOT NULL,
	image_data           TEXT NOT NULL,
	similarity_score     DOUBLE PRECISION,
	objective_evaluation JSONB,
	feedback             TEXT
);

CREATE INDEX IF NOT EXISTS idx_generated_images_batch ON generated_images(batch_id);

CREATE TABLE IF NOT EXISTS batch_metrics (
	batch_id                   UUID PRIMARY KEY REFERENCES evaluation_batches(batch_id),
	avg_similarity_score       DOUBLE PRECISION NOT NULL,
	avg_objective_score        DOUBLE PRECISION NOT NULL,
	technical_issues_frequency JSONB NOT NULL,
	recorded_at                TIMESTAMPTZ NOT NULL
);
`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to url and applies the schema.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{pool: pool, logger: logger.With(zap.String("component", "postgres-store"))}, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateBatch implements store.Store.
func (s *Store) CreateBatch(ctx context.Context, description *string) (domain.Batch, error) {
	b := domain.Batch{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evaluation_batches (batch_id, created_at, description) VALUES ($1, $2, $3)`,
		b.ID, b.CreatedAt, description)
	if err != nil {
		return domain.Batch{}, store.Wrap("create batch", err)
	}
	return b, nil
}

// ResolvePromptIDs implements store.Store. A concurrent insert of the same
// text surfaces as a unique violation, after which the winner's ID is read.
func (s *Store) ResolvePromptIDs(ctx context.Context, prompts []string) (map[string]string, error) {
	ids := make(map[string]string, len(prompts))
	for _, p := range store.UniquePrompts(prompts) {
		id, err := s.lookupPrompt(ctx, p)
		if err == nil {
			ids[p] = id
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, store.Wrap("resolve prompts", err)
		}

		id = uuid.NewString()
		_, err = s.pool.Exec(ctx,
			`INSERT INTO test_prompts (prompt_id, prompt_text) VALUES ($1, $2)`, id, p)
		if err != nil {
			if pgErr := new(pgconn.PgError); !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
				return nil, store.Wrap("resolve prompts", err)
			}
			if id, err = s.lookupPrompt(ctx, p); err != nil {
				return nil, store.Wrap("resolve prompts", err)
			}
		}
		ids[p] = id
	}
	return ids, nil
}

func (s *Store) lookupPrompt(ctx context.Context, text string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT prompt_id::text FROM test_prompts WHERE prompt_text = $1`, text).Scan(&id)
	return id, err
}

// PersistResults implements store.Store.
func (s *Store) PersistResults(ctx context.Context, batchID string, results []domain.IterationResult) error {
	var errs []error
	for _, r := range results {
		if err := s.insertResult(ctx, batchID, r); err != nil {
			s.logger.Warn("failed to persist result",
				zap.String("batch_id", batchID),
				zap.String("prompt_id", r.PromptID),
				zap.Int("iteration", r.Iteration),
				zap.Error(err))
			errs = append(errs, store.Wrap("persist results", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) insertResult(ctx context.Context, batchID string, r domain.IterationResult) error {
	eval, err := store.EncodeEvaluation(r.ObjectiveEvaluation)
	if err != nil {
		return err
	}
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO generated_images
			(image_id, batch_id, prompt_id, iteration, image_data, similarity_score, objective_evaluation, feedback)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, batchID, r.PromptID, r.Iteration, r.ArtifactData, r.SimilarityScore, eval, r.Feedback)
	return err
}

// LoadBatch implements store.Store.
func (s *Store) LoadBatch(ctx context.Context, batchID string) (domain.Batch, []domain.IterationResult, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return domain.Batch{}, nil, store.NotFound(batchID)
	}

	var b domain.Batch
	err := s.pool.QueryRow(ctx,
		`SELECT batch_id::text, created_at, description FROM evaluation_batches WHERE batch_id = $1`, batchID).
		Scan(&b.ID, &b.CreatedAt, &b.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Batch{}, nil, store.NotFound(batchID)
	}
	if err != nil {
		return domain.Batch{}, nil, store.Wrap("load batch", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()

	rows, err := s.pool.Query(ctx,
		`SELECT g.image_id::text, g.prompt_id::text, p.prompt_text, g.iteration, g.image_data,
		        g.similarity_score, g.objective_evaluation, g.feedback
		 FROM generated_images g
		 JOIN test_prompts p ON p.prompt_id = g.prompt_id
		 WHERE g.batch_id = $1
		 ORDER BY p.prompt_text COLLATE "C", g.iteration`, batchID)
	if err != nil {
		return domain.Batch{}, nil, store.Wrap("load batch", err)
	}
	defer rows.Close()

	results := []domain.IterationResult{}
	for rows.Next() {
		r := domain.IterationResult{BatchID: batchID}
		var eval *string
		if err := rows.Scan(&r.ID, &r.PromptID, &r.Prompt, &r.Iteration, &r.ArtifactData,
			&r.SimilarityScore, &eval, &r.Feedback); err != nil {
			return domain.Batch{}, nil, store.Wrap("load batch", err)
		}
		ev, err := store.DecodeEvaluation(eval)
		if err != nil {
			s.logger.Warn("skipping result with undecodable evaluation",
				zap.String("batch_id", batchID),
				zap.String("result_id", r.ID),
				zap.Error(err))
			continue
		}
		r.ObjectiveEvaluation = ev
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return domain.Batch{}, nil, store.Wrap("load batch", err)
	}
	return b, results, nil
}

// ListBatches implements store.Store.
func (s *Store) ListBatches(ctx context.Context) ([]domain.BatchSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.batch_id::text, b.created_at, b.description, COUNT(g.image_id)
		 FROM evaluation_batches b
		 LEFT JOIN generated_images g ON g.batch_id = b.batch_id
		 GROUP BY b.batch_id
		 ORDER BY b.created_at DESC, b.batch_id`)
	if err != nil {
		return nil, store.Wrap("list batches", err)
	}
	defer rows.Close()

	out := []domain.BatchSummary{}
	for rows.Next() {
		var (
			sum   domain.BatchSummary
			count int64
		)
		if err := rows.Scan(&sum.BatchID, &sum.CreatedAt, &sum.Description, &count); err != nil {
			return nil, store.Wrap("list batches", err)
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.ResultCount = int(count)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list batches", err)
	}
	return out, nil
}

// RecordMetrics implements store.Store.
func (s *Store) RecordMetrics(ctx context.Context, batchID string, m domain.BatchMetrics) error {
	freq, err := store.EncodeFrequency(m.TechnicalIssuesFrequency)
	if err != nil {
		return store.Wrap("record metrics", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_metrics
			(batch_id, avg_similarity_score, avg_objective_score, technical_issues_frequency, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (batch_id) DO UPDATE SET
			avg_similarity_score = EXCLUDED.avg_similarity_score,
			avg_objective_score = EXCLUDED.avg_objective_score,
			technical_issues_frequency = EXCLUDED.technical_issues_frequency,
			recorded_at = EXCLUDED.recorded_at`,
		batchID, m.AvgSimilarityScore, m.AvgObjectiveScore, freq, time.Now().UTC())
	return store.Wrap("record metrics", err)
}
