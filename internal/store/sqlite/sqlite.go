// Package sqlite implements store.Store on an embedded SQLite database using
// the pure-Go modernc.org/sqlite driver. The database runs in WAL mode so
// readers proceed while a batch is being written. The pool holds a single
// connection, so every write is serialized in-process before busy_timeout
// has to arbitrate.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/store"
)

const busyTimeoutMs = 5000

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed store.Store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db, logger: logger.With(zap.String("component", "sqlite-store"))}, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBatch implements store.Store.
func (s *Store) CreateBatch(ctx context.Context, description *string) (domain.Batch, error) {
	b := domain.Batch{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_batches (batch_id, created_at, description) VALUES (?, ?, ?)`,
		b.ID, b.CreatedAt.Format(timeLayout), description)
	if err != nil {
		return domain.Batch{}, store.Wrap("create batch", err)
	}
	return b, nil
}

// ResolvePromptIDs implements store.Store. Inserts race through the UNIQUE
// constraint on prompt_text; the losing insert is ignored and the winner's
// ID is read back.
func (s *Store) ResolvePromptIDs(ctx context.Context, prompts []string) (map[string]string, error) {
	ids := make(map[string]string, len(prompts))
	for _, p := range store.UniquePrompts(prompts) {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO test_prompts (prompt_id, prompt_text) VALUES (?, ?)
			 ON CONFLICT(prompt_text) DO NOTHING`,
			uuid.NewString(), p)
		if err != nil {
			return nil, store.Wrap("resolve prompts", err)
		}

		var id string
		err = s.db.QueryRowContext(ctx,
			`SELECT prompt_id FROM test_prompts WHERE prompt_text = ?`, p).Scan(&id)
		if err != nil {
			return nil, store.Wrap("resolve prompts", err)
		}
		ids[p] = id
	}
	return ids, nil
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generated_images
			(image_id, batch_id, prompt_id, iteration, image_data, similarity_score, objective_evaluation, feedback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, batchID, r.PromptID, r.Iteration, r.ArtifactData, r.SimilarityScore, eval, r.Feedback)
	return err
}

// LoadBatch implements store.Store. Rows whose stored evaluation cannot be
// decoded are skipped with a warning.
func (s *Store) LoadBatch(ctx context.Context, batchID string) (domain.Batch, []domain.IterationResult, error) {
	var (
		b         domain.Batch
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, created_at, description FROM evaluation_batches WHERE batch_id = ?`, batchID).
		Scan(&b.ID, &createdAt, &b.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, nil, store.NotFound(batchID)
	}
	if err != nil {
		return domain.Batch{}, nil, store.Wrap("load batch", err)
	}
	if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return domain.Batch{}, nil, store.Wrap("load batch", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.image_id, g.prompt_id, p.prompt_text, g.iteration, g.image_data,
		        g.similarity_score, g.objective_evaluation, g.feedback
		 FROM generated_images g
		 JOIN test_prompts p ON p.prompt_id = g.prompt_id
		 WHERE g.batch_id = ?
		 ORDER BY p.prompt_text, g.iteration`, batchID)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.batch_id, b.created_at, b.description, COUNT(g.image_id)
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
			sum       domain.BatchSummary
			createdAt string
		)
		if err := rows.Scan(&sum.BatchID, &createdAt, &sum.Description, &sum.ResultCount); err != nil {
			return nil, store.Wrap("list batches", err)
		}
		if sum.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, store.Wrap("list batches", err)
		}
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_metrics
			(batch_id, avg_similarity_score, avg_objective_score, technical_issues_frequency, recorded_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id) DO UPDATE SET
			avg_similarity_score = excluded.avg_similarity_score,
			avg_objective_score = excluded.avg_objective_score,
			technical_issues_frequency = excluded.technical_issues_frequency,
			recorded_at = excluded.recorded_at`,
		batchID, m.AvgSimilarityScore, m.AvgObjectiveScore, freq, time.Now().UTC().Format(timeLayout))
	return store.Wrap("record metrics", err)
}
