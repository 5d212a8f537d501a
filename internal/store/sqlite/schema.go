package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS evaluation_batches (
	batch_id    TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS test_prompts (
	prompt_id   TEXT PRIMARY KEY,
	prompt_text TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS generated_images (
	image_id             TEXT PRIMARY KEY,
	batch_id             TEXT NOT NULL REFERENCES evaluation_batches(batch_id),
	prompt_id            TEXT NOT NULL REFERENCES test_prompts(prompt_id),
	iteration            INTEGER NOT NULL,
	image_data           TEXT NOT NULL,
	similarity_score     REAL,
	objective_evaluation TEXT,
	feedback             TEXT
);

CREATE INDEX IF NOT EXISTS idx_generated_images_batch ON generated_images(batch_id);

CREATE TABLE IF NOT EXISTS batch_metrics (
	batch_id                   TEXT PRIMARY KEY REFERENCES evaluation_batches(batch_id),
	avg_similarity_score       REAL NOT NULL,
	avg_objective_score        REAL NOT NULL,
	technical_issues_frequency TEXT NOT NULL,
	recorded_at                TEXT NOT NULL
);
`
