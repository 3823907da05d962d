package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobflow/logger"
	"jobflow/models"
)

const postingsSchema = `
CREATE TABLE IF NOT EXISTS postings (
	posting_url      TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	company          TEXT NOT NULL DEFAULT '',
	city             TEXT NOT NULL DEFAULT '',
	region           TEXT NOT NULL DEFAULT '',
	country          TEXT NOT NULL DEFAULT '',
	is_remote        BOOLEAN NOT NULL DEFAULT FALSE,
	location_raw     TEXT NOT NULL DEFAULT '',
	salary_min       INTEGER,
	salary_max       INTEGER,
	salary_currency  TEXT NOT NULL DEFAULT 'unspecified',
	employment_type  TEXT NOT NULL DEFAULT 'unspecified',
	description      TEXT NOT NULL DEFAULT '',
	source_ids       TEXT[] NOT NULL DEFAULT '{}',
	posted_at        TIMESTAMPTZ,
	collected_at     TIMESTAMPTZ NOT NULL,
	fingerprint      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postings_fingerprint ON postings (fingerprint);
CREATE INDEX IF NOT EXISTS idx_postings_collected_at ON postings (collected_at);

CREATE TABLE IF NOT EXISTS batch_runs (
	run_id             TEXT PRIMARY KEY,
	started_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ,
	sources_attempted  INTEGER NOT NULL,
	postings_collected INTEGER NOT NULL,
	duplicates_removed INTEGER NOT NULL,
	imported           INTEGER NOT NULL,
	errors             JSONB NOT NULL DEFAULT '{}',
	degraded           BOOLEAN NOT NULL DEFAULT FALSE,
	degraded_reason    TEXT NOT NULL DEFAULT ''
);
`

// upsertPosting refreshes an existing posting only when the incoming
// record was collected at the same time or later; collected_at never
// moves backwards.
const upsertPosting = `
INSERT INTO postings (
	posting_url, title, company, city, region, country, is_remote,
	location_raw, salary_min, salary_max, salary_currency,
	employment_type, description, source_ids, posted_at, collected_at,
	fingerprint
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (posting_url) DO UPDATE SET
	title = EXCLUDED.title,
	company = EXCLUDED.company,
	city = EXCLUDED.city,
	region = EXCLUDED.region,
	country = EXCLUDED.country,
	is_remote = EXCLUDED.is_remote,
	location_raw = EXCLUDED.location_raw,
	salary_min = COALESCE(EXCLUDED.salary_min, postings.salary_min),
	salary_max = COALESCE(EXCLUDED.salary_max, postings.salary_max),
	salary_currency = EXCLUDED.salary_currency,
	employment_type = EXCLUDED.employment_type,
	description = EXCLUDED.description,
	source_ids = ARRAY(SELECT DISTINCT unnest(postings.source_ids || EXCLUDED.source_ids)),
	posted_at = LEAST(postings.posted_at, EXCLUDED.posted_at),
	collected_at = EXCLUDED.collected_at,
	fingerprint = EXCLUDED.fingerprint
WHERE EXCLUDED.collected_at >= postings.collected_at
`

const insertRun = `
INSERT INTO batch_runs (
	run_id, started_at, ended_at, sources_attempted, postings_collected,
	duplicates_removed, imported, errors, degraded, degraded_reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id) DO UPDATE SET
	ended_at = EXCLUDED.ended_at,
	postings_collected = EXCLUDED.postings_collected,
	duplicates_removed = EXCLUDED.duplicates_removed,
	imported = EXCLUDED.imported,
	errors = EXCLUDED.errors,
	degraded = EXCLUDED.degraded,
	degraded_reason = EXCLUDED.degraded_reason
`

// PostgresStore implements PostingStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, log: logger.GetLogger()}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store.log.WithComponent("posting_store").Info("postgres store initialized")
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postingsSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// ImportBatch upserts every posting in one transaction. The returned
// count excludes rows skipped because a newer version was already
// stored.
func (s *PostgresStore) ImportBatch(ctx context.Context, batch models.PostingBatch) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pgxBatch := &pgx.Batch{}
	for i := range batch.Entries {
		p := &batch.Entries[i]
		pgxBatch.Queue(upsertPosting,
			p.PostingURL,
			p.Title,
			p.Company,
			p.Location.City,
			p.Location.Region,
			p.Location.Country,
			p.Location.IsRemote,
			p.Location.Unparsed,
			p.Salary.Min,
			p.Salary.Max,
			p.Salary.Currency,
			string(p.EmploymentType),
			p.Description,
			p.SourceIDs,
			p.PostedAt,
			p.CollectedAt,
			p.Fingerprint,
		)
	}

	results := tx.SendBatch(ctx, pgxBatch)
	imported := 0
	var execErr error
	for range batch.Entries {
		tag, err := results.Exec()
		if err != nil {
			execErr = err
			break
		}
		imported += int(tag.RowsAffected())
	}
	if closeErr := results.Close(); closeErr != nil && execErr == nil {
		execErr = closeErr
	}
	if execErr != nil {
		return 0, fmt.Errorf("failed to upsert batch %s: %w", batch.BatchID, execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch %s: %w", batch.BatchID, err)
	}
	return imported, nil
}

// SaveRun persists the run audit record. Safe to call more than once
// per run; later calls update the counters.
func (s *PostgresStore) SaveRun(ctx context.Context, run *models.BatchRun) error {
	collected, duplicates, imported, errs := run.Snapshot()
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	var endedAt interface{}
	if !run.EndedAt.IsZero() {
		endedAt = run.EndedAt
	}

	_, err = s.pool.Exec(ctx, insertRun,
		run.RunID,
		run.StartedAt,
		endedAt,
		run.SourcesAttempted,
		collected,
		duplicates,
		imported,
		errsJSON,
		run.Degraded,
		run.DegradedReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
