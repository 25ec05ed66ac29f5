package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"vehicle_arb/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id TEXT PRIMARY KEY,
		brand TEXT NOT NULL,
		model TEXT NOT NULL,
		min_year INTEGER NOT NULL DEFAULT 0,
		max_mileage INTEGER NOT NULL DEFAULT 0,
		target_url TEXT NOT NULL,
		target_country TEXT,
		source_url TEXT NOT NULL,
		source_country TEXT,
		updated_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payload JSONB NOT NULL,
		last_run_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ,
		last_error TEXT,
		run_id TEXT,
		execution_duration_ms BIGINT
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS study_runs (
		id TEXT PRIMARY KEY,
		run_type TEXT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		total_studies INTEGER NOT NULL DEFAULT 0,
		null_count INTEGER NOT NULL DEFAULT 0,
		opportunities_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		price_diff_threshold_eur DOUBLE PRECISION,
		last_heartbeat_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS study_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES study_runs(id),
		study_id TEXT NOT NULL,
		status TEXT NOT NULL,
		target_market_price DOUBLE PRECISION,
		best_source_price DOUBLE PRECISION,
		price_difference DOUBLE PRECISION,
		target_stats JSONB,
		error_reason TEXT,
		decision_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, study_id)
	);

	CREATE TABLE IF NOT EXISTS market_listings (
		id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL REFERENCES study_results(id),
		listing_url TEXT NOT NULL,
		title TEXT,
		price DOUBLE PRECISION,
		price_eur DOUBLE PRECISION,
		mileage INTEGER,
		year INTEGER,
		trim TEXT,
		fingerprint TEXT,
		status TEXT NOT NULL DEFAULT 'NEW',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (listing_url, result_id)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		level TEXT,
		message TEXT,
		study_id TEXT
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Jobs
// =============================================================================

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	payload, err := job.PayloadJSON()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, created_at, scheduled_at, status, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.CreatedAt, job.ScheduledAt, string(job.Status), string(payload))
	return err
}

func scanPostgresJob(row pgx.Row) (*models.Job, error) {
	var (
		job              models.Job
		status           string
		payload          []byte
		lastError, runID *string
		duration         *int64
	)
	if err := row.Scan(&job.ID, &job.CreatedAt, &job.ScheduledAt, &status, &payload,
		&job.LastRunAt, &job.LastHeartbeatAt, &lastError, &runID, &duration); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if runID != nil {
		job.RunID = *runID
	}
	if duration != nil {
		job.ExecutionDurationMS = *duration
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, id
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id, runID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'running', run_id = $1, last_run_at = $2, last_heartbeat_at = $2, last_error = NULL
		WHERE id = $3 AND status = 'pending'`,
		runID, now, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) HeartbeatJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET last_heartbeat_at = $1 WHERE id = $2 AND status = 'running'`, now, id)
	return err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = 'completed', execution_duration_ms = $1
		WHERE id = $2 AND status = 'running'`, duration.Milliseconds(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id, message string, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = 'failed', last_error = $1, execution_duration_ms = $2
		WHERE id = $3 AND status = 'running'`, message, duration.Milliseconds(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = 'cancelled' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RescheduleJob(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET scheduled_at = $1 WHERE id = $2 AND status = 'pending'`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReapStaleJobs flips stale running jobs to failed in one statement and
// fails the runs they own in the same transaction.
func (s *PostgresStore) ReapStaleJobs(ctx context.Context, staleBefore, startedBefore time.Time, message string) ([]models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed', last_error = $1,
			execution_duration_ms = (EXTRACT(EPOCH FROM (NOW() - COALESCE(last_run_at, NOW()))) * 1000)::BIGINT
		WHERE status = 'running'
		  AND (COALESCE(last_heartbeat_at, last_run_at, created_at) < $2 OR last_run_at < $3)
		RETURNING `+jobColumns, message, staleBefore, startedBefore)
	if err != nil {
		return nil, err
	}
	var reaped []models.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reaped = append(reaped, *job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runIDs := make([]string, 0, len(reaped))
	for _, job := range reaped {
		if job.RunID != "" {
			runIDs = append(runIDs, job.RunID)
		}
	}
	if len(runIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE study_runs SET status = 'failed' WHERE id = ANY($1) AND status = 'running'`, runIDs); err != nil {
			return nil, err
		}
	}
	return reaped, tx.Commit(ctx)
}

// =============================================================================
// Runs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.ExecutedAt.IsZero() {
		run.ExecutedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO study_runs (id, run_type, executed_at, status, total_studies, null_count,
			opportunities_count, blocked_count, price_diff_threshold_eur, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $3)`,
		run.ID, string(run.RunType), run.ExecutedAt, string(run.Status), run.TotalStudies, run.NullCount,
		run.OpportunitiesCount, run.BlockedCount, run.PriceDiffThresholdEUR)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var (
		run             models.Run
		runType, status string
		threshold       *float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_type, executed_at, status, total_studies, null_count, opportunities_count,
			blocked_count, price_diff_threshold_eur, last_heartbeat_at
		FROM study_runs WHERE id = $1`, id).Scan(
		&run.ID, &runType, &run.ExecutedAt, &status, &run.TotalStudies, &run.NullCount,
		&run.OpportunitiesCount, &run.BlockedCount, &threshold, &run.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.RunType = models.RunType(runType)
	run.Status = models.RunStatus(status)
	if threshold != nil {
		run.PriceDiffThresholdEUR = *threshold
	}
	return &run, nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, run *models.Run) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE study_runs SET null_count = $1, opportunities_count = $2, blocked_count = $3,
			last_heartbeat_at = NOW()
		WHERE id = $4`,
		run.NullCount, run.OpportunitiesCount, run.BlockedCount, run.ID)
	return err
}

func (s *PostgresStore) HeartbeatRun(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE study_runs SET last_heartbeat_at = $1 WHERE id = $2 AND status = 'running'`, now, id)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, status models.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE study_runs SET status = $1, last_heartbeat_at = NOW() WHERE id = $2 AND status = 'running'`,
		string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateChanged
	}
	return nil
}

// =============================================================================
// Results and candidates
// =============================================================================

func (s *PostgresStore) InsertResult(ctx context.Context, r *models.Result) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var stats any
	if len(r.TargetStats) > 0 {
		stats = string(r.TargetStats)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO study_results (id, run_id, study_id, status, target_market_price, best_source_price,
			price_difference, target_stats, error_reason, decision_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, study_id) DO NOTHING`,
		r.ID, r.RunID, r.StudyID, string(r.Status), r.TargetMarketPrice, r.BestSourcePrice,
		r.PriceDifference, stats, r.ErrorReason, r.DecisionHash, r.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func scanPostgresResult(row pgx.Row) (*models.Result, error) {
	var (
		r                    models.Result
		status               string
		stats                []byte
		reason, decisionHash *string
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.StudyID, &status, &r.TargetMarketPrice, &r.BestSourcePrice,
		&r.PriceDifference, &stats, &reason, &decisionHash, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = models.ResultStatus(status)
	if len(stats) > 0 {
		r.TargetStats = json.RawMessage(stats)
	}
	if reason != nil {
		r.ErrorReason = *reason
	}
	if decisionHash != nil {
		r.DecisionHash = *decisionHash
	}
	return &r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, runID, studyID string) (*models.Result, error) {
	r, err := scanPostgresResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM study_results WHERE run_id = $1 AND study_id = $2`, runID, studyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListResults(ctx context.Context, runID string) ([]models.Result, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+resultColumns+` FROM study_results WHERE run_id = $1 ORDER BY study_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Result
	for rows.Next() {
		r, err := scanPostgresResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) InsertCandidates(ctx context.Context, candidates []models.CandidateListing) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = models.CandidateStatusNew
		}
		batch.Queue(`
			INSERT INTO market_listings (id, result_id, listing_url, title, price, price_eur,
				mileage, year, trim, fingerprint, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (listing_url, result_id) DO NOTHING`,
			c.ID, c.ResultID, c.ListingURL, c.Title, c.Price, c.PriceEUR,
			c.Mileage, c.Year, c.Trim, c.Fingerprint, string(c.Status))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for i := range candidates {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert candidate %s: %w", candidates[i].ListingURL, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, resultID string) ([]models.CandidateListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, result_id, listing_url, COALESCE(title, ''), price, price_eur, mileage, year,
			COALESCE(trim, ''), COALESCE(fingerprint, ''), status
		FROM market_listings WHERE result_id = $1 ORDER BY price_eur, listing_url`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CandidateListing
	for rows.Next() {
		var (
			c      models.CandidateListing
			status string
		)
		if err := rows.Scan(&c.ID, &c.ResultID, &c.ListingURL, &c.Title, &c.Price, &c.PriceEUR,
			&c.Mileage, &c.Year, &c.Trim, &c.Fingerprint, &status); err != nil {
			return nil, err
		}
		c.Status = models.CandidateStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// Studies
// =============================================================================

func (s *PostgresStore) UpsertStudy(ctx context.Context, st models.StudyCriteria) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO studies (id, brand, model, min_year, max_mileage, target_url, target_country,
			source_url, source_country, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			brand = EXCLUDED.brand, model = EXCLUDED.model, min_year = EXCLUDED.min_year,
			max_mileage = EXCLUDED.max_mileage, target_url = EXCLUDED.target_url,
			target_country = EXCLUDED.target_country, source_url = EXCLUDED.source_url,
			source_country = EXCLUDED.source_country, updated_at = NOW()`,
		st.ID, st.Brand, st.Model, st.MinYear, st.MaxMileage, st.TargetURL, st.TargetCountry,
		st.SourceURL, st.SourceCountry)
	return err
}

func (s *PostgresStore) GetStudies(ctx context.Context, ids []string) ([]models.StudyCriteria, error) {
	query := `SELECT id, brand, model, min_year, max_mileage, target_url, COALESCE(target_country, ''),
		source_url, COALESCE(source_country, '') FROM studies`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, ids)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StudyCriteria
	for rows.Next() {
		var st models.StudyCriteria
		if err := rows.Scan(&st.ID, &st.Brand, &st.Model, &st.MinYear, &st.MaxMileage,
			&st.TargetURL, &st.TargetCountry, &st.SourceURL, &st.SourceCountry); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// Logs
// =============================================================================

func (s *PostgresStore) Log(ctx context.Context, runID *string, level models.LogLevel, message, studyID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message, study_id)
		VALUES ($1, NOW(), $2, $3, $4)`,
		runID, string(level), message, studyID)
	return err
}

func (s *PostgresStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, timestamp, level, message, COALESCE(study_id, '')
		FROM run_logs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var (
			l     models.RunLog
			level string
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &level, &l.Message, &l.StudyID); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
