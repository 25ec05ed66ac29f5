package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"vehicle_arb/models"
)

// SQLiteStore backs a single-host deployment and the tests. All timestamps
// are written in UTC so text comparison orders them correctly.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id TEXT PRIMARY KEY,
		brand TEXT NOT NULL,
		model TEXT NOT NULL,
		min_year INTEGER DEFAULT 0,
		max_mileage INTEGER DEFAULT 0,
		target_url TEXT NOT NULL,
		target_country TEXT,
		source_url TEXT NOT NULL,
		source_country TEXT,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		scheduled_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payload JSON NOT NULL,
		last_run_at DATETIME,
		last_heartbeat_at DATETIME,
		last_error TEXT,
		run_id TEXT,
		execution_duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS study_runs (
		id TEXT PRIMARY KEY,
		run_type TEXT NOT NULL,
		executed_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		total_studies INTEGER DEFAULT 0,
		null_count INTEGER DEFAULT 0,
		opportunities_count INTEGER DEFAULT 0,
		blocked_count INTEGER DEFAULT 0,
		price_diff_threshold_eur REAL,
		last_heartbeat_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS study_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES study_runs(id),
		study_id TEXT NOT NULL,
		status TEXT NOT NULL,
		target_market_price REAL,
		best_source_price REAL,
		price_difference REAL,
		target_stats JSON,
		error_reason TEXT,
		decision_hash TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(run_id, study_id)
	);

	CREATE TABLE IF NOT EXISTS market_listings (
		id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL REFERENCES study_results(id),
		listing_url TEXT NOT NULL,
		title TEXT,
		price REAL,
		price_eur REAL,
		mileage INTEGER,
		year INTEGER,
		trim TEXT,
		fingerprint TEXT,
		status TEXT NOT NULL DEFAULT 'NEW',
		created_at DATETIME NOT NULL,
		UNIQUE(listing_url, result_id)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		study_id TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Jobs
// =============================================================================

const jobColumns = `id, created_at, scheduled_at, status, payload, last_run_at, last_heartbeat_at,
	last_error, run_id, execution_duration_ms`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, created_at, scheduled_at, status, payload)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.CreatedAt.UTC(), job.ScheduledAt.UTC(), job.Status, string(payload))
	return err
}

func scanSQLiteJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var (
		job                    models.Job
		payload                string
		lastRun, lastHeartbeat sql.NullTime
		lastError, runID       sql.NullString
		duration               sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.CreatedAt, &job.ScheduledAt, &job.Status, &payload,
		&lastRun, &lastHeartbeat, &lastError, &runID, &duration); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if lastHeartbeat.Valid {
		job.LastHeartbeatAt = &lastHeartbeat.Time
	}
	job.LastError = lastError.String
	job.RunID = runID.String
	job.ExecutionDurationMS = duration.Int64
	return &job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at, id
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimJob is the only way a job becomes running: one conditional UPDATE, so
// of any number of concurrent callers exactly one sees a row affected.
func (s *SQLiteStore) ClaimJob(ctx context.Context, id, runID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'running', run_id = ?, last_run_at = ?, last_heartbeat_at = ?, last_error = NULL
		WHERE id = ? AND status = 'pending'`,
		runID, now.UTC(), now.UTC(), id)
	return affectedOne(res, err)
}

func (s *SQLiteStore) HeartbeatJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		now.UTC(), id)
	return err
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'completed', execution_duration_ms = ?
		WHERE id = ? AND status = 'running'`,
		duration.Milliseconds(), id)
	return requireOne(res, err)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, message string, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'failed', last_error = ?, execution_duration_ms = ?
		WHERE id = ? AND status = 'running'`,
		message, duration.Milliseconds(), id)
	return requireOne(res, err)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id)
	return affectedOne(res, err)
}

func (s *SQLiteStore) RescheduleJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET scheduled_at = ? WHERE id = ? AND status = 'pending'`, at.UTC(), id)
	return affectedOne(res, err)
}

// ReapStaleJobs fails running jobs whose heartbeat went silent before
// staleBefore or that started before startedBefore, and fails their runs.
// Each job is flipped with its own conditional UPDATE so a job completing
// concurrently is never overwritten.
func (s *SQLiteStore) ReapStaleJobs(ctx context.Context, staleBefore, startedBefore time.Time, message string) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = 'running'
		  AND (COALESCE(last_heartbeat_at, last_run_at, created_at) < ? OR last_run_at < ?)
		ORDER BY id`, staleBefore.UTC(), startedBefore.UTC())
	if err != nil {
		return nil, err
	}
	var candidates []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, *job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reaped []models.Job
	for _, job := range candidates {
		var durationMS int64
		if job.LastRunAt != nil {
			durationMS = time.Since(*job.LastRunAt).Milliseconds()
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET status = 'failed', last_error = ?, execution_duration_ms = ?
			WHERE id = ? AND status = 'running'`,
			message, durationMS, job.ID)
		ok, err := affectedOne(res, err)
		if err != nil {
			return reaped, err
		}
		if !ok {
			continue
		}
		if job.RunID != "" {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE study_runs SET status = 'failed' WHERE id = ? AND status = 'running'`, job.RunID); err != nil {
				return reaped, err
			}
		}
		job.Status = models.JobStatusFailed
		job.LastError = message
		reaped = append(reaped, job)
	}
	return reaped, nil
}

// =============================================================================
// Runs
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.ExecutedAt.IsZero() {
		run.ExecutedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO study_runs (id, run_type, executed_at, status, total_studies, null_count,
			opportunities_count, blocked_count, price_diff_threshold_eur, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunType, run.ExecutedAt.UTC(), run.Status, run.TotalStudies, run.NullCount,
		run.OpportunitiesCount, run.BlockedCount, run.PriceDiffThresholdEUR, run.ExecutedAt.UTC())
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var (
		run       models.Run
		heartbeat sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_type, executed_at, status, total_studies, null_count, opportunities_count,
			blocked_count, price_diff_threshold_eur, last_heartbeat_at
		FROM study_runs WHERE id = ?`, id).Scan(
		&run.ID, &run.RunType, &run.ExecutedAt, &run.Status, &run.TotalStudies, &run.NullCount,
		&run.OpportunitiesCount, &run.BlockedCount, &run.PriceDiffThresholdEUR, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		run.LastHeartbeatAt = &heartbeat.Time
	}
	return &run, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE study_runs SET null_count = ?, opportunities_count = ?, blocked_count = ?,
			last_heartbeat_at = ?
		WHERE id = ?`,
		run.NullCount, run.OpportunitiesCount, run.BlockedCount, time.Now().UTC(), run.ID)
	return err
}

func (s *SQLiteStore) HeartbeatRun(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE study_runs SET last_heartbeat_at = ? WHERE id = ? AND status = 'running'`, now.UTC(), id)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE study_runs SET status = ?, last_heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		status, time.Now().UTC(), id)
	return requireOne(res, err)
}

// =============================================================================
// Results and candidates
// =============================================================================

// InsertResult writes a result once. A second insert for the same
// (run_id, study_id) leaves the first row untouched and returns ErrDuplicate.
func (s *SQLiteStore) InsertResult(ctx context.Context, r *models.Result) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO study_results (id, run_id, study_id, status, target_market_price, best_source_price,
			price_difference, target_stats, error_reason, decision_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, study_id) DO NOTHING`,
		r.ID, r.RunID, r.StudyID, r.Status, r.TargetMarketPrice, r.BestSourcePrice,
		r.PriceDifference, nullableJSON(r.TargetStats), r.ErrorReason, r.DecisionHash, r.CreatedAt.UTC())
	ok, err := affectedOne(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

const resultColumns = `id, run_id, study_id, status, target_market_price, best_source_price,
	price_difference, target_stats, error_reason, decision_hash, created_at`

func scanSQLiteResult(row interface{ Scan(...any) error }) (*models.Result, error) {
	var (
		r                   models.Result
		target, best, diff  sql.NullFloat64
		stats, reason, hash sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.StudyID, &r.Status, &target, &best, &diff,
		&stats, &reason, &hash, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.TargetMarketPrice = floatPtr(target)
	r.BestSourcePrice = floatPtr(best)
	r.PriceDifference = floatPtr(diff)
	if stats.Valid {
		r.TargetStats = json.RawMessage(stats.String)
	}
	r.ErrorReason = reason.String
	r.DecisionHash = hash.String
	return &r, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, runID, studyID string) (*models.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM study_results WHERE run_id = ? AND study_id = ?`, runID, studyID)
	r, err := scanSQLiteResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]models.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM study_results WHERE run_id = ? ORDER BY study_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Result
	for rows.Next() {
		r, err := scanSQLiteResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// InsertCandidates ignores rows already present for the same
// (listing_url, result_id) and returns how many were new.
func (s *SQLiteStore) InsertCandidates(ctx context.Context, candidates []models.CandidateListing) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = models.CandidateStatusNew
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO market_listings (id, result_id, listing_url, title, price, price_eur,
				mileage, year, trim, fingerprint, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ResultID, c.ListingURL, c.Title, c.Price, c.PriceEUR,
			c.Mileage, c.Year, c.Trim, c.Fingerprint, c.Status, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("insert candidate %s: %w", c.ListingURL, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, resultID string) ([]models.CandidateListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, listing_url, title, price, price_eur, mileage, year, trim, fingerprint, status
		FROM market_listings WHERE result_id = ? ORDER BY price_eur, listing_url`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CandidateListing
	for rows.Next() {
		var (
			c                        models.CandidateListing
			mileage, year            sql.NullInt64
			title, trim, fingerprint sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ResultID, &c.ListingURL, &title, &c.Price, &c.PriceEUR,
			&mileage, &year, &trim, &fingerprint, &c.Status); err != nil {
			return nil, err
		}
		c.Title, c.Trim, c.Fingerprint = title.String, trim.String, fingerprint.String
		c.Mileage = intPtr(mileage)
		c.Year = intPtr(year)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// Studies
// =============================================================================

func (s *SQLiteStore) UpsertStudy(ctx context.Context, st models.StudyCriteria) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO studies (id, brand, model, min_year, max_mileage, target_url, target_country,
			source_url, source_country, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			brand = excluded.brand, model = excluded.model, min_year = excluded.min_year,
			max_mileage = excluded.max_mileage, target_url = excluded.target_url,
			target_country = excluded.target_country, source_url = excluded.source_url,
			source_country = excluded.source_country, updated_at = excluded.updated_at`,
		st.ID, st.Brand, st.Model, st.MinYear, st.MaxMileage, st.TargetURL, st.TargetCountry,
		st.SourceURL, st.SourceCountry, time.Now().UTC())
	return err
}

// GetStudies returns the requested studies ordered by id, or all of them
// when ids is empty. Unknown ids are skipped.
func (s *SQLiteStore) GetStudies(ctx context.Context, ids []string) ([]models.StudyCriteria, error) {
	query := `SELECT id, brand, model, min_year, max_mileage, target_url, target_country,
		source_url, source_country FROM studies`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += ` WHERE id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StudyCriteria
	for rows.Next() {
		var (
			st               models.StudyCriteria
			targetC, sourceC sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Brand, &st.Model, &st.MinYear, &st.MaxMileage,
			&st.TargetURL, &targetC, &st.SourceURL, &sourceC); err != nil {
			return nil, err
		}
		st.TargetCountry, st.SourceCountry = targetC.String, sourceC.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// Logs
// =============================================================================

func (s *SQLiteStore) Log(ctx context.Context, runID *string, level models.LogLevel, message, studyID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message, study_id)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), level, message, studyID)
	return err
}

func (s *SQLiteStore) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, message, study_id FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var (
			l       models.RunLog
			run     sql.NullString
			studyID sql.NullString
		)
		if err := rows.Scan(&l.ID, &run, &l.Timestamp, &l.Level, &l.Message, &studyID); err != nil {
			return nil, err
		}
		if run.Valid {
			l.RunID = &run.String
		}
		l.StudyID = studyID.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// helpers
// =============================================================================

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func requireOne(res sql.Result, err error) error {
	ok, err := affectedOne(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStateChanged
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
