package storage

import (
	"context"
	"errors"
	"time"

	"vehicle_arb/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint already holds the
	// row. Callers treat it as a no-op.
	ErrDuplicate = errors.New("duplicate row")
	// ErrStateChanged means a conditional update matched no row because the
	// row had already moved on (claimed, reaped, completed).
	ErrStateChanged = errors.New("row not in expected state")
)

// Store is the persistence surface the orchestrator, services and workers
// share. Every state transition is a single conditional UPDATE.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id, runID string, now time.Time) (bool, error)
	HeartbeatJob(ctx context.Context, id string, now time.Time) error
	CompleteJob(ctx context.Context, id string, duration time.Duration) error
	FailJob(ctx context.Context, id, message string, duration time.Duration) error
	CancelJob(ctx context.Context, id string) (bool, error)
	RescheduleJob(ctx context.Context, id string, at time.Time) (bool, error)
	ReapStaleJobs(ctx context.Context, staleBefore, startedBefore time.Time, message string) ([]models.Job, error)

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRunProgress(ctx context.Context, run *models.Run) error
	HeartbeatRun(ctx context.Context, id string, now time.Time) error
	FinishRun(ctx context.Context, id string, status models.RunStatus) error

	InsertResult(ctx context.Context, r *models.Result) error
	GetResult(ctx context.Context, runID, studyID string) (*models.Result, error)
	ListResults(ctx context.Context, runID string) ([]models.Result, error)
	InsertCandidates(ctx context.Context, candidates []models.CandidateListing) (int, error)
	ListCandidates(ctx context.Context, resultID string) ([]models.CandidateListing, error)

	UpsertStudy(ctx context.Context, s models.StudyCriteria) error
	GetStudies(ctx context.Context, ids []string) ([]models.StudyCriteria, error)

	Log(ctx context.Context, runID *string, level models.LogLevel, message, studyID string) error
	RunLogs(ctx context.Context, runID string) ([]models.RunLog, error)
	Close() error
}
