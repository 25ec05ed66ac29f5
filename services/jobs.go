package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vehicle_arb/models"
	"vehicle_arb/storage"
)

var (
	// ErrJobNotPending is returned when a cancel or reschedule targets a job
	// that has already been claimed or finished.
	ErrJobNotPending = errors.New("job is not pending")
	ErrInvalidJob    = errors.New("invalid job request")
)

// JobService turns schedule/cancel/reschedule requests into queue rows.
type JobService struct {
	store            storage.Store
	now              func() time.Time
	defaultThreshold float64
}

func NewJobService(store storage.Store) *JobService {
	return &JobService{store: store, now: time.Now}
}

// SetDefaultThreshold sets the threshold stored for jobs requested without one.
func (s *JobService) SetDefaultThreshold(eur float64) {
	s.defaultThreshold = eur
}

// Schedule enqueues a pending job. A zero at means "now". A zero threshold is
// replaced by the default, so the stored payload is what the run will use.
func (s *JobService) Schedule(ctx context.Context, payload models.JobPayload, at time.Time) (*models.Job, error) {
	if len(payload.StudyIDs) == 0 {
		return nil, fmt.Errorf("%w: no studies", ErrInvalidJob)
	}
	if payload.Threshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold %.2f", ErrInvalidJob, payload.Threshold)
	}
	if payload.Threshold == 0 {
		if s.defaultThreshold <= 0 {
			return nil, fmt.Errorf("%w: no threshold and no default configured", ErrInvalidJob)
		}
		payload.Threshold = s.defaultThreshold
	}
	if payload.ScrapeIntensity == "" {
		payload.ScrapeIntensity = models.IntensityLight
	}
	if !payload.ScrapeIntensity.Valid() {
		return nil, fmt.Errorf("%w: unknown scrape intensity %q", ErrInvalidJob, payload.ScrapeIntensity)
	}
	if at.IsZero() {
		at = s.now()
	}

	job := &models.Job{
		CreatedAt:   s.now().UTC(),
		ScheduledAt: at.UTC(),
		Status:      models.JobStatusPending,
		Payload:     payload,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *JobService) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.CancelJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !ok {
		return s.notPending(ctx, id)
	}
	return nil
}

func (s *JobService) Reschedule(ctx context.Context, id string, at time.Time) error {
	ok, err := s.store.RescheduleJob(ctx, id, at)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	if !ok {
		return s.notPending(ctx, id)
	}
	return nil
}

// notPending tells a missing job apart from one that has moved on.
func (s *JobService) notPending(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobNotPending)
}
