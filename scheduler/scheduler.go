package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"vehicle_arb/config"
	"vehicle_arb/models"
	"vehicle_arb/scraper"
	"vehicle_arb/services"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// JobRunner executes whatever is due in the job queue.
type JobRunner interface {
	RunDueJobs(ctx context.Context) (scraper.JobsSummary, error)
}

// Scheduler enqueues a job for every configured study on the cron or
// interval schedule, and polls the queue so that any due job, including ones
// scheduled from the CLI, is picked up.
type Scheduler struct {
	cfg     *config.Config
	runner  JobRunner
	jobs    *services.JobService
	cron    *cron.Cron
	ticker  *time.Ticker
	stopCh  chan struct{}
	stopped sync.Once

	pollMu sync.Mutex
	reaper Triggerable
}

func New(cfg *config.Config, runner JobRunner, jobs *services.JobService) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		jobs:   jobs,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(reaper Triggerable) {
	s.reaper = reaper
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollJobs(ctx)

	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.enqueueAndRun(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.enqueueAndRun(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only run queued jobs")
	}

	return nil
}

func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

// EnqueueScheduled creates one pending job covering every configured study.
func (s *Scheduler) EnqueueScheduled(ctx context.Context) (*models.Job, error) {
	ids := s.cfg.StudyIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	return s.jobs.Schedule(ctx, models.JobPayload{
		StudyIDs:        ids,
		Threshold:       s.cfg.Analysis.DefaultThreshold,
		ScrapeIntensity: models.IntensityLight,
	}, time.Now())
}

func (s *Scheduler) enqueueAndRun(ctx context.Context) {
	job, err := s.EnqueueScheduled(ctx)
	if err != nil {
		log.Printf("Scheduled enqueue error: %v", err)
		return
	}
	if job != nil {
		log.Printf("Enqueued scheduled job %s (%d studies)", job.ID, len(job.Payload.StudyIDs))
	}
	s.TriggerNow(ctx)
}

// TriggerNow runs due jobs immediately. Overlapping calls are serialized so a
// slow run and the poll ticker never execute side by side in one process.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	summary, err := s.runner.RunDueJobs(ctx)
	if err != nil {
		log.Printf("Run due jobs error: %v", err)
	}
	if summary.Claimed > 0 {
		log.Printf("Jobs: %d claimed, %d completed, %d failed, %d skipped",
			summary.Claimed, summary.Completed, summary.Failed, summary.Skipped)
		if summary.Failed > 0 && s.reaper != nil {
			s.reaper.Trigger()
		}
	}
}

func (s *Scheduler) pollJobs(ctx context.Context) {
	interval := s.cfg.Jobs.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.TriggerNow(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
