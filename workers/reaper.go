package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"vehicle_arb/models"
	"vehicle_arb/storage"
)

const (
	DefaultStaleTimeout = 10 * time.Minute
	DefaultMaxJobAge    = 2 * time.Hour
)

// ReaperWorker fails jobs whose worker died: no heartbeat for StaleTimeout,
// or running for longer than MaxJobAge. The run owned by a reaped job is
// failed with it.
type ReaperWorker struct {
	store        storage.Store
	staleTimeout time.Duration
	maxJobAge    time.Duration
	triggerCh    chan struct{}
	logFunc      LogFunc
	now          func() time.Time
}

func NewReaperWorker(store storage.Store, staleTimeout, maxJobAge time.Duration) *ReaperWorker {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if maxJobAge <= 0 {
		maxJobAge = DefaultMaxJobAge
	}
	return &ReaperWorker{
		store:        store,
		staleTimeout: staleTimeout,
		maxJobAge:    maxJobAge,
		triggerCh:    make(chan struct{}, 1),
		logFunc:      NoOpLogger,
		now:          time.Now,
	}
}

func (w *ReaperWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *ReaperWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *ReaperWorker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reaper worker stopping")
			return
		case <-ticker.C:
			w.reapAndLog(ctx)
		case <-w.triggerCh:
			log.Println("Reaper worker triggered manually")
			w.reapAndLog(ctx)
		}
	}
}

func (w *ReaperWorker) reapAndLog(ctx context.Context) {
	if _, err := w.Reap(ctx); err != nil {
		log.Printf("Reaper: %v", err)
		w.logFunc(models.LogLevelError, "reaper", err.Error())
	}
}

// Reap runs one pass and returns the jobs it failed.
func (w *ReaperWorker) Reap(ctx context.Context) ([]models.Job, error) {
	now := w.now()
	msg := fmt.Sprintf("reaped: no heartbeat for %s or running longer than %s", w.staleTimeout, w.maxJobAge)
	reaped, err := w.store.ReapStaleJobs(ctx, now.Add(-w.staleTimeout), now.Add(-w.maxJobAge), msg)
	if err != nil {
		return reaped, fmt.Errorf("reap stale jobs: %w", err)
	}

	for _, job := range reaped {
		line := fmt.Sprintf("job %s failed by reaper (run %s)", job.ID, job.RunID)
		log.Printf("Reaper: %s", line)
		w.logFunc(models.LogLevelWarn, "reaper", line)
	}
	return reaped, nil
}
