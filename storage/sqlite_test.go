package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vehicle_arb/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "arb.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingJob(t *testing.T, s *SQLiteStore, at time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		ScheduledAt: at,
		Payload: models.JobPayload{
			StudyIDs:        []string{"golf-dk"},
			Threshold:       3000,
			ScrapeIntensity: models.IntensityLight,
		},
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := pendingJob(t, s, time.Now().Add(-time.Minute))

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Payload.Threshold != 3000 || len(got.Payload.StudyIDs) != 1 || got.Payload.ScrapeIntensity != models.IntensityLight {
		t.Errorf("payload = %+v", got.Payload)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job err = %v, want ErrNotFound", err)
	}
}

func TestDueJobsSkipsFutureAndNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := pendingJob(t, s, now.Add(-time.Hour))
	pendingJob(t, s, now.Add(time.Hour))
	cancelled := pendingJob(t, s, now.Add(-time.Hour))
	if ok, err := s.CancelJob(ctx, cancelled.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	jobs, err := s.DueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != due.ID {
		t.Fatalf("due jobs = %+v, want only %s", jobs, due.ID)
	}
}

func TestClaimJobIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := pendingJob(t, s, time.Now().Add(-time.Minute))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimJob(ctx, job.ID, "run-x", time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusRunning || got.RunID != "run-x" || got.LastRunAt == nil {
		t.Errorf("claimed job = %+v", got)
	}
}

func TestCancelAndRescheduleOnlyWhilePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := pendingJob(t, s, time.Now().Add(-time.Minute))

	later := time.Now().Add(2 * time.Hour)
	if ok, err := s.RescheduleJob(ctx, job.ID, later); err != nil || !ok {
		t.Fatalf("reschedule pending: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if !got.ScheduledAt.Equal(later.UTC()) {
		t.Errorf("scheduled_at = %v, want %v", got.ScheduledAt, later.UTC())
	}

	if ok, _ := s.ClaimJob(ctx, job.ID, "run-1", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if ok, err := s.CancelJob(ctx, job.ID); err != nil || ok {
		t.Errorf("cancel running: ok=%v err=%v, want false", ok, err)
	}
	if ok, err := s.RescheduleJob(ctx, job.ID, later); err != nil || ok {
		t.Errorf("reschedule running: ok=%v err=%v, want false", ok, err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := pendingJob(t, s, time.Now())

	if err := s.CompleteJob(ctx, job.ID, time.Second); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("complete pending err = %v, want ErrStateChanged", err)
	}
	s.ClaimJob(ctx, job.ID, "run-1", time.Now())
	if err := s.CompleteJob(ctx, job.ID, 1500*time.Millisecond); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusCompleted || got.ExecutionDurationMS != 1500 {
		t.Errorf("completed job = %+v", got)
	}
	if err := s.FailJob(ctx, job.ID, "late", time.Second); !errors.Is(err, ErrStateChanged) {
		t.Errorf("fail completed err = %v, want ErrStateChanged", err)
	}
}

func TestReapStaleJobsFailsJobAndRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := &models.Run{RunType: models.RunTypeScheduled, TotalStudies: 1, PriceDiffThresholdEUR: 3000}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	stale := pendingJob(t, s, now.Add(-time.Hour))
	s.ClaimJob(ctx, stale.ID, run.ID, now.Add(-20*time.Minute))

	fresh := pendingJob(t, s, now.Add(-time.Hour))
	s.ClaimJob(ctx, fresh.ID, "run-fresh", now.Add(-time.Minute))

	reaped, err := s.ReapStaleJobs(ctx, now.Add(-10*time.Minute), now.Add(-2*time.Hour), "stale heartbeat")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != stale.ID {
		t.Fatalf("reaped = %+v, want only %s", reaped, stale.ID)
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.Status != models.JobStatusFailed || got.LastError != "stale heartbeat" {
		t.Errorf("stale job = %+v", got)
	}
	gotRun, _ := s.GetRun(ctx, run.ID)
	if gotRun.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", gotRun.Status)
	}
	if got, _ := s.GetJob(ctx, fresh.ID); got.Status != models.JobStatusRunning {
		t.Errorf("fresh job status = %s, want running", got.Status)
	}

	// A reaped job cannot be completed by a worker that wakes up late.
	if err := s.CompleteJob(ctx, stale.ID, time.Second); !errors.Is(err, ErrStateChanged) {
		t.Errorf("late complete err = %v, want ErrStateChanged", err)
	}
}

func TestReapMaxRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := pendingJob(t, s, now.Add(-3*time.Hour))
	s.ClaimJob(ctx, job.ID, "run-long", now.Add(-3*time.Hour))
	s.HeartbeatJob(ctx, job.ID, now)

	reaped, err := s.ReapStaleJobs(ctx, now.Add(-10*time.Minute), now.Add(-2*time.Hour), "max runtime exceeded")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d jobs, want 1", len(reaped))
	}
}

func TestInsertResultIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.Run{RunType: models.RunTypeInstant, TotalStudies: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	median := 42975.0
	first := &models.Result{RunID: run.ID, StudyID: "golf-dk", Status: models.ResultStatusOpportunities,
		TargetMarketPrice: &median, DecisionHash: "abc"}
	if err := s.InsertResult(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := &models.Result{RunID: run.ID, StudyID: "golf-dk", Status: models.ResultStatusNull, DecisionHash: "def"}
	if err := s.InsertResult(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert err = %v, want ErrDuplicate", err)
	}

	results, err := s.ListResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 1 || results[0].DecisionHash != "abc" || *results[0].TargetMarketPrice != median {
		t.Fatalf("results = %+v", results)
	}

	year := 2020
	candidates := []models.CandidateListing{
		{ResultID: first.ID, ListingURL: "https://www.autoscout24.de/angebote/a", Title: "VW Golf", Price: 9000, PriceEUR: 9000, Year: &year},
		{ResultID: first.ID, ListingURL: "https://www.autoscout24.de/angebote/b", Title: "VW Golf", Price: 9500, PriceEUR: 9500},
	}
	n, err := s.InsertCandidates(ctx, candidates)
	if err != nil || n != 2 {
		t.Fatalf("insert candidates: n=%d err=%v", n, err)
	}
	again := []models.CandidateListing{
		{ResultID: first.ID, ListingURL: "https://www.autoscout24.de/angebote/a", Title: "VW Golf", Price: 9000, PriceEUR: 9000},
	}
	if n, err := s.InsertCandidates(ctx, again); err != nil || n != 0 {
		t.Fatalf("reinsert candidates: n=%d err=%v, want 0", n, err)
	}
	listed, _ := s.ListCandidates(ctx, first.ID)
	if len(listed) != 2 || listed[0].Status != models.CandidateStatusNew || listed[0].Year == nil || *listed[0].Year != 2020 {
		t.Errorf("candidates = %+v", listed)
	}
}

func TestStudiesAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, st := range []models.StudyCriteria{
		{ID: "b", Brand: "Toyota", Model: "Yaris Cross", TargetURL: "https://www.bilbasen.dk/", SourceURL: "https://www.autoscout24.de/"},
		{ID: "a", Brand: "Volkswagen", Model: "Golf", TargetURL: "https://www.bilbasen.dk/", SourceURL: "https://www.autoscout24.de/"},
	} {
		if err := s.UpsertStudy(ctx, st); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	s.UpsertStudy(ctx, models.StudyCriteria{ID: "a", Brand: "Volkswagen", Model: "Golf", MinYear: 2018,
		TargetURL: "https://www.bilbasen.dk/", SourceURL: "https://www.autoscout24.de/"})

	all, err := s.GetStudies(ctx, nil)
	if err != nil || len(all) != 2 || all[0].ID != "a" || all[0].MinYear != 2018 {
		t.Fatalf("studies = %+v err=%v", all, err)
	}
	some, _ := s.GetStudies(ctx, []string{"b", "missing"})
	if len(some) != 1 || some[0].Model != "Yaris Cross" {
		t.Errorf("filtered studies = %+v", some)
	}

	runID := "run-1"
	s.Log(ctx, &runID, models.LogLevelInfo, "started", "")
	s.Log(ctx, &runID, models.LogLevelWarn, "blocked", "a")
	s.Log(ctx, nil, models.LogLevelInfo, "reaper tick", "")
	logs, err := s.RunLogs(ctx, runID)
	if err != nil || len(logs) != 2 || logs[1].StudyID != "a" || logs[1].Level != models.LogLevelWarn {
		t.Errorf("logs = %+v err=%v", logs, err)
	}
}
