package scraper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vehicle_arb/config"
	"vehicle_arb/core"
	"vehicle_arb/fetch"
	"vehicle_arb/models"
	"vehicle_arb/services"
	"vehicle_arb/storage"
)

const (
	targetURL  = "https://www.bilbasen.dk/brugt/bil/toyota/yaris-cross"
	sourceURL  = "https://www.autoscout24.de/lst/toyota/yaris-cross?sort=price"
	blockedURL = "https://suchen.mobile.de/fahrzeuge/search.html?ms=24100"
)

type fixtureProvider struct {
	pages map[string]fetch.Response
}

func (p *fixtureProvider) Name() string { return "fixture" }

func (p *fixtureProvider) Fetch(_ context.Context, url string, _ fetch.Profile) (fetch.Response, error) {
	resp, ok := p.pages[url]
	if !ok {
		return fetch.Response{}, fmt.Errorf("no fixture for %s", url)
	}
	return resp, nil
}

type panicFetcher struct{}

func (panicFetcher) Scrape(context.Context, string, string, int) (fetch.Outcome, error) {
	panic("provider exploded")
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.AnalysisConfig{DefaultThreshold: 3000},
		Jobs:     config.JobsConfig{HeartbeatInterval: time.Hour, BatchSize: 10},
	}
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, st := range []models.StudyCriteria{
		{ID: "yaris-cross", Brand: "Toyota", Model: "Yaris Cross", MinYear: 2021, MaxMileage: 100000,
			TargetURL: targetURL, TargetCountry: "dk", SourceURL: sourceURL, SourceCountry: "de"},
		{ID: "yaris-blocked", Brand: "Toyota", Model: "Yaris Cross",
			TargetURL: targetURL, TargetCountry: "dk", SourceURL: blockedURL, SourceCountry: "de"},
	} {
		require.NoError(t, store.UpsertStudy(ctx, st))
	}
	return store
}

func newOrchestrator(t *testing.T, store storage.Store) *Orchestrator {
	t.Helper()
	provider := &fixtureProvider{pages: map[string]fetch.Response{
		targetURL:  {HTML: fixture(t, "bilbasen_yaris_cross.html"), StatusCode: 200},
		sourceURL:  {HTML: fixture(t, "autoscout24_yaris_cross.html"), StatusCode: 200},
		blockedURL: {HTML: fixture(t, "blocked.html"), StatusCode: 403},
	}}
	scr := fetch.NewScraper(provider, fetch.Config{MaxRetries: 2})
	scr.SetSleep(func(context.Context, time.Duration) error { return nil })
	return NewOrchestrator(testConfig(), store, scr, core.New(nil))
}

func TestExecuteStudiesRecordsEveryStudy(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, store)
	ctx := context.Background()

	summary, err := o.ExecuteStudies(ctx, ExecuteRequest{
		StudyIDs:  []string{"yaris-cross", "yaris-blocked", "missing", "yaris-cross"},
		Threshold: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Opportunities)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 1, summary.Null)

	run, err := store.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.RunTypeInstant, run.RunType)
	assert.Equal(t, 1, run.OpportunitiesCount)
	assert.Equal(t, 1, run.BlockedCount)
	assert.Equal(t, 1, run.NullCount)

	opp, err := store.GetResult(ctx, summary.RunID, "yaris-cross")
	require.NoError(t, err)
	assert.Equal(t, models.ResultStatusOpportunities, opp.Status)
	require.NotNil(t, opp.TargetMarketPrice)
	assert.Equal(t, 30954.0, *opp.TargetMarketPrice)
	assert.Equal(t, 24900.0, *opp.BestSourcePrice)
	assert.Equal(t, 6054.0, *opp.PriceDifference)

	candidates, err := store.ListCandidates(ctx, opp.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Contains(t, candidates[0].ListingURL, "-y1")
	assert.Contains(t, candidates[1].ListingURL, "-y2")

	blocked, err := store.GetResult(ctx, summary.RunID, "yaris-blocked")
	require.NoError(t, err)
	assert.Equal(t, models.ResultStatusBlocked, blocked.Status)
	assert.True(t, strings.HasPrefix(blocked.ErrorReason, "source: "), blocked.ErrorReason)

	missing, err := store.GetResult(ctx, summary.RunID, "missing")
	require.NoError(t, err)
	assert.Equal(t, models.ResultStatusNull, missing.Status)
	assert.Equal(t, "study not found", missing.ErrorReason)

	logs, err := store.RunLogs(ctx, summary.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestInstantAndScheduledPathsAgree(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, store)
	ctx := context.Background()

	instant, err := o.ExecuteStudies(ctx, ExecuteRequest{
		RunType:   models.RunTypeInstant,
		StudyIDs:  []string{"yaris-cross"},
		Threshold: 3000,
	})
	require.NoError(t, err)

	job, err := services.NewJobService(store).Schedule(ctx, models.JobPayload{
		StudyIDs:  []string{"yaris-cross"},
		Threshold: 3000,
	}, time.Now().Add(-time.Second))
	require.NoError(t, err)

	jobs, err := o.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobsSummary{Due: 1, Claimed: 1, Completed: 1}, jobs)

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.NotEmpty(t, done.RunID)

	scheduledRun, err := store.GetRun(ctx, done.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunTypeScheduled, scheduledRun.RunType)
	assert.Equal(t, models.RunStatusCompleted, scheduledRun.Status)

	a, err := store.GetResult(ctx, instant.RunID, "yaris-cross")
	require.NoError(t, err)
	b, err := store.GetResult(ctx, done.RunID, "yaris-cross")
	require.NoError(t, err)
	assert.NotEmpty(t, a.DecisionHash)
	assert.Equal(t, a.DecisionHash, b.DecisionHash)
	assert.Equal(t, instant.Studies[0].DecisionHash, b.DecisionHash)
}

func TestRunDueJobsRecordsPanic(t *testing.T) {
	store := newStore(t)
	o := NewOrchestrator(testConfig(), store, panicFetcher{}, nil)
	ctx := context.Background()

	job, err := services.NewJobService(store).Schedule(ctx, models.JobPayload{StudyIDs: []string{"yaris-cross"}, Threshold: 3000}, time.Time{})
	require.NoError(t, err)

	summary, err := o.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	failed, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.LastError, "provider exploded")

	run, err := store.GetRun(ctx, failed.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestConcurrentOrchestratorsRunEachJobOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	jobs := services.NewJobService(store)

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := jobs.Schedule(ctx, models.JobPayload{StudyIDs: []string{"yaris-cross"}, Threshold: 3000}, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	orchestrators := []*Orchestrator{newOrchestrator(t, store), newOrchestrator(t, store)}
	summaries := make([]JobsSummary, len(orchestrators))
	var wg sync.WaitGroup
	for i, o := range orchestrators {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			s, err := o.RunDueJobs(ctx)
			assert.NoError(t, err)
			summaries[i] = s
		}(i, o)
	}
	wg.Wait()

	assert.Equal(t, 4, summaries[0].Claimed+summaries[1].Claimed)
	runIDs := make(map[string]bool)
	for _, id := range ids {
		job, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, job.Status)
		runIDs[job.RunID] = true

		results, err := store.ListResults(ctx, job.RunID)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	}
	assert.Len(t, runIDs, 4)
}
