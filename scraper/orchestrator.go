package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"vehicle_arb/config"
	"vehicle_arb/core"
	"vehicle_arb/fetch"
	"vehicle_arb/models"
	"vehicle_arb/services"
	"vehicle_arb/storage"
)

// Fetcher is the part of fetch.Scraper the orchestrator needs.
type Fetcher interface {
	Scrape(ctx context.Context, url, country string, pages int) (fetch.Outcome, error)
}

type Orchestrator struct {
	cfg     *config.Config
	store   storage.Store
	fetcher Fetcher
	core    *core.Core
	results *services.ResultService
	now     func() time.Time
}

func NewOrchestrator(cfg *config.Config, store storage.Store, fetcher Fetcher, c *core.Core) *Orchestrator {
	if c == nil {
		c = core.New(nil)
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		core:    c,
		results: services.NewResultService(store),
		now:     time.Now,
	}
}

type ExecuteRequest struct {
	RunID           string
	RunType         models.RunType
	StudyIDs        []string // empty means every stored study
	Threshold       float64
	ScrapeIntensity models.ScrapeIntensity
	JobID           string // set when the run belongs to a claimed job
}

type StudyOutcome struct {
	StudyID      string              `json:"study_id"`
	Status       models.ResultStatus `json:"status"`
	DecisionHash string              `json:"decision_hash,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

type ExecuteSummary struct {
	RunID         string         `json:"run_id"`
	Total         int            `json:"total"`
	Opportunities int            `json:"opportunities"`
	Null          int            `json:"null"`
	Blocked       int            `json:"blocked"`
	Studies       []StudyOutcome `json:"studies"`
}

type JobsSummary struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ExecuteStudies runs every requested study sequentially inside one run and
// writes one result row per study as soon as it is decided. Per-study fetch
// failures become BLOCKED results; only a cancelled context or a store error
// aborts the run.
func (o *Orchestrator) ExecuteStudies(ctx context.Context, req ExecuteRequest) (summary ExecuteSummary, err error) {
	if req.RunType == "" {
		req.RunType = models.RunTypeInstant
	}
	if req.Threshold <= 0 {
		req.Threshold = o.cfg.Analysis.DefaultThreshold
	}
	if !req.ScrapeIntensity.Valid() {
		req.ScrapeIntensity = models.IntensityLight
	}

	studies, err := o.resolveStudies(ctx, req.StudyIDs)
	if err != nil {
		return summary, err
	}

	run := &models.Run{
		ID:                    req.RunID,
		RunType:               req.RunType,
		ExecutedAt:            o.now().UTC(),
		Status:                models.RunStatusRunning,
		TotalStudies:          len(studies),
		PriceDiffThresholdEUR: req.Threshold,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return summary, fmt.Errorf("create run: %w", err)
	}
	summary.RunID = run.ID
	summary.Total = len(studies)

	completed := false
	defer func() {
		status := models.RunStatusFailed
		if completed {
			status = models.RunStatusCompleted
		}
		if ferr := o.store.FinishRun(context.WithoutCancel(ctx), run.ID, status); ferr != nil && !errors.Is(ferr, storage.ErrStateChanged) {
			log.Printf("finish run %s: %v", run.ID, ferr)
		}
	}()

	stopBeat := o.startHeartbeat(ctx, req.JobID, run.ID)
	defer stopBeat()

	o.log(ctx, run.ID, models.LogLevelInfo,
		fmt.Sprintf("Starting %s run: %d studies, threshold %.0f EUR, intensity %s",
			req.RunType, len(studies), req.Threshold, req.ScrapeIntensity), "")

	for _, st := range studies {
		if err := ctx.Err(); err != nil {
			o.log(ctx, run.ID, models.LogLevelWarn, "Run cancelled", "")
			return summary, err
		}

		result, err := o.executeStudy(ctx, run.ID, st, req)
		if err != nil {
			o.log(ctx, run.ID, models.LogLevelError, fmt.Sprintf("Study failed: %v", err), st.study.ID)
			return summary, err
		}

		run.Tally(result.Status)
		summary.Studies = append(summary.Studies, StudyOutcome{
			StudyID:      st.study.ID,
			Status:       result.Status,
			DecisionHash: result.DecisionHash,
			Reason:       result.ErrorReason,
		})
		if err := o.store.UpdateRunProgress(ctx, run); err != nil {
			log.Printf("update run %s progress: %v", run.ID, err)
		}
		o.heartbeat(ctx, req.JobID, run.ID)
	}

	summary.Opportunities = run.OpportunitiesCount
	summary.Null = run.NullCount
	summary.Blocked = run.BlockedCount
	o.log(ctx, run.ID, models.LogLevelInfo,
		fmt.Sprintf("Completed: %d opportunities, %d null, %d blocked",
			summary.Opportunities, summary.Null, summary.Blocked), "")
	completed = true
	return summary, nil
}

// plannedStudy is a requested id with the stored criteria, if any.
type plannedStudy struct {
	study models.StudyCriteria
	found bool
}

func (o *Orchestrator) resolveStudies(ctx context.Context, ids []string) ([]plannedStudy, error) {
	stored, err := o.store.GetStudies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load studies: %w", err)
	}
	if len(ids) == 0 {
		out := make([]plannedStudy, len(stored))
		for i, st := range stored {
			out[i] = plannedStudy{study: st, found: true}
		}
		return out, nil
	}

	byID := make(map[string]models.StudyCriteria, len(stored))
	for _, st := range stored {
		byID[st.ID] = st
	}
	seen := make(map[string]bool, len(ids))
	out := make([]plannedStudy, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		st, ok := byID[id]
		if !ok {
			st = models.StudyCriteria{ID: id}
		}
		out = append(out, plannedStudy{study: st, found: ok})
	}
	return out, nil
}

func (o *Orchestrator) executeStudy(ctx context.Context, runID string, p plannedStudy, req ExecuteRequest) (*models.Result, error) {
	st := p.study
	if !p.found {
		o.log(ctx, runID, models.LogLevelWarn, "Study not found", st.ID)
		return o.results.Record(ctx, runID, st.ID, models.StudyAnalysis{
			Status:    models.ResultStatusNull,
			Threshold: req.Threshold,
			Reason:    "study not found",
		})
	}

	pages := req.ScrapeIntensity.Pages()
	target, err := o.fetcher.Scrape(ctx, st.TargetURL, st.TargetCountry, pages)
	if err != nil {
		return nil, err
	}
	o.logOutcome(ctx, runID, st.ID, "target", target)
	if target.Kind == fetch.OutcomeBlocked {
		return o.results.RecordBlocked(ctx, runID, st.ID, "target: "+target.Reason)
	}

	source, err := o.fetcher.Scrape(ctx, st.SourceURL, st.SourceCountry, pages)
	if err != nil {
		return nil, err
	}
	o.logOutcome(ctx, runID, st.ID, "source", source)
	if source.Kind == fetch.OutcomeBlocked {
		return o.results.RecordBlocked(ctx, runID, st.ID, "source: "+source.Reason)
	}

	analysis := o.core.ExecuteStudyAnalysis(target.Listings, source.Listings, st, req.Threshold)
	msg := fmt.Sprintf("%s: target %d/%d, source %d/%d", analysis.Status,
		analysis.TargetFiltered, analysis.TargetRaw, analysis.SourceFiltered, analysis.SourceRaw)
	if opp := analysis.Opportunity; opp != nil {
		msg += fmt.Sprintf(", median %.2f, best %.2f, diff %.2f EUR", opp.TargetMedian, opp.BestSourcePrice, opp.PriceDifference)
	}
	if analysis.Reason != "" {
		msg += ", " + analysis.Reason
	}
	o.log(ctx, runID, models.LogLevelInfo, msg, st.ID)

	return o.results.Record(ctx, runID, st.ID, analysis)
}

func (o *Orchestrator) logOutcome(ctx context.Context, runID, studyID, side string, out fetch.Outcome) {
	switch out.Kind {
	case fetch.OutcomeSuccess:
		o.log(ctx, runID, models.LogLevelInfo,
			fmt.Sprintf("%s: %d listings via %s (profile %d, %d retries, %d pages)",
				side, len(out.Listings), out.Method, out.ProfileUsed, out.RetryCount, out.Pages), studyID)
	default:
		d := out.Diagnostics
		o.log(ctx, runID, models.LogLevelWarn,
			fmt.Sprintf("%s %s: %s (status %d, %d bytes, parser %s/%s, profile %s)",
				side, out.Kind, out.Reason, d.StatusCode, d.PageLength, d.Parser, d.Strategy, d.Profile), studyID)
	}
}

// RunDueJobs claims due jobs one at a time and executes each to completion.
// Jobs another orchestrator claimed first are skipped.
func (o *Orchestrator) RunDueJobs(ctx context.Context) (JobsSummary, error) {
	var summary JobsSummary
	batch := o.cfg.Jobs.BatchSize
	if batch <= 0 {
		batch = 10
	}
	jobs, err := o.store.DueJobs(ctx, o.now(), batch)
	if err != nil {
		return summary, fmt.Errorf("due jobs: %w", err)
	}
	summary.Due = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		runID := uuid.NewString()
		claimed, err := o.store.ClaimJob(ctx, job.ID, runID, o.now())
		if err != nil {
			log.Printf("claim job %s: %v", job.ID, err)
			continue
		}
		if !claimed {
			summary.Skipped++
			continue
		}
		summary.Claimed++
		log.Printf("Claimed job %s (run %s, %d studies)", job.ID, runID, len(job.Payload.StudyIDs))

		if err := o.runJob(ctx, job, runID); err != nil {
			summary.Failed++
			log.Printf("Job %s failed: %v", job.ID, err)
			continue
		}
		summary.Completed++
	}
	return summary, nil
}

// runJob executes a claimed job. A panic anywhere below is recorded as the
// job's last_error instead of leaving it running for the reaper.
func (o *Orchestrator) runJob(ctx context.Context, job models.Job, runID string) (err error) {
	started := o.now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		bg := context.WithoutCancel(ctx)
		duration := o.now().Sub(started)
		if err != nil {
			if ferr := o.store.FailJob(bg, job.ID, err.Error(), duration); ferr != nil {
				log.Printf("fail job %s: %v", job.ID, ferr)
			}
			if ferr := o.store.FinishRun(bg, runID, models.RunStatusFailed); ferr != nil && !errors.Is(ferr, storage.ErrStateChanged) && !errors.Is(ferr, storage.ErrNotFound) {
				log.Printf("fail run %s: %v", runID, ferr)
			}
			return
		}
		if cerr := o.store.CompleteJob(bg, job.ID, duration); cerr != nil {
			// Reaped while running: the job row already says failed.
			err = fmt.Errorf("complete job %s: %w", job.ID, cerr)
		}
	}()

	_, err = o.ExecuteStudies(ctx, ExecuteRequest{
		RunID:           runID,
		RunType:         models.RunTypeScheduled,
		StudyIDs:        job.Payload.StudyIDs,
		Threshold:       job.Payload.Threshold,
		ScrapeIntensity: job.Payload.ScrapeIntensity,
		JobID:           job.ID,
	})
	return err
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, jobID, runID string) func() {
	interval := o.cfg.Jobs.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.heartbeat(ctx, jobID, runID)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context, jobID, runID string) {
	now := o.now()
	if jobID != "" {
		if err := o.store.HeartbeatJob(ctx, jobID, now); err != nil && ctx.Err() == nil {
			log.Printf("heartbeat job %s: %v", jobID, err)
		}
	}
	if err := o.store.HeartbeatRun(ctx, runID, now); err != nil && ctx.Err() == nil {
		log.Printf("heartbeat run %s: %v", runID, err)
	}
}

func (o *Orchestrator) log(ctx context.Context, runID string, level models.LogLevel, message, studyID string) {
	log.Printf("[%s] %s: %s", level, studyID, message)
	if err := o.store.Log(context.WithoutCancel(ctx), &runID, level, message, studyID); err != nil {
		log.Printf("write run log: %v", err)
	}
}
