package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"vehicle_arb/analysis"
	"vehicle_arb/config"
	"vehicle_arb/core"
	"vehicle_arb/fetch"
	"vehicle_arb/httputil"
	"vehicle_arb/logging"
	"vehicle_arb/models"
	"vehicle_arb/scheduler"
	"vehicle_arb/scraper"
	"vehicle_arb/services"
	"vehicle_arb/storage"
	"vehicle_arb/workers"
)

var (
	runNow     = flag.Bool("run", false, "Run the selected studies once and exit")
	studyList  = flag.String("studies", "", "Comma separated study ids (default: all configured)")
	threshold  = flag.Float64("threshold", 0, "Price difference threshold in EUR (default: PRICE_DIFF_THRESHOLD_EUR)")
	intensity  = flag.String("intensity", "light", "Scrape intensity: light, standard or deep")
	schedule   = flag.Bool("schedule", false, "Enqueue a job for the selected studies at -at and exit")
	at         = flag.String("at", "", "RFC3339 time for -schedule / -reschedule (default: now)")
	cancelJob  = flag.String("cancel", "", "Cancel a pending job by id and exit")
	reschedule = flag.String("reschedule", "", "Move a pending job to -at and exit")
	reapNow    = flag.Bool("reap", false, "Fail stale running jobs and exit")
	parseFile  = flag.String("parse", "", "Parse a saved search page and print the listings")
	parseURL   = flag.String("url", "", "Source URL of the page given to -parse")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *parseFile != "" {
		if err := parseSaved(*parseFile, *parseURL); err != nil {
			log.Fatalf("Parse failed: %v", err)
		}
		return
	}

	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting vehicle_arb...")
	log.Printf("Loaded %d studies", len(cfg.Studies))
	for _, id := range cfg.StudyIDs() {
		st := cfg.Studies[id]
		log.Printf("  - %s: %s %s", id, st.Brand, st.Model)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	for _, id := range cfg.StudyIDs() {
		if err := store.UpsertStudy(ctx, cfg.Studies[id]); err != nil {
			log.Fatalf("Failed to store study %s: %v", id, err)
		}
	}

	jobs := services.NewJobService(store)
	jobs.SetDefaultThreshold(cfg.Analysis.DefaultThreshold)
	reaper := workers.NewReaperWorker(store, cfg.Jobs.StaleTimeout, cfg.Jobs.MaxJobAge)
	reaper.SetLogger(func(level models.LogLevel, source, message string) {
		store.Log(context.Background(), nil, level, "["+source+"] "+message, "")
	})

	// One-shot queue commands
	switch {
	case *cancelJob != "":
		if err := jobs.Cancel(ctx, *cancelJob); err != nil {
			log.Fatalf("Cancel failed: %v", err)
		}
		log.Printf("Job %s cancelled", *cancelJob)
		return
	case *reschedule != "":
		when, err := parseAt(*at)
		if err != nil {
			log.Fatalf("Invalid -at: %v", err)
		}
		if err := jobs.Reschedule(ctx, *reschedule, when); err != nil {
			log.Fatalf("Reschedule failed: %v", err)
		}
		log.Printf("Job %s rescheduled to %s", *reschedule, when.Format(time.RFC3339))
		return
	case *schedule:
		when, err := parseAt(*at)
		if err != nil {
			log.Fatalf("Invalid -at: %v", err)
		}
		job, err := jobs.Schedule(ctx, payloadFromFlags(cfg), when)
		if err != nil {
			log.Fatalf("Schedule failed: %v", err)
		}
		log.Printf("Job %s scheduled for %s", job.ID, job.ScheduledAt.Format(time.RFC3339))
		return
	case *reapNow:
		reaped, err := reaper.Reap(ctx)
		if err != nil {
			log.Fatalf("Reap failed: %v", err)
		}
		log.Printf("Reaped %d jobs", len(reaped))
		return
	}

	clients := httputil.NewClients(cfg.Proxy)
	if cfg.Proxy.URL != "" {
		log.Printf("Proxy: %s", maskConnectionString(cfg.Proxy.URL))
	}

	provider, closeProvider := newProvider(cfg, clients)
	defer closeProvider()
	log.Printf("Fetch provider: %s (max retries %d, backoff %v)", provider.Name(), cfg.Fetch.MaxRetries, cfg.Fetch.Backoff)

	fetcher := fetch.NewScraper(provider, fetch.Config{
		MaxRetries: cfg.Fetch.MaxRetries,
		Backoff:    cfg.Fetch.Backoff,
		Ladders:    cfg.Fetch.Ladders,
	})
	if cfg.S3.Enabled() {
		archive, err := storage.NewS3Archive(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			log.Printf("Warning: S3 archive disabled: %v", err)
		} else {
			fetcher.SetArchive(archive)
			log.Printf("Archiving blocked pages to s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
		}
	}

	engine := analysis.NewEngine(analysis.Config{
		Rates:         analysis.DefaultRates().With("DKK", decimal.NewFromFloat(cfg.Analysis.DKKToEUR)),
		PriceFloorEUR: cfg.Analysis.PriceFloorEUR,
	})
	orchestrator := scraper.NewOrchestrator(cfg, store, fetcher, core.New(engine))

	if *runNow {
		p := payloadFromFlags(cfg)
		log.Printf("Running %d studies...", len(p.StudyIDs))
		summary, err := orchestrator.ExecuteStudies(ctx, scraper.ExecuteRequest{
			RunType:         models.RunTypeInstant,
			StudyIDs:        p.StudyIDs,
			Threshold:       p.Threshold,
			ScrapeIntensity: p.ScrapeIntensity,
		})
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
		return
	}

	// Daemon mode
	sched := scheduler.New(cfg, orchestrator, jobs)
	sched.SetWorkers(reaper)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	go reaper.Run(ctx, cfg.Jobs.ReaperInterval)
	log.Printf("Reaper worker started (every %s, stale after %s)", cfg.Jobs.ReaperInterval, cfg.Jobs.StaleTimeout)

	// Pick up anything already due.
	go sched.TriggerNow(ctx)

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return pg, nil
	}
	sq, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log.Printf("SQLite database: %s", cfg.DBPath)
	return sq, nil
}

func newProvider(cfg *config.Config, clients *httputil.Clients) (fetch.Provider, func()) {
	switch cfg.Fetch.Provider {
	case "browser":
		b := fetch.NewBrowserProvider()
		return b, b.Close
	case "direct":
		return fetch.NewDirectProvider(clients.Scraping), func() {}
	default:
		if cfg.Fetch.ScrapingBeeKey == "" {
			log.Println("Warning: SCRAPINGBEE_API_KEY not set, falling back to direct fetching")
			return fetch.NewDirectProvider(clients.Scraping), func() {}
		}
		return fetch.NewScrapingBeeProvider(cfg.Fetch.ScrapingBeeKey, cfg.Fetch.ScrapingBeeURL, clients.API), func() {}
	}
}

func payloadFromFlags(cfg *config.Config) models.JobPayload {
	ids := cfg.StudyIDs()
	if *studyList != "" {
		ids = nil
		for _, id := range strings.Split(*studyList, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	t := *threshold
	if t <= 0 {
		t = cfg.Analysis.DefaultThreshold
	}
	return models.JobPayload{
		StudyIDs:        ids,
		Threshold:       t,
		ScrapeIntensity: models.ScrapeIntensity(*intensity),
	}
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseSaved runs the parser router over a page saved to disk, for checking
// selectors against a marketplace without fetching.
func parseSaved(path, sourceURL string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if sourceURL == "" {
		return fmt.Errorf("-url is required with -parse")
	}
	parsed := core.New(nil).ParseSearchPageDetailed(string(data), sourceURL)
	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
