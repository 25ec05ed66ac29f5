package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"vehicle_arb/fetch"
	"vehicle_arb/models"
	"vehicle_arb/parser"
)

type Config struct {
	DatabaseURL string // Postgres; empty means the SQLite store at DBPath
	DBPath      string
	LogPath     string
	ConfigDir   string

	Proxy     ProxyConfig
	Fetch     FetchConfig
	Analysis  AnalysisConfig
	Scheduler SchedulerConfig
	Jobs      JobsConfig
	S3        S3Config

	Studies map[string]models.StudyCriteria
}

type ProxyConfig struct {
	URL string
}

type FetchConfig struct {
	Provider       string // scrapingbee | browser | direct
	ScrapingBeeKey string
	ScrapingBeeURL string
	MaxRetries     int
	Backoff        []time.Duration
	Ladders        fetch.Ladders
}

type AnalysisConfig struct {
	DKKToEUR         float64
	PriceFloorEUR    float64
	DefaultThreshold float64
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type JobsConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	MaxJobAge         time.Duration
	ReaperInterval    time.Duration
	BatchSize         int
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

type studyFile struct {
	Studies []models.StudyCriteria `yaml:"studies"`
}

type marketplaceFile struct {
	ID       string          `yaml:"id"`
	Profiles []fetch.Profile `yaml:"profiles"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFrom(getEnv("CONFIG_DIR", "config"))
}

// LoadFrom reads the environment plus the YAML files under dir/studies and
// dir/marketplaces. Missing directories are not an error.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "vehicle_arb.db"),
		LogPath:     getEnv("LOG_PATH", "vehicle_arb.log"),
		ConfigDir:   dir,
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Fetch: FetchConfig{
			Provider:       getEnv("FETCH_PROVIDER", "scrapingbee"),
			ScrapingBeeKey: os.Getenv("SCRAPINGBEE_API_KEY"),
			ScrapingBeeURL: getEnv("SCRAPINGBEE_URL", fetch.DefaultScrapingBeeURL),
			MaxRetries:     getEnvInt("FETCH_MAX_RETRIES", fetch.DefaultMaxRetries),
			Backoff:        getEnvDurations("FETCH_BACKOFF", fetch.DefaultBackoff),
			Ladders:        fetch.DefaultLadders(),
		},
		Analysis: AnalysisConfig{
			DKKToEUR:         getEnvFloat("RATE_DKK_EUR", 0.134),
			PriceFloorEUR:    getEnvFloat("PRICE_FLOOR_EUR", 1500),
			DefaultThreshold: getEnvFloat("PRICE_DIFF_THRESHOLD_EUR", 3000),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvDuration("SCHEDULE_INTERVAL", 0),
			Cron:     os.Getenv("SCHEDULE_CRON"),
		},
		Jobs: JobsConfig{
			PollInterval:      getEnvDuration("JOB_POLL_INTERVAL", time.Minute),
			HeartbeatInterval: getEnvDuration("JOB_HEARTBEAT_INTERVAL", 30*time.Second),
			StaleTimeout:      getEnvDuration("JOB_STALE_TIMEOUT", 10*time.Minute),
			MaxJobAge:         getEnvDuration("JOB_MAX_AGE", 2*time.Hour),
			ReaperInterval:    getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
			BatchSize:         getEnvInt("JOB_BATCH_SIZE", 10),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Prefix:          getEnv("S3_PREFIX", "diagnostics"),
		},
		Studies: make(map[string]models.StudyCriteria),
	}

	if err := cfg.loadStudies(filepath.Join(dir, "studies")); err != nil {
		return nil, err
	}
	if err := cfg.loadMarketplaces(filepath.Join(dir, "marketplaces")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// StudyIDs returns every configured study id in sorted order.
func (c *Config) StudyIDs() []string {
	ids := make([]string, 0, len(c.Studies))
	for id := range c.Studies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) loadStudies(dir string) error {
	return eachYAML(dir, func(path string, data []byte) error {
		var f studyFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, st := range f.Studies {
			if err := validateStudy(st); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if _, dup := c.Studies[st.ID]; dup {
				return fmt.Errorf("%s: duplicate study id %q", path, st.ID)
			}
			c.Studies[st.ID] = st
		}
		return nil
	})
}

func (c *Config) loadMarketplaces(dir string) error {
	return eachYAML(dir, func(path string, data []byte) error {
		var f marketplaceFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if f.ID == "" || len(f.Profiles) == 0 {
			return fmt.Errorf("%s: marketplace needs an id and at least one profile", path)
		}
		profiles := make([]fetch.Profile, len(f.Profiles))
		for i, p := range f.Profiles {
			if p.Level == 0 {
				p.Level = i + 1
			}
			profiles[i] = p
		}
		c.Fetch.Ladders[parser.ParserID(f.ID)] = profiles
		return nil
	})
}

func validateStudy(st models.StudyCriteria) error {
	switch {
	case st.ID == "":
		return fmt.Errorf("study without id")
	case st.Brand == "" || st.Model == "":
		return fmt.Errorf("study %q: brand and model are required", st.ID)
	case st.TargetURL == "" || st.SourceURL == "":
		return fmt.Errorf("study %q: target_url and source_url are required", st.ID)
	}
	return nil
}

func eachYAML(dir string, fn func(path string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := fn(path, data); err != nil {
			return err
		}
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvDurations parses a comma separated list such as "1s,3s".
func getEnvDurations(key string, defaultVal []time.Duration) []time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []time.Duration
	for _, part := range strings.Split(val, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return defaultVal
		}
		out = append(out, d)
	}
	return out
}
