package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

type ScrapeIntensity string

const (
	IntensityLight    ScrapeIntensity = "light"
	IntensityStandard ScrapeIntensity = "standard"
	IntensityDeep     ScrapeIntensity = "deep"
)

// Pages returns how many search result pages a scrape of this intensity walks.
func (i ScrapeIntensity) Pages() int {
	switch i {
	case IntensityDeep:
		return 3
	case IntensityStandard:
		return 2
	default:
		return 1
	}
}

func (i ScrapeIntensity) Valid() bool {
	switch i {
	case IntensityLight, IntensityStandard, IntensityDeep:
		return true
	}
	return false
}

type JobPayload struct {
	StudyIDs        []string        `json:"studyIds"`
	Threshold       float64         `json:"threshold"`
	ScrapeIntensity ScrapeIntensity `json:"scrapeIntensity"`
}

// Job is a row of the scheduled_jobs queue.
type Job struct {
	ID                  string     `json:"id" db:"id"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	ScheduledAt         time.Time  `json:"scheduled_at" db:"scheduled_at"`
	Status              JobStatus  `json:"status" db:"status"`
	Payload             JobPayload `json:"payload" db:"payload"`
	LastRunAt           *time.Time `json:"last_run_at" db:"last_run_at"`
	LastHeartbeatAt     *time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastError           string     `json:"last_error" db:"last_error"`
	RunID               string     `json:"run_id" db:"run_id"`
	ExecutionDurationMS int64      `json:"execution_duration_ms" db:"execution_duration_ms"`
}

func (j *Job) PayloadJSON() ([]byte, error) {
	return json.Marshal(j.Payload)
}
