package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type RunType string

const (
	RunTypeInstant   RunType = "instant"
	RunTypeScheduled RunType = "scheduled"
)

// Run is one execution batch. It owns one Result per study.
type Run struct {
	ID                    string     `json:"id" db:"id"`
	RunType               RunType    `json:"run_type" db:"run_type"`
	ExecutedAt            time.Time  `json:"executed_at" db:"executed_at"`
	Status                RunStatus  `json:"status" db:"status"`
	TotalStudies          int        `json:"total_studies" db:"total_studies"`
	NullCount             int        `json:"null_count" db:"null_count"`
	OpportunitiesCount    int        `json:"opportunities_count" db:"opportunities_count"`
	BlockedCount          int        `json:"blocked_count" db:"blocked_count"`
	PriceDiffThresholdEUR float64    `json:"price_diff_threshold_eur" db:"price_diff_threshold_eur"`
	LastHeartbeatAt       *time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
}

// Tally bumps the outcome counter matching status.
func (r *Run) Tally(status ResultStatus) {
	switch status {
	case ResultStatusOpportunities:
		r.OpportunitiesCount++
	case ResultStatusBlocked:
		r.BlockedCount++
	default:
		r.NullCount++
	}
}
