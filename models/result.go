package models

import (
	"encoding/json"
	"time"
)

type ResultStatus string

const (
	ResultStatusNull          ResultStatus = "NULL"
	ResultStatusOpportunities ResultStatus = "OPPORTUNITIES"
	ResultStatusBlocked       ResultStatus = "BLOCKED"
)

// Result is the persisted verdict for one study within one run (unique on run_id, study_id).
type Result struct {
	ID                string          `json:"id" db:"id"`
	RunID             string          `json:"run_id" db:"run_id"`
	StudyID           string          `json:"study_id" db:"study_id"`
	Status            ResultStatus    `json:"status" db:"status"`
	TargetMarketPrice *float64        `json:"target_market_price" db:"target_market_price"`
	BestSourcePrice   *float64        `json:"best_source_price" db:"best_source_price"`
	PriceDifference   *float64        `json:"price_difference" db:"price_difference"`
	TargetStats       json.RawMessage `json:"target_stats" db:"target_stats"`
	ErrorReason       string          `json:"error_reason" db:"error_reason"`
	DecisionHash      string          `json:"decision_hash" db:"decision_hash"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

type CandidateStatus string

const (
	CandidateStatusNew       CandidateStatus = "NEW"
	CandidateStatusApproved  CandidateStatus = "APPROVED"
	CandidateStatusRejected  CandidateStatus = "REJECTED"
	CandidateStatusCompleted CandidateStatus = "COMPLETED"
	CandidateStatusDeleted   CandidateStatus = "DELETED"
)

// CandidateListing is one interesting source-market ad attached to a Result
// (unique on listing_url, result_id).
type CandidateListing struct {
	ID          string          `json:"id" db:"id"`
	ResultID    string          `json:"result_id" db:"result_id"`
	ListingURL  string          `json:"listing_url" db:"listing_url"`
	Title       string          `json:"title" db:"title"`
	Price       float64         `json:"price" db:"price"`
	PriceEUR    float64         `json:"price_eur" db:"price_eur"`
	Mileage     *int            `json:"mileage" db:"mileage"`
	Year        *int            `json:"year" db:"year"`
	Trim        string          `json:"trim" db:"trim"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Status      CandidateStatus `json:"status" db:"status"`
}
