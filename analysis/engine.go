// Package analysis holds the pure business rules: currency normalization,
// listing filters, market statistics and the opportunity decision.
package analysis

import (
	"log"

	"github.com/shopspring/decimal"
	"vehicle_arb/models"
)

const (
	DefaultPriceFloorEUR = 1500
	DefaultMedianCap     = 6
	DefaultMaxCandidates = 5
)

type Config struct {
	Rates         RateTable
	PriceFloorEUR float64
	MedianCap     int
	MaxCandidates int
}

// Engine carries the fixed parameters of the rules. It has no mutable state
// and is safe to share.
type Engine struct {
	rates         RateTable
	priceFloor    decimal.Decimal
	medianCap     int
	maxCandidates int
}

func NewEngine(cfg Config) *Engine {
	if cfg.Rates == nil {
		cfg.Rates = DefaultRates()
	}
	if cfg.PriceFloorEUR <= 0 {
		cfg.PriceFloorEUR = DefaultPriceFloorEUR
	}
	if cfg.MedianCap <= 0 {
		cfg.MedianCap = DefaultMedianCap
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	return &Engine{
		rates:         cfg.Rates,
		priceFloor:    decimal.NewFromFloat(cfg.PriceFloorEUR),
		medianCap:     cfg.MedianCap,
		maxCandidates: cfg.MaxCandidates,
	}
}

func DefaultEngine() *Engine {
	return NewEngine(Config{})
}

// ToEUR converts price with the fixed rate table. Unknown currencies are
// logged and passed through unchanged.
func (e *Engine) ToEUR(price float64, currency string) float64 {
	return e.toEUR(price, currency).InexactFloat64()
}

func (e *Engine) toEUR(price float64, currency string) decimal.Decimal {
	d, err := e.rates.convert(price, currency)
	if err != nil {
		log.Printf("analysis: %v, treating as EUR", err)
		return decimal.NewFromFloat(price).Round(2)
	}
	return d
}

// ExecuteStudyAnalysis filters both markets and scores the study. Raw and
// filtered counts are always filled in, even when it short-circuits.
func (e *Engine) ExecuteStudyAnalysis(target, source []models.ScrapedListing, criteria models.StudyCriteria, threshold float64) models.StudyAnalysis {
	keptTarget, targetReport := e.FilterListingsByStudy(target, criteria)
	keptSource, sourceReport := e.FilterListingsByStudy(source, criteria)

	out := models.StudyAnalysis{
		Status:         models.ResultStatusNull,
		Threshold:      threshold,
		TargetRaw:      len(target),
		TargetFiltered: len(keptTarget),
		SourceRaw:      len(source),
		SourceFiltered: len(keptSource),
		TargetReport:   targetReport,
		SourceReport:   sourceReport,
	}
	switch {
	case len(keptTarget) == 0:
		out.Reason = "no target listings after filtering"
		return out
	case len(keptSource) == 0:
		out.Reason = "no source listings after filtering"
		return out
	}

	opp := e.DetectOpportunity(keptTarget, keptSource, threshold)
	out.Opportunity = &opp
	if opp.HasOpportunity {
		out.Status = models.ResultStatusOpportunities
	}
	return out
}
