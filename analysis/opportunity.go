package analysis

import (
	"github.com/shopspring/decimal"
	"vehicle_arb/models"
)

// DetectOpportunity compares the target benchmark against the cheapest
// source listing. Interesting listings are the source ads priced at or below
// median − threshold, cheapest first, capped at maxCandidates.
func (e *Engine) DetectOpportunity(target, source []models.ScrapedListing, threshold float64) models.OpportunityResult {
	stats := e.ComputeTargetMarketStats(target)
	res := models.OpportunityResult{
		TargetMedian:        stats.Median,
		TargetStats:         stats,
		InterestingListings: []models.PricedListing{},
	}
	src := e.priced(source)
	if len(src) == 0 || stats.Count == 0 {
		return res
	}

	best := src[0]
	res.BestSourceListing = &best
	res.BestSourcePrice = best.PriceEUR
	res.PriceDifference = decimal.NewFromFloat(stats.Median).Sub(decimal.NewFromFloat(best.PriceEUR)).Round(2).InexactFloat64()
	res.HasOpportunity = res.PriceDifference >= threshold

	ceiling := stats.Median - threshold
	for _, p := range src {
		if p.PriceEUR > ceiling || len(res.InterestingListings) == e.maxCandidates {
			break
		}
		res.InterestingListings = append(res.InterestingListings, p)
	}
	return res
}
