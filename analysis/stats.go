package analysis

import (
	"sort"

	"github.com/shopspring/decimal"
	"vehicle_arb/models"
)

var two = decimal.NewFromInt(2)

// priced converts listings to EUR and sorts them cheapest first. Equal
// prices are ordered by URL so the result never depends on input order.
func (e *Engine) priced(listings []models.ScrapedListing) []models.PricedListing {
	out := make([]models.PricedListing, 0, len(listings))
	for _, l := range listings {
		out = append(out, models.PricedListing{Listing: l, PriceEUR: e.ToEUR(l.Price, l.Currency)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriceEUR != out[j].PriceEUR {
			return out[i].PriceEUR < out[j].PriceEUR
		}
		return out[i].Listing.URL < out[j].Listing.URL
	})
	return out
}

// ComputeTargetMarketStats benchmarks the market on its cheapest listings
// only; at most medianCap of them are used. Empty input gives zero stats.
func (e *Engine) ComputeTargetMarketStats(listings []models.ScrapedListing) models.MarketStats {
	sorted := e.priced(listings)
	if len(sorted) > e.medianCap {
		sorted = sorted[:e.medianCap]
	}
	if len(sorted) == 0 {
		return models.MarketStats{}
	}

	prices := make([]decimal.Decimal, len(sorted))
	sum := decimal.Zero
	for i, p := range sorted {
		prices[i] = decimal.NewFromFloat(p.PriceEUR)
		sum = sum.Add(prices[i])
	}
	n := len(prices)
	return models.MarketStats{
		Median:  median(prices).InexactFloat64(),
		Average: sum.Div(decimal.NewFromInt(int64(n))).Round(2).InexactFloat64(),
		Min:     prices[0].InexactFloat64(),
		Max:     prices[n-1].InexactFloat64(),
		P25:     percentile(prices, 25).InexactFloat64(),
		P75:     percentile(prices, 75).InexactFloat64(),
		Count:   n,
	}
}

// median expects sorted, non-empty input.
func median(sorted []decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(two)
}

// percentile interpolates linearly between closest ranks; p is 0..100.
func percentile(sorted []decimal.Decimal, p int64) decimal.Decimal {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := decimal.NewFromInt(p).Mul(decimal.NewFromInt(int64(n - 1))).Div(decimal.NewFromInt(100))
	lo := rank.Floor()
	i := int(lo.IntPart())
	if i >= n-1 {
		return sorted[n-1]
	}
	frac := rank.Sub(lo)
	return sorted[i].Add(sorted[i+1].Sub(sorted[i]).Mul(frac)).Round(2)
}
