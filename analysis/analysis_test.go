package analysis

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vehicle_arb/models"
)

func eurListings(prices ...float64) []models.ScrapedListing {
	out := make([]models.ScrapedListing, len(prices))
	for i, p := range prices {
		out[i] = models.ScrapedListing{
			Title:     "Toyota Yaris 1.5 Hybrid",
			Price:     p,
			Currency:  "EUR",
			URL:       fmt.Sprintf("https://example.test/ad/%d", i),
			PriceType: models.PriceTypeOneOff,
		}
	}
	return out
}

func yearPtr(y int) *int { return &y }

func TestToEUR(t *testing.T) {
	e := DefaultEngine()
	assert.Equal(t, 14500.0, e.ToEUR(14500, "EUR"))
	assert.Equal(t, 14500.0, e.ToEUR(14500, ""))
	assert.Equal(t, 25446.6, e.ToEUR(189900, "DKK"))
	assert.Equal(t, 25446.6, e.ToEUR(189900, "dkk"))
	assert.Equal(t, 1000.0, e.ToEUR(1000, "XYZ"), "unknown currency passes through")

	custom := NewEngine(Config{Rates: DefaultRates().With("DKK", decimal.RequireFromString("0.1"))})
	assert.Equal(t, 18990.0, custom.ToEUR(189900, "DKK"))
}

func TestMedianCapEvenCount(t *testing.T) {
	stats := DefaultEngine().ComputeTargetMarketStats(eurListings(43500, 38800, 44000, 42950, 40450, 43000))
	assert.Equal(t, 42975.0, stats.Median)
	assert.Equal(t, 6, stats.Count)
	assert.Equal(t, 38800.0, stats.Min)
	assert.Equal(t, 44000.0, stats.Max)
	assert.Equal(t, 42116.67, stats.Average)
	assert.Equal(t, 41075.0, stats.P25)
	assert.Equal(t, 43375.0, stats.P75)
}

func TestMedianOddCount(t *testing.T) {
	stats := DefaultEngine().ComputeTargetMarketStats(eurListings(42950, 38800, 40450))
	assert.Equal(t, 40450.0, stats.Median)
	assert.Equal(t, 3, stats.Count)
}

func TestStatsNeverUseMoreThanSix(t *testing.T) {
	e := DefaultEngine()
	for n := 0; n <= 12; n++ {
		prices := make([]float64, n)
		for i := range prices {
			prices[i] = float64(10000 + 1000*(n-i))
		}
		stats := e.ComputeTargetMarketStats(eurListings(prices...))
		assert.LessOrEqual(t, stats.Count, 6)
		if n > 6 {
			assert.Equal(t, 16000.0, stats.Max, "cap keeps only the cheapest")
		}
	}
}

func TestStatsEmpty(t *testing.T) {
	assert.Equal(t, models.MarketStats{}, DefaultEngine().ComputeTargetMarketStats(nil))
}

func TestOpportunityBoundary(t *testing.T) {
	e := DefaultEngine()
	target := eurListings(43000)
	source := eurListings(35000)

	res := e.DetectOpportunity(target, source, 8000)
	assert.True(t, res.HasOpportunity)
	assert.Equal(t, 43000.0, res.TargetMedian)
	assert.Equal(t, 35000.0, res.BestSourcePrice)
	assert.Equal(t, 8000.0, res.PriceDifference)

	res = e.DetectOpportunity(target, source, 8001)
	assert.False(t, res.HasOpportunity)
	assert.Equal(t, res.TargetMedian-res.BestSourcePrice, res.PriceDifference)
}

func TestInterestingListings(t *testing.T) {
	e := DefaultEngine()
	target := eurListings(20000)
	source := eurListings(9000, 14000, 8000, 12000, 15001, 11000, 10000, 15000)

	res := e.DetectOpportunity(target, source, 5000)
	require.Len(t, res.InterestingListings, 5)
	want := []float64{8000, 9000, 10000, 11000, 12000}
	for i, p := range res.InterestingListings {
		assert.Equal(t, want[i], p.PriceEUR)
	}
	require.NotNil(t, res.BestSourceListing)
	assert.Equal(t, 8000.0, res.BestSourceListing.PriceEUR)

	res = e.DetectOpportunity(target, eurListings(16000, 15000), 5000)
	require.Len(t, res.InterestingListings, 1, "15000 is exactly median - threshold")
	assert.Equal(t, 15000.0, res.InterestingListings[0].PriceEUR)
}

func TestMatchesBrandModel(t *testing.T) {
	ok, reason := MatchesBrandModel("Toyota Yaris 1.5", "Toyota", "Yaris Cross")
	assert.False(t, ok)
	assert.Contains(t, reason, "cross")

	ok, _ = MatchesBrandModel("Toyota Yaris Cross 1.5 Hybrid", "Toyota", "Yaris Cross")
	assert.True(t, ok)

	ok, _ = MatchesBrandModel("TOYOTA YARIS-CROSS", "toyota", "Yaris Cross")
	assert.True(t, ok)

	ok, reason = MatchesBrandModel("Peugeot 308 SW", "Toyota", "308")
	assert.False(t, ok)
	assert.Contains(t, reason, "brand")

	ok, _ = MatchesBrandModel("VW Golf 1.5 TSI", "Volkswagen", "Golf")
	assert.True(t, ok)

	ok, _ = MatchesBrandModel("Mercedes-Benz C 200", "Mercedes-Benz", "C")
	assert.True(t, ok)

	ok, _ = MatchesBrandModel("BMW 3200 Special", "BMW", "320")
	assert.False(t, ok, "numeric model tokens match whole title tokens only")

	ok, _ = MatchesBrandModel("VW Golf8 1.5 eTSI", "Volkswagen", "Golf")
	assert.True(t, ok, "generation number glued to the model")

	ok, _ = MatchesBrandModel("Toyota YarisCross Hybrid", "Toyota", "Yaris Cross")
	assert.True(t, ok, "model words written as one token")

	ok, _ = MatchesBrandModel("Toyota Yaris 1.5", "Toyota", "Yaris Cross")
	assert.False(t, ok)

	ok, _ = MatchesBrandModel("Toyota Yarisx", "Toyota", "Yaris")
	assert.False(t, ok, "only digits may follow a glued model word")
}

func TestShouldFilterListing(t *testing.T) {
	e := DefaultEngine()
	base := models.ScrapedListing{Title: "VW Golf", Price: 14500, Currency: "EUR", URL: "https://x.test/1"}

	tests := []struct {
		name   string
		mutate func(l *models.ScrapedListing)
		drop   bool
		reason string
	}{
		{"clean", func(*models.ScrapedListing) {}, false, ""},
		{"floor", func(l *models.ScrapedListing) { l.Price = 1500 }, true, ReasonPriceFloor},
		{"floor in DKK", func(l *models.ScrapedListing) { l.Price, l.Currency = 9000, "DKK" }, true, ReasonPriceFloor},
		{"recurring price", func(l *models.ScrapedListing) { l.PriceType = models.PriceTypeRecurring }, true, ReasonLeasing},
		{"leasing title", func(l *models.ScrapedListing) { l.Title = "VW Golf Leasing ohne Anzahlung" }, true, ReasonLeasing},
		{"monthly french", func(l *models.ScrapedListing) { l.Description = "299 € par mois" }, true, ReasonLeasing},
		{"damaged german", func(l *models.ScrapedListing) { l.Title = "VW Golf Motorschaden" }, true, ReasonDamaged},
		{"for parts french", func(l *models.ScrapedListing) { l.Description = "vendu pour pièces" }, true, ReasonDamaged},
		{"accident free german", func(l *models.ScrapedListing) { l.Description = "Scheckheft, unfallfrei" }, false, ""},
		{"accident free english", func(l *models.ScrapedListing) { l.Description = "accident-free, undamaged" }, false, ""},
		{"accident free dutch", func(l *models.ScrapedListing) { l.Description = "schadevrij" }, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base
			tt.mutate(&l)
			drop, reason := e.ShouldFilterListing(l)
			assert.Equal(t, tt.drop, drop)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestFilterListingsByStudy(t *testing.T) {
	e := DefaultEngine()
	criteria := models.StudyCriteria{Brand: "Toyota", Model: "Yaris", MinYear: 2019, MaxMileage: 100000}
	km := func(v int) *int { return &v }

	listings := []models.ScrapedListing{
		{Title: "Toyota Yaris 1.5", Price: 14000, Currency: "EUR", URL: "a", Year: yearPtr(2020), Mileage: km(40000)},
		{Title: "Toyota Yaris 1.0", Price: 9000, Currency: "EUR", URL: "b", Year: yearPtr(2017)},
		{Title: "Toyota Yaris 1.5", Price: 11000, Currency: "EUR", URL: "c", Mileage: km(150000)},
		{Title: "Toyota Aygo", Price: 8000, Currency: "EUR", URL: "d"},
		{Title: "Toyota Yaris", Price: 900, Currency: "EUR", URL: "e"},
		{Title: "Toyota Yaris Hybrid", Price: 16000, Currency: "EUR", URL: "f"},
	}
	kept, report := e.FilterListingsByStudy(listings, criteria)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].URL)
	assert.Equal(t, "f", kept[1].URL, "unknown year and mileage pass")
	assert.Equal(t, 6, report.Input)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, map[string]int{ReasonYear: 1, ReasonMileage: 1, ReasonModel: 1, ReasonPriceFloor: 1}, report.Rejected)

	unbounded := criteria
	unbounded.MaxMileage = 0
	kept, _ = e.FilterListingsByStudy(listings, unbounded)
	assert.Len(t, kept, 3)
}

func TestExecuteStudyAnalysisEndToEnd(t *testing.T) {
	e := DefaultEngine()
	criteria := models.StudyCriteria{ID: "yaris", Brand: "Toyota", Model: "Yaris", MinYear: 2018}
	target := eurListings(12000, 13000, 14000, 15000, 16000, 17000, 30000)
	source := eurListings(9000, 11000, 13000)

	res := e.ExecuteStudyAnalysis(target, source, criteria, 5000)
	assert.Equal(t, models.ResultStatusOpportunities, res.Status)
	assert.Equal(t, 7, res.TargetRaw)
	assert.Equal(t, 7, res.TargetFiltered)
	assert.Equal(t, 3, res.SourceFiltered)
	require.NotNil(t, res.Opportunity)
	assert.Equal(t, 14500.0, res.Opportunity.TargetMedian)
	assert.Equal(t, 17000.0, res.Opportunity.TargetStats.Max, "outlier excluded by the cap")
	assert.Equal(t, 9000.0, res.Opportunity.BestSourcePrice)
	assert.Equal(t, 5500.0, res.Opportunity.PriceDifference)
	assert.Len(t, res.Opportunity.InterestingListings, 1)
}

func TestExecuteStudyAnalysisShortCircuits(t *testing.T) {
	e := DefaultEngine()
	criteria := models.StudyCriteria{Brand: "Toyota", Model: "Yaris Cross"}

	res := e.ExecuteStudyAnalysis(eurListings(20000, 21000), eurListings(9000), criteria, 1000)
	assert.Equal(t, models.ResultStatusNull, res.Status)
	assert.Nil(t, res.Opportunity)
	assert.Equal(t, 2, res.TargetRaw)
	assert.Equal(t, 0, res.TargetFiltered)
	assert.Equal(t, 1, res.SourceRaw)
	assert.NotEmpty(t, res.Reason)

	res = e.ExecuteStudyAnalysis(eurListings(20000), nil, models.StudyCriteria{Brand: "Toyota", Model: "Yaris"}, 1000)
	assert.Equal(t, models.ResultStatusNull, res.Status)
	assert.Equal(t, "no source listings after filtering", res.Reason)
}

func TestExecuteStudyAnalysisIgnoresInputOrder(t *testing.T) {
	e := DefaultEngine()
	criteria := models.StudyCriteria{Brand: "Toyota", Model: "Yaris"}
	target := eurListings(12000, 13000, 14000, 15000)
	source := eurListings(9000, 9000, 11000)

	a := e.ExecuteStudyAnalysis(target, source, criteria, 3000)
	reversed := make([]models.ScrapedListing, len(source))
	for i, l := range source {
		reversed[len(source)-1-i] = l
	}
	b := e.ExecuteStudyAnalysis(target, reversed, criteria, 3000)
	assert.Equal(t, a, b)
}
