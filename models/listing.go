package models

type PriceType string

const (
	PriceTypeOneOff    PriceType = "one_off"
	PriceTypeRecurring PriceType = "recurring"
)

// ScrapedListing is one vehicle ad as parsed from a marketplace search page.
// Parsers produce fresh values on every call; nothing mutates them afterwards.
type ScrapedListing struct {
	Title       string    `json:"title"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	Mileage     *int      `json:"mileage,omitempty"`
	Year        *int      `json:"year,omitempty"`
	Trim        string    `json:"trim,omitempty"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	PriceType   PriceType `json:"price_type"`
}

// StudyCriteria describes one monitored vehicle pattern and its two markets.
type StudyCriteria struct {
	ID            string `json:"id" yaml:"id" db:"id"`
	Brand         string `json:"brand" yaml:"brand" db:"brand"`
	Model         string `json:"model" yaml:"model" db:"model"`
	MinYear       int    `json:"min_year" yaml:"min_year" db:"min_year"`
	MaxMileage    int    `json:"max_mileage" yaml:"max_mileage" db:"max_mileage"` // 0 = unbounded
	TargetURL     string `json:"target_url" yaml:"target_url" db:"target_url"`
	TargetCountry string `json:"target_country" yaml:"target_country" db:"target_country"`
	SourceURL     string `json:"source_url" yaml:"source_url" db:"source_url"`
	SourceCountry string `json:"source_country" yaml:"source_country" db:"source_country"`
}

// MarketStats are computed in EUR over the capped cheapest listings.
type MarketStats struct {
	Median  float64 `json:"median"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P25     float64 `json:"p25"`
	P75     float64 `json:"p75"`
	Count   int     `json:"count"`
}

// PricedListing pairs a listing with its EUR-normalized price.
type PricedListing struct {
	Listing  ScrapedListing `json:"listing"`
	PriceEUR float64        `json:"price_eur"`
}

type OpportunityResult struct {
	HasOpportunity      bool            `json:"has_opportunity"`
	TargetMedian        float64         `json:"target_median"`
	BestSourcePrice     float64         `json:"best_source_price"`
	PriceDifference     float64         `json:"price_difference"`
	BestSourceListing   *PricedListing  `json:"best_source_listing,omitempty"`
	InterestingListings []PricedListing `json:"interesting_listings"`
	TargetStats         MarketStats     `json:"target_stats"`
}

// FilterReport counts why listings were dropped by the study filter.
type FilterReport struct {
	Input    int            `json:"input"`
	Kept     int            `json:"kept"`
	Rejected map[string]int `json:"rejected,omitempty"`
}

// StudyAnalysis is the full decision for one study, including counts kept for observability.
type StudyAnalysis struct {
	Status         ResultStatus       `json:"status"`
	Opportunity    *OpportunityResult `json:"opportunity,omitempty"`
	Threshold      float64            `json:"threshold"`
	TargetRaw      int                `json:"target_raw"`
	TargetFiltered int                `json:"target_filtered"`
	SourceRaw      int                `json:"source_raw"`
	SourceFiltered int                `json:"source_filtered"`
	TargetReport   FilterReport       `json:"target_report"`
	SourceReport   FilterReport       `json:"source_report"`
	Reason         string             `json:"reason,omitempty"`
}
