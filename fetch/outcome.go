package fetch

import "vehicle_arb/models"

type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeBlocked      OutcomeKind = "blocked"
	OutcomeZeroListings OutcomeKind = "zero_listings"
)

// Diagnostics is everything kept about the last attempt; after the fact it
// is the only way to tell why a page came back empty.
type Diagnostics struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	PageLength int    `json:"page_length"`
	Snippet    string `json:"snippet"`
	Parser     string `json:"parser"`
	Strategy   string `json:"strategy"`
	Profile    string `json:"profile"`
	RetryCount int    `json:"retry_count"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

type Outcome struct {
	Kind        OutcomeKind             `json:"kind"`
	Listings    []models.ScrapedListing `json:"-"`
	Method      string                  `json:"method,omitempty"`
	ProfileUsed int                     `json:"profile_used"`
	RetryCount  int                     `json:"retry_count"`
	Pages       int                     `json:"pages"`
	Reason      string                  `json:"reason,omitempty"`
	Diagnostics Diagnostics             `json:"diagnostics"`
}

func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }
