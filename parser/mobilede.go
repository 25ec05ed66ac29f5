package parser

import "regexp"

var mobilede = marketplace{
	id:       ParserMobileDE,
	currency: "EUR",
	strategies: []strategy{
		cardStrategy(cardSpec{
			Card:    "a[data-testid^=\"result-listing\"], div.cBox-body--resultitem, article[data-testid=\"result-listing\"]",
			Link:    "a.link--muted, a[href*=\"/fahrzeuge/details\"]",
			Title:   "h2, .headline-block, [data-testid=\"listing-title\"]",
			Price:   "[data-testid=\"price-label\"], .price-block, .h3.u-block",
			Details: "[data-testid=\"listing-details-attributes\"], .rbt-regMilPow, .vehicle-data",
			Trim:    "[data-testid=\"listing-subtitle\"], .listing-subtitle",
		}),
		firstOf(StrategyJSON, ldJSONListings, stateListings),
		anchorStrategy(regexp.MustCompile(`/fahrzeuge/details\.html|/auto-inserat/`)),
	},
}
