package parser

import "regexp"

// generic is the fallback for hosts without a dedicated parser.
var generic = marketplace{
	id:       ParserGeneric,
	currency: "EUR",
	strategies: []strategy{
		cardStrategy(cardSpec{
			Card:  "article, li[class*=\"listing\"], div[class*=\"listing-item\"], div[class*=\"result-item\"], div[class*=\"vehicle-card\"]",
			Title: "h2, h3, [class*=\"title\"]",
			Price: "[class*=\"price\"]",
		}),
		firstOf(StrategyJSON, ldJSONListings, stateListings),
		anchorStrategy(regexp.MustCompile(`(?i)/(?:ad|ads|annonce|annonces|listing|listings|vehicle|vehicles|offer|offers|detail|details|car|cars)/|\d{6,}`)),
	},
}
