package parser

import "regexp"

// Bilbasen prices are in Danish kroner ("189.900 kr.").
var bilbasen = marketplace{
	id:       ParserBilbasen,
	currency: "DKK",
	strategies: []strategy{
		cardStrategy(cardSpec{
			Card:        "article[class*=\"Listing_listing\"], div.bb-listing-clickable",
			Link:        "a[href*=\"/brugt/bil/\"]",
			Title:       "[class*=\"Listing_makeModel\"] h3, h3, .listing-heading",
			Price:       "[class*=\"Listing_price\"], .listing-price",
			Details:     "[class*=\"ListingDetails_list\"], .listing-data",
			Description: "[class*=\"Listing_description\"]",
			Trim:        "[class*=\"Listing_makeModel\"] p",
		}),
		firstOf(StrategyJSON, ldJSONListings, stateListings),
		anchorStrategy(regexp.MustCompile(`/brugt/bil/`)),
	},
}
