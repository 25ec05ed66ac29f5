package parser

import (
	"encoding/json"
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"vehicle_arb/models"
)

var leboncoin = marketplace{
	id:       ParserLeboncoin,
	currency: "EUR",
	strategies: []strategy{
		cardStrategy(cardSpec{
			Card:        "a[data-test-id=\"ad\"], [data-qa-id=\"aditem_container\"]",
			Title:       "[data-qa-id=\"aditem_title\"], [data-test-id=\"adcard-title\"], p[title]",
			Price:       "[data-test-id=\"price\"], [data-qa-id=\"aditem_price\"]",
			Details:     "[data-test-id=\"ad-params-light\"], [data-qa-id=\"aditem_params\"]",
			Description: "[data-qa-id=\"aditem_description\"]",
		}),
		firstOf(StrategyJSON, leboncoinNextData, ldJSONListings, stateListings),
		anchorStrategy(regexp.MustCompile(`/(?:ad/voitures|voitures)/\d+`)),
	},
}

type leboncoinNext struct {
	Props struct {
		PageProps struct {
			SearchData struct {
				Ads []leboncoinAd `json:"ads"`
			} `json:"searchData"`
		} `json:"pageProps"`
	} `json:"props"`
}

type leboncoinAd struct {
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	URL        string            `json:"url"`
	Price      []json.RawMessage `json:"price"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

func leboncoinNextData(p *page) []models.ScrapedListing {
	if p.doc == nil {
		return nil
	}
	var out []models.ScrapedListing
	seen := make(map[string]bool)
	p.doc.Find(`script#__NEXT_DATA__`).Each(func(_ int, s *goquery.Selection) {
		var next leboncoinNext
		if err := json.Unmarshal([]byte(s.Text()), &next); err != nil {
			return
		}
		for _, ad := range next.Props.PageProps.SearchData.Ads {
			listingURL := NormalizeListingURL(ad.URL, p.source)
			title := CleanTitle(ad.Subject)
			if listingURL == "" || title == "" || seen[listingURL] || len(ad.Price) == 0 {
				continue
			}
			price, ok := rawNumber(ad.Price[0])
			if !ok || !priceInRange(int(price)) {
				continue
			}
			l := models.ScrapedListing{
				Title:       title,
				Price:       price,
				Currency:    p.currency,
				URL:         listingURL,
				Description: CleanText(ad.Body),
				PriceType:   DetectPriceType(title, ad.Body),
			}
			for _, a := range ad.Attributes {
				switch a.Key {
				case "regdate":
					if y, ok := ExtractYear(a.Value); ok {
						l.Year = intPtr(y)
					}
				case "mileage":
					if m, ok := numericString(a.Value); ok && m <= MaxMileage {
						l.Mileage = intPtr(int(m))
					}
				}
			}
			seen[listingURL] = true
			out = append(out, l)
		}
	})
	return out
}
