package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"vehicle_arb/models"
)

var autoscout24 = marketplace{
	id:       ParserAutoScout24,
	currency: "EUR",
	strategies: []strategy{
		cardStrategy(cardSpec{
			Card:        "article[data-guid], article.cldt-summary-full-item, article[class*=\"ListItem_article\"]",
			Link:        "a[href*=\"/angebote/\"], a[href*=\"/offres/\"], a[href*=\"/offerte/\"], a[href*=\"/aanbod/\"], a[href*=\"/ofertas/\"], a[href*=\"/offers/\"]",
			Title:       "h2",
			Price:       "[data-testid=\"regular-price\"], [class*=\"Price_price\"], [class*=\"PriceAndSeals_current_price\"]",
			Details:     "[class*=\"VehicleDetailTable\"], [data-testid=\"VehicleDetails-mileage_road\"]",
			Trim:        "[class*=\"ListItem_version\"], .cldt-summary-version",
			PriceAttr:   "data-price",
			MileageAttr: "data-mileage",
			YearAttr:    "data-first-registration",
		}),
		firstOf(StrategyJSON, autoscoutNextData, ldJSONListings, stateListings),
		anchorStrategy(regexp.MustCompile(`/(?:angebote|offres|offerte|aanbod|ofertas|offers)/`)),
	},
}

type autoscoutNext struct {
	Props struct {
		PageProps struct {
			Listings []autoscoutListing `json:"listings"`
		} `json:"pageProps"`
	} `json:"props"`
}

type autoscoutListing struct {
	URL     string `json:"url"`
	Vehicle struct {
		Make              string `json:"make"`
		Model             string `json:"model"`
		ModelVersionInput string `json:"modelVersionInput"`
		Mileage           string `json:"mileageInKm"`
	} `json:"vehicle"`
	Price struct {
		PriceFormatted string `json:"priceFormatted"`
	} `json:"price"`
	Tracking struct {
		Price             string `json:"price"`
		Mileage           string `json:"mileage"`
		FirstRegistration string `json:"firstRegistration"`
	} `json:"tracking"`
}

func autoscoutNextData(p *page) []models.ScrapedListing {
	if p.doc == nil {
		return nil
	}
	var out []models.ScrapedListing
	seen := make(map[string]bool)
	p.doc.Find(`script#__NEXT_DATA__`).Each(func(_ int, s *goquery.Selection) {
		var next autoscoutNext
		if err := json.Unmarshal([]byte(s.Text()), &next); err != nil {
			return
		}
		for _, item := range next.Props.PageProps.Listings {
			listingURL := NormalizeListingURL(item.URL, p.source)
			title := CleanTitle(strings.Join([]string{item.Vehicle.Make, item.Vehicle.Model, item.Vehicle.ModelVersionInput}, " "))
			if listingURL == "" || title == "" || seen[listingURL] {
				continue
			}
			price, ok := numericString(item.Tracking.Price)
			if !ok || !priceInRange(int(price)) {
				if price, ok = ExtractPrice(item.Price.PriceFormatted); !ok {
					continue
				}
			}
			l := models.ScrapedListing{
				Title:     title,
				Price:     price,
				Currency:  p.currency,
				URL:       listingURL,
				Trim:      CleanText(item.Vehicle.ModelVersionInput),
				PriceType: DetectPriceType(item.Price.PriceFormatted),
			}
			if m, ok := numericString(firstNonEmpty(item.Tracking.Mileage, item.Vehicle.Mileage)); ok && m <= MaxMileage {
				l.Mileage = intPtr(int(m))
			}
			if y, ok := ExtractYear(strings.ReplaceAll(item.Tracking.FirstRegistration, "-", "/")); ok {
				l.Year = intPtr(y)
			}
			seen[listingURL] = true
			out = append(out, l)
		}
	})
	return out
}
