package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"vehicle_arb/models"
)

// schema.org shapes seen in marketplace ld+json blocks. Only the fields the
// engine needs are declared.
type ldNode struct {
	Type                       json.RawMessage   `json:"@type"`
	Graph                      []json.RawMessage `json:"@graph"`
	Name                       string            `json:"name"`
	URL                        string            `json:"url"`
	Description                string            `json:"description"`
	Offers                     json.RawMessage   `json:"offers"`
	MileageFromOdometer        *ldQuantity       `json:"mileageFromOdometer"`
	VehicleModelDate           string            `json:"vehicleModelDate"`
	ModelDate                  string            `json:"modelDate"`
	ProductionDate             string            `json:"productionDate"`
	DateVehicleFirstRegistered string            `json:"dateVehicleFirstRegistered"`
	VehicleConfiguration       string            `json:"vehicleConfiguration"`
	ItemListElement            []ldListItem      `json:"itemListElement"`
}

type ldListItem struct {
	URL  string  `json:"url"`
	Item *ldNode `json:"item"`
}

type ldQuantity struct {
	Value    json.RawMessage `json:"value"`
	UnitCode string          `json:"unitCode"`
}

type ldOffer struct {
	Price         json.RawMessage `json:"price"`
	PriceCurrency string          `json:"priceCurrency"`
	URL           string          `json:"url"`
}

func ldJSONListings(p *page) []models.ScrapedListing {
	if p.doc == nil {
		return nil
	}
	var out []models.ScrapedListing
	seen := make(map[string]bool)
	add := func(l models.ScrapedListing, ok bool) {
		if ok && !seen[l.URL] {
			seen[l.URL] = true
			out = append(out, l)
		}
	}
	p.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		for _, node := range decodeLDNodes([]byte(s.Text())) {
			for _, item := range node.ItemListElement {
				if item.Item != nil {
					if item.Item.URL == "" {
						item.Item.URL = item.URL
					}
					add(p.listingFromLD(item.Item))
				}
			}
			if len(node.ItemListElement) == 0 {
				add(p.listingFromLD(&node))
			}
		}
	})
	return out
}

// decodeLDNodes accepts a single object, an array, or an @graph wrapper.
func decodeLDNodes(data []byte) []ldNode {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	var nodes []ldNode
	if data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil
		}
		for _, r := range raws {
			nodes = append(nodes, decodeLDNodes(r)...)
		}
		return nodes
	}
	var n ldNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	for _, g := range n.Graph {
		nodes = append(nodes, decodeLDNodes(g)...)
	}
	return append(nodes, n)
}

func (p *page) listingFromLD(n *ldNode) (models.ScrapedListing, bool) {
	if !ldTypeIs(n.Type, "Car", "Vehicle", "Product", "Offer", "MotorizedBicycle") {
		return models.ScrapedListing{}, false
	}
	offer := firstOffer(n.Offers)
	price, ok := rawNumber(offer.Price)
	if !ok || !priceInRange(int(price)) {
		return models.ScrapedListing{}, false
	}
	listingURL := NormalizeListingURL(firstNonEmpty(n.URL, offer.URL), p.source)
	title := CleanTitle(n.Name)
	if listingURL == "" || title == "" {
		return models.ScrapedListing{}, false
	}
	l := models.ScrapedListing{
		Title:       title,
		Price:       price,
		Currency:    p.currency,
		URL:         listingURL,
		Description: CleanText(n.Description),
		Trim:        CleanText(n.VehicleConfiguration),
		PriceType:   DetectPriceType(title),
	}
	if n.MileageFromOdometer != nil {
		if v, ok := rawNumber(n.MileageFromOdometer.Value); ok && v >= 0 && v <= MaxMileage {
			l.Mileage = intPtr(int(v))
		}
	}
	for _, d := range []string{n.DateVehicleFirstRegistered, n.VehicleModelDate, n.ModelDate, n.ProductionDate} {
		if y, ok := ExtractYear(d); ok {
			l.Year = intPtr(y)
			break
		}
	}
	return l, true
}

func ldTypeIs(raw json.RawMessage, want ...string) bool {
	var types []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		types = []string{single}
	} else if err := json.Unmarshal(raw, &types); err != nil {
		return false
	}
	for _, t := range types {
		for _, w := range want {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

func firstOffer(raw json.RawMessage) ldOffer {
	var o ldOffer
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return o
	}
	if raw[0] == '[' {
		var offers []ldOffer
		if err := json.Unmarshal(raw, &offers); err == nil && len(offers) > 0 {
			return offers[0]
		}
		return o
	}
	_ = json.Unmarshal(raw, &o)
	return o
}

// rawNumber reads a JSON number, a numeric string ("15.900"), or the first
// element of a numeric array.
func rawNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return numericString(s)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return rawNumber(arr[0])
	}
	return 0, false
}

var centsSuffix = regexp.MustCompile(`[.,]\d{1,2}\s*$`)

// numericString parses "15.900", "15,900", "15900.00" and "15 900 €" alike.
// A one or two digit decimal tail is treated as cents and dropped.
func numericString(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimRightFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	}))
	s = centsSuffix.ReplaceAllString(s, "")
	n, ok := parseNumber(s)
	return float64(n), ok
}

var stateAssignRegex = regexp.MustCompile(`(?s)window\.__(?:INITIAL_STATE|PRELOADED_STATE|APP_STATE)__\s*=\s*(\{.*?\});?\s*(?:</script>|$)`)

// embeddedStateBlobs returns __NEXT_DATA__ and window.__*_STATE__ payloads in
// document order.
func embeddedStateBlobs(p *page) [][]byte {
	var blobs [][]byte
	if p.doc != nil {
		p.doc.Find(`script#__NEXT_DATA__, script#srp-data`).Each(func(_ int, s *goquery.Selection) {
			blobs = append(blobs, []byte(s.Text()))
		})
	}
	for _, m := range stateAssignRegex.FindAllStringSubmatch(p.html, -1) {
		blobs = append(blobs, []byte(m[1]))
	}
	return blobs
}

var (
	titleKeys   = []string{"title", "name", "subject", "headline", "makeModel"}
	priceKeys   = []string{"price", "priceValue", "grossAmount", "price_eur", "amount", "rawPrice", "priceRaw"}
	urlKeys     = []string{"url", "href", "link", "detailPageUrl", "relativeUrl", "uri"}
	yearKeys    = []string{"year", "firstRegistrationYear", "modelYear", "firstRegistration", "regdate", "registrationYear"}
	mileageKeys = []string{"mileage", "mileageInKm", "km", "kilometers", "odometer"}
)

// stateListings walks decoded page state looking for objects that carry a
// title, a price and a link. Map keys are visited in sorted order so the
// output never depends on map iteration.
func stateListings(p *page) []models.ScrapedListing {
	var out []models.ScrapedListing
	seen := make(map[string]bool)
	for _, blob := range embeddedStateBlobs(p) {
		dec := json.NewDecoder(bytes.NewReader(blob))
		dec.UseNumber()
		var root any
		if err := dec.Decode(&root); err != nil {
			continue
		}
		walkState(root, 0, func(obj map[string]any) bool {
			l, ok := p.listingFromState(obj)
			if !ok {
				return false
			}
			if !seen[l.URL] {
				seen[l.URL] = true
				out = append(out, l)
			}
			return true
		})
	}
	return out
}

const maxStateDepth = 24

func walkState(v any, depth int, visit func(map[string]any) bool) {
	if depth > maxStateDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		if visit(t) {
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkState(t[k], depth+1, visit)
		}
	case []any:
		for _, item := range t {
			walkState(item, depth+1, visit)
		}
	}
}

func (p *page) listingFromState(obj map[string]any) (models.ScrapedListing, bool) {
	title := CleanTitle(stringField(obj, titleKeys))
	href := stringField(obj, urlKeys)
	if title == "" || href == "" {
		return models.ScrapedListing{}, false
	}
	price, ok := numberField(obj, priceKeys)
	if !ok || !priceInRange(int(price)) {
		return models.ScrapedListing{}, false
	}
	listingURL := NormalizeListingURL(href, p.source)
	if listingURL == "" {
		return models.ScrapedListing{}, false
	}
	l := models.ScrapedListing{
		Title:       title,
		Price:       price,
		Currency:    p.currency,
		URL:         listingURL,
		Description: CleanText(stringField(obj, []string{"description", "body", "teaser"})),
		Trim:        CleanText(stringField(obj, []string{"version", "trim", "modelVersion", "variant"})),
		PriceType:   DetectPriceType(title, stringField(obj, []string{"priceLabel", "priceType"})),
	}
	if v, ok := numberField(obj, mileageKeys); ok && v >= 0 && v <= MaxMileage {
		l.Mileage = intPtr(int(v))
	}
	if v, ok := numberField(obj, yearKeys); ok && yearInRange(int(v)) {
		l.Year = intPtr(int(v))
	} else if y, ok := ExtractYear(stringField(obj, yearKeys)); ok {
		l.Year = intPtr(y)
	}
	return l, true
}

func stringField(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// numberField accepts numbers, numeric strings, single-element arrays and
// {"amount"|"value": n} wrappers.
func numberField(obj map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := anyNumber(obj[k], 0); ok {
			return v, true
		}
	}
	return 0, false
}

func anyNumber(v any, depth int) (float64, bool) {
	if depth > 2 {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		return numericString(t)
	case []any:
		if len(t) > 0 {
			return anyNumber(t[0], depth+1)
		}
	case map[string]any:
		for _, k := range []string{"amount", "value", "raw", "gross", "grossAmount"} {
			if f, ok := anyNumber(t[k], depth+1); ok {
				return f, true
			}
		}
	}
	return 0, false
}
