package parser

import (
	"net/url"
	"strconv"
	"strings"

	"vehicle_arb/models"
)

// ParserID names one of the closed set of marketplace parsers.
type ParserID string

const (
	ParserAutoScout24 ParserID = "autoscout24"
	ParserMobileDE    ParserID = "mobilede"
	ParserLeboncoin   ParserID = "leboncoin"
	ParserBilbasen    ParserID = "bilbasen"
	ParserGeneric     ParserID = "generic"
)

// Parsed is a parse result plus which parser and strategy produced it.
type Parsed struct {
	Parser   ParserID                `json:"parser"`
	Strategy string                  `json:"strategy"`
	Listings []models.ScrapedListing `json:"listings"`
}

var marketplaces = map[ParserID]marketplace{
	ParserAutoScout24: autoscout24,
	ParserMobileDE:    mobilede,
	ParserLeboncoin:   leboncoin,
	ParserBilbasen:    bilbasen,
	ParserGeneric:     generic,
}

// hostDomains maps registrable domains to parsers; subdomains match too.
// AutoScout24 runs one site per country, so only its second-level label is
// compared.
var hostDomains = []struct {
	domain string
	id     ParserID
}{
	{"mobile.de", ParserMobileDE},
	{"leboncoin.fr", ParserLeboncoin},
	{"bilbasen.dk", ParserBilbasen},
}

// SelectParserByHostname never fails: unknown or unparseable URLs get the
// generic parser.
func SelectParserByHostname(rawURL string) ParserID {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ParserGeneric
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	for _, h := range hostDomains {
		if host == h.domain || strings.HasSuffix(host, "."+h.domain) {
			return h.id
		}
	}
	labels := strings.Split(host, ".")
	if n := len(labels); n >= 2 && (labels[n-2] == "autoscout24" || (n >= 3 && labels[n-3] == "autoscout24" && labels[n-2] == "co")) {
		return ParserAutoScout24
	}
	return ParserGeneric
}

// MarketplaceCurrency is the fixed currency a parser assigns to its listings.
func MarketplaceCurrency(id ParserID) string {
	if m, ok := marketplaces[id]; ok {
		return m.currency
	}
	return generic.currency
}

// ParseSearchPage turns one search result page into listings. It is pure and
// total: a page nothing can be read from yields an empty slice.
func ParseSearchPage(html, sourceURL string) []models.ScrapedListing {
	return ParseSearchPageDetailed(html, sourceURL).Listings
}

func ParseSearchPageDetailed(html, sourceURL string) Parsed {
	id := SelectParserByHostname(sourceURL)
	return marketplaces[id].parse(html, sourceURL)
}

// BuildPaginatedURL sets the page query parameter, replacing any existing one.
// Page 1 and below return the URL without a page parameter.
func BuildPaginatedURL(rawURL string, page int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeListingURL resolves href against the origin of sourceURL and drops
// the fragment. Non-http links and empty hrefs return "".
func NormalizeListingURL(href, sourceURL string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !ref.IsAbs() {
		base, err := url.Parse(sourceURL)
		if err != nil || base.Host == "" {
			return ""
		}
		origin := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
		if !strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//") {
			origin.Path = base.Path
		}
		ref = origin.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}
