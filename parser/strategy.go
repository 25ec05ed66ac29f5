package parser

import (
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"vehicle_arb/models"
)

const (
	StrategyCards   = "cards"
	StrategyJSON    = "json"
	StrategyAnchors = "anchors"
	StrategyNone    = "none"
)

// page is the shared input every strategy reads from. doc is nil when the
// HTML could not be tokenized at all.
type page struct {
	html     string
	doc      *goquery.Document
	base     *url.URL
	source   string
	currency string
}

type strategy struct {
	name string
	run  func(p *page) []models.ScrapedListing
}

// marketplace is an ordered list of independent strategies. The first one
// that yields listings wins.
type marketplace struct {
	id         ParserID
	currency   string
	strategies []strategy
}

func (m marketplace) parse(html, sourceURL string) Parsed {
	p := newPage(html, sourceURL, m.currency)
	for _, s := range m.strategies {
		listings := runStrategy(m.id, s, p)
		if len(listings) > 0 {
			return Parsed{Parser: m.id, Strategy: s.name, Listings: listings}
		}
	}
	return Parsed{Parser: m.id, Strategy: StrategyNone, Listings: []models.ScrapedListing{}}
}

func newPage(html, sourceURL, currency string) *page {
	p := &page{html: html, source: sourceURL, currency: currency}
	if u, err := url.Parse(sourceURL); err == nil {
		p.base = u
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		p.doc = doc
	}
	return p
}

// runStrategy never lets a strategy take the whole parse down.
func runStrategy(id ParserID, s strategy, p *page) (out []models.ScrapedListing) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("parser %s: strategy %s panicked: %v", id, s.name, r)
			out = nil
		}
	}()
	return s.run(p)
}

// cardSpec describes a listing card in marketplace markup. Empty selectors
// fall back to the card's own text.
type cardSpec struct {
	Card        string
	Link        string
	Title       string
	Price       string
	Details     string
	Description string
	Trim        string

	PriceAttr   string
	MileageAttr string
	YearAttr    string
}

func cardStrategy(spec cardSpec) strategy {
	return strategy{name: StrategyCards, run: func(p *page) []models.ScrapedListing {
		if p.doc == nil {
			return nil
		}
		var out []models.ScrapedListing
		seen := make(map[string]bool)
		p.doc.Find(spec.Card).Each(func(_ int, card *goquery.Selection) {
			l, ok := p.listingFromCard(card, spec)
			if !ok || seen[l.URL] {
				return
			}
			seen[l.URL] = true
			out = append(out, l)
		})
		return out
	}}
}

func (p *page) listingFromCard(card *goquery.Selection, spec cardSpec) (models.ScrapedListing, bool) {
	href := ""
	if goquery.NodeName(card) == "a" {
		href, _ = card.Attr("href")
	}
	if spec.Link != "" {
		if h, ok := card.Find(spec.Link).First().Attr("href"); ok {
			href = h
		}
	}
	if href == "" {
		href, _ = card.Find("a[href]").First().Attr("href")
	}
	listingURL := NormalizeListingURL(href, p.source)
	if listingURL == "" {
		return models.ScrapedListing{}, false
	}

	cardText := nodeText(card)
	title := CleanTitle(selText(card, spec.Title))
	if title == "" {
		title = CleanTitle(nodeText(card.Find("h1, h2, h3, h4").First()))
	}
	if title == "" {
		return models.ScrapedListing{}, false
	}

	priceText := selText(card, spec.Price)
	price, ok := attrNumber(card, spec.PriceAttr)
	if !ok || !priceInRange(int(price)) {
		price, ok = ExtractPrice(firstNonEmpty(priceText, cardText))
	}
	if !ok {
		return models.ScrapedListing{}, false
	}

	details := firstNonEmpty(selText(card, spec.Details), cardText)
	l := models.ScrapedListing{
		Title:       title,
		Price:       price,
		Currency:    p.currency,
		URL:         listingURL,
		Description: CleanText(selText(card, spec.Description)),
		Trim:        CleanText(selText(card, spec.Trim)),
		PriceType:   DetectPriceType(priceText, title),
	}
	if v, ok := attrNumber(card, spec.MileageAttr); ok && v >= 0 && v <= MaxMileage {
		l.Mileage = intPtr(int(v))
	} else if m, ok := ExtractMileage(details); ok {
		l.Mileage = intPtr(m)
	}
	if y, ok := attrYear(card, spec.YearAttr); ok {
		l.Year = intPtr(y)
	} else if y, ok := ExtractYear(details); ok {
		l.Year = intPtr(y)
	}
	return l, true
}

// anchorStrategy is the weakest fallback: any link whose href looks like a
// listing, with price/year/mileage read from the surrounding block.
func anchorStrategy(hrefPattern *regexp.Regexp) strategy {
	return strategy{name: StrategyAnchors, run: func(p *page) []models.ScrapedListing {
		if p.doc == nil {
			return nil
		}
		var out []models.ScrapedListing
		seen := make(map[string]bool)
		p.doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if hrefPattern != nil && !hrefPattern.MatchString(href) {
				return
			}
			listingURL := NormalizeListingURL(href, p.source)
			if listingURL == "" || seen[listingURL] {
				return
			}

			title := CleanTitle(nodeText(a.Find("h1, h2, h3, h4").First()))
			if title == "" {
				title = CleanTitle(a.AttrOr("title", ""))
			}
			if title == "" {
				title = CleanTitle(nodeText(a))
			}
			if title == "" {
				return
			}

			block := a
			text := nodeText(block)
			price, ok := ExtractPrice(text)
			for depth := 0; !ok && depth < 3; depth++ {
				block = block.Parent()
				if block.Length() == 0 || isPageContainer(block) || p.holdsOtherListing(block, hrefPattern, listingURL) {
					break
				}
				text = nodeText(block)
				price, ok = ExtractPrice(text)
			}
			if !ok {
				return
			}
			seen[listingURL] = true
			l := models.ScrapedListing{
				Title:     title,
				Price:     price,
				Currency:  p.currency,
				URL:       listingURL,
				PriceType: DetectPriceType(text),
			}
			if m, ok := ExtractMileage(text); ok {
				l.Mileage = intPtr(m)
			}
			if y, ok := ExtractYear(text); ok {
				l.Year = intPtr(y)
			}
			out = append(out, l)
		})
		return out
	}}
}

// firstOf chains strategies under one name; used to group several JSON
// sources into the single "json" tier.
func firstOf(name string, fns ...func(p *page) []models.ScrapedListing) strategy {
	return strategy{name: name, run: func(p *page) []models.ScrapedListing {
		for _, fn := range fns {
			if out := fn(p); len(out) > 0 {
				return out
			}
		}
		return nil
	}}
}

func selText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return nodeText(s.Find(selector).First())
}

// nodeText is Selection.Text with a space between text nodes, so adjacent
// inline elements ("<span>€ 9.900</span><span>2019</span>") stay apart.
func nodeText(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return CleanText(b.String())
}

// holdsOtherListing reports whether block links to a listing other than own,
// meaning it is a results container rather than a single ad.
func (p *page) holdsOtherListing(block *goquery.Selection, hrefPattern *regexp.Regexp, own string) bool {
	found := false
	block.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if hrefPattern != nil && !hrefPattern.MatchString(href) {
			return true
		}
		if u := NormalizeListingURL(href, p.source); u != "" && u != own {
			found = true
			return false
		}
		return true
	})
	return found
}

func isPageContainer(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "body", "html", "main":
		return true
	}
	return false
}

func attrNumber(s *goquery.Selection, attr string) (float64, bool) {
	if attr == "" {
		return 0, false
	}
	v, ok := s.Attr(attr)
	if !ok {
		return 0, false
	}
	n, ok := parseNumber(v)
	return float64(n), ok
}

func attrYear(s *goquery.Selection, attr string) (int, bool) {
	if attr == "" {
		return 0, false
	}
	v, ok := s.Attr(attr)
	if !ok {
		return 0, false
	}
	if y, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && yearInRange(y) {
		return y, true
	}
	return ExtractYear(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
