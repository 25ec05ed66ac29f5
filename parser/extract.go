package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"vehicle_arb/models"
)

// Sanity bounds for numbers pulled out of free text. Anything outside is
// treated as a bad regex hit, not as data.
const (
	MinPrice   = 100
	MaxPrice   = 500000
	MinYear    = 2000
	MaxMileage = 1000000

	maxTitleRunes = 200
)

// Each thousands group must end on a word boundary so "9.900 2019" stays
// two numbers.
const numPattern = `\d{1,3}(?:[  .,'’]\d{3}\b)+|\d+`

var (
	currencyMarkers = `€|eur\b|kr\.|kr\b|dkk|sek|nok|chf|£|,-`

	pricePrefixedRegex = regexp.MustCompile(`(?i)(?:€|eur|kr\.?|dkk|sek|nok|chf|£)\s*(` + numPattern + `)`)
	priceSuffixedRegex = regexp.MustCompile(`(?i)(` + numPattern + `)\s*(?:` + currencyMarkers + `)`)
	numberRegex        = regexp.MustCompile(numPattern)
	mileageRegex       = regexp.MustCompile(`(?i)(` + numPattern + `)\s*(?:km|kilom[eè]t(?:er|re)s?)\b`)
	registrationRegex  = regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/.\-](\d{4})\b`)
	yearRegex          = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
	kmAfterRegex       = regexp.MustCompile(`(?i)^\s*(?:km|kilom)`)
	recurringRegex     = regexp.MustCompile(`(?i)(/\s*(?:mo|month|mois|monat|md|mdr|mnd|maand|mese)\b|per month|par mois|pr\.?\s*md\b|om måneden|monatlich|mtl\.|mensuel|per maand|al mese)`)

	spaceReplacer = strings.NewReplacer(" ", " ", " ", " ", " ", " ")
)

// ExtractPrice finds the first plausible price in text. Numbers adjacent to
// a currency marker win over bare numbers; year-like values are only taken
// when nothing else qualifies.
func ExtractPrice(text string) (float64, bool) {
	text = spaceReplacer.Replace(text)
	var marked []priceHit
	for _, re := range []*regexp.Regexp{pricePrefixedRegex, priceSuffixedRegex} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			marked = append(marked, priceHit{start: loc[2], raw: text[loc[2]:loc[3]]})
		}
	}
	sort.SliceStable(marked, func(i, j int) bool { return marked[i].start < marked[j].start })
	if v, ok := pickPrice(marked); ok {
		return v, true
	}

	var bare []priceHit
	for _, loc := range numberRegex.FindAllStringIndex(text, -1) {
		if kmAfterRegex.MatchString(text[loc[1]:]) {
			continue
		}
		raw := text[loc[0]:loc[1]]
		if v, ok := parseNumber(raw); ok && len(raw) == 4 && yearInRange(v) {
			continue
		}
		bare = append(bare, priceHit{start: loc[0], raw: raw})
	}
	return pickPrice(bare)
}

type priceHit struct {
	start int
	raw   string
}

func pickPrice(hits []priceHit) (float64, bool) {
	var fallback float64
	found := false
	for _, h := range hits {
		v, ok := parseNumber(h.raw)
		if !ok || !priceInRange(v) {
			continue
		}
		if len(h.raw) == 4 && yearInRange(v) {
			if !found {
				fallback, found = float64(v), true
			}
			continue
		}
		return float64(v), true
	}
	return fallback, found
}

// ExtractYear returns a model/registration year between MinYear and the current year.
func ExtractYear(text string) (int, bool) {
	maxYear := time.Now().Year()
	for _, m := range registrationRegex.FindAllStringSubmatch(text, -1) {
		if y, err := strconv.Atoi(m[1]); err == nil && y >= MinYear && y <= maxYear {
			return y, true
		}
	}
	for _, loc := range yearRegex.FindAllStringSubmatchIndex(text, -1) {
		if kmAfterRegex.MatchString(text[loc[1]:]) {
			continue
		}
		y, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err == nil && y >= MinYear && y <= maxYear {
			return y, true
		}
	}
	return 0, false
}

// ExtractMileage returns the first "<number> km" value in range.
func ExtractMileage(text string) (int, bool) {
	text = spaceReplacer.Replace(text)
	for _, m := range mileageRegex.FindAllStringSubmatch(text, -1) {
		if v, ok := parseNumber(m[1]); ok && v >= 0 && v <= MaxMileage {
			return v, true
		}
	}
	return 0, false
}

// DetectPriceType flags monthly/leasing prices.
func DetectPriceType(texts ...string) models.PriceType {
	for _, t := range texts {
		if recurringRegex.MatchString(t) {
			return models.PriceTypeRecurring
		}
	}
	return models.PriceTypeOneOff
}

func CleanText(s string) string {
	return strings.Join(strings.Fields(spaceReplacer.Replace(s)), " ")
}

func CleanTitle(s string) string {
	s = CleanText(s)
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:maxTitleRunes]))
}

func parseNumber(s string) (int, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.Len() > 9 {
		return 0, false
	}
	v, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, false
	}
	return v, true
}

func priceInRange(v int) bool {
	return v >= MinPrice && v <= MaxPrice
}

func yearInRange(y int) bool {
	return y >= MinYear && y <= time.Now().Year()
}

func intPtr(v int) *int {
	return &v
}
