package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"vehicle_arb/models"
)

// Rejection reasons, in the order filters are applied.
const (
	ReasonPriceFloor = "price_floor"
	ReasonLeasing    = "leasing"
	ReasonDamaged    = "damaged"
	ReasonYear       = "year"
	ReasonMileage    = "mileage"
	ReasonBrand      = "brand"
	ReasonModel      = "model"
)

var (
	leasingRegex = regexp.MustCompile(`(?i)\bleasing\b|\bleasen\b|/\s*(?:mo|month|mois|monat|md|mdr|mnd|maand)\b|per month|par mois|pro monat|monatlich|\bmtl\.|mensualit|\bloa\b|\blld\b|location longue|pr\.?\s*md\b|om måneden|månedlig ydelse|privatleasing|finanzierung ab|\brate ab\b`)

	damageRegex = regexp.MustCompile(`(?i)unfall|accident|motorschaden|getriebeschaden|hagelschaden|wasserschaden|totalschaden|defekt|für bastler|bastlerfahrzeug|for parts|spares or repair|non runner|salvage|damaged|pour pi[eè]ces|[ée]pave|hs moteur|moteur hs|sinistr|skadet|motorskade|ikke k[øo]rende|til ophug|schade`)

	// Phrases that contain damage vocabulary but mean the opposite.
	damageNegations = strings.NewReplacer(
		"unfallfrei", " ", "unfallfreies", " ", "kein unfall", " ", "keine unfälle", " ",
		"accident-free", " ", "accident free", " ", "no accident", " ", "non accidenté", " ",
		"non accidentée", " ", "jamais accidenté", " ", "sans accident", " ",
		"schadenfrei", " ", "undamaged", " ", "not damaged", " ", "schadefrei", " ", "schadevrij", " ", "ikke skadet", " ", "uskadt", " ",
	)

	tokenSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

	// Short forms sellers use in titles for the same make.
	brandAliases = map[string][]string{
		"volkswagen":    {"vw"},
		"mercedes benz": {"mercedes", "mb"},
		"mercedes":      {"mercedes benz"},
		"alfa romeo":    {"alfa"},
		"land rover":    {"landrover"},
	}
)

// ShouldFilterListing applies the conservative pre-filter shared by both
// markets. The reason is one of the Reason constants.
func (e *Engine) ShouldFilterListing(l models.ScrapedListing) (bool, string) {
	if e.toEUR(l.Price, l.Currency).LessThanOrEqual(e.priceFloor) {
		return true, ReasonPriceFloor
	}
	text := strings.ToLower(l.Title + " " + l.Description)
	if l.PriceType == models.PriceTypeRecurring || leasingRegex.MatchString(text) {
		return true, ReasonLeasing
	}
	if damageRegex.MatchString(damageNegations.Replace(text)) {
		return true, ReasonDamaged
	}
	return false, ""
}

// MatchesBrandModel requires the brand as a substring of the title and every
// model token as a whole title token. Any mismatch comes with a reason.
func MatchesBrandModel(title, brand, model string) (bool, string) {
	titleTokens := tokens(title)
	normTitle := " " + strings.Join(titleTokens, " ") + " "

	if b := strings.Join(tokens(brand), " "); b != "" {
		found := strings.Contains(normTitle, b)
		for _, alias := range brandAliases[b] {
			found = found || strings.Contains(normTitle, " "+alias+" ")
		}
		if !found {
			return false, fmt.Sprintf("brand %q not found in title", brand)
		}
	}

	have := make(map[string]bool, len(titleTokens))
	for _, t := range titleTokens {
		have[t] = true
	}
	modelTokens := tokens(model)
	if len(modelTokens) > 1 && have[strings.Join(modelTokens, "")] {
		return true, ""
	}
	for _, t := range modelTokens {
		if !hasModelToken(titleTokens, have, t) {
			return false, fmt.Sprintf("model token %q missing from title", t)
		}
	}
	return true, ""
}

// hasModelToken matches a whole title token, or a title token that only adds
// a generation number to a word token ("golf" in "golf8"). Numeric tokens
// never match by prefix, so "320" stays distinct from "3200".
func hasModelToken(titleTokens []string, have map[string]bool, t string) bool {
	if have[t] {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(t)
	if unicode.IsDigit(last) {
		return false
	}
	for _, tt := range titleTokens {
		if rest, ok := strings.CutPrefix(tt, t); ok && rest != "" && strings.Trim(rest, "0123456789") == "" {
			return true
		}
	}
	return false
}

func tokens(s string) []string {
	return strings.Fields(tokenSplit.ReplaceAllString(strings.ToLower(s), " "))
}

// FilterListingsByStudy runs the pre-filter, then year, mileage and
// brand/model checks, and counts each rejection.
func (e *Engine) FilterListingsByStudy(listings []models.ScrapedListing, c models.StudyCriteria) ([]models.ScrapedListing, models.FilterReport) {
	report := models.FilterReport{Input: len(listings), Rejected: map[string]int{}}
	kept := make([]models.ScrapedListing, 0, len(listings))
	for _, l := range listings {
		if reason := e.rejectReason(l, c); reason != "" {
			report.Rejected[reason]++
			continue
		}
		kept = append(kept, l)
	}
	report.Kept = len(kept)
	return kept, report
}

func (e *Engine) rejectReason(l models.ScrapedListing, c models.StudyCriteria) string {
	if drop, reason := e.ShouldFilterListing(l); drop {
		return reason
	}
	if l.Year != nil && *l.Year < c.MinYear {
		return ReasonYear
	}
	if c.MaxMileage > 0 && l.Mileage != nil && *l.Mileage > c.MaxMileage {
		return ReasonMileage
	}
	if ok, why := MatchesBrandModel(l.Title, c.Brand, c.Model); !ok {
		if strings.HasPrefix(why, "brand") {
			return ReasonBrand
		}
		return ReasonModel
	}
	return ""
}
