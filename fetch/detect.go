package fetch

import (
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	// Pages under this size with no listings are treated as challenge pages.
	suspiciousPageBytes = 5000
	// Keyword checks only apply to pages this small or without listings, so
	// a results page that merely loads a captcha script is not flagged.
	keywordScanBytes = 20000
	snippetChars     = 500
)

var blockKeywords = []string{
	"captcha",
	"access denied",
	"are you a robot",
	"verify you are a human",
	"unusual traffic",
	"request unsuccessful",
	"pardon our interruption",
	"cf-chl",
	"just a moment...",
	"datadome",
	"px-captcha",
	"incapsula",
	"zugriff verweigert",
	"accès refusé",
	"adgang nægtet",
}

// DetectBlocked decides whether a response is a bot-detection page rather than
// a genuine result page.
func DetectBlocked(resp Response, listings int) (bool, string) {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, "status " + http.StatusText(resp.StatusCode)
	}
	if listings == 0 || len(resp.HTML) < keywordScanBytes {
		lower := strings.ToLower(resp.HTML)
		for _, kw := range blockKeywords {
			if strings.Contains(lower, kw) {
				return true, "keyword: " + kw
			}
		}
	}
	if listings > 0 {
		return false, ""
	}
	if len(resp.HTML) < suspiciousPageBytes {
		return true, "small page without listings"
	}
	if garbled(resp.HTML) {
		return true, "garbled page without listings"
	}
	return false, ""
}

// garbled reports invalid UTF-8 or a high share of control characters,
// which is what compressed or encrypted challenge payloads look like.
func garbled(s string) bool {
	if !utf8.ValidString(s) {
		return true
	}
	sample := s
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	var ctrl, total int
	for _, r := range sample {
		total++
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			ctrl++
		}
	}
	return total > 0 && ctrl*10 > total
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
