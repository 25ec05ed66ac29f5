package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"vehicle_arb/models"
)

var (
	// Query parameters that marketplaces and ad networks append for tracking.
	trackingParams = map[string]bool{
		"ipc": true, "ipl": true, "source": true, "source_otp": true, "ref": true,
		"fbclid": true, "gclid": true, "msclkid": true, "searchid": true, "pos": true,
		"position": true, "lang": true, "cldtidx": true, "cldtsrc": true, "action": true,
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// ListingKey canonicalizes a listing URL: lower-case host, no fragment,
// no tracking parameters, no trailing slash, sorted query.
func ListingKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		lk := strings.ToLower(k)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kept := url.Values{}
	for _, k := range keys {
		kept[k] = q[k]
	}
	u.RawQuery = kept.Encode()
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// Fingerprint identifies the vehicle behind an ad independently of its URL,
// so a relisted car maps to the same value.
func Fingerprint(l models.ScrapedListing) string {
	year, mileage := 0, -1
	if l.Year != nil {
		year = *l.Year
	}
	if l.Mileage != nil {
		// 1 000 km buckets absorb small odometer edits between relists.
		mileage = *l.Mileage / 1000
	}
	input := fmt.Sprintf("%s|%d|%d|%.0f|%s",
		NormalizeTitle(l.Title),
		year,
		mileage,
		l.Price,
		strings.ToUpper(l.Currency),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	title = nonAlnumRegex.ReplaceAllString(title, " ")
	title = multiSpaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}
