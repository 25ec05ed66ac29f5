package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"vehicle_arb/identity"
	"vehicle_arb/parser"
)

const DefaultMaxRetries = 2

var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second}

// Archive stores a full page for later inspection and returns its key.
type Archive interface {
	Archive(ctx context.Context, key string, html []byte) (string, error)
}

type Config struct {
	MaxRetries int
	Backoff    []time.Duration
	Ladders    Ladders
}

// Scraper runs the attempt/backoff/escalate loop against one provider and
// feeds every page through the parser router.
type Scraper struct {
	provider   Provider
	maxRetries int
	backoff    []time.Duration
	ladders    Ladders
	archive    Archive
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

func NewScraper(provider Provider, cfg Config) *Scraper {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Ladders == nil {
		cfg.Ladders = DefaultLadders()
	}
	return &Scraper{
		provider:   provider,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		ladders:    cfg.Ladders,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// SetArchive enables archiving of blocked pages.
func (s *Scraper) SetArchive(a Archive) {
	s.archive = a
}

// SetSleep replaces the backoff sleeper; tests use it to skip real waits.
func (s *Scraper) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scraper) backoffFor(retry int) time.Duration {
	if retry-1 < len(s.backoff) {
		return s.backoff[retry-1]
	}
	return s.backoff[len(s.backoff)-1]
}

// Scrape fetches the first search page with escalation, then up to pages-1
// further pages with the profile that worked. The error is non-nil only when
// ctx ends; every upstream failure is reported through the Outcome.
func (s *Scraper) Scrape(ctx context.Context, url, country string, pages int) (Outcome, error) {
	id := parser.SelectParserByHostname(url)
	ladder := s.ladders.For(id, country)

	var last Outcome
	for retry := 0; retry <= s.maxRetries; retry++ {
		if retry > 0 {
			if err := s.sleep(ctx, s.backoffFor(retry)); err != nil {
				return Outcome{}, err
			}
		}
		profile := ladder[min(retry, len(ladder)-1)]
		out, err := s.attempt(ctx, url, profile, retry)
		if err != nil {
			return Outcome{}, err
		}
		if out.OK() {
			if pages > 1 {
				s.paginate(ctx, url, profile, pages, &out)
			}
			return out, nil
		}
		log.Printf("fetch %s: attempt %d (%s) %s: %s", url, retry+1, profile, out.Kind, out.Reason)
		last = out
	}
	return last, nil
}

func (s *Scraper) attempt(ctx context.Context, url string, profile Profile, retry int) (Outcome, error) {
	out := Outcome{
		ProfileUsed: profile.Level,
		RetryCount:  retry,
		Diagnostics: Diagnostics{URL: url, Profile: profile.String(), RetryCount: retry},
	}

	resp, err := s.provider.Fetch(ctx, url, profile)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		out.Kind = OutcomeBlocked
		out.Reason = fmt.Sprintf("network error: %v", err)
		return out, nil
	}

	parsed := parser.ParseSearchPageDetailed(resp.HTML, url)
	out.Diagnostics.StatusCode = resp.StatusCode
	out.Diagnostics.PageLength = len(resp.HTML)
	out.Diagnostics.Snippet = snippet(resp.HTML, snippetChars)
	out.Diagnostics.Parser = string(parsed.Parser)
	out.Diagnostics.Strategy = parsed.Strategy

	if blocked, reason := DetectBlocked(resp, len(parsed.Listings)); blocked {
		out.Kind = OutcomeBlocked
		out.Reason = reason
		out.Diagnostics.ArchiveKey = s.archivePage(ctx, url, retry, resp.HTML)
		return out, nil
	}
	if len(parsed.Listings) == 0 {
		out.Kind = OutcomeZeroListings
		out.Reason = "no listings parsed"
		return out, nil
	}

	out.Kind = OutcomeSuccess
	out.Listings = parsed.Listings
	out.Method = s.provider.Name() + "/" + parsed.Strategy
	out.Pages = 1
	return out, nil
}

// paginate is best effort: a failed later page ends pagination but keeps
// what was already collected. Listings are deduped by canonical URL.
func (s *Scraper) paginate(ctx context.Context, url string, profile Profile, pages int, out *Outcome) {
	seen := make(map[string]bool, len(out.Listings))
	for _, l := range out.Listings {
		seen[identity.ListingKey(l.URL)] = true
	}
	for page := 2; page <= pages; page++ {
		if ctx.Err() != nil {
			return
		}
		pageURL := parser.BuildPaginatedURL(url, page)
		resp, err := s.provider.Fetch(ctx, pageURL, profile)
		if err != nil {
			log.Printf("fetch %s: page %d failed: %v", url, page, err)
			return
		}
		listings := parser.ParseSearchPage(resp.HTML, pageURL)
		if blocked, _ := DetectBlocked(resp, len(listings)); blocked || len(listings) == 0 {
			return
		}
		added := 0
		for _, l := range listings {
			key := identity.ListingKey(l.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
			out.Listings = append(out.Listings, l)
			added++
		}
		if added == 0 {
			// The marketplace served an earlier page again: past the last page.
			return
		}
		out.Pages = page
	}
}

func (s *Scraper) archivePage(ctx context.Context, url string, retry int, html string) string {
	if s.archive == nil || html == "" {
		return ""
	}
	key := fmt.Sprintf("blocked/%s/%s-r%d.html", s.now().UTC().Format("2006-01-02"), urlHash(url), retry)
	stored, err := s.archive.Archive(ctx, key, []byte(html))
	if err != nil {
		log.Printf("fetch %s: archive failed: %v", url, err)
		return ""
	}
	return stored
}

func urlHash(url string) string {
	sum := sha256.Sum256([]byte(identity.ListingKey(url)))
	return hex.EncodeToString(sum[:8])
}
