package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchURL = "https://www.autoscout24.de/lst/volkswagen/golf"

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "parser", "testdata", name))
	require.NoError(t, err)
	return string(data)
}

func cardsPage(ids ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<article data-guid="%s" data-price="15000"><a href="/angebote/vw-golf-%s"><h2>VW Golf %s</h2></a><p>€ 15.000</p></article>`, id, id, id)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func emptyResultsPage() string {
	return "<html><body>" + strings.Repeat("<p>Keine Ergebnisse gefunden</p>", 300) + "</body></html>"
}

type call struct {
	url     string
	profile Profile
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []call
	reply func(n int, url string) (Response, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(_ context.Context, url string, p Profile) (Response, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call{url: url, profile: p})
	f.mu.Unlock()
	return f.reply(n, url)
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestScraper(p Provider, rec *sleepRecorder) *Scraper {
	s := NewScraper(p, Config{MaxRetries: DefaultMaxRetries})
	s.SetSleep(rec.sleep)
	return s
}

func TestScrapeEscalatesProfilesUntilSuccess(t *testing.T) {
	blocked := fixture(t, "blocked.html")
	cards := fixture(t, "autoscout24_cards.html")
	p := &fakeProvider{reply: func(n int, _ string) (Response, error) {
		if n < 2 {
			return Response{HTML: blocked, StatusCode: 200}, nil
		}
		return Response{HTML: cards, StatusCode: 200}, nil
	}}
	rec := &sleepRecorder{}

	out, err := newTestScraper(p, rec).Scrape(context.Background(), searchURL, "DE", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 3, out.ProfileUsed)
	assert.Equal(t, 2, out.RetryCount)
	assert.Equal(t, "fake/cards", out.Method)
	assert.Len(t, out.Listings, 3)

	require.Len(t, p.calls, 3)
	assert.False(t, p.calls[0].profile.RenderJS)
	assert.True(t, p.calls[1].profile.RenderJS)
	assert.Equal(t, "de", p.calls[1].profile.CountryCode)
	assert.True(t, p.calls[2].profile.StealthProxy)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, rec.waits)
}

func TestScrapeBlockedAfterMaxRetries(t *testing.T) {
	blocked := fixture(t, "blocked.html")
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{HTML: blocked, StatusCode: 200}, nil
	}}
	rec := &sleepRecorder{}

	out, err := newTestScraper(p, rec).Scrape(context.Background(), searchURL, "DE", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Contains(t, out.Reason, "access denied")
	assert.Len(t, p.calls, 1+DefaultMaxRetries)
	assert.Equal(t, 2, out.Diagnostics.RetryCount)
	assert.Equal(t, len(blocked), out.Diagnostics.PageLength)
	assert.Contains(t, out.Diagnostics.Snippet, "Access denied")
	assert.Equal(t, "autoscout24", out.Diagnostics.Parser)
	assert.Equal(t, "none", out.Diagnostics.Strategy)
	assert.Empty(t, out.Listings)
}

func TestScrapeZeroListings(t *testing.T) {
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{HTML: emptyResultsPage(), StatusCode: 200}, nil
	}}
	out, err := newTestScraper(p, &sleepRecorder{}).Scrape(context.Background(), searchURL, "DE", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeZeroListings, out.Kind)
	assert.Len(t, p.calls, 3)
}

func TestScrapeNetworkErrorIsRetriedThenBlocked(t *testing.T) {
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{}, errors.New("connection reset by peer")
	}}
	out, err := newTestScraper(p, &sleepRecorder{}).Scrape(context.Background(), searchURL, "DE", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Contains(t, out.Reason, "network error")
	assert.Len(t, p.calls, 3)
}

func TestScrapeWithoutEscalationReusesProfile(t *testing.T) {
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{HTML: "", StatusCode: 429}, nil
	}}
	out, err := newTestScraper(p, &sleepRecorder{}).Scrape(context.Background(), "https://www.bilbasen.dk/brugt/bil/toyota", "DK", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	require.Len(t, p.calls, 3)
	for _, c := range p.calls {
		assert.Equal(t, 1, c.profile.Level)
	}
}

func TestScrapeStopsOnCancelledContext(t *testing.T) {
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{HTML: "", StatusCode: 403}, nil
	}}
	s := NewScraper(p, Config{MaxRetries: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scrape(ctx, searchURL, "DE", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScrapePaginatesAndDedupes(t *testing.T) {
	pages := map[string]string{
		searchURL:             cardsPage("a", "b"),
		searchURL + "?page=2": cardsPage("b", "c"),
		searchURL + "?page=3": cardsPage("b", "c"),
	}
	p := &fakeProvider{reply: func(_ int, url string) (Response, error) {
		return Response{HTML: pages[url], StatusCode: 200}, nil
	}}
	out, err := newTestScraper(p, &sleepRecorder{}).Scrape(context.Background(), searchURL, "DE", 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Len(t, out.Listings, 3)
	assert.Equal(t, 2, out.Pages, "page 3 added nothing new")
	assert.Len(t, p.calls, 3)
}

type memArchive struct {
	keys []string
}

func (m *memArchive) Archive(_ context.Context, key string, _ []byte) (string, error) {
	m.keys = append(m.keys, key)
	return "s3://bucket/" + key, nil
}

func TestBlockedPagesAreArchived(t *testing.T) {
	blocked := fixture(t, "blocked.html")
	p := &fakeProvider{reply: func(int, string) (Response, error) {
		return Response{HTML: blocked, StatusCode: 200}, nil
	}}
	arch := &memArchive{}
	s := NewScraper(p, Config{MaxRetries: 0})
	s.SetArchive(arch)

	out, err := s.Scrape(context.Background(), searchURL, "DE", 1)
	require.NoError(t, err)
	require.Len(t, arch.keys, 1)
	assert.True(t, strings.HasPrefix(arch.keys[0], "blocked/"))
	assert.Equal(t, "s3://bucket/"+arch.keys[0], out.Diagnostics.ArchiveKey)
}

func TestDetectBlocked(t *testing.T) {
	big := cardsPage("a") + strings.Repeat(" ", keywordScanBytes)
	tests := []struct {
		name     string
		resp     Response
		listings int
		want     bool
	}{
		{"forbidden", Response{StatusCode: 403, HTML: big}, 1, true},
		{"captcha keyword", Response{StatusCode: 200, HTML: "<div id=px-captcha></div>"}, 0, true},
		{"captcha script on real results", Response{StatusCode: 200, HTML: big + "recaptcha"}, 10, false},
		{"tiny empty page", Response{StatusCode: 200, HTML: "<html></html>"}, 0, true},
		{"garbled", Response{StatusCode: 200, HTML: strings.Repeat("\x01\x02ab", 2000)}, 0, true},
		{"genuine empty results", Response{StatusCode: 200, HTML: emptyResultsPage()}, 0, false},
	}
	for _, tt := range tests {
		got, _ := DetectBlocked(tt.resp, tt.listings)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestScrapingBeeSendsMilliseconds(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Spb-Initial-Status-Code", "200")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer srv.Close()

	p := NewScrapingBeeProvider("key", srv.URL, srv.Client())
	resp, err := p.Fetch(context.Background(), searchURL, Profile{
		RenderJS:     true,
		PremiumProxy: true,
		CountryCode:  "DE",
		Wait:         2 * time.Second,
		Timeout:      40 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "<html>ok</html>", resp.HTML)
	assert.Equal(t, "40000", got["timeout"])
	assert.Equal(t, "2000", got["wait"])
	assert.Equal(t, "true", got["render_js"])
	assert.Equal(t, "true", got["premium_proxy"])
	assert.Equal(t, "de", got["country_code"])
	assert.Equal(t, searchURL, got["url"])
}

func TestScrapingBeeTimeoutClamped(t *testing.T) {
	assert.Equal(t, int64(1000), timeoutMillis(0))
	assert.Equal(t, int64(140000), timeoutMillis(10*time.Minute))
	assert.Equal(t, int64(20000), timeoutMillis(20*time.Second))
}

func TestScrapingBeeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "monthly limit reached", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewScrapingBeeProvider("key", srv.URL, srv.Client()).Fetch(context.Background(), searchURL, Profile{Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
}

func TestScrapingBeePassesTargetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Spb-Initial-Status-Code", "403")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "blocked")
	}))
	defer srv.Close()

	resp, err := NewScrapingBeeProvider("key", srv.URL, srv.Client()).Fetch(context.Background(), searchURL, Profile{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestDirectProviderAcceptLanguage(t *testing.T) {
	var lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang = r.Header.Get("Accept-Language")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	resp, err := NewDirectProvider(srv.Client()).Fetch(context.Background(), srv.URL, Profile{CountryCode: "DK", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.HasPrefix(lang, "da-DK"))
}

func TestLaddersFor(t *testing.T) {
	l := DefaultLadders()
	ladder := l.For("autoscout24", "FR")
	require.Len(t, ladder, 3)
	assert.Equal(t, "", ladder[0].CountryCode)
	assert.Equal(t, "fr", ladder[1].CountryCode)

	assert.Len(t, l.For("unknown", "FR"), 1)
}
