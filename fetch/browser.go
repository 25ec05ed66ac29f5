package fetch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
)

type geoHint struct {
	locale    string
	latitude  float64
	longitude float64
}

var geoHints = map[string]geoHint{
	"de": {"de-DE", 52.52, 13.405},
	"at": {"de-AT", 48.2082, 16.3738},
	"fr": {"fr-FR", 48.8566, 2.3522},
	"be": {"fr-BE", 50.8503, 4.3517},
	"nl": {"nl-NL", 52.3676, 4.9041},
	"dk": {"da-DK", 55.6761, 12.5683},
	"it": {"it-IT", 41.9028, 12.4964},
	"es": {"es-ES", 40.4168, -3.7038},
}

// BrowserProvider renders pages in headless Chromium. The browser starts on
// first use and is shared by all fetches until Close.
type BrowserProvider struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewBrowserProvider() *BrowserProvider {
	return &BrowserProvider{}
}

func (b *BrowserProvider) Name() string { return "browser" }

func (b *BrowserProvider) start() (playwright.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	b.pw, b.browser = pw, browser
	return browser, nil
}

func (b *BrowserProvider) Fetch(ctx context.Context, target string, profile Profile) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	browser, err := b.start()
	if err != nil {
		return Response{}, err
	}

	opts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(desktopUserAgent),
		JavaScriptEnabled: playwright.Bool(profile.RenderJS),
	}
	if hint, ok := geoHints[strings.ToLower(profile.CountryCode)]; ok {
		opts.Locale = playwright.String(hint.locale)
		opts.Geolocation = &playwright.Geolocation{Latitude: hint.latitude, Longitude: hint.longitude}
		opts.Permissions = []string{"geolocation"}
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		return Response{}, fmt.Errorf("new browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return Response{}, fmt.Errorf("new page: %w", err)
	}

	// Playwright timeouts are float milliseconds.
	timeoutMS := float64(profile.Timeout.Milliseconds())
	if timeoutMS <= 0 {
		timeoutMS = 30000
	}
	resp, err := page.Goto(target, playwright.PageGotoOptions{
		Timeout:   playwright.Float(timeoutMS),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return Response{}, fmt.Errorf("navigate: %w", err)
	}
	if profile.Wait > 0 {
		page.WaitForTimeout(float64(profile.Wait.Milliseconds()))
	}

	html, err := page.Content()
	if err != nil {
		return Response{}, fmt.Errorf("read content: %w", err)
	}
	status := 0
	if resp != nil {
		status = resp.Status()
	}
	return Response{HTML: html, StatusCode: status}, nil
}

func (b *BrowserProvider) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			log.Printf("browser close: %v", err)
		}
		b.browser = nil
	}
	if b.pw != nil {
		b.pw.Stop()
		b.pw = nil
	}
}
