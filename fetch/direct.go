package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var acceptLanguages = map[string]string{
	"de": "de-DE,de;q=0.9,en;q=0.6",
	"at": "de-AT,de;q=0.9,en;q=0.6",
	"fr": "fr-FR,fr;q=0.9,en;q=0.6",
	"be": "fr-BE,nl-BE;q=0.9,en;q=0.6",
	"nl": "nl-NL,nl;q=0.9,en;q=0.6",
	"dk": "da-DK,da;q=0.9,en;q=0.6",
	"it": "it-IT,it;q=0.9,en;q=0.6",
	"es": "es-ES,es;q=0.9,en;q=0.6",
}

const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DirectProvider does a plain GET through the given client, usually the
// proxied scraping client. It cannot run JavaScript; RenderJS profiles are
// fetched the same way.
type DirectProvider struct {
	client *http.Client
}

func NewDirectProvider(client *http.Client) *DirectProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &DirectProvider{client: client}
}

func (p *DirectProvider) Name() string { return "direct" }

func (p *DirectProvider) Fetch(ctx context.Context, target string, profile Profile) (Response, error) {
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("User-Agent", desktopUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if lang, ok := acceptLanguages[strings.ToLower(profile.CountryCode)]; ok {
		req.Header.Set("Accept-Language", lang)
	} else {
		req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{HTML: string(body), StatusCode: resp.StatusCode}, nil
}
