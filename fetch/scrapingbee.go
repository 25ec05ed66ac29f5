package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultScrapingBeeURL = "https://app.scrapingbee.com/api/v1/"

	maxBodyBytes = 8 << 20

	// API limits, in milliseconds.
	scrapingBeeMinTimeoutMS = 1000
	scrapingBeeMaxTimeoutMS = 140000
	scrapingBeeMaxWaitMS    = 35000
)

// ScrapingBeeProvider fetches through the ScrapingBee HTML API. The API takes
// wait and timeout in milliseconds.
type ScrapingBeeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewScrapingBeeProvider(apiKey, baseURL string, client *http.Client) *ScrapingBeeProvider {
	if baseURL == "" {
		baseURL = DefaultScrapingBeeURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ScrapingBeeProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *ScrapingBeeProvider) Name() string { return "scrapingbee" }

func (p *ScrapingBeeProvider) Fetch(ctx context.Context, target string, profile Profile) (Response, error) {
	params := p.params(target, profile)

	// Give the HTTP call headroom over the API-side timeout.
	ctx, cancel := context.WithTimeout(ctx, clampDuration(profile.Timeout)+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read scrapingbee body: %w", err)
	}

	status := resp.StatusCode
	if initial := resp.Header.Get("Spb-Initial-Status-Code"); initial != "" {
		if code, err := strconv.Atoi(initial); err == nil {
			status = code
		}
	}
	if resp.StatusCode >= 400 && resp.Header.Get("Spb-Initial-Status-Code") == "" {
		return Response{}, &providerError{provider: p.Name(), status: resp.StatusCode, body: snippet(string(body), 200)}
	}
	return Response{HTML: string(body), StatusCode: status}, nil
}

func (p *ScrapingBeeProvider) params(target string, profile Profile) url.Values {
	params := url.Values{}
	params.Set("api_key", p.apiKey)
	params.Set("url", target)
	params.Set("render_js", strconv.FormatBool(profile.RenderJS))
	params.Set("timeout", strconv.FormatInt(timeoutMillis(profile.Timeout), 10))
	if profile.RenderJS && profile.Wait > 0 {
		params.Set("wait", strconv.FormatInt(min(profile.Wait.Milliseconds(), scrapingBeeMaxWaitMS), 10))
	}
	if profile.PremiumProxy {
		params.Set("premium_proxy", "true")
	}
	if profile.StealthProxy {
		params.Set("stealth_proxy", "true")
	}
	if profile.CountryCode != "" && (profile.PremiumProxy || profile.StealthProxy) {
		params.Set("country_code", strings.ToLower(profile.CountryCode))
	}
	return params
}

// timeoutMillis converts a Duration into the API's millisecond range.
func timeoutMillis(d time.Duration) int64 {
	return clampDuration(d).Milliseconds()
}

func clampDuration(d time.Duration) time.Duration {
	ms := d.Milliseconds()
	switch {
	case ms < scrapingBeeMinTimeoutMS:
		ms = scrapingBeeMinTimeoutMS
	case ms > scrapingBeeMaxTimeoutMS:
		ms = scrapingBeeMaxTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}
