package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"vehicle_arb/config"
)

type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set, for marketplaces
	API      *http.Client // direct, for the fetch provider API
}

func NewClients(proxyCfg config.ProxyConfig) *Clients {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   45 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Clients{
		Scraping: scraping,
		// ScrapingBee allows up to 140s per request plus queueing.
		API: &http.Client{Timeout: 150 * time.Second},
	}
}
