package parser

import "testing"

func TestSelectParserByHostname(t *testing.T) {
	tests := []struct {
		url  string
		want ParserID
	}{
		{"https://www.autoscout24.de/lst/vw/golf", ParserAutoScout24},
		{"https://autoscout24.fr/lst", ParserAutoScout24},
		{"https://www.autoscout24.com/lst", ParserAutoScout24},
		{"https://suchen.mobile.de/fahrzeuge/search.html", ParserMobileDE},
		{"https://mobile.de/", ParserMobileDE},
		{"https://www.automobile.de/", ParserGeneric},
		{"https://www.leboncoin.fr/recherche", ParserLeboncoin},
		{"https://www.bilbasen.dk/brugt/bil", ParserBilbasen},
		{"https://WWW.BILBASEN.DK/brugt/bil", ParserBilbasen},
		{"https://cars.example.com/", ParserGeneric},
		{"not a url %%", ParserGeneric},
		{"", ParserGeneric},
	}
	for _, tt := range tests {
		if got := SelectParserByHostname(tt.url); got != tt.want {
			t.Errorf("SelectParserByHostname(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestMarketplaceCurrency(t *testing.T) {
	if got := MarketplaceCurrency(ParserBilbasen); got != "DKK" {
		t.Fatalf("expected DKK, got %s", got)
	}
	if got := MarketplaceCurrency(ParserID("unknown")); got != "EUR" {
		t.Fatalf("expected EUR default, got %s", got)
	}
}

func TestBuildPaginatedURL(t *testing.T) {
	tests := []struct {
		url  string
		page int
		want string
	}{
		{"https://x.com/search?make=vw", 2, "https://x.com/search?make=vw&page=2"},
		{"https://x.com/search?page=3&make=vw", 5, "https://x.com/search?make=vw&page=5"},
		{"https://x.com/search?page=3", 1, "https://x.com/search"},
		{"https://x.com/search", 3, "https://x.com/search?page=3"},
	}
	for _, tt := range tests {
		if got := BuildPaginatedURL(tt.url, tt.page); got != tt.want {
			t.Errorf("BuildPaginatedURL(%q, %d) = %q, want %q", tt.url, tt.page, got, tt.want)
		}
	}
}

func TestNormalizeListingURL(t *testing.T) {
	src := "https://www.autoscout24.de/lst/vw?page=2"
	tests := []struct {
		href string
		src  string
		want string
	}{
		{"/angebote/x", src, "https://www.autoscout24.de/angebote/x"},
		{"https://other.com/a#frag", src, "https://other.com/a"},
		{"details/5", "https://x.com/search/list", "https://x.com/search/details/5"},
		{"//cdn.example.com/a", "https://x.com/", "https://cdn.example.com/a"},
		{"javascript:void(0)", src, ""},
		{"mailto:sales@example.com", src, ""},
		{"#top", src, ""},
		{"", src, ""},
		{"/a", "not-absolute", ""},
	}
	for _, tt := range tests {
		if got := NormalizeListingURL(tt.href, tt.src); got != tt.want {
			t.Errorf("NormalizeListingURL(%q, %q) = %q, want %q", tt.href, tt.src, got, tt.want)
		}
	}
}
