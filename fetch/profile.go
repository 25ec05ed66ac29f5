package fetch

import (
	"fmt"
	"strings"
	"time"

	"vehicle_arb/parser"
)

// Profile is one rung of the escalation ladder. Durations stay
// time.Duration here; each provider converts them to its own units.
type Profile struct {
	Level        int           `yaml:"level" json:"level"`
	Name         string        `yaml:"name" json:"name"`
	RenderJS     bool          `yaml:"render_js" json:"render_js"`
	CountryCode  string        `yaml:"country_code" json:"country_code,omitempty"`
	PremiumProxy bool          `yaml:"premium_proxy" json:"premium_proxy,omitempty"`
	StealthProxy bool          `yaml:"stealth_proxy" json:"stealth_proxy,omitempty"`
	Wait         time.Duration `yaml:"wait" json:"wait,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%d:%s", p.Level, p.Name)
}

// Ladders maps a marketplace to its escalation ladder, weakest first.
type Ladders map[parser.ParserID][]Profile

// DefaultLadders escalates only where the marketplace runs bot protection.
// Everything else gets a single profile and retries reuse it.
func DefaultLadders() Ladders {
	protected := []Profile{
		{Level: 1, Name: "basic", Timeout: 20 * time.Second},
		{Level: 2, Name: "js-geo", RenderJS: true, PremiumProxy: true, Wait: 2 * time.Second, Timeout: 40 * time.Second},
		{Level: 3, Name: "stealth", RenderJS: true, StealthProxy: true, Wait: 5 * time.Second, Timeout: 60 * time.Second},
	}
	return Ladders{
		parser.ParserAutoScout24: protected,
		parser.ParserMobileDE:    protected,
		parser.ParserLeboncoin:   protected,
		parser.ParserBilbasen:    {{Level: 1, Name: "basic", Timeout: 30 * time.Second}},
		parser.ParserGeneric:     {{Level: 1, Name: "basic", Timeout: 30 * time.Second}},
	}
}

// For returns the ladder for a marketplace with the country hint filled in
// on every rung that asks for geolocation.
func (l Ladders) For(id parser.ParserID, country string) []Profile {
	ladder, ok := l[id]
	if !ok || len(ladder) == 0 {
		ladder = l[parser.ParserGeneric]
	}
	if len(ladder) == 0 {
		ladder = []Profile{{Level: 1, Name: "basic", Timeout: 30 * time.Second}}
	}
	out := make([]Profile, len(ladder))
	for i, p := range ladder {
		if p.Level == 0 {
			p.Level = i + 1
		}
		if p.CountryCode == "" && (p.PremiumProxy || p.StealthProxy) {
			p.CountryCode = strings.ToLower(country)
		}
		out[i] = p
	}
	return out
}
