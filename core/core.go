// Package core is the one boundary every execution path goes through:
// instant runs and scheduled jobs both parse and decide via this package,
// never through their own copies of the rules.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"vehicle_arb/analysis"
	"vehicle_arb/models"
	"vehicle_arb/parser"
)

type Core struct {
	engine *analysis.Engine
}

func New(engine *analysis.Engine) *Core {
	if engine == nil {
		engine = analysis.DefaultEngine()
	}
	return &Core{engine: engine}
}

func (c *Core) ParseSearchPage(html, url string) []models.ScrapedListing {
	return parser.ParseSearchPage(html, url)
}

func (c *Core) ParseSearchPageDetailed(html, url string) parser.Parsed {
	return parser.ParseSearchPageDetailed(html, url)
}

func (c *Core) ExecuteStudyAnalysis(target, source []models.ScrapedListing, criteria models.StudyCriteria, threshold float64) models.StudyAnalysis {
	return c.engine.ExecuteStudyAnalysis(target, source, criteria, threshold)
}

func (c *Core) Engine() *analysis.Engine {
	return c.engine
}

// DecisionHash is the sha256 of the JSON encoding of a decision. Struct
// fields encode in declaration order and map keys sorted, so equal decisions
// hash equal.
func DecisionHash(a models.StudyAnalysis) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode analysis: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
