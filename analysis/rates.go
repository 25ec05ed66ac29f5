package analysis

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateTable maps an ISO currency code to its EUR multiplier.
type RateTable map[string]decimal.Decimal

// DefaultDKKRate is the fixed DKK→EUR rate used unless configuration
// overrides it. The krone is pegged inside ERM II, so a constant holds well.
var DefaultDKKRate = decimal.RequireFromString("0.134")

func DefaultRates() RateTable {
	return RateTable{
		"EUR": decimal.NewFromInt(1),
		"DKK": DefaultDKKRate,
		"SEK": decimal.RequireFromString("0.087"),
		"NOK": decimal.RequireFromString("0.085"),
		"CHF": decimal.RequireFromString("1.05"),
		"GBP": decimal.RequireFromString("1.17"),
		"PLN": decimal.RequireFromString("0.23"),
	}
}

// With returns a copy of t with code set to rate.
func (t RateTable) With(code string, rate decimal.Decimal) RateTable {
	out := make(RateTable, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[strings.ToUpper(code)] = rate
	return out
}

// Rate looks up a currency. An empty code means EUR.
func (t RateTable) Rate(currency string) (decimal.Decimal, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "EUR"
	}
	r, ok := t[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("no EUR rate for currency %q", currency)
	}
	return r, nil
}

// convert multiplies and rounds to cents.
func (t RateTable) convert(price float64, currency string) (decimal.Decimal, error) {
	r, err := t.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(price).Mul(r).Round(2), nil
}
