// internal/billing/tiers.go
package billing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

var hundred = decimal.NewFromInt(100)

// ErrNoTiers is reported when a rate section has an empty tier list.
var ErrNoTiers = errors.New("no tiers configured")

// SelectTier returns the first tier whose limit covers usage, or the last tier when usage
// exceeds them all. The boolean is false for an empty list.
func SelectTier(usage decimal.Decimal, tiers []rates.Tier) (rates.Tier, bool) {
	if len(tiers) == 0 {
		return rates.Tier{}, false
	}
	for _, t := range tiers {
		if usage.LessThanOrEqual(t.Limit) {
			return t, true
		}
	}
	return tiers[len(tiers)-1], true
}

// senToRM converts kWh at a sen/kWh rate into RM.
func senToRM(kwh, sen decimal.Decimal) decimal.Decimal {
	return kwh.Mul(sen.Div(hundred))
}
