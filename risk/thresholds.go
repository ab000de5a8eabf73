// Package risk watches loan-to-value against the live mid-price and drives
// the two autonomous transitions: activation once collateral covers the
// principal comfortably, liquidation once it no longer does.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Thresholds are the two LTV trip points as decimal ratios (0.5 = 50%).
type Thresholds struct {
	Activation  decimal.Decimal
	Liquidation decimal.Decimal
}

// ThresholdsFromPercent converts whole-percent configuration into ratios.
// The activation threshold must sit strictly below the liquidation threshold
// or every activated loan would liquidate on the next evaluation.
func ThresholdsFromPercent(activationPct, liquidationPct int) (Thresholds, error) {
	if activationPct <= 0 || liquidationPct <= 0 {
		return Thresholds{}, fmt.Errorf("risk: thresholds must be positive, got activation=%d liquidation=%d", activationPct, liquidationPct)
	}
	if activationPct >= liquidationPct {
		return Thresholds{}, fmt.Errorf("risk: activation threshold %d%% must be below liquidation threshold %d%%", activationPct, liquidationPct)
	}
	return Thresholds{
		Activation:  decimal.NewFromInt(int64(activationPct)).Div(hundred),
		Liquidation: decimal.NewFromInt(int64(liquidationPct)).Div(hundred),
	}, nil
}

// LTV is principal over collateral market value. ok=false when the loan has
// no collateral or the mid-price is zero: the ratio is undefined and no
// transition may fire on it.
func LTV(principal, collateral, mid decimal.Decimal) (decimal.Decimal, bool) {
	value := collateral.Mul(mid)
	if !value.IsPositive() {
		return decimal.Decimal{}, false
	}
	return principal.Div(value), true
}
