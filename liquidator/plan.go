// Package liquidator sells the collateral of loans that breached the
// liquidation threshold. A bounded worker pool drains a queue fed by the risk
// evaluator and by a periodic sweep; a lease table keeps each loan on at most
// one worker across instances.
package liquidator

import "github.com/shopspring/decimal"

// lotTiers are the order sizes workers sell, largest first. They mirror the
// quantity tiers the venues quote so every lot prices at an exact rung.
var lotTiers = []int64{100, 50, 10, 1}

// RequiredUnits returns the whole BSK units needed to cover the shortfall at
// the given mid-price, rounded up. Zero when either input is non-positive.
func RequiredUnits(shortfall, mid decimal.Decimal) int64 {
	if !shortfall.IsPositive() || !mid.IsPositive() {
		return 0
	}
	return shortfall.Div(mid).Ceil().IntPart()
}

// PlanLots decomposes a quantity greedily into tier-sized lots that sum to
// exactly the quantity: 20 becomes [10 10], 320 becomes [100 100 100 10 10].
func PlanLots(quantity int64) []int64 {
	if quantity <= 0 {
		return nil
	}
	lots := make([]int64, 0, 8)
	remaining := quantity
	for _, tier := range lotTiers {
		for remaining >= tier {
			lots = append(lots, tier)
			remaining -= tier
		}
	}
	return lots
}
