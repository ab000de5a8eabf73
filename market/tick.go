// Package market ingests the two venue price feeds, normalizes them into a
// uniform tier ladder and answers the pricing queries the rest of the service
// depends on: mid-price for LTV and effective sell price for order routing.
package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two trading markets.
type Venue string

const (
	VenueMosEspa    Venue = "MOS_ESPA"
	VenueBlackSpire Venue = "BLACK_SPIRE"
)

// Venues lists all known venues in deterministic preference order. MOS_ESPA
// first: it wins price ties during venue selection.
var Venues = []Venue{VenueMosEspa, VenueBlackSpire}

// ParseVenue normalizes a raw venue label.
func ParseVenue(raw string) (Venue, bool) {
	switch Venue(strings.ToUpper(strings.TrimSpace(raw))) {
	case VenueMosEspa:
		return VenueMosEspa, true
	case VenueBlackSpire:
		return VenueBlackSpire, true
	default:
		return "", false
	}
}

// Tiers are the only quantities venues quote. Ladders must carry all four.
var Tiers = []int64{1, 10, 50, 100}

// MaxTier is the worst-case tier used to price quantities beyond the ladder.
const MaxTier int64 = 100

// TierPrice is one ladder rung: what the venue pays (sell) and charges (buy)
// per BSK at that quantity.
type TierPrice struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

func (p TierPrice) valid() bool {
	return p.Buy.IsPositive() && p.Sell.IsPositive()
}

// Ladder holds the four fixed tiers of a tick. Value semantics keep callers
// from aliasing board state.
type Ladder struct {
	T1   TierPrice
	T10  TierPrice
	T50  TierPrice
	T100 TierPrice
}

// Tier returns the exact rung for one of the fixed quantities.
func (l Ladder) Tier(quantity int64) (TierPrice, bool) {
	switch quantity {
	case 1:
		return l.T1, true
	case 10:
		return l.T10, true
	case 50:
		return l.T50, true
	case 100:
		return l.T100, true
	default:
		return TierPrice{}, false
	}
}

// Effective returns the rung used to price a lot of the given size: the
// smallest tier covering it, or the 100 tier as worst case beyond the ladder.
func (l Ladder) Effective(quantity int64) (TierPrice, bool) {
	if quantity <= 0 {
		return TierPrice{}, false
	}
	switch {
	case quantity <= 1:
		return l.T1, true
	case quantity <= 10:
		return l.T10, true
	case quantity <= 50:
		return l.T50, true
	default:
		return l.T100, true
	}
}

func (l *Ladder) set(quantity int64, price TierPrice) bool {
	switch quantity {
	case 1:
		l.T1 = price
	case 10:
		l.T10 = price
	case 50:
		l.T50 = price
	case 100:
		l.T100 = price
	default:
		return false
	}
	return true
}

func (l Ladder) complete() bool {
	return l.T1.valid() && l.T10.valid() && l.T50.valid() && l.T100.valid()
}

// PriceTick is one normalized venue snapshot.
type PriceTick struct {
	Venue           Venue
	ReceivedAt      time.Time
	SourceTimestamp time.Time
	Ladder          Ladder
}
