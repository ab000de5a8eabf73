package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// beskarItem is the only BLACK_SPIRE book the service trades; every other
// item on the shared stream is dropped without comment.
const beskarItem = "BSK"

var (
	errPayload     = errors.New("market: malformed payload")
	errTimestamp   = errors.New("market: bad timestamp")
	errPrice       = errors.New("market: bad price")
	errMissingTier = errors.New("market: incomplete ladder")
	errForeignItem = errors.New("market: foreign item")
)

// rejectReason maps decode failures onto stable metric labels.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, errPayload):
		return "parse"
	case errors.Is(err, errTimestamp):
		return "timestamp"
	case errors.Is(err, errPrice):
		return "price"
	case errors.Is(err, errMissingTier):
		return "missing_tier"
	default:
		return "unspecified"
	}
}

type mosEspaMessage struct {
	Timestamp string         `json:"timestamp"`
	Prices    []mosEspaEntry `json:"prices"`
}

type mosEspaEntry struct {
	Quantity int64  `json:"quantity"`
	Buy      string `json:"buy"`
	Sell     string `json:"sell"`
}

// decodeMosEspa normalizes a MOS_ESPA ladder message: RFC 3339 timestamp,
// prices as decimal strings. Unknown quantities are ignored; a missing tier
// discards the tick.
func decodeMosEspa(payload []byte) (PriceTick, error) {
	var msg mosEspaMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PriceTick{}, fmt.Errorf("%w: %v", errPayload, err)
	}
	sourceTS, err := time.Parse(time.RFC3339, strings.TrimSpace(msg.Timestamp))
	if err != nil {
		return PriceTick{}, fmt.Errorf("%w: %q", errTimestamp, msg.Timestamp)
	}

	var ladder Ladder
	for _, entry := range msg.Prices {
		price, err := parseTierPrice(entry.Buy, entry.Sell)
		if err != nil {
			return PriceTick{}, err
		}
		ladder.set(entry.Quantity, price)
	}
	if !ladder.complete() {
		return PriceTick{}, errMissingTier
	}

	return PriceTick{
		Venue:           VenueMosEspa,
		SourceTimestamp: sourceTS.UTC(),
		Ladder:          ladder,
	}, nil
}

func parseTierPrice(buyRaw, sellRaw string) (TierPrice, error) {
	buy, err := decimal.NewFromString(strings.TrimSpace(buyRaw))
	if err != nil {
		return TierPrice{}, fmt.Errorf("%w: buy %q", errPrice, buyRaw)
	}
	sell, err := decimal.NewFromString(strings.TrimSpace(sellRaw))
	if err != nil {
		return TierPrice{}, fmt.Errorf("%w: sell %q", errPrice, sellRaw)
	}
	price := TierPrice{Buy: buy, Sell: sell}
	if !price.valid() {
		return TierPrice{}, fmt.Errorf("%w: non-positive quote", errPrice)
	}
	return price, nil
}

type blackSpireMessage struct {
	Item string            `json:"item"`
	Time int64             `json:"time"`
	Buy  []blackSpireLevel `json:"buy"`
	Sell []blackSpireLevel `json:"sell"`
}

type blackSpireLevel struct {
	Amount int64       `json:"amount"`
	Price  json.Number `json:"price"`
}

// decodeBlackSpire normalizes a BLACK_SPIRE book message: unix-second
// timestamps and per-side amount/price arrays. Non-BSK items short-circuit
// with errForeignItem so callers can drop them silently.
func decodeBlackSpire(payload []byte) (PriceTick, error) {
	var msg blackSpireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PriceTick{}, fmt.Errorf("%w: %v", errPayload, err)
	}
	if strings.ToUpper(strings.TrimSpace(msg.Item)) != beskarItem {
		return PriceTick{}, errForeignItem
	}
	if msg.Time <= 0 {
		return PriceTick{}, fmt.Errorf("%w: %d", errTimestamp, msg.Time)
	}

	buys, err := parseLevels(msg.Buy)
	if err != nil {
		return PriceTick{}, err
	}
	sells, err := parseLevels(msg.Sell)
	if err != nil {
		return PriceTick{}, err
	}

	var ladder Ladder
	for _, tier := range Tiers {
		buy, okBuy := buys[tier]
		sell, okSell := sells[tier]
		if !okBuy || !okSell {
			return PriceTick{}, errMissingTier
		}
		ladder.set(tier, TierPrice{Buy: buy, Sell: sell})
	}

	return PriceTick{
		Venue:           VenueBlackSpire,
		SourceTimestamp: time.Unix(msg.Time, 0).UTC(),
		Ladder:          ladder,
	}, nil
}

func parseLevels(levels []blackSpireLevel) (map[int64]decimal.Decimal, error) {
	parsed := make(map[int64]decimal.Decimal, len(levels))
	for _, level := range levels {
		price, err := decimal.NewFromString(level.Price.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errPrice, level.Price.String())
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("%w: non-positive quote", errPrice)
		}
		parsed[level.Amount] = price
	}
	return parsed, nil
}
