package venues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"loand/market"
)

// MosEspa places orders on the MOS_ESPA exchange. Its API is string-typed
// throughout: quantities and prices travel as decimal strings, and logical
// failures come back as HTTP 200 with success=false.
type MosEspa struct {
	client HTTPDoer
	base   string
}

// NewMosEspa builds a MOS_ESPA client against the given base URL. A nil
// client falls back to http.DefaultClient.
func NewMosEspa(client HTTPDoer, baseURL string) *MosEspa {
	if client == nil {
		client = http.DefaultClient
	}
	return &MosEspa{client: client, base: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Venue identifies the exchange this client trades on.
func (c *MosEspa) Venue() market.Venue { return market.VenueMosEspa }

type mosEspaOrder struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Side      string `json:"side"`
	Asset     string `json:"asset"`
	Currency  string `json:"currency"`
	Quantity  string `json:"quantity"`
}

type mosEspaAck struct {
	RequestID string `json:"requestId"`
	OrderID   string `json:"orderId"`
	Success   bool   `json:"success"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Reason    string `json:"reason"`
}

// PlaceSellOrder submits a market sell for the given whole-unit quantity and
// returns the achieved fill. Every failure mode wraps ErrOrderFailed.
func (c *MosEspa) PlaceSellOrder(ctx context.Context, clientOrderID string, quantity int64) (Fill, error) {
	if quantity <= 0 {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("non-positive quantity %d", quantity)}
	}
	payload, err := json.Marshal(mosEspaOrder{
		RequestID: clientOrderID,
		Type:      "market",
		Side:      "sell",
		Asset:     "BESKAR",
		Currency:  "GC",
		Quantity:  strconv.FormatInt(quantity, 10),
	})
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "encode order", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/orders", bytes.NewReader(payload))
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "transport", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var ack mosEspaAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "decode response", Cause: err}
	}
	if !ack.Success {
		reason := strings.TrimSpace(ack.Reason)
		if reason == "" {
			reason = "order rejected"
		}
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: reason}
	}
	price, err := decimal.NewFromString(strings.TrimSpace(ack.Price))
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("invalid price %q", ack.Price), Cause: err}
	}
	if !price.IsPositive() {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("non-positive price %s", price)}
	}
	return Fill{
		Venue:    c.Venue(),
		OrderID:  ack.OrderID,
		Quantity: quantity,
		Price:    price,
		Proceeds: price.Mul(decimal.NewFromInt(quantity)),
	}, nil
}
