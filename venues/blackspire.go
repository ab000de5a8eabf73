package venues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"loand/market"
)

// blackSpireItem is the listing code BLACK_SPIRE trades Beskar under.
const blackSpireItem = "STEEL:MANDALORIAN"

// BlackSpire places orders on the BLACK_SPIRE outpost market. Amounts travel
// as JSON numbers and the response quotes the total for the lot rather than
// a per-unit price; failures come back as HTTP 200 with an error field.
type BlackSpire struct {
	client HTTPDoer
	base   string
}

// NewBlackSpire builds a BLACK_SPIRE client against the given base URL. A nil
// client falls back to http.DefaultClient.
func NewBlackSpire(client HTTPDoer, baseURL string) *BlackSpire {
	if client == nil {
		client = http.DefaultClient
	}
	return &BlackSpire{client: client, base: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Venue identifies the exchange this client trades on.
func (c *BlackSpire) Venue() market.Venue { return market.VenueBlackSpire }

type blackSpireOrder struct {
	RequestID string `json:"requestId"`
	Side      string `json:"side"`
	Item      string `json:"item"`
	Amount    int64  `json:"amount"`
}

type blackSpireAck struct {
	RequestID  string      `json:"requestId"`
	ID         string      `json:"id"`
	Side       string      `json:"side"`
	Item       string      `json:"item"`
	Amount     json.Number `json:"amount"`
	TotalPrice json.Number `json:"totalPrice"`
	Error      string      `json:"error"`
}

// PlaceSellOrder submits a sell for the given whole-unit quantity and returns
// the achieved fill. Every failure mode wraps ErrOrderFailed.
func (c *BlackSpire) PlaceSellOrder(ctx context.Context, clientOrderID string, quantity int64) (Fill, error) {
	if quantity <= 0 {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("non-positive quantity %d", quantity)}
	}
	payload, err := json.Marshal(blackSpireOrder{
		RequestID: clientOrderID,
		Side:      "SELL",
		Item:      blackSpireItem,
		Amount:    quantity,
	})
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "encode order", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/market/orders", bytes.NewReader(payload))
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

	var ack blackSpireAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: "decode response", Cause: err}
	}
	if reason := strings.TrimSpace(ack.Error); reason != "" {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: reason}
	}
	total, err := decimal.NewFromString(ack.TotalPrice.String())
	if err != nil {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("invalid total price %q", ack.TotalPrice), Cause: err}
	}
	if !total.IsPositive() {
		return Fill{}, &OrderError{Venue: c.Venue(), Reason: fmt.Sprintf("non-positive total price %s", total)}
	}
	return Fill{
		Venue:    c.Venue(),
		OrderID:  ack.ID,
		Quantity: quantity,
		Price:    total.Div(decimal.NewFromInt(quantity)),
		Proceeds: total,
	}, nil
}
