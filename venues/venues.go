// Package venues holds the outbound order clients for the two trading
// markets. Both speak JSON over HTTP and reduce every response to the same
// Fill shape so the liquidation worker never cares which side executed.
package venues

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loand/market"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrOrderFailed marks any unsuccessful order attempt. Logical rejections,
// HTTP error statuses and transport failures all wrap it: the caller retries
// them the same way.
var ErrOrderFailed = errors.New("venue order failed")

// OrderError carries the venue and reason of a failed attempt.
type OrderError struct {
	Venue  market.Venue
	Reason string
	Cause  error
}

func (e *OrderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s order: %s: %v", e.Venue, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s order: %s", e.Venue, e.Reason)
}

func (e *OrderError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrOrderFailed, e.Cause}
	}
	return []error{ErrOrderFailed}
}

// Fill is the uniform result of an executed sell order.
type Fill struct {
	Venue    market.Venue
	OrderID  string
	Quantity int64
	// Price is the achieved GC per BSK, Proceeds the GC for the whole lot.
	Price    decimal.Decimal
	Proceeds decimal.Decimal
}

// OrderClient places market sell orders on one venue.
type OrderClient interface {
	Venue() market.Venue
	PlaceSellOrder(ctx context.Context, clientOrderID string, quantity int64) (Fill, error)
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultTimeout     = 15 * time.Second
)

// NewHTTPClient builds the shared venue HTTP client: bounded dial and total
// timeouts, traced transport. Non-positive durations fall back to defaults.
func NewHTTPClient(dialTimeout, timeout time.Duration) *http.Client {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}
