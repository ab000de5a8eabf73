package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultMaxTickAge = 30 * time.Second
	defaultDebounce   = 250 * time.Millisecond
)

var two = decimal.NewFromInt(2)

// Board is the live price view: the last valid tick per venue plus the
// derived quotes. Reads never block feed ingestion for long; all methods are
// safe for concurrent use.
type Board struct {
	maxAge   time.Duration
	debounce time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	ticks map[Venue]PriceTick

	limiters map[Venue]*rate.Limiter
	updates  chan struct{}
}

// BoardOption mutates board construction.
type BoardOption func(*Board)

// WithClock injects a deterministic time source for tests.
func WithClock(now func() time.Time) BoardOption {
	return func(b *Board) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDebounce overrides the per-venue update notification interval.
func WithDebounce(debounce time.Duration) BoardOption {
	return func(b *Board) {
		if debounce > 0 {
			b.debounce = debounce
		}
	}
}

// NewBoard constructs an empty board with the given staleness threshold.
func NewBoard(maxAge time.Duration, opts ...BoardOption) *Board {
	if maxAge <= 0 {
		maxAge = defaultMaxTickAge
	}
	b := &Board{
		maxAge:   maxAge,
		debounce: defaultDebounce,
		now:      time.Now,
		ticks:    make(map[Venue]PriceTick, len(Venues)),
		updates:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.limiters = make(map[Venue]*rate.Limiter, len(Venues))
	for _, venue := range Venues {
		b.limiters[venue] = rate.NewLimiter(rate.Every(b.debounce), 1)
	}
	return b
}

// Apply stores the tick if it is not older than the held one and signals the
// update channel, debounced per venue. Ticks with a zero ReceivedAt are
// stamped with the board clock. Incomplete ladders and unknown venues are
// rejected; an out-of-order tick is dropped silently in favour of the
// newer one already held.
func (b *Board) Apply(tick PriceTick) error {
	if !tick.Ladder.complete() {
		return fmt.Errorf("%w: tick for %s", errMissingTier, tick.Venue)
	}
	if _, ok := b.limiters[tick.Venue]; !ok {
		return fmt.Errorf("market: unknown venue %q", tick.Venue)
	}
	if tick.ReceivedAt.IsZero() {
		tick.ReceivedAt = b.now()
	}

	b.mu.Lock()
	if held, ok := b.ticks[tick.Venue]; ok && held.ReceivedAt.After(tick.ReceivedAt) {
		b.mu.Unlock()
		return nil
	}
	b.ticks[tick.Venue] = tick
	b.mu.Unlock()

	if b.limiters[tick.Venue].Allow() {
		select {
		case b.updates <- struct{}{}:
		default:
		}
	}
	return nil
}

// Latest returns the venue's tick when it is still inside the freshness
// window, or ok=false once it has gone stale.
func (b *Board) Latest(venue Venue) (PriceTick, bool) {
	b.mu.RLock()
	tick, ok := b.ticks[venue]
	b.mu.RUnlock()
	if !ok {
		return PriceTick{}, false
	}
	if b.now().Sub(tick.ReceivedAt) > b.maxAge {
		return PriceTick{}, false
	}
	return tick, true
}

// Fresh reports whether the venue currently has a usable tick.
func (b *Board) Fresh(venue Venue) bool {
	_, ok := b.Latest(venue)
	return ok
}

// MidPrice averages (sell_1+buy_1)/2 across all fresh venues. ok=false when
// every venue is stale.
func (b *Board) MidPrice() (decimal.Decimal, bool) {
	sum := decimal.Zero
	count := int64(0)
	for _, venue := range Venues {
		tick, ok := b.Latest(venue)
		if !ok {
			continue
		}
		mid := tick.Ladder.T1.Sell.Add(tick.Ladder.T1.Buy).Div(two)
		sum = sum.Add(mid)
		count++
	}
	if count == 0 {
		return decimal.Decimal{}, false
	}
	return sum.Div(decimal.NewFromInt(count)), true
}

// EffectiveSellPrice prices a lot of the given size at the venue: the sell
// quote of the smallest tier covering it, the 100 tier beyond the ladder.
// ok=false when the venue is stale or the quantity is non-positive.
func (b *Board) EffectiveSellPrice(venue Venue, quantity int64) (decimal.Decimal, bool) {
	tick, ok := b.Latest(venue)
	if !ok {
		return decimal.Decimal{}, false
	}
	rung, ok := tick.Ladder.Effective(quantity)
	if !ok {
		return decimal.Decimal{}, false
	}
	return rung.Sell, true
}

// Updates exposes the debounced change signal consumed by the LTV evaluator.
// The channel is coalescing: a slow consumer sees at least one signal for any
// burst of ticks.
func (b *Board) Updates() <-chan struct{} {
	return b.updates
}
