package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"loand/bus"
	"loand/observability"
)

const defaultWatchInterval = 5 * time.Second

// Feed pumps both venue topics into the board. One subscription goroutine
// per venue plus a freshness watchdog, all supervised together.
type Feed struct {
	subscriber bus.Subscriber
	board      *Board
	mosTopic   string
	blackTopic string
	logger     *slog.Logger
	now        func() time.Time
	watch      time.Duration
}

// FeedOption mutates feed construction.
type FeedOption func(*Feed)

// WithFeedLogger overrides the default logger.
func WithFeedLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFeedClock injects a deterministic receive timestamp source.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// WithWatchInterval overrides the freshness watchdog cadence.
func WithWatchInterval(interval time.Duration) FeedOption {
	return func(f *Feed) {
		if interval > 0 {
			f.watch = interval
		}
	}
}

// NewFeed wires a subscriber to the board for the two venue topics.
func NewFeed(subscriber bus.Subscriber, board *Board, mosTopic, blackTopic string, opts ...FeedOption) *Feed {
	f := &Feed{
		subscriber: subscriber,
		board:      board,
		mosTopic:   mosTopic,
		blackTopic: blackTopic,
		logger:     slog.Default(),
		now:        time.Now,
		watch:      defaultWatchInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run blocks until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.subscriber.Subscribe(ctx, f.mosTopic, func(_ context.Context, msg bus.Message) {
			f.ingest(VenueMosEspa, msg.Value, decodeMosEspa)
		})
	})
	g.Go(func() error {
		return f.subscriber.Subscribe(ctx, f.blackTopic, func(_ context.Context, msg bus.Message) {
			f.ingest(VenueBlackSpire, msg.Value, decodeBlackSpire)
		})
	})
	g.Go(func() error {
		return f.watchFreshness(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (f *Feed) ingest(venue Venue, payload []byte, decode func([]byte) (PriceTick, error)) {
	tick, err := decode(payload)
	if err != nil {
		if errors.Is(err, errForeignItem) {
			return
		}
		observability.MarketMetrics().RecordReject(string(venue), rejectReason(err))
		f.logger.Warn("dropped feed message", "venue", string(venue), "reason", rejectReason(err), "error", err.Error())
		return
	}
	tick.ReceivedAt = f.now()
	if err := f.board.Apply(tick); err != nil {
		observability.MarketMetrics().RecordReject(string(venue), "board")
		f.logger.Warn("dropped feed message", "venue", string(venue), "reason", "board", "error", err.Error())
		return
	}
	observability.MarketMetrics().RecordTick(string(venue))
	observability.MarketMetrics().SetFresh(string(venue), true)
}

// watchFreshness keeps the staleness gauge honest and logs venues crossing
// into staleness so operators see feed loss without scraping metrics.
func (f *Feed) watchFreshness(ctx context.Context) error {
	ticker := time.NewTicker(f.watch)
	defer ticker.Stop()

	wasFresh := make(map[Venue]bool, len(Venues))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, venue := range Venues {
				fresh := f.board.Fresh(venue)
				observability.MarketMetrics().SetFresh(string(venue), fresh)
				if wasFresh[venue] && !fresh {
					f.logger.Warn("venue went stale", "venue", string(venue))
				}
				wasFresh[venue] = fresh
			}
		}
	}
}
