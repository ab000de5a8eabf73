package liquidator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"loand/observability"
	"loand/storage"
)

const (
	defaultWorkers       = 16
	defaultSweepInterval = 30 * time.Second
)

// JobRunner liquidates a single loan end to end.
type JobRunner interface {
	Run(ctx context.Context, loanID string) error
}

// Pool fans liquidation jobs out to a bounded set of workers. Dispatch never
// blocks: a full queue is reported to the caller and the sweep re-discovers
// the loan later, so nothing is lost, only delayed. Loans already queued or
// running are coalesced so repeated dispatches cannot pile up in the queue.
type Pool struct {
	store   *storage.Store
	runner  JobRunner
	workers int
	queue   chan string
	sweep   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// PoolOption mutates pool construction.
type PoolOption func(*poolConfig)

type poolConfig struct {
	queueSize int
	sweep     time.Duration
	logger    *slog.Logger
}

// WithQueueSize overrides the queue capacity (default twice the workers).
func WithQueueSize(size int) PoolOption {
	return func(c *poolConfig) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithSweepInterval overrides how often liquidating loans without a live
// lease are re-enqueued.
func WithSweepInterval(interval time.Duration) PoolOption {
	return func(c *poolConfig) {
		if interval > 0 {
			c.sweep = interval
		}
	}
}

// WithPoolLogger overrides the default logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(c *poolConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewPool constructs a pool with the given parallelism. The queue exists from
// construction so Dispatch works before Run starts draining.
func NewPool(store *storage.Store, runner JobRunner, workers int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	cfg := poolConfig{
		queueSize: 2 * workers,
		sweep:     defaultSweepInterval,
		logger:    slog.Default().With("component", "liquidator"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		store:    store,
		runner:   runner,
		workers:  workers,
		queue:    make(chan string, cfg.queueSize),
		sweep:    cfg.sweep,
		logger:   cfg.logger,
		inflight: make(map[string]struct{}),
	}
}

// Dispatch enqueues a loan for liquidation without blocking. A loan already
// queued or running is reported as dispatched without taking a second slot.
// false means the queue is full; the caller leaves the loan to the sweep.
func (p *Pool) Dispatch(loanID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[loanID]; ok {
		return true
	}
	select {
	case p.queue <- loanID:
		p.inflight[loanID] = struct{}{}
		observability.Liquidation().SetQueueDepth(len(p.queue))
		return true
	default:
		return false
	}
}

func (p *Pool) finish(loanID string) {
	p.mu.Lock()
	delete(p.inflight, loanID)
	p.mu.Unlock()
}

// Run drains the queue with the configured number of workers and sweeps for
// orphaned liquidating loans until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	g.Go(func() error { return p.sweepLoop(ctx) })
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case loanID := <-p.queue:
			observability.Liquidation().SetQueueDepth(len(p.queue))
			err := p.runner.Run(ctx, loanID)
			p.finish(loanID)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("liquidation job failed", "loanId", loanID, "error", err.Error())
			}
		}
	}
}

// sweepLoop runs one sweep immediately so a restarted instance resumes
// interrupted liquidations without waiting a full interval.
func (p *Pool) sweepLoop(ctx context.Context) error {
	if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("liquidation sweep failed", "error", err.Error())
	}
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("liquidation sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep enqueues every liquidating loan that no live lease covers. Dispatch
// coalesces loans already queued or running, and the lease gate in the
// worker stands behind it, so a sweep racing the evaluator never doubles a
// job.
func (p *Pool) Sweep(ctx context.Context) error {
	loans, err := p.store.ListLoans(ctx, storage.ListFilter{
		Statuses: []storage.Status{storage.StatusLiquidating},
	})
	if err != nil {
		return err
	}
	for _, loan := range loans {
		if _, held, err := p.store.LiveLease(ctx, loan.LoanID); err != nil {
			return err
		} else if held {
			continue
		}
		if !p.Dispatch(loan.LoanID) {
			p.logger.Warn("liquidation queue full during sweep", "loanId", loan.LoanID)
			break
		}
	}
	return nil
}
