package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loand/events"
	"loand/market"
	"loand/observability"
	"loand/storage"
	"loand/venues"
)

const (
	defaultLeaseTTL  = 30 * time.Second
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryCap  = 30 * time.Second
	defaultQuoteBase = time.Second
	defaultQuoteCap  = time.Minute
)

// Worker drives one loan from liquidating to liquidated: size the next lot
// against the mid-price, quote both venues, sell, record the fill, repeat
// until the principal is covered or no whole unit of collateral remains.
type Worker struct {
	store   *storage.Store
	board   *market.Board
	emitter *events.Emitter
	clients []venues.OrderClient
	owner   string

	leaseTTL  time.Duration
	retryBase time.Duration
	retryCap  time.Duration
	quoteBase time.Duration
	quoteCap  time.Duration
	logger    *slog.Logger
}

// WorkerOption mutates worker construction.
type WorkerOption func(*Worker)

// WithLeaseTTL overrides the lease duration. The heartbeat renews at a third
// of it.
func WithLeaseTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.leaseTTL = ttl
		}
	}
}

// WithRetryPolicy overrides the trade retry backoff bounds.
func WithRetryPolicy(base, cap time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.retryBase = base
		}
		if cap >= w.retryBase {
			w.retryCap = cap
		}
	}
}

// WithQuoteRetryPolicy overrides the backoff used while every venue is stale
// or the mid-price is unknown.
func WithQuoteRetryPolicy(base, cap time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.quoteBase = base
		}
		if cap >= w.quoteBase {
			w.quoteCap = cap
		}
	}
}

// WithWorkerLogger overrides the default logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker constructs a worker. The owner id names this process instance in
// the lease table; clients are consulted in slice order, which breaks quote
// ties in favour of the first venue.
func NewWorker(store *storage.Store, board *market.Board, emitter *events.Emitter, clients []venues.OrderClient, owner string, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:     store,
		board:     board,
		emitter:   emitter,
		clients:   clients,
		owner:     owner,
		leaseTTL:  defaultLeaseTTL,
		retryBase: defaultRetryBase,
		retryCap:  defaultRetryCap,
		quoteBase: defaultQuoteBase,
		quoteCap:  defaultQuoteCap,
		logger:    slog.Default().With("component", "liquidator"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run liquidates one loan to completion. It returns nil without touching the
// loan when a live lease already covers it — whoever the holder — or the
// loan is no longer liquidating; duplicate dispatches become no-ops that
// way. Interruption by ctx leaves the loan liquidating for the next sweep.
func (w *Worker) Run(ctx context.Context, loanID string) error {
	acquired, err := w.store.AcquireLease(ctx, loanID, w.owner, w.leaseTTL)
	if err != nil {
		return fmt.Errorf("liquidator: acquire lease for %s: %w", loanID, err)
	}
	if !acquired {
		return nil
	}
	release := func() {
		if err := w.store.ReleaseLease(context.WithoutCancel(ctx), loanID, w.owner); err != nil {
			w.logger.Error("lease release failed", "loanId", loanID, "error", err.Error())
		}
	}

	loan, err := w.store.GetLoan(ctx, loanID)
	if err != nil {
		release()
		if errors.Is(err, storage.ErrLoanNotFound) {
			return nil
		}
		return err
	}
	if loan.Status != storage.StatusLiquidating {
		release()
		return nil
	}

	metrics := observability.Liquidation()
	metrics.WorkerStarted()
	defer metrics.WorkerDone()
	metrics.RecordJob("started")
	if err := w.store.AppendAudit(ctx, loanID, storage.AuditLiquidationStart, "owner="+w.owner); err != nil {
		w.logger.Error("audit append failed", "loanId", loanID, "error", err.Error())
	}
	w.logger.Info("liquidation started",
		"loanId", loanID,
		"owner", w.owner,
		"principal", loan.Principal.String(),
		"collateral", loan.Collateral.String())

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var abandoned atomic.Bool
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(jobCtx, loanID, cancel, &abandoned)
	}()

	runErr := w.sell(jobCtx, loanID)
	cancel()
	hb.Wait()

	if abandoned.Load() {
		// The lease belongs to someone else now; leave it alone.
		return nil
	}
	release()
	if errors.Is(runErr, context.Canceled) {
		w.logger.Info("liquidation interrupted", "loanId", loanID)
		return nil
	}
	return runErr
}

// sell loops Sizing -> Quoting -> Trading until the loan is covered or out of
// whole units, then finalizes. Only storage failures and cancellation escape.
func (w *Worker) sell(ctx context.Context, loanID string) error {
	quoteBackoff := w.quoteBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		loan, err := w.store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != storage.StatusLiquidating {
			return nil
		}
		shortfall := loan.Principal.Sub(loan.ProceedsGC)
		sellable := loan.Collateral.Sub(loan.CollateralSold).Floor().IntPart()
		if !shortfall.IsPositive() || sellable <= 0 {
			return w.finalize(ctx, loanID)
		}

		mid, ok := w.board.MidPrice()
		if !ok {
			if err := sleepCtx(ctx, quoteBackoff); err != nil {
				return err
			}
			quoteBackoff = nextBackoff(quoteBackoff, w.quoteCap)
			continue
		}
		quoteBackoff = w.quoteBase

		required := RequiredUnits(shortfall, mid)
		if required > sellable {
			required = sellable
		}
		lot := PlanLots(required)[0]

		fill, err := w.sellLot(ctx, loanID, lot)
		if err != nil {
			return err
		}
		// The venue executed; recording must survive shutdown or the
		// proceeds would be sold twice.
		recordCtx := context.WithoutCancel(ctx)
		if _, err := w.store.RecordFill(recordCtx, loanID, decimal.NewFromInt(fill.Quantity), fill.Proceeds); err != nil {
			if errors.Is(err, storage.ErrStateConflict) {
				return nil
			}
			return err
		}
		w.logger.Info("lot filled",
			"loanId", loanID,
			"venue", string(fill.Venue),
			"quantity", fill.Quantity,
			"price", fill.Price.String(),
			"proceeds", fill.Proceeds.String())
	}
}

// sellLot places one lot, retrying every failure kind with full-jitter
// exponential backoff until a fill lands or ctx ends. Each attempt gets a
// fresh clientOrderId audited before the call so operators can reconcile
// uncertain orders with the venue.
func (w *Worker) sellLot(ctx context.Context, loanID string, lot int64) (venues.Fill, error) {
	backoff := w.retryBase
	staleBackoff := w.quoteBase
	for {
		if err := ctx.Err(); err != nil {
			return venues.Fill{}, err
		}
		client, quote, ok := w.pickVenue(lot)
		if !ok {
			if err := sleepCtx(ctx, staleBackoff); err != nil {
				return venues.Fill{}, err
			}
			staleBackoff = nextBackoff(staleBackoff, w.quoteCap)
			continue
		}
		staleBackoff = w.quoteBase

		clientOrderID := uuid.NewString()
		attempt := fmt.Sprintf("venue=%s clientOrderId=%s quantity=%d quote=%s", client.Venue(), clientOrderID, lot, quote)
		if err := w.store.AppendAudit(ctx, loanID, storage.AuditTradeAttempt, attempt); err != nil {
			return venues.Fill{}, err
		}
		if err := w.store.RecordLiquidationAttempt(ctx, loanID); err != nil {
			w.logger.Error("attempt counter update failed", "loanId", loanID, "error", err.Error())
		}

		fill, err := client.PlaceSellOrder(ctx, clientOrderID, lot)
		observability.Liquidation().RecordTrade(string(client.Venue()), err)
		if err == nil {
			return fill, nil
		}
		w.logger.Warn("order attempt failed",
			"loanId", loanID,
			"venue", string(client.Venue()),
			"clientOrderId", clientOrderID,
			"quantity", lot,
			"error", err.Error())
		failure := fmt.Sprintf("venue=%s clientOrderId=%s error=%v", client.Venue(), clientOrderID, err)
		if err := w.store.AppendAudit(ctx, loanID, storage.AuditTradeResult, failure); err != nil && ctx.Err() == nil {
			w.logger.Error("audit append failed", "loanId", loanID, "error", err.Error())
		}
		observability.Liquidation().RecordRetry(string(client.Venue()))

		if err := sleepCtx(ctx, jitter(backoff)); err != nil {
			return venues.Fill{}, err
		}
		backoff = nextBackoff(backoff, w.retryCap)
	}
}

// pickVenue returns the client with the best effective sell quote for the
// lot. Clients are scanned in slice order and only a strictly better quote
// replaces the incumbent, so ties keep the earlier venue. ok=false when no
// venue has a fresh ladder.
func (w *Worker) pickVenue(lot int64) (venues.OrderClient, decimal.Decimal, bool) {
	var best venues.OrderClient
	var bestQuote decimal.Decimal
	for _, client := range w.clients {
		quote, ok := w.board.EffectiveSellPrice(client.Venue(), lot)
		if !ok {
			continue
		}
		if best == nil || quote.GreaterThan(bestQuote) {
			best, bestQuote = client, quote
		}
	}
	if best == nil {
		return nil, decimal.Decimal{}, false
	}
	return best, bestQuote, true
}

func (w *Worker) finalize(ctx context.Context, loanID string) error {
	var final storage.Loan
	err := w.store.WithLoanLock(loanID, func() error {
		updated, err := w.store.Transition(ctx, loanID, storage.StatusLiquidating, storage.StatusLiquidated, nil)
		if err != nil {
			return err
		}
		final = updated
		outstanding := updated.Principal.Sub(updated.ProceedsGC)
		if outstanding.IsNegative() {
			outstanding = decimal.Zero
		}
		remaining := updated.Collateral.Sub(updated.CollateralSold)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		_ = w.emitter.EmitRecorded(ctx, w.store, events.NewLiquidation(loanID, updated.CollateralSold, updated.ProceedsGC, remaining, outstanding))
		return nil
	})
	if errors.Is(err, storage.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics := observability.Liquidation()
	metrics.RecordJob("finalized")
	proceeds, _ := final.ProceedsGC.Float64()
	metrics.ObserveProceeds(proceeds)
	w.logger.Info("liquidation finalized",
		"loanId", loanID,
		"collateralSold", final.CollateralSold.String(),
		"proceeds", final.ProceedsGC.String(),
		"attempts", final.LiquidationAttempts)
	return nil
}

// heartbeat renews the lease at a third of its TTL. A lost lease means
// another owner took the loan over: cancel the job and abandon without
// touching the lease table.
func (w *Worker) heartbeat(ctx context.Context, loanID string, cancel context.CancelFunc, abandoned *atomic.Bool) {
	interval := w.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := w.store.RenewLease(ctx, loanID, w.owner, w.leaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient storage trouble: keep renewing, TTL expiry decides.
			w.logger.Error("lease renew failed", "loanId", loanID, "error", err.Error())
			continue
		}
		if !ok {
			abandoned.Store(true)
			if err := w.store.AppendAudit(context.WithoutCancel(ctx), loanID, storage.AuditLeaseLost, "owner="+w.owner); err != nil {
				w.logger.Error("audit append failed", "loanId", loanID, "error", err.Error())
			}
			observability.Liquidation().RecordJob("abandoned")
			w.logger.Warn("lease lost, abandoning", "loanId", loanID, "owner", w.owner)
			cancel()
			return
		}
	}
}

// jitter draws a uniform delay in [0, d): full jitter keeps stampeding
// workers from hammering a struggling venue in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
