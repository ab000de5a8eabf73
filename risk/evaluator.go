package risk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"loand/events"
	"loand/market"
	"loand/storage"
)

const defaultSafetyInterval = 30 * time.Second

// epsilon absorbs decimal rounding at the trip points so a quote sitting
// exactly on a threshold does not flap between evaluations.
var epsilon = decimal.New(1, -6)

// Dispatcher hands a liquidating loan to the worker pool. Dispatch returns
// false when the queue is full; the loan stays liquidating and the periodic
// sweep picks it up later.
type Dispatcher interface {
	Dispatch(loanID string) bool
}

// Evaluator runs the LTV policy over every non-terminal loan. It reacts to
// debounced price updates, to lifecycle nudges after top-ups, and to a
// periodic safety tick covering missed signals.
type Evaluator struct {
	store      *storage.Store
	board      *market.Board
	emitter    *events.Emitter
	dispatcher Dispatcher
	thresholds Thresholds
	interval   time.Duration
	nudge      <-chan struct{}
	logger     *slog.Logger
}

// Option mutates evaluator construction.
type Option func(*Evaluator)

// WithNudge wires the lifecycle engine's top-up signal into the loop.
func WithNudge(ch <-chan struct{}) Option {
	return func(ev *Evaluator) { ev.nudge = ch }
}

// WithSafetyInterval overrides the periodic full evaluation interval.
func WithSafetyInterval(interval time.Duration) Option {
	return func(ev *Evaluator) {
		if interval > 0 {
			ev.interval = interval
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ev *Evaluator) {
		if logger != nil {
			ev.logger = logger
		}
	}
}

// New constructs an evaluator over the given collaborators.
func New(store *storage.Store, board *market.Board, emitter *events.Emitter, dispatcher Dispatcher, thresholds Thresholds, opts ...Option) *Evaluator {
	ev := &Evaluator{
		store:      store,
		board:      board,
		emitter:    emitter,
		dispatcher: dispatcher,
		thresholds: thresholds,
		interval:   defaultSafetyInterval,
		logger:     slog.Default().With("component", "risk"),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Run evaluates until the context is cancelled.
func (ev *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ev.board.Updates():
		case <-ev.nudge:
		case <-ticker.C:
		}
		ev.Tick(ctx)
	}
}

// Tick runs one evaluation pass. With the mid-price unknown no loan moves:
// activation would be premature and liquidating on a stale quote is exactly
// what the staleness window exists to prevent.
func (ev *Evaluator) Tick(ctx context.Context) {
	mid, ok := ev.board.MidPrice()
	if !ok {
		return
	}
	loans, err := ev.store.ListLoans(ctx, storage.ListFilter{
		Statuses: []storage.Status{storage.StatusNew, storage.StatusActive},
	})
	if err != nil {
		ev.logger.Error("loan scan failed", "error", err.Error())
		return
	}
	for _, loan := range loans {
		switch loan.Status {
		case storage.StatusNew:
			ev.maybeActivate(ctx, loan, mid)
		case storage.StatusActive:
			ev.maybeLiquidate(ctx, loan, mid)
		}
	}
}

func (ev *Evaluator) maybeActivate(ctx context.Context, loan storage.Loan, mid decimal.Decimal) {
	ltv, ok := LTV(loan.Principal, loan.Collateral, mid)
	if !ok {
		return
	}
	if ltv.GreaterThan(ev.thresholds.Activation.Add(epsilon)) {
		return
	}
	err := ev.store.WithLoanLock(loan.LoanID, func() error {
		updated, err := ev.store.Transition(ctx, loan.LoanID, storage.StatusNew, storage.StatusActive, nil)
		if err != nil {
			return err
		}
		_ = ev.emitter.EmitRecorded(ctx, ev.store, events.NewActivation(updated.LoanID, updated.Principal))
		return nil
	})
	switch {
	case err == nil:
		ev.logger.Info("loan activated", "loanId", loan.LoanID, "ltv", ltv.String())
	case errors.Is(err, storage.ErrStateConflict):
		// lost the race to another evaluator; the winner emitted
	default:
		ev.logger.Error("activation failed", "loanId", loan.LoanID, "error", err.Error())
	}
}

func (ev *Evaluator) maybeLiquidate(ctx context.Context, loan storage.Loan, mid decimal.Decimal) {
	ltv, ok := LTV(loan.Principal, loan.Collateral, mid)
	if !ok {
		return
	}
	if ltv.LessThan(ev.thresholds.Liquidation.Sub(epsilon)) {
		return
	}
	err := ev.store.WithLoanLock(loan.LoanID, func() error {
		_, err := ev.store.Transition(ctx, loan.LoanID, storage.StatusActive, storage.StatusLiquidating, nil)
		return err
	})
	switch {
	case err == nil:
		ev.logger.Warn("liquidation threshold breached", "loanId", loan.LoanID, "ltv", ltv.String())
		if !ev.dispatcher.Dispatch(loan.LoanID) {
			ev.logger.Warn("liquidation queue full, deferring to sweep", "loanId", loan.LoanID)
		}
	case errors.Is(err, storage.ErrStateConflict):
		// lost the race; the winning instance dispatched
	default:
		ev.logger.Error("liquidation transition failed", "loanId", loan.LoanID, "error", err.Error())
	}
}
