package risk_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loand/bus"
	"loand/events"
	"loand/market"
	"loand/risk"
	"loand/storage"
)

const eventsTopic = "loan-events"

type captureDispatcher struct {
	mu   sync.Mutex
	ids  []string
	full bool
}

func (d *captureDispatcher) Dispatch(loanID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		return false
	}
	d.ids = append(d.ids, loanID)
	return true
}

func (d *captureDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type fixture struct {
	store *storage.Store
	board *market.Board
	bus   *bus.Memory
	disp  *captureDispatcher
	eval  *risk.Evaluator
	now   *time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn, storage.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	board := market.NewBoard(30*time.Second, market.WithClock(clock))
	memBus := bus.NewMemory()
	emitter, err := events.NewEmitter(memBus, eventsTopic)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	disp := &captureDispatcher{}
	thresholds, err := risk.ThresholdsFromPercent(50, 80)
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	eval := risk.New(store, board, emitter, disp, thresholds)
	return &fixture{store: store, board: board, bus: memBus, disp: disp, eval: eval, now: &now}
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", raw, err)
	}
	return d
}

// applyQuotes posts a flat ladder (every tier at the same buy and sell
// price) to both venues so MidPrice equals that price exactly.
func applyQuotes(t *testing.T, f *fixture, price string) {
	t.Helper()
	rung := market.TierPrice{Buy: dec(t, price), Sell: dec(t, price)}
	ladder := market.Ladder{T1: rung, T10: rung, T50: rung, T100: rung}
	for _, venue := range market.Venues {
		err := f.board.Apply(market.PriceTick{
			Venue:           venue,
			ReceivedAt:      *f.now,
			SourceTimestamp: *f.now,
			Ladder:          ladder,
		})
		if err != nil {
			t.Fatalf("apply tick for %s: %v", venue, err)
		}
	}
}

func seedLoan(t *testing.T, f *fixture, loanID, principal, collateral string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreateLoan(ctx, loanID, "B1", dec(t, principal)); err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if collateral != "0" {
		if _, err := f.store.AddCollateral(ctx, loanID, dec(t, collateral)); err != nil {
			t.Fatalf("top up: %v", err)
		}
	}
}

func loanStatus(t *testing.T, f *fixture, loanID string) storage.Status {
	t.Helper()
	loan, err := f.store.GetLoan(context.Background(), loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	return loan.Status
}

func TestActivatesAtThreshold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// 1000 GC against 40 BSK at mid 50 is LTV 0.5, exactly the trip point.
	seedLoan(t, f, "L1", "1000", "40")
	applyQuotes(t, f, "50")

	f.eval.Tick(ctx)

	if got := loanStatus(t, f, "L1"); got != storage.StatusActive {
		t.Fatalf("status: got %s want %s", got, storage.StatusActive)
	}
	published := f.bus.Published(eventsTopic)
	if len(published) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(published))
	}
	var event events.Event
	if err := json.Unmarshal(published[0].Value, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.EventType != events.TypeActivation {
		t.Fatalf("eventType: got %s want %s", event.EventType, events.TypeActivation)
	}
	if event.OutstandingBalance != "1000" {
		t.Fatalf("outstandingBalance: got %s want 1000", event.OutstandingBalance)
	}
	if event.Status != string(storage.StatusActive) {
		t.Fatalf("status field: got %s", event.Status)
	}
	if want := events.ID("L1", storage.StatusActive); event.EventID != want {
		t.Fatalf("eventId: got %s want %s", event.EventID, want)
	}
	if string(published[0].Key) != "L1" {
		t.Fatalf("message key: got %s want L1", published[0].Key)
	}

	// A second pass must not re-activate or re-emit.
	f.eval.Tick(ctx)
	if got := len(f.bus.Published(eventsTopic)); got != 1 {
		t.Fatalf("second tick must not duplicate the event, got %d", got)
	}
}

func TestUndercollateralizedLoanStaysNew(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// 20 BSK at mid 50 values the collateral at the principal: LTV 1.0.
	// The loan neither activates nor jumps straight to liquidating.
	seedLoan(t, f, "L1", "1000", "20")
	applyQuotes(t, f, "50")

	f.eval.Tick(ctx)

	if got := loanStatus(t, f, "L1"); got != storage.StatusNew {
		t.Fatalf("status: got %s want %s", got, storage.StatusNew)
	}
	if got := len(f.bus.Published(eventsTopic)); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
	if got := f.disp.dispatched(); len(got) != 0 {
		t.Fatalf("expected no dispatches, got %v", got)
	}
}

func TestZeroCollateralSkipped(t *testing.T) {
	f := setup(t)
	seedLoan(t, f, "L1", "1000", "0")
	applyQuotes(t, f, "50")

	f.eval.Tick(context.Background())

	if got := loanStatus(t, f, "L1"); got != storage.StatusNew {
		t.Fatalf("status: got %s want %s", got, storage.StatusNew)
	}
}

func TestLiquidationTriggerDispatches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedLoan(t, f, "L1", "1000", "40")
	applyQuotes(t, f, "50")
	f.eval.Tick(ctx)
	if got := loanStatus(t, f, "L1"); got != storage.StatusActive {
		t.Fatalf("precondition: loan must be active, got %s", got)
	}

	// Price collapse: 40 BSK at 31.25 is worth 1250, LTV exactly 0.8.
	applyQuotes(t, f, "31.25")
	f.eval.Tick(ctx)

	if got := loanStatus(t, f, "L1"); got != storage.StatusLiquidating {
		t.Fatalf("status: got %s want %s", got, storage.StatusLiquidating)
	}
	if got := f.disp.dispatched(); len(got) != 1 || got[0] != "L1" {
		t.Fatalf("dispatched: got %v want [L1]", got)
	}
	// The terminal liquidation event belongs to the worker, not the trigger.
	if got := len(f.bus.Published(eventsTopic)); got != 1 {
		t.Fatalf("expected only the activation event so far, got %d", got)
	}
}

func TestRecoveredPriceNeverRegressesLiquidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedLoan(t, f, "L1", "1000", "40")
	applyQuotes(t, f, "50")
	f.eval.Tick(ctx)
	applyQuotes(t, f, "31.25")
	f.eval.Tick(ctx)
	if got := loanStatus(t, f, "L1"); got != storage.StatusLiquidating {
		t.Fatalf("precondition: loan must be liquidating, got %s", got)
	}

	// Full recovery: 40 BSK at 60 is LTV ~0.42, but the transition only
	// runs forward.
	applyQuotes(t, f, "60")
	f.eval.Tick(ctx)

	if got := loanStatus(t, f, "L1"); got != storage.StatusLiquidating {
		t.Fatalf("liquidating loan must not regress, got %s", got)
	}
	if got := f.disp.dispatched(); len(got) != 1 {
		t.Fatalf("recovery must not re-dispatch, got %v", got)
	}
	if got := len(f.bus.Published(eventsTopic)); got != 1 {
		t.Fatalf("recovery must not emit, got %d events", got)
	}
}

func TestStalePricesFreezeEvaluation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedLoan(t, f, "L1", "1000", "40")
	applyQuotes(t, f, "50")
	*f.now = f.now.Add(31 * time.Second)

	f.eval.Tick(ctx)
	if got := loanStatus(t, f, "L1"); got != storage.StatusNew {
		t.Fatalf("stale board must not move loans, got %s", got)
	}

	applyQuotes(t, f, "50")
	f.eval.Tick(ctx)
	if got := loanStatus(t, f, "L1"); got != storage.StatusActive {
		t.Fatalf("fresh quotes must resume evaluation, got %s", got)
	}
}

func TestFullQueueLeavesLoanForSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.disp.full = true

	seedLoan(t, f, "L1", "1000", "40")
	applyQuotes(t, f, "50")
	f.eval.Tick(ctx)
	applyQuotes(t, f, "20")
	f.eval.Tick(ctx)

	if got := loanStatus(t, f, "L1"); got != storage.StatusLiquidating {
		t.Fatalf("status: got %s want %s", got, storage.StatusLiquidating)
	}
	if got := f.disp.dispatched(); len(got) != 0 {
		t.Fatalf("full queue must not record a dispatch, got %v", got)
	}
}

func TestThresholdsFromPercent(t *testing.T) {
	thresholds, err := risk.ThresholdsFromPercent(50, 80)
	if err != nil {
		t.Fatalf("valid thresholds: %v", err)
	}
	if thresholds.Activation.String() != "0.5" || thresholds.Liquidation.String() != "0.8" {
		t.Fatalf("unexpected ratios: %+v", thresholds)
	}
	for _, tc := range []struct{ act, liq int }{
		{0, 80},
		{50, 0},
		{-1, 80},
		{80, 80},
		{90, 80},
	} {
		if _, err := risk.ThresholdsFromPercent(tc.act, tc.liq); err == nil {
			t.Fatalf("expected error for %d/%d", tc.act, tc.liq)
		}
	}
}

func TestLTV(t *testing.T) {
	ltv, ok := risk.LTV(dec(t, "1000"), dec(t, "40"), dec(t, "50"))
	if !ok || ltv.String() != "0.5" {
		t.Fatalf("ltv: got %s ok=%v", ltv, ok)
	}
	if _, ok := risk.LTV(dec(t, "1000"), dec(t, "0"), dec(t, "50")); ok {
		t.Fatalf("zero collateral must be undefined")
	}
	if _, ok := risk.LTV(dec(t, "1000"), dec(t, "40"), dec(t, "0")); ok {
		t.Fatalf("zero mid must be undefined")
	}
}
