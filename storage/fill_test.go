package storage

import (
	"context"
	"errors"
	"testing"
)

func startLiquidation(t *testing.T, store *Store, loanID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateLoan(ctx, loanID, "B1", dec(t, "1000")); err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := store.AddCollateral(ctx, loanID, dec(t, "40")); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := store.Transition(ctx, loanID, StatusNew, StatusActive, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := store.Transition(ctx, loanID, StatusActive, StatusLiquidating, nil); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}
}

func TestRecordFillAccumulates(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	startLiquidation(t, store, "L1")

	if _, err := store.RecordFill(ctx, "L1", dec(t, "10"), dec(t, "500")); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	loan, err := store.RecordFill(ctx, "L1", dec(t, "10"), dec(t, "500"))
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if got := loan.CollateralSold.String(); got != "20" {
		t.Fatalf("collateral sold: got %s want 20", got)
	}
	if got := loan.ProceedsGC.String(); got != "1000" {
		t.Fatalf("proceeds: got %s want 1000", got)
	}

	trail, err := store.AuditTrail(ctx, "L1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	fills := 0
	for _, entry := range trail {
		if entry.Kind == AuditTradeResult {
			fills++
		}
	}
	if fills != 2 {
		t.Fatalf("expected 2 %s entries, got %d", AuditTradeResult, fills)
	}
}

func TestRecordFillRequiresLiquidatingStatus(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateLoan(ctx, "L1", "B1", dec(t, "1000")); err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := store.RecordFill(ctx, "L1", dec(t, "10"), dec(t, "500")); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("new loan: expected ErrStateConflict, got %v", err)
	}
	if _, err := store.RecordFill(ctx, "missing", dec(t, "10"), dec(t, "500")); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("unknown loan: expected ErrLoanNotFound, got %v", err)
	}
}

func TestRecordFillRejectsNonPositiveQuantity(t *testing.T) {
	store, _ := setupStore(t)
	startLiquidation(t, store, "L1")

	if _, err := store.RecordFill(context.Background(), "L1", dec(t, "0"), dec(t, "1")); err == nil {
		t.Fatalf("zero quantity must be rejected")
	}
}
