package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"loand/bus"
	"loand/events"
	"loand/storage"
)

const testTopic = "loan-events"

func setupEngine(t *testing.T) (*Engine, *storage.Store, *bus.Memory) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	memory := bus.NewMemory()
	t.Cleanup(func() { _ = memory.Close() })

	emitter, err := events.NewEmitter(memory, testTopic,
		events.WithRetryPolicy(2, time.Millisecond, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	return New(store, emitter), store, memory
}

func application(requestID, loanID string) ApplicationRequest {
	return ApplicationRequest{
		RequestID:  requestID,
		LoanID:     loanID,
		BorrowerID: "B1",
		Amount:     "1000",
	}
}

func TestSubmitApplicationCreatesLoanAndEmits(t *testing.T) {
	engine, store, memory := setupEngine(t)
	ctx := context.Background()

	loan, err := engine.SubmitApplication(ctx, application("R1", "L1"))
	if err != nil {
		t.Fatalf("submit application: %v", err)
	}
	if loan.Status != storage.StatusNew || loan.Principal.String() != "1000" {
		t.Fatalf("unexpected loan: %+v", loan)
	}

	published := memory.Published(testTopic)
	if len(published) != 1 {
		t.Fatalf("expected one application event, got %d", len(published))
	}
	var event events.Event
	if err := json.Unmarshal(published[0].Value, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.EventType != events.TypeApplication || event.Amount != "1000" || event.Status != "new" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.EventID == "" {
		t.Fatalf("event must carry an id")
	}

	trail, err := store.AuditTrail(ctx, "L1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var sawPublish bool
	for _, entry := range trail {
		if entry.Kind == storage.AuditEventPublished {
			sawPublish = true
		}
	}
	if !sawPublish {
		t.Fatalf("expected a %s audit entry, got %+v", storage.AuditEventPublished, trail)
	}
}

func TestSubmitApplicationValidation(t *testing.T) {
	engine, store, memory := setupEngine(t)
	ctx := context.Background()

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		name string
		req  ApplicationRequest
	}{
		{"missing requestId", ApplicationRequest{LoanID: "L1", BorrowerID: "B1", Amount: "10"}},
		{"missing loanId", ApplicationRequest{RequestID: "R1", BorrowerID: "B1", Amount: "10"}},
		{"missing borrowerId", ApplicationRequest{RequestID: "R1", LoanID: "L1", Amount: "10"}},
		{"oversized loanId", ApplicationRequest{RequestID: "R1", LoanID: string(long), BorrowerID: "B1", Amount: "10"}},
		{"blank amount", ApplicationRequest{RequestID: "R1", LoanID: "L1", BorrowerID: "B1", Amount: "  "}},
		{"malformed amount", ApplicationRequest{RequestID: "R1", LoanID: "L1", BorrowerID: "B1", Amount: "ten"}},
		{"zero amount", ApplicationRequest{RequestID: "R1", LoanID: "L1", BorrowerID: "B1", Amount: "0"}},
		{"negative amount", ApplicationRequest{RequestID: "R1", LoanID: "L1", BorrowerID: "B1", Amount: "-5"}},
	}
	for _, tc := range cases {
		if _, err := engine.SubmitApplication(ctx, tc.req); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	loans, err := store.ListLoans(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("list loans: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("rejected input must not create loans, got %d", len(loans))
	}
	if got := len(memory.Published(testTopic)); got != 0 {
		t.Fatalf("rejected input must not publish events, got %d", got)
	}
}

func TestSubmitApplicationDuplicateRequest(t *testing.T) {
	engine, store, memory := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	_, err := engine.SubmitApplication(ctx, application("R1", "L1"))
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.Record.Outcome != storage.OutcomeAccepted {
		t.Fatalf("replay must surface the original outcome, got %s", dup.Record.Outcome)
	}
	if !errors.Is(err, storage.ErrDuplicateRequest) {
		t.Fatalf("duplicate must unwrap to the storage sentinel")
	}

	if got := len(memory.Published(testTopic)); got != 1 {
		t.Fatalf("duplicates must not emit events, got %d", got)
	}
	loans, err := store.ListLoans(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("list loans: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("duplicates must not create loans, got %d", len(loans))
	}
}

func TestMangledReplayReturnsOriginalOutcome(t *testing.T) {
	engine, store, memory := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("application: %v", err)
	}
	if _, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R2", LoanID: "L1", BorrowerID: "B1", Amount: "5"}); err != nil {
		t.Fatalf("top-up: %v", err)
	}

	// A retry that corrupted its payload still replays the stored outcome:
	// the requestId check runs before any field validation.
	mangled := []struct {
		name   string
		submit func() error
	}{
		{"application with bad amount", func() error {
			req := application("R1", "L1")
			req.Amount = "ten"
			_, err := engine.SubmitApplication(ctx, req)
			return err
		}},
		{"application with missing loanId", func() error {
			_, err := engine.SubmitApplication(ctx, application("R1", ""))
			return err
		}},
		{"top-up with negative amount", func() error {
			_, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R2", LoanID: "L1", BorrowerID: "B1", Amount: "-5"})
			return err
		}},
	}
	for _, tc := range mangled {
		err := tc.submit()
		var dup *DuplicateError
		if !errors.As(err, &dup) {
			t.Fatalf("%s: expected DuplicateError, got %v", tc.name, err)
		}
		if dup.Record.Outcome != storage.OutcomeAccepted {
			t.Fatalf("%s: expected the original accepted outcome, got %s", tc.name, dup.Record.Outcome)
		}
	}

	loan, err := store.GetLoan(ctx, "L1")
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loan.Collateral.String() != "5" {
		t.Fatalf("mangled replays must not mutate collateral, got %s", loan.Collateral)
	}
	if got := len(memory.Published(testTopic)); got != 1 {
		t.Fatalf("mangled replays must not emit events, got %d", got)
	}
}

func TestSubmitApplicationReplayedLoanSameTerms(t *testing.T) {
	engine, _, memory := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	// A different requestId carrying the same loan terms is accepted without
	// a second application event.
	loan, err := engine.SubmitApplication(ctx, application("R2", "L1"))
	if err != nil {
		t.Fatalf("replayed submission: %v", err)
	}
	if loan.LoanID != "L1" {
		t.Fatalf("unexpected loan: %+v", loan)
	}
	if got := len(memory.Published(testTopic)); got != 1 {
		t.Fatalf("replayed loan must not emit another event, got %d", got)
	}
}

func TestSubmitApplicationConflictingTerms(t *testing.T) {
	engine, _, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	conflicting := application("R2", "L1")
	conflicting.Amount = "2000"
	if _, err := engine.SubmitApplication(ctx, conflicting); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Replaying the rejected requestId surfaces the recorded rejection.
	_, err := engine.SubmitApplication(ctx, conflicting)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.Record.Outcome != storage.OutcomeRejected {
		t.Fatalf("expected the stored rejection, got %s", dup.Record.Outcome)
	}
}

func TestSubmitTopUpAccumulatesAndNudges(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("application: %v", err)
	}
	loan, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R2", LoanID: "L1", BorrowerID: "B1", Amount: "5"})
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if got := loan.Collateral.String(); got != "5" {
		t.Fatalf("collateral: got %s want 5", got)
	}
	select {
	case <-engine.Nudge():
	default:
		t.Fatalf("a committed top-up must nudge the evaluator")
	}

	// The same requestId again is collapsed; collateral grows by exactly 5.
	_, err = engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R2", LoanID: "L1", BorrowerID: "B1", Amount: "5"})
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	after, err := store.GetLoan(ctx, "L1")
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if got := after.Collateral.String(); got != "5" {
		t.Fatalf("duplicate top-up must not apply twice: collateral %s", got)
	}
}

func TestSubmitTopUpDomainRejections(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.SubmitApplication(ctx, application("R1", "L1")); err != nil {
		t.Fatalf("application: %v", err)
	}

	if _, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R2", LoanID: "missing", BorrowerID: "B1", Amount: "5"}); !errors.Is(err, storage.ErrLoanNotFound) {
		t.Fatalf("unknown loan: expected ErrLoanNotFound, got %v", err)
	}
	if _, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R3", LoanID: "L1", BorrowerID: "intruder", Amount: "5"}); !errors.Is(err, ErrBorrowerMismatch) {
		t.Fatalf("wrong borrower: expected ErrBorrowerMismatch, got %v", err)
	}

	if _, err := store.Transition(ctx, "L1", storage.StatusNew, storage.StatusActive, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := store.Transition(ctx, "L1", storage.StatusActive, storage.StatusLiquidating, nil); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}
	if _, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R4", LoanID: "L1", BorrowerID: "B1", Amount: "5"}); !errors.Is(err, storage.ErrFrozen) {
		t.Fatalf("liquidating loan: expected ErrFrozen, got %v", err)
	}
	if _, err := store.Transition(ctx, "L1", storage.StatusLiquidating, storage.StatusLiquidated, nil); err != nil {
		t.Fatalf("finish liquidation: %v", err)
	}
	if _, err := engine.SubmitTopUp(ctx, TopUpRequest{RequestID: "R5", LoanID: "L1", BorrowerID: "B1", Amount: "5"}); !errors.Is(err, storage.ErrFrozen) {
		t.Fatalf("liquidated loan: expected ErrFrozen, got %v", err)
	}

	loan, err := store.GetLoan(ctx, "L1")
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if !loan.Collateral.IsZero() {
		t.Fatalf("rejected top-ups must not mutate collateral, got %s", loan.Collateral)
	}
}

func TestListLoansValidatesStatus(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()

	for i, id := range []string{"L1", "L2"} {
		if _, err := engine.SubmitApplication(ctx, application(fmt.Sprintf("R%d", i), id)); err != nil {
			t.Fatalf("application %s: %v", id, err)
		}
	}
	if _, err := store.Transition(ctx, "L2", storage.StatusNew, storage.StatusActive, nil); err != nil {
		t.Fatalf("activate L2: %v", err)
	}

	active, err := engine.ListLoans(ctx, "active")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].LoanID != "L2" {
		t.Fatalf("expected just L2, got %+v", active)
	}
	all, err := engine.ListLoans(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 loans, got %d", len(all))
	}
	if _, err := engine.ListLoans(ctx, "pending"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown status: expected ErrValidation, got %v", err)
	}
}
