// Package lifecycle implements the inbound request handlers that mutate the
// loan book: applications, collateral top-ups and loan listings. Requests are
// idempotent on requestId, all writes for a loan are serialized through the
// store's per-loan lock, and lifecycle events leave after commit while that
// lock is still held.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"loand/events"
	"loand/observability"
	"loand/storage"
)

const maxIdentifierLen = 128

var (
	// ErrValidation flags malformed input. It surfaces as a 400 and is never
	// written to the idempotency ledger, since the requestId itself may be
	// part of what is malformed.
	ErrValidation = errors.New("lifecycle: invalid input")

	// ErrBorrowerMismatch flags a top-up naming a borrower other than the
	// loan's.
	ErrBorrowerMismatch = errors.New("lifecycle: borrower mismatch")

	// ErrConflict flags an application whose loanId is already taken with
	// different terms.
	ErrConflict = errors.New("lifecycle: conflicting submission")
)

// DuplicateError reports a requestId that has already been processed. The
// embedded record carries the original outcome for the 409 response body.
type DuplicateError struct {
	Record storage.ProcessedRequest
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("lifecycle: request %s already processed (%s)", e.Record.RequestID, e.Record.Outcome)
}

// Unwrap ties the error to the storage duplicate sentinel.
func (e *DuplicateError) Unwrap() error { return storage.ErrDuplicateRequest }

// ApplicationRequest carries one loan application as received on the wire.
type ApplicationRequest struct {
	RequestID  string `json:"requestId"`
	LoanID     string `json:"loanId"`
	BorrowerID string `json:"borrowerId"`
	Amount     string `json:"amount"`
}

// TopUpRequest carries one collateral top-up as received on the wire.
type TopUpRequest struct {
	RequestID  string `json:"requestId"`
	LoanID     string `json:"loanId"`
	BorrowerID string `json:"borrowerId"`
	Amount     string `json:"amount"`
}

// Engine validates inbound requests and drives loan mutations.
type Engine struct {
	store   *storage.Store
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
	nudge   chan struct{}
}

// Option mutates engine construction.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs the engine.
func New(store *storage.Store, emitter *events.Emitter, opts ...Option) *Engine {
	engine := &Engine{
		store:   store,
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
		nudge:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Nudge signals whenever a top-up commits, so the evaluator can re-check
// activation thresholds without waiting for the next price tick.
func (e *Engine) Nudge() <-chan struct{} { return e.nudge }

// SubmitApplication registers a loan. Replays of an accepted application with
// identical terms succeed idempotently and do not emit a second event.
func (e *Engine) SubmitApplication(ctx context.Context, req ApplicationRequest) (storage.Loan, error) {
	start := e.now()
	loan, err := e.submitApplication(ctx, req)
	observability.LifecycleMetrics().Observe("application", e.now().Sub(start), err)
	return loan, err
}

func (e *Engine) submitApplication(ctx context.Context, req ApplicationRequest) (storage.Loan, error) {
	requestID, err := cleanIdentifier("requestId", req.RequestID)
	if err != nil {
		return storage.Loan{}, err
	}
	// Idempotency outranks validation: a known requestId returns its
	// original outcome even when the retry mangled the rest of the payload.
	if rec, seen, err := e.store.LookupRequest(ctx, requestID); err != nil {
		return storage.Loan{}, err
	} else if seen {
		observability.LifecycleMetrics().RecordDuplicate("application")
		return storage.Loan{}, &DuplicateError{Record: rec}
	}
	loanID, err := cleanIdentifier("loanId", req.LoanID)
	if err != nil {
		return storage.Loan{}, err
	}
	borrowerID, err := cleanIdentifier("borrowerId", req.BorrowerID)
	if err != nil {
		return storage.Loan{}, err
	}
	principal, err := parseAmount(req.Amount)
	if err != nil {
		return storage.Loan{}, err
	}

	var (
		loan      storage.Loan
		fresh     bool
		domainErr error
		replayRec storage.ProcessedRequest
		replayed  bool
	)
	lockErr := e.store.WithLoanLock(loanID, func() error {
		err := e.store.Atomic(ctx, func(tx *storage.Store) error {
			rec := storage.ProcessedRequest{
				RequestID: requestID,
				Kind:      storage.RequestKindApplication,
				LoanID:    loanID,
				Outcome:   storage.OutcomeAccepted,
			}
			created, err := tx.CreateLoan(ctx, loanID, borrowerID, principal)
			switch {
			case err == nil:
				loan, fresh = created, true
			case errors.Is(err, storage.ErrLoanExists):
				if created.BorrowerID == borrowerID && created.Principal.Equal(principal) {
					loan = created
					rec.Detail = "replayed application for existing loan"
				} else {
					domainErr = fmt.Errorf("%w: loan %s exists with different terms", ErrConflict, loanID)
					rec.Outcome = storage.OutcomeRejected
					rec.Detail = domainErr.Error()
					if auditErr := tx.AppendAudit(ctx, loanID, storage.AuditRequestRejected, rec.Detail); auditErr != nil {
						return auditErr
					}
				}
			default:
				return err
			}
			stored, duplicate, err := tx.RecordRequest(ctx, rec)
			if err != nil {
				return err
			}
			if duplicate {
				// Another handler committed the same requestId between our
				// fast-path lookup and here; roll the mutation back.
				replayRec, replayed = stored, true
				return storage.ErrDuplicateRequest
			}
			return nil
		})
		if err != nil {
			return err
		}
		if fresh {
			e.emitter.EmitRecorded(ctx, e.store, events.NewApplication(loanID, principal))
		}
		return nil
	})
	switch {
	case replayed:
		observability.LifecycleMetrics().RecordDuplicate("application")
		return storage.Loan{}, &DuplicateError{Record: replayRec}
	case lockErr != nil:
		return storage.Loan{}, lockErr
	case domainErr != nil:
		return storage.Loan{}, domainErr
	}
	e.logger.Info("loan application accepted",
		"loanId", loanID, "requestId", requestID, "replay", !fresh)
	return loan, nil
}

// SubmitTopUp posts collateral against a loan. No event is emitted for the
// top-up itself; activation, if the added collateral crosses the threshold,
// follows from the evaluator it nudges.
func (e *Engine) SubmitTopUp(ctx context.Context, req TopUpRequest) (storage.Loan, error) {
	start := e.now()
	loan, err := e.submitTopUp(ctx, req)
	observability.LifecycleMetrics().Observe("top-up", e.now().Sub(start), err)
	return loan, err
}

func (e *Engine) submitTopUp(ctx context.Context, req TopUpRequest) (storage.Loan, error) {
	requestID, err := cleanIdentifier("requestId", req.RequestID)
	if err != nil {
		return storage.Loan{}, err
	}
	// Same ordering as applications: the replay check precedes payload
	// validation.
	if rec, seen, err := e.store.LookupRequest(ctx, requestID); err != nil {
		return storage.Loan{}, err
	} else if seen {
		observability.LifecycleMetrics().RecordDuplicate("top-up")
		return storage.Loan{}, &DuplicateError{Record: rec}
	}
	loanID, err := cleanIdentifier("loanId", req.LoanID)
	if err != nil {
		return storage.Loan{}, err
	}
	borrowerID, err := cleanIdentifier("borrowerId", req.BorrowerID)
	if err != nil {
		return storage.Loan{}, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return storage.Loan{}, err
	}

	var (
		loan      storage.Loan
		domainErr error
		replayRec storage.ProcessedRequest
		replayed  bool
	)
	lockErr := e.store.WithLoanLock(loanID, func() error {
		return e.store.Atomic(ctx, func(tx *storage.Store) error {
			rec := storage.ProcessedRequest{
				RequestID: requestID,
				Kind:      storage.RequestKindTopUp,
				LoanID:    loanID,
				Outcome:   storage.OutcomeAccepted,
			}
			current, err := tx.GetLoan(ctx, loanID)
			switch {
			case errors.Is(err, storage.ErrLoanNotFound):
				domainErr = err
				rec.Outcome = storage.OutcomeRejected
				rec.Detail = "loan not found"
			case err != nil:
				return err
			case current.BorrowerID != borrowerID:
				domainErr = fmt.Errorf("%w: loan %s is not held by %s", ErrBorrowerMismatch, loanID, borrowerID)
				rec.Outcome = storage.OutcomeRejected
				rec.Detail = "borrower mismatch"
				if auditErr := tx.AppendAudit(ctx, loanID, storage.AuditRequestRejected, rec.Detail); auditErr != nil {
					return auditErr
				}
			case current.Status.Frozen():
				domainErr = fmt.Errorf("%w: loan %s is %s", storage.ErrFrozen, loanID, current.Status)
				rec.Outcome = storage.OutcomeRejected
				rec.Detail = fmt.Sprintf("top-up rejected in status %s", current.Status)
				if auditErr := tx.AppendAudit(ctx, loanID, storage.AuditRequestRejected, rec.Detail); auditErr != nil {
					return auditErr
				}
			default:
				updated, err := tx.AddCollateral(ctx, loanID, amount)
				if err != nil {
					return err
				}
				loan = updated
			}
			stored, duplicate, err := tx.RecordRequest(ctx, rec)
			if err != nil {
				return err
			}
			if duplicate {
				replayRec, replayed = stored, true
				return storage.ErrDuplicateRequest
			}
			return nil
		})
	})
	switch {
	case replayed:
		observability.LifecycleMetrics().RecordDuplicate("top-up")
		return storage.Loan{}, &DuplicateError{Record: replayRec}
	case lockErr != nil:
		return storage.Loan{}, lockErr
	case domainErr != nil:
		return storage.Loan{}, domainErr
	}
	e.nudgeEvaluator()
	e.logger.Info("collateral top-up accepted",
		"loanId", loanID, "requestId", requestID, "collateral", loan.Collateral.String())
	return loan, nil
}

// ListLoans returns a snapshot of the loan book, optionally narrowed to one
// status.
func (e *Engine) ListLoans(ctx context.Context, status string) ([]storage.Loan, error) {
	filter := storage.ListFilter{}
	if trimmed := strings.TrimSpace(status); trimmed != "" {
		st := storage.Status(trimmed)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, trimmed)
		}
		filter.Statuses = []storage.Status{st}
	}
	return e.store.ListLoans(ctx, filter)
}

func (e *Engine) nudgeEvaluator() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

func cleanIdentifier(field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s required", ErrValidation, field)
	}
	if len(trimmed) > maxIdentifierLen {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, field, maxIdentifierLen)
	}
	return trimmed, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: amount required", ErrValidation)
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %q is not a decimal", ErrValidation, trimmed)
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return amount, nil
}
