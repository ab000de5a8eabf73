package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDSNRequired is returned when the backing store DSN is missing.
	ErrDSNRequired = errors.New("storage: dsn must be configured")

	// ErrLoanExists signals a create for a loanId that is already known. The
	// existing snapshot is returned alongside so callers can compare.
	ErrLoanExists = errors.New("storage: loan already exists")

	// ErrLoanNotFound signals an operation on an unknown loanId.
	ErrLoanNotFound = errors.New("storage: loan not found")

	// ErrFrozen signals a top-up on a loan that is liquidating or liquidated.
	ErrFrozen = errors.New("storage: loan no longer accepts collateral")

	// ErrStateConflict signals a transition whose from-status no longer holds,
	// or an illegal lifecycle step.
	ErrStateConflict = errors.New("storage: status transition conflict")

	// ErrDuplicateRequest signals a requestId that was already processed.
	ErrDuplicateRequest = errors.New("storage: request already processed")

	// ErrInvalidAmount signals a mutation whose amount would break the
	// non-negative money columns. Callers validate first; the store enforces.
	ErrInvalidAmount = errors.New("storage: amount must be positive")
)

const sqliteFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Store is the loan ledger. It owns loans, processed requests, audit entries
// and liquidation leases, and serializes event emission per loan through
// WithLoanLock.
type Store struct {
	db    *gorm.DB
	now   func() time.Time
	locks *lockTable
}

// Option mutates store construction.
type Option func(*Store)

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open initialises the backing store. Postgres DSNs select the postgres
// driver; anything else is treated as a SQLite path or DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	if isPostgresDSN(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(sqliteDSN(trimmed))
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	store := &Store{
		db:    db,
		now:   time.Now,
		locks: &lockTable{m: make(map[string]*sync.Mutex)},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// sqliteDSN converts a bare filesystem path into a SQLite DSN with sensible
// pragmas. Explicit file: DSNs pass through untouched so tests can request
// in-memory databases.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, ":memory:") {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return fmt.Sprintf("file:%s?%s", abs, sqliteFilePragmas)
}

// Close releases database resources. Only the root store should be closed,
// never a transaction-scoped view obtained through Atomic.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Atomic runs fn against a store view bound to a single database transaction.
// Every store operation invoked on the view commits or rolls back together.
// Nested calls become savepoints.
func (s *Store) Atomic(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := &Store{db: tx, now: s.now, locks: s.locks}
		return fn(scoped)
	})
}

// WithLoanLock serializes fn against every other locked operation on the same
// loan in this process. Event emission for a transition runs under this lock,
// after the commit, so events leave in transition order.
func (s *Store) WithLoanLock(loanID string, fn func() error) error {
	mu := s.locks.get(loanID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// CreateLoan registers a new loan in status new with zero collateral. If the
// loanId is already known the existing snapshot is returned with ErrLoanExists.
func (s *Store) CreateLoan(ctx context.Context, loanID, borrowerID string, principal decimal.Decimal) (Loan, error) {
	if principal.Sign() <= 0 {
		return Loan{}, fmt.Errorf("%w: principal %s", ErrInvalidAmount, principal)
	}
	var out Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Loan
		err := tx.First(&existing, "loan_id = ?", loanID).Error
		switch {
		case err == nil:
			out = existing
			return ErrLoanExists
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load loan: %w", err)
		}
		now := s.now().UTC()
		loan := Loan{
			LoanID:         loanID,
			BorrowerID:     borrowerID,
			Principal:      principal,
			Collateral:     decimal.Zero,
			Status:         StatusNew,
			CollateralSold: decimal.Zero,
			ProceedsGC:     decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&loan).Error; err != nil {
			return fmt.Errorf("create loan: %w", err)
		}
		detail := fmt.Sprintf("borrower=%s principal=%s", borrowerID, principal.String())
		if err := appendAudit(tx, now, loanID, AuditLoanCreated, detail); err != nil {
			return err
		}
		out = loan
		return nil
	})
	if err == nil || errors.Is(err, ErrLoanExists) {
		return out, err
	}
	// The insert may have lost a race with a concurrent create of the same id.
	if existing, lookupErr := s.GetLoan(ctx, loanID); lookupErr == nil {
		return existing, ErrLoanExists
	}
	return Loan{}, err
}

// GetLoan returns the committed snapshot of a loan.
func (s *Store) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	var loan Loan
	err := s.db.WithContext(ctx).First(&loan, "loan_id = ?", loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Loan{}, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	if err != nil {
		return Loan{}, fmt.Errorf("load loan: %w", err)
	}
	return loan, nil
}

// AddCollateral increases the loan's collateral and returns the post-mutation
// snapshot. Loans that are liquidating or liquidated reject the top-up.
func (s *Store) AddCollateral(ctx context.Context, loanID string, amount decimal.Decimal) (Loan, error) {
	if amount.Sign() <= 0 {
		return Loan{}, fmt.Errorf("%w: top-up %s", ErrInvalidAmount, amount)
	}
	var out Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan Loan
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "loan_id = ?", loanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
			}
			return fmt.Errorf("load loan: %w", err)
		}
		if loan.Status.Frozen() {
			return fmt.Errorf("%w: loan %s is %s", ErrFrozen, loanID, loan.Status)
		}
		loan.Collateral = loan.Collateral.Add(amount)
		loan.UpdatedAt = s.now().UTC()
		if err := tx.Save(&loan).Error; err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
		detail := fmt.Sprintf("amount=%s collateral=%s", amount.String(), loan.Collateral.String())
		if err := appendAudit(tx, s.now(), loanID, AuditTopUp, detail); err != nil {
			return err
		}
		out = loan
		return nil
	})
	return out, err
}

// Transition performs a compare-and-swap on the loan status. The optional
// mutate hook adjusts bookkeeping fields in the same atomic step; returning an
// error from it aborts the transition. Every committed transition appends an
// audit entry.
func (s *Store) Transition(ctx context.Context, loanID string, from, to Status, mutate func(*Loan) error) (Loan, error) {
	if !ValidTransition(from, to) {
		return Loan{}, fmt.Errorf("%w: %s -> %s is not a legal step", ErrStateConflict, from, to)
	}
	var out Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan Loan
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "loan_id = ?", loanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
			}
			return fmt.Errorf("load loan: %w", err)
		}
		if loan.Status != from {
			return fmt.Errorf("%w: loan %s is %s, expected %s", ErrStateConflict, loanID, loan.Status, from)
		}
		loan.Status = to
		if mutate != nil {
			if err := mutate(&loan); err != nil {
				return err
			}
		}
		loan.UpdatedAt = s.now().UTC()
		if err := tx.Save(&loan).Error; err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
		detail := fmt.Sprintf("%s -> %s", from, to)
		if err := appendAudit(tx, s.now(), loanID, "status."+string(to), detail); err != nil {
			return err
		}
		out = loan
		return nil
	})
	return out, err
}

// RecordLiquidationAttempt bumps the attempt counter without touching the
// rest of the row. Workers call it once per trade attempt.
func (s *Store) RecordLiquidationAttempt(ctx context.Context, loanID string) error {
	res := s.db.WithContext(ctx).Model(&Loan{}).
		Where("loan_id = ?", loanID).
		UpdateColumn("liquidation_attempts", gorm.Expr("liquidation_attempts + 1"))
	if res.Error != nil {
		return fmt.Errorf("record liquidation attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	return nil
}

// ListFilter narrows ListLoans. An empty filter returns every loan.
type ListFilter struct {
	Statuses []Status
}

// ListLoans returns a committed snapshot of loans, oldest first.
func (s *Store) ListLoans(ctx context.Context, filter ListFilter) ([]Loan, error) {
	q := s.db.WithContext(ctx).Model(&Loan{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	loans := make([]Loan, 0)
	if err := q.Order("created_at ASC, loan_id ASC").Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// RecordRequest inserts the idempotency record for a requestId. When the id
// was already processed the stored record is returned with duplicate=true and
// nothing is written.
func (s *Store) RecordRequest(ctx context.Context, rec ProcessedRequest) (ProcessedRequest, bool, error) {
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return ProcessedRequest{}, false, errors.New("storage: request id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ProcessedRequest
		err := tx.First(&existing, "request_id = ?", rec.RequestID).Error
		switch {
		case err == nil:
			rec = existing
			return ErrDuplicateRequest
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup request: %w", err)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		return nil
	})
	switch {
	case err == nil:
		return rec, false, nil
	case errors.Is(err, ErrDuplicateRequest):
		return rec, true, nil
	}
	// The insert may have lost a race with another instance writing the same
	// requestId; surface that as a duplicate rather than an internal error.
	if existing, ok, lookupErr := s.LookupRequest(ctx, rec.RequestID); lookupErr == nil && ok {
		return existing, true, nil
	}
	return ProcessedRequest{}, false, err
}

// LookupRequest fetches the stored outcome for a requestId, if any.
func (s *Store) LookupRequest(ctx context.Context, requestID string) (ProcessedRequest, bool, error) {
	var rec ProcessedRequest
	err := s.db.WithContext(ctx).First(&rec, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProcessedRequest{}, false, nil
	}
	if err != nil {
		return ProcessedRequest{}, false, fmt.Errorf("lookup request: %w", err)
	}
	return rec, true, nil
}

// PruneRequests removes idempotency records older than the cutoff whose loan
// has finished its lifecycle. Records for live loans are kept regardless of
// age so replays stay detectable for the life of the loan.
func (s *Store) PruneRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	live := s.db.Model(&Loan{}).Select("loan_id").Where("status <> ?", StatusLiquidated)
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Where("loan_id NOT IN (?)", live).
		Delete(&ProcessedRequest{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune requests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AppendAudit records a state-changing operation against the loan's trail.
func (s *Store) AppendAudit(ctx context.Context, loanID, kind, detail string) error {
	return appendAudit(s.db.WithContext(ctx), s.now(), loanID, kind, detail)
}

// AuditTrail returns the loan's audit entries in append order.
func (s *Store) AuditTrail(ctx context.Context, loanID string) ([]AuditEntry, error) {
	entries := make([]AuditEntry, 0)
	err := s.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	return entries, nil
}

func appendAudit(tx *gorm.DB, at time.Time, loanID, kind, detail string) error {
	entry := AuditEntry{
		LoanID:    loanID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: at.UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// lockTable hands out one mutex per loanId. Entries are never evicted; the
// population is bounded by the loan book.
type lockTable struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (t *lockTable) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.m[key]
	if !ok {
		mu = &sync.Mutex{}
		t.m[key] = mu
	}
	return mu
}
