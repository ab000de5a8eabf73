package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is the loan lifecycle state. Transitions only ever move forward.
type Status string

// All lifecycle states, in order.
const (
	StatusNew         Status = "new"
	StatusActive      Status = "active"
	StatusLiquidating Status = "liquidating"
	StatusLiquidated  Status = "liquidated"
)

// Ordinal returns the position of the status in the lifecycle, starting at 1.
// Event IDs hash the ordinal so retried publishes of the same transition agree
// across process restarts.
func (s Status) Ordinal() int {
	switch s {
	case StatusNew:
		return 1
	case StatusActive:
		return 2
	case StatusLiquidating:
		return 3
	case StatusLiquidated:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool { return s.Ordinal() != 0 }

// Frozen reports whether the loan accepts no further collateral.
func (s Status) Frozen() bool { return s == StatusLiquidating || s == StatusLiquidated }

// ValidTransition reports whether from -> to is a legal lifecycle step. The
// lifecycle is a straight line, so the only legal step is to the next ordinal.
func ValidTransition(from, to Status) bool {
	return from.Valid() && to.Valid() && to.Ordinal() == from.Ordinal()+1
}

// Loan is the central persisted entity. Principal is immutable after creation;
// collateral only grows until the loan starts liquidating. Timestamps are
// managed by the store's clock, not by gorm, so tests stay deterministic.
type Loan struct {
	LoanID              string          `gorm:"primaryKey;size:128" json:"loanId"`
	BorrowerID          string          `gorm:"size:128;index" json:"borrowerId"`
	Principal           decimal.Decimal `gorm:"type:decimal(38,8);not null" json:"principal"`
	Collateral          decimal.Decimal `gorm:"type:decimal(38,8);not null" json:"collateral"`
	Status              Status          `gorm:"size:16;index" json:"status"`
	LiquidationAttempts int             `json:"liquidationAttempts"`
	CollateralSold      decimal.Decimal `gorm:"type:decimal(38,8);not null" json:"collateralSold"`
	ProceedsGC          decimal.Decimal `gorm:"type:decimal(38,8);not null" json:"proceedsGC"`
	CreatedAt           time.Time       `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Request outcomes stored for replay.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Request kinds.
const (
	RequestKindApplication = "application"
	RequestKindTopUp       = "top-up"
)

// ProcessedRequest pins the terminal outcome of an inbound requestId. A replay
// of the same requestId surfaces the stored outcome instead of re-running the
// mutation.
type ProcessedRequest struct {
	RequestID string    `gorm:"primaryKey;size:128"`
	Kind      string    `gorm:"size:32"`
	LoanID    string    `gorm:"size:128;index"`
	Outcome   string    `gorm:"size:32"`
	Detail    string    `gorm:"size:512"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

// Audit entry kinds.
const (
	AuditLoanCreated      = "loan.created"
	AuditTopUp            = "collateral.top-up"
	AuditRequestRejected  = "request.rejected"
	AuditTradeAttempt     = "trade.attempt"
	AuditTradeResult      = "trade.result"
	AuditEventPublished   = "event.published"
	AuditEventUncertain   = "event.uncertain"
	AuditLeaseLost        = "lease.lost"
	AuditLiquidationStart = "liquidation.started"
)

// AuditEntry is the append-only trail of state-changing operations. The core
// never deletes entries.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	LoanID    string    `gorm:"size:128;index"`
	Kind      string    `gorm:"size:64"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

// Lease grants one liquidation worker exclusive ownership of a loan. Owners
// renew before expiry; an expired lease may be stolen by any instance.
type Lease struct {
	LoanID    string    `gorm:"primaryKey;size:128"`
	Owner     string    `gorm:"size:128"`
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Loan{},
		&ProcessedRequest{},
		&AuditEntry{},
		&Lease{},
	)
}
