package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordFill accumulates one executed sell lot onto the loan while it is
// liquidating, so a restarted worker resumes from the durable counters
// instead of re-selling. The detail string lands in the audit trail alongside
// the mutation.
func (s *Store) RecordFill(ctx context.Context, loanID string, quantity, proceeds decimal.Decimal) (Loan, error) {
	if quantity.Sign() <= 0 {
		return Loan{}, errors.New("storage: fill quantity must be positive")
	}
	if proceeds.Sign() < 0 {
		return Loan{}, errors.New("storage: fill proceeds must not be negative")
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
		if loan.Status != StatusLiquidating {
			return fmt.Errorf("%w: loan %s is %s, expected %s", ErrStateConflict, loanID, loan.Status, StatusLiquidating)
		}
		loan.CollateralSold = loan.CollateralSold.Add(quantity)
		loan.ProceedsGC = loan.ProceedsGC.Add(proceeds)
		loan.UpdatedAt = s.now().UTC()
		if err := tx.Save(&loan).Error; err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
		detail := fmt.Sprintf("quantity=%s proceeds=%s sold=%s total=%s",
			quantity.String(), proceeds.String(), loan.CollateralSold.String(), loan.ProceedsGC.String())
		if err := appendAudit(tx, s.now(), loanID, AuditTradeResult, detail); err != nil {
			return err
		}
		out = loan
		return nil
	})
	return out, err
}
