package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireLease takes the liquidation lease for a loan. It succeeds when no
// lease exists or when the current lease has expired, and returns false while
// a live lease stands — even one held under the caller's own owner string.
// Workers sharing a process identity would otherwise stack onto one loan;
// extension of a held lease goes through RenewLease instead.
func (s *Store) AcquireLease(ctx context.Context, loanID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("storage: lease ttl must be positive")
	}
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		var lease Lease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&lease, "loan_id = ?", loanID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lease = Lease{LoanID: loanID, Owner: owner, ExpiresAt: now.Add(ttl), UpdatedAt: now}
			if err := tx.Create(&lease).Error; err != nil {
				return fmt.Errorf("create lease: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("load lease: %w", err)
		}
		if lease.ExpiresAt.After(now) {
			return nil
		}
		lease.Owner = owner
		lease.ExpiresAt = now.Add(ttl)
		lease.UpdatedAt = now
		if err := tx.Save(&lease).Error; err != nil {
			return fmt.Errorf("save lease: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		// A concurrent instance may have inserted the lease first; treat that
		// as losing the race rather than as an internal error.
		if _, held, lookupErr := s.LiveLease(ctx, loanID); lookupErr == nil && held {
			return false, nil
		}
		return false, err
	}
	return acquired, nil
}

// RenewLease extends the lease if and only if the owner still holds it.
func (s *Store) RenewLease(ctx context.Context, loanID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("storage: lease ttl must be positive")
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&Lease{}).
		Where("loan_id = ? AND owner = ?", loanID, owner).
		Updates(map[string]any{"expires_at": now.Add(ttl), "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("renew lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLease drops the lease if the owner still holds it. Releasing a lease
// someone else took over is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, loanID, owner string) error {
	res := s.db.WithContext(ctx).
		Where("loan_id = ? AND owner = ?", loanID, owner).
		Delete(&Lease{})
	if res.Error != nil {
		return fmt.Errorf("release lease: %w", res.Error)
	}
	return nil
}

// LiveLease reports whether an unexpired lease exists for the loan. The sweep
// uses it to find liquidating loans nobody is working on.
func (s *Store) LiveLease(ctx context.Context, loanID string) (Lease, bool, error) {
	var lease Lease
	err := s.db.WithContext(ctx).First(&lease, "loan_id = ?", loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("load lease: %w", err)
	}
	if !lease.ExpiresAt.After(s.now().UTC()) {
		return lease, false, nil
	}
	return lease, true, nil
}
