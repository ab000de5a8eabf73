// Package events defines the outbound loan lifecycle records and the emitter
// that delivers them to the bus with at-least-once semantics. Event IDs are
// deterministic per transition so consumers can de-duplicate redeliveries.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"loand/storage"
)

// Event types.
const (
	TypeApplication = "application"
	TypeActivation  = "activation"
	TypeLiquidation = "liquidation"
)

// Event is a single outbound lifecycle record. Amounts travel as decimal
// strings; fields not applicable to the event type are omitted.
type Event struct {
	EventID             string `json:"eventId"`
	EventType           string `json:"eventType"`
	LoanID              string `json:"loanId"`
	Status              string `json:"status"`
	Amount              string `json:"amount,omitempty"`
	OutstandingBalance  string `json:"outstandingBalance,omitempty"`
	CollateralSold      string `json:"collateralSold,omitempty"`
	CollateralValue     string `json:"collateralValue,omitempty"`
	RemainingCollateral string `json:"remainingCollateral,omitempty"`
}

// ID derives the deterministic event id for a loan transition. Every publish
// attempt for one transition carries the same id, across retries and across
// process restarts, because the status ordinal pins the logical version.
func ID(loanID string, status storage.Status) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", loanID, status, status.Ordinal())))
	return hex.EncodeToString(sum[:])
}

// NewApplication builds the event emitted when a loan is first registered.
func NewApplication(loanID string, principal decimal.Decimal) Event {
	return Event{
		EventID:   ID(loanID, storage.StatusNew),
		EventType: TypeApplication,
		LoanID:    loanID,
		Status:    string(storage.StatusNew),
		Amount:    principal.String(),
	}
}

// NewActivation builds the event emitted when a loan becomes active.
func NewActivation(loanID string, outstanding decimal.Decimal) Event {
	return Event{
		EventID:            ID(loanID, storage.StatusActive),
		EventType:          TypeActivation,
		LoanID:             loanID,
		Status:             string(storage.StatusActive),
		OutstandingBalance: outstanding.String(),
	}
}

// NewLiquidation builds the terminal event for a liquidated loan.
func NewLiquidation(loanID string, sold, value, remaining, outstanding decimal.Decimal) Event {
	return Event{
		EventID:             ID(loanID, storage.StatusLiquidated),
		EventType:           TypeLiquidation,
		LoanID:              loanID,
		Status:              string(storage.StatusLiquidated),
		CollateralSold:      sold.String(),
		CollateralValue:     value.String(),
		RemainingCollateral: remaining.String(),
		OutstandingBalance:  outstanding.String(),
	}
}
