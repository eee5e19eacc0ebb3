package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompensationKind represents the kind of follow-up action owed to a buyer
type CompensationKind string

const (
	CompensationKindRefund       CompensationKind = "REFUND"
	CompensationKindManualReview CompensationKind = "MANUAL_REVIEW"
)

// CompensationStatus represents where a compensation sits in the queue
type CompensationStatus string

const (
	CompensationStatusQueued     CompensationStatus = "QUEUED"
	CompensationStatusDispatched CompensationStatus = "DISPATCHED"
)

// Compensation is a queued action owed for an intent that took the buyer's money
// without delivering. Execution is owned by operations, not by this service.
type Compensation struct {
	ID           uuid.UUID
	IntentID     uuid.UUID
	Kind         CompensationKind
	Amount       decimal.Decimal // amount still owed to the buyer
	Reason       string
	Status       CompensationStatus
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Validate ensures the compensation adheres to domain rules
func (c *Compensation) Validate() error {
	if c.IntentID == uuid.Nil {
		return errors.New("compensation intent ID cannot be empty")
	}
	if c.Kind != CompensationKindRefund && c.Kind != CompensationKindManualReview {
		return errors.New("compensation kind must be REFUND or MANUAL_REVIEW")
	}
	if c.Amount.IsNegative() {
		return errors.New("compensation amount cannot be negative")
	}
	if c.Reason == "" {
		return errors.New("compensation reason cannot be empty")
	}
	return nil
}
