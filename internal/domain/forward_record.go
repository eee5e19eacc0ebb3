package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ForwardLeg identifies one of the two outbound transfers of a split forward
type ForwardLeg string

const (
	ForwardLegFirst  ForwardLeg = "first"
	ForwardLegSecond ForwardLeg = "second"
)

// ForwardLegs lists the legs in the order they are sent
var ForwardLegs = []ForwardLeg{ForwardLegFirst, ForwardLegSecond}

// ForwardStatus represents the progress of a single forward leg
type ForwardStatus string

const (
	ForwardStatusPending   ForwardStatus = "pending"
	ForwardStatusSent      ForwardStatus = "sent"
	ForwardStatusConfirmed ForwardStatus = "confirmed"
	ForwardStatusFailed    ForwardStatus = "failed"
)

// ForwardRecord represents one leg of a split forward in the domain layer.
// There is exactly one record per (IntentID, Leg).
type ForwardRecord struct {
	IntentID          uuid.UUID
	Leg               ForwardLeg
	IdempotencyKey    string
	DestinationWallet string
	Amount            decimal.Decimal
	Signature         *string // NULL until the transfer is signed
	Status            ForwardStatus
	Attempts          int
	SentAt            *time.Time
	UpdatedAt         time.Time
}

// ForwardIdempotencyKey derives the stable idempotency key of a leg
func ForwardIdempotencyKey(intentID uuid.UUID, leg ForwardLeg) string {
	return fmt.Sprintf("%s:%s", intentID, leg)
}

// Validate ensures the forward record adheres to domain rules
func (r *ForwardRecord) Validate() error {
	if r.IntentID == uuid.Nil {
		return errors.New("forward record intent ID cannot be empty")
	}
	if r.Leg != ForwardLegFirst && r.Leg != ForwardLegSecond {
		return errors.New("forward record leg must be first or second")
	}
	if r.IdempotencyKey != ForwardIdempotencyKey(r.IntentID, r.Leg) {
		return errors.New("forward record idempotency key does not match intent and leg")
	}
	if r.DestinationWallet == "" {
		return errors.New("forward record destination cannot be empty")
	}
	if r.Amount.IsNegative() {
		return errors.New("forward record amount cannot be negative")
	}
	if (r.Status == ForwardStatusSent || r.Status == ForwardStatusConfirmed) && r.Signature == nil {
		return errors.New("sent or confirmed forward record must carry a signature")
	}
	return nil
}

// MayHaveMoved reports whether funds for this leg may already have left the middleman wallet
func (r *ForwardRecord) MayHaveMoved() bool {
	return r.Status == ForwardStatusSent || r.Status == ForwardStatusConfirmed
}

// ForwardResult is the tagged outcome of a split forward attempt
type ForwardResult string

const (
	ForwardResultSuccess ForwardResult = "SUCCESS"
	ForwardResultPartial ForwardResult = "PARTIAL"
	ForwardResultFailed  ForwardResult = "FAILED"
)

// ForwardOutcome is what the split forwarder reports back to the state machine
type ForwardOutcome struct {
	Result  ForwardResult
	Done    []ForwardLeg
	Pending []ForwardLeg
	Records []*ForwardRecord
}

// ConfirmedAmount sums the amounts of the confirmed legs
func (o *ForwardOutcome) ConfirmedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, r := range o.Records {
		if r.Status == ForwardStatusConfirmed {
			total = total.Add(r.Amount)
		}
	}
	return total
}
