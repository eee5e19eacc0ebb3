package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwapCondition is the predicate a stored intent must satisfy for a compare-and-swap to apply
type SwapCondition struct {
	From PaymentStatus // required current status

	// LockToken, if set, requires the stored lock token to equal it
	LockToken *uuid.UUID

	// LockFreeAt, if set, requires the lock to be absent or expired at that instant
	LockFreeAt *time.Time

	// ExpiredAt, if set, requires ExpiresAt to be at or before that instant
	ExpiredAt *time.Time

	// Unmatched requires that no transfer signature is recorded yet
	Unmatched bool
}

// IntentPatch lists what a compare-and-swap writes. Nil fields are left unchanged.
type IntentPatch struct {
	To               PaymentStatus
	LockToken        *uuid.UUID
	LockExpiresAt    *time.Time
	ClearLock        bool // drops lock token and expiry, wins over LockToken/LockExpiresAt
	MatchedSignature *string
	ReceivedAmount   *decimal.Decimal
	ProcessingSince  *time.Time
	RetryCount       *int
	UpdatedAt        time.Time
}

// PaymentIntentRepository defines the interface for payment intent persistence operations
type PaymentIntentRepository interface {
	// Create persists a new intent
	// Returns ErrAmountTaken if another PENDING intent already holds the same amount at the same address
	Create(ctx context.Context, intent *PaymentIntent) error

	// GetByID retrieves an intent by its ID
	// Returns ErrIntentNotFound if it does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentIntent, error)

	// ListByStatus retrieves all intents in the given status, oldest first
	ListByStatus(ctx context.Context, status PaymentStatus) ([]*PaymentIntent, error)

	// OpenAmounts returns the required amounts of PENDING intents addressed to the wallet
	OpenAmounts(ctx context.Context, address string) ([]decimal.Decimal, error)

	// CompareAndSwap atomically applies patch if and only if the stored intent satisfies cond.
	// Returns false without error when the condition does not hold.
	// Returns ErrSignatureClaimed if the patch would reuse a signature matched to another intent.
	CompareAndSwap(ctx context.Context, id uuid.UUID, cond SwapCondition, patch IntentPatch) (bool, error)

	// SetForwardCommitted durably marks that at least one forward leg is confirmed
	SetForwardCommitted(ctx context.Context, id uuid.UUID) error

	// CountByStatus returns the number of intents per status
	CountByStatus(ctx context.Context) (map[PaymentStatus]int, error)
}

// ForwardRecordRepository defines the interface for forward record persistence operations
type ForwardRecordRepository interface {
	// Create appends a new record
	// Returns ErrForwardRecordExists if a record for the same intent and leg exists
	Create(ctx context.Context, record *ForwardRecord) error

	// Get retrieves the record for an intent and leg
	// Returns ErrForwardRecordNotFound if it does not exist
	Get(ctx context.Context, intentID uuid.UUID, leg ForwardLeg) (*ForwardRecord, error)

	// ListByIntent retrieves all records of an intent ordered by leg
	ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*ForwardRecord, error)

	// UpdateStatus moves a record to a new status, optionally setting its signature.
	// Returns ErrForwardConfirmed if the stored record is already confirmed.
	UpdateStatus(ctx context.Context, key string, status ForwardStatus, signature *string, at time.Time) error
}

// CompensationRepository defines the interface for the compensation queue
type CompensationRepository interface {
	// Enqueue stores a compensation once per (intent, kind).
	// Returns false if an equivalent compensation was already queued.
	Enqueue(ctx context.Context, c *Compensation) (bool, error)

	// ListQueued returns up to limit queued compensations, oldest first
	ListQueued(ctx context.Context, limit int) ([]*Compensation, error)

	// MarkDispatched flags a compensation as handed to operations
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error

	// CountQueued returns the number of compensations not yet dispatched
	CountQueued(ctx context.Context) (int, error)
}
