package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle status of a payment intent
type PaymentStatus string

const (
	PaymentStatusPending            PaymentStatus = "PENDING"
	PaymentStatusProcessing         PaymentStatus = "PROCESSING"
	PaymentStatusConfirmed          PaymentStatus = "CONFIRMED"
	PaymentStatusPartiallyForwarded PaymentStatus = "PARTIALLY_FORWARDED"
	PaymentStatusFailed             PaymentStatus = "FAILED"
	PaymentStatusExpired            PaymentStatus = "EXPIRED"
	PaymentStatusAbandoned          PaymentStatus = "ABANDONED"
	PaymentStatusCancelled          PaymentStatus = "CANCELLED"
)

// allowedTransitions is the complete state machine. Anything not listed is rejected.
var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusExpired,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusConfirmed,
		PaymentStatusPartiallyForwarded,
		PaymentStatusFailed,
		PaymentStatusPending,   // retry after a stuck attempt
		PaymentStatusAbandoned, // retry ceiling reached
	},
	PaymentStatusPartiallyForwarded: {
		PaymentStatusConfirmed,
		PaymentStatusAbandoned,
	},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// A self transition is allowed for non-terminal states (lock renewal, retry bookkeeping).
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired,
		PaymentStatusAbandoned, PaymentStatusCancelled:
		return true
	}
	return false
}

// AllStatuses lists every status in lifecycle order
func AllStatuses() []PaymentStatus {
	return []PaymentStatus{
		PaymentStatusPending,
		PaymentStatusProcessing,
		PaymentStatusConfirmed,
		PaymentStatusPartiallyForwarded,
		PaymentStatusFailed,
		PaymentStatusExpired,
		PaymentStatusAbandoned,
		PaymentStatusCancelled,
	}
}

// Valid reports whether s is a known status
func (s PaymentStatus) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// DestinationKind tells whether an intent is paid straight to a payee or through the middleman
type DestinationKind string

const (
	DestinationKindDirect DestinationKind = "DIRECT"
	DestinationKindSplit  DestinationKind = "SPLIT"
)

// SplitConfig describes how a split payout is forwarded from the middleman wallet.
// Percentages are in the 0-100 range and must add up to 100.
type SplitConfig struct {
	MiddlemanWallet string
	FirstWallet     string
	SecondWallet    string
	FirstPercent    decimal.Decimal
	SecondPercent   decimal.Decimal
	FixedFee        decimal.Decimal // deducted once before the percentages are applied
	SafetyMargin    decimal.Decimal // left on the middleman wallet to cover transaction fees
}

// Validate ensures the split config adheres to domain rules
func (c *SplitConfig) Validate() error {
	if c.MiddlemanWallet == "" || c.FirstWallet == "" || c.SecondWallet == "" {
		return errors.New("split config requires middleman, first and second wallets")
	}
	if c.FirstWallet == c.SecondWallet {
		return errors.New("split config wallets must differ")
	}
	hundred := decimal.NewFromInt(100)
	for _, p := range []decimal.Decimal{c.FirstPercent, c.SecondPercent} {
		if p.IsNegative() || p.GreaterThan(hundred) {
			return errors.New("split percentage must be between 0 and 100")
		}
	}
	if !c.FirstPercent.Add(c.SecondPercent).Equal(hundred) {
		return errors.New("split percentages must add up to 100")
	}
	if c.FixedFee.IsNegative() || c.SafetyMargin.IsNegative() {
		return errors.New("split fee and safety margin cannot be negative")
	}
	return nil
}

// Destination is where the buyer must send the transfer
type Destination struct {
	Kind   DestinationKind
	Wallet string       // payee wallet for DIRECT intents
	Split  *SplitConfig // NULL for DIRECT intents
}

// Address returns the wallet the buyer's transfer must be addressed to
func (d Destination) Address() string {
	if d.Kind == DestinationKindSplit && d.Split != nil {
		return d.Split.MiddlemanWallet
	}
	return d.Wallet
}

// Validate ensures the destination adheres to domain rules
func (d Destination) Validate() error {
	switch d.Kind {
	case DestinationKindDirect:
		if d.Wallet == "" {
			return errors.New("direct destination requires a wallet")
		}
		if d.Split != nil {
			return errors.New("direct destination cannot carry a split config")
		}
	case DestinationKindSplit:
		if d.Split == nil {
			return errors.New("split destination requires a split config")
		}
		return d.Split.Validate()
	default:
		return errors.New("destination kind must be DIRECT or SPLIT")
	}
	return nil
}

// PaymentIntent represents a single expected incoming payment tied to one basket
type PaymentIntent struct {
	ID               uuid.UUID
	Reference        string // human facing id, e.g. SOL_42_1718000000_a1b2c3
	CustomerID       string
	Basket           BasketSnapshot
	FiatTotal        decimal.Decimal
	QuotedPrice      decimal.Decimal // SOL price in fiat at creation time
	RequiredAmount   decimal.Decimal
	Tolerance        decimal.Decimal // fraction, e.g. 0.001 for 0.1%
	Destination      Destination
	Status           PaymentStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
	MatchedSignature *string          // NULL until a transfer is matched
	ReceivedAmount   *decimal.Decimal // amount of the matched transfer
	ProcessingSince  *time.Time
	RetryCount       int
	LockToken        *uuid.UUID
	LockExpiresAt    *time.Time
	ForwardCommitted bool // set once at least one forward leg is confirmed
}

// Validate ensures the payment intent adheres to domain rules
func (p *PaymentIntent) Validate() error {
	if p.ID == uuid.Nil {
		return errors.New("payment intent ID cannot be empty")
	}
	if !p.RequiredAmount.IsPositive() {
		return errors.New("required amount must be positive")
	}
	if p.Tolerance.IsNegative() || p.Tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("tolerance must be a fraction in [0, 1)")
	}
	if !p.Status.Valid() {
		return errors.New("payment intent status is not valid")
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		return errors.New("payment intent must expire after it is created")
	}
	if p.RetryCount < 0 {
		return errors.New("retry count cannot be negative")
	}
	if len(p.Basket.Items) == 0 {
		return errors.New("payment intent basket cannot be empty")
	}
	return p.Destination.Validate()
}

// IsSplit reports whether the intent pays out through the middleman wallet
func (p *PaymentIntent) IsSplit() bool {
	return p.Destination.Kind == DestinationKindSplit
}

// IsMatched reports whether a transfer has already been tied to the intent
func (p *PaymentIntent) IsMatched() bool {
	return p.MatchedSignature != nil
}

// LockFree reports whether no worker holds the intent lock at now
func (p *PaymentIntent) LockFree(now time.Time) bool {
	return p.LockExpiresAt == nil || !p.LockExpiresAt.After(now)
}

// AcceptanceWindow bounds the transfer timestamps accepted for an intent:
// [CreatedAt - Before, ExpiresAt + After]
type AcceptanceWindow struct {
	Before time.Duration
	After  time.Duration
}

// AmountBand returns the inclusive amount range accepted for the intent
func (p *PaymentIntent) AmountBand() (decimal.Decimal, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	low := p.RequiredAmount.Mul(one.Sub(p.Tolerance))
	high := p.RequiredAmount.Mul(one.Add(p.Tolerance))
	return low, high
}

// Accepts checks whether a transfer satisfies the intent.
// Returns nil on a match, otherwise the reason it does not match.
func (p *PaymentIntent) Accepts(t Transfer, window AcceptanceWindow) error {
	if t.To != p.Destination.Address() {
		return ErrDestinationMismatch
	}

	// Unverifiable transfers are never matched by default
	if t.Timestamp == nil || t.Timestamp.IsZero() {
		return ErrTimestampMissing
	}
	earliest := p.CreatedAt.Add(-window.Before)
	latest := p.ExpiresAt.Add(window.After)
	if t.Timestamp.Before(earliest) || t.Timestamp.After(latest) {
		return ErrOutsideWindow
	}

	low, high := p.AmountBand()
	if t.Amount.LessThan(low) || t.Amount.GreaterThan(high) {
		return ErrToleranceMismatch
	}

	return nil
}
