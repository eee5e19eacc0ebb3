package domain

import "errors"

// Control flow outcomes. A worker that loses a race sees one of these; they are not failures.
var (
	ErrLockConflict     = errors.New("intent is locked by another worker")
	ErrAlreadyProcessed = errors.New("intent is already past pending")
	ErrSignatureClaimed = errors.New("transfer signature is already matched to another intent")
	ErrForwardLockBusy  = errors.New("forward lock is held by another worker")
)

// Match rejections
var (
	ErrToleranceMismatch   = errors.New("transfer amount is outside the tolerance band")
	ErrTimestampMissing    = errors.New("transfer has no verifiable timestamp")
	ErrDestinationMismatch = errors.New("transfer destination does not match intent")
	ErrOutsideWindow       = errors.New("transfer timestamp is outside the acceptance window")
)

// Forwarding and ledger
var (
	ErrInsufficientBalance = errors.New("insufficient live balance for forward leg")
	ErrNetwork             = errors.New("network error")
	ErrTransferRejected    = errors.New("ledger rejected the transfer")
	ErrMaxRetriesExceeded  = errors.New("maximum recovery attempts exceeded")
)

// Store and checkout
var (
	ErrIntentNotFound        = errors.New("payment intent not found")
	ErrForwardRecordNotFound = errors.New("forward record not found")
	ErrForwardRecordExists   = errors.New("forward record already exists")
	ErrForwardConfirmed      = errors.New("forward record is confirmed and cannot change")
	ErrAmountTaken           = errors.New("required amount is already held by an open intent")
	ErrAllocatorExhausted    = errors.New("no free amount offset left for this destination")
	ErrAmountTooLow          = errors.New("payment amount is below the minimum")
	ErrPriceUnavailable      = errors.New("price is unavailable")
	ErrCompensationNotFound  = errors.New("compensation not found")
	ErrOutOfStock            = errors.New("not enough stock to reserve basket")
	ErrNotCancellable        = errors.New("only unmatched pending intents can be cancelled")
	ErrInvalidTransition     = errors.New("status transition is not allowed")
)

// IsControlFlow reports whether err is an expected race outcome rather than a failure
func IsControlFlow(err error) bool {
	return errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrSignatureClaimed) ||
		errors.Is(err, ErrForwardLockBusy)
}
