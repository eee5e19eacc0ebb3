package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the read side of the public ledger
type Ledger interface {
	// GetTransfers returns incoming transfers to address observed since the given instant
	GetTransfers(ctx context.Context, address string, since time.Time) ([]Transfer, error)

	// GetBalance returns the live balance of address
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// GetSignatureStatus reports what the ledger knows about a transaction signature
	GetSignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
}

// TransferSender signs and broadcasts outbound transfers from the middleman wallet
type TransferSender interface {
	// Prepare builds and signs a transfer without broadcasting it
	Prepare(ctx context.Context, to string, amount decimal.Decimal) (*PreparedTransfer, error)

	// Broadcast submits a prepared transfer.
	// Returns ErrTransferRejected when the ledger refused it outright.
	Broadcast(ctx context.Context, transfer *PreparedTransfer) error
}

// Inventory is the external reservation store for basket line items
type Inventory interface {
	Reserve(ctx context.Context, items []LineItem) (*BasketSnapshot, error)
	Unreserve(ctx context.Context, snapshot BasketSnapshot) error
	Finalize(ctx context.Context, snapshot BasketSnapshot) error
}

// Notifier is the fire-and-forget admin alert channel
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Clock is the time source used for lock expiry and timeout comparisons
type Clock interface {
	Now() time.Time
}

// ForwardLock serializes split forwards system-wide.
// TryAcquire never blocks; ok is false when another holder has it.
type ForwardLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// PriceSource returns the fiat price of one unit of the ledger's native coin
type PriceSource interface {
	FetchPrice(ctx context.Context) (decimal.Decimal, error)
}
