package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is an incoming native transfer observed on the ledger
type Transfer struct {
	Signature string
	From      string
	To        string
	Amount    decimal.Decimal
	Timestamp *time.Time // NULL when the ledger did not report a block time
}

// SignatureStatus is the ledger's view of a single transaction signature
type SignatureStatus string

const (
	SignatureStatusUnknown   SignatureStatus = "UNKNOWN" // not (yet) seen by the ledger
	SignatureStatusPending   SignatureStatus = "PENDING" // seen but not at the required commitment
	SignatureStatusConfirmed SignatureStatus = "CONFIRMED"
	SignatureStatusFailed    SignatureStatus = "FAILED"
)

// PreparedTransfer is a signed outbound transfer that has not been broadcast yet.
// The signature is known before broadcast so it can be recorded first.
type PreparedTransfer struct {
	Signature string
	From      string
	To        string
	Amount    decimal.Decimal
	Payload   []byte // serialized signed transaction
}
