// Package ledgersim is an in-process ledger for local runs without an RPC node.
// It implements domain.Ledger and domain.TransferSender for a single payer wallet.
package ledgersim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// Ledger is a simulated ledger that settles transfers instantly
type Ledger struct {
	mu         sync.Mutex
	payer      string
	fee        decimal.Decimal
	now        func() time.Time
	seq        int
	balances   map[string]decimal.Decimal
	incoming   map[string][]domain.Transfer
	statuses   map[string]domain.SignatureStatus
	broadcasts []domain.PreparedTransfer

	autoConfirm  bool
	balanceErr   error
	transfersErr error
	broadcastErr error
}

// New creates a simulated ledger whose sender side pays from payer
func New(payer string, fee decimal.Decimal) *Ledger {
	return &Ledger{
		payer:       payer,
		fee:         fee,
		now:         time.Now,
		balances:    make(map[string]decimal.Decimal),
		incoming:    make(map[string][]domain.Transfer),
		statuses:    make(map[string]domain.SignatureStatus),
		autoConfirm: true,
	}
}

// Deposit records an incoming transfer and credits the receiver.
// A nil timestamp simulates a transfer without block time.
func (l *Ledger) Deposit(from, to string, amount decimal.Decimal, at *time.Time) domain.Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	t := domain.Transfer{
		Signature: fmt.Sprintf("deposit-%d", l.seq),
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: at,
	}
	l.incoming[to] = append(l.incoming[to], t)
	l.balances[to] = l.balances[to].Add(amount)
	l.statuses[t.Signature] = domain.SignatureStatusConfirmed
	return t
}

// SetBalance overrides the balance of a wallet
func (l *Ledger) SetBalance(address string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = amount
}

// SetSignatureStatus overrides what the ledger reports for a signature
func (l *Ledger) SetSignatureStatus(signature string, status domain.SignatureStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[signature] = status
}

// SetAutoConfirm controls whether broadcasts confirm immediately or stay pending
func (l *Ledger) SetAutoConfirm(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoConfirm = on
}

// FailBalance makes every balance read fail with err until cleared with nil
func (l *Ledger) FailBalance(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceErr = err
}

// FailTransfers makes every transfer query fail with err until cleared with nil
func (l *Ledger) FailTransfers(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfersErr = err
}

// FailBroadcast makes every broadcast fail with err until cleared with nil
func (l *Ledger) FailBroadcast(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcastErr = err
}

// Broadcasts returns every transfer that reached the ledger
func (l *Ledger) Broadcasts() []domain.PreparedTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.PreparedTransfer(nil), l.broadcasts...)
}

// GetTransfers returns incoming transfers to address at or after since.
// Transfers without a timestamp are always returned.
func (l *Ledger) GetTransfers(ctx context.Context, address string, since time.Time) ([]domain.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transfersErr != nil {
		return nil, l.transfersErr
	}
	result := make([]domain.Transfer, 0)
	for _, t := range l.incoming[address] {
		if t.Timestamp == nil || !t.Timestamp.Before(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

// GetBalance returns the current balance of address
func (l *Ledger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balanceErr != nil {
		return decimal.Zero, l.balanceErr
	}
	return l.balances[address], nil
}

// GetSignatureStatus reports the status of a signature, UNKNOWN if never seen
func (l *Ledger) GetSignatureStatus(ctx context.Context, signature string) (domain.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status, ok := l.statuses[signature]
	if !ok {
		return domain.SignatureStatusUnknown, nil
	}
	return status, nil
}

// Prepare assigns a signature to a transfer from the payer. Nothing moves yet.
func (l *Ledger) Prepare(ctx context.Context, to string, amount decimal.Decimal) (*domain.PreparedTransfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	return &domain.PreparedTransfer{
		Signature: fmt.Sprintf("forward-%d", l.seq),
		From:      l.payer,
		To:        to,
		Amount:    amount,
	}, nil
}

// Broadcast settles a prepared transfer, charging the fee to the payer
func (l *Ledger) Broadcast(ctx context.Context, transfer *domain.PreparedTransfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broadcastErr != nil {
		return l.broadcastErr
	}
	cost := transfer.Amount.Add(l.fee)
	if l.balances[transfer.From].LessThan(cost) {
		return fmt.Errorf("%w: insufficient funds for %s", domain.ErrTransferRejected, transfer.Signature)
	}

	l.balances[transfer.From] = l.balances[transfer.From].Sub(cost)
	l.balances[transfer.To] = l.balances[transfer.To].Add(transfer.Amount)
	l.broadcasts = append(l.broadcasts, *transfer)

	at := l.now().UTC()
	l.incoming[transfer.To] = append(l.incoming[transfer.To], domain.Transfer{
		Signature: transfer.Signature,
		From:      transfer.From,
		To:        transfer.To,
		Amount:    transfer.Amount,
		Timestamp: &at,
	})
	if l.autoConfirm {
		l.statuses[transfer.Signature] = domain.SignatureStatusConfirmed
	} else {
		l.statuses[transfer.Signature] = domain.SignatureStatusPending
	}
	return nil
}
