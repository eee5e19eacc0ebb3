// Package solanarpc talks to a Solana JSON-RPC node.
// Ledger implements domain.Ledger and Sender implements domain.TransferSender.
package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// DefaultSignatureLimit is the page size of one signature listing call
const DefaultSignatureLimit = 100

// DefaultMaxSignaturePages bounds how far back one GetTransfers call pages
const DefaultMaxSignaturePages = 10

// one SOL is 10^9 lamports
const solDecimals = 9

// Ledger reads transfers, balances and signature statuses over RPC
type Ledger struct {
	Client         *rpc.Client
	SignatureLimit int
	MaxPages       int
	Commitment     rpc.CommitmentType
	Logger         *slog.Logger
}

// NewLedger creates a Ledger for the node at rpcURL
func NewLedger(rpcURL string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		Client:         rpc.New(rpcURL),
		SignatureLimit: DefaultSignatureLimit,
		MaxPages:       DefaultMaxSignaturePages,
		Commitment:     rpc.CommitmentConfirmed,
		Logger:         logger,
	}
}

// GetTransfers returns native transfers that raised the balance of address, newest first.
// Logic:
//  1. Page back through the signatures of the address until one is older than since
//  2. Skip signatures whose transaction failed
//  3. Load each transaction and compare the pre and post balance of the address
//
// A transaction that cannot be loaded is skipped and picked up on a later poll.
func (l *Ledger) GetTransfers(ctx context.Context, address string, since time.Time) ([]domain.Transfer, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	limit := l.SignatureLimit
	fetch := func(ctx context.Context, before solana.Signature) ([]*rpc.TransactionSignature, error) {
		opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit, Commitment: l.Commitment}
		if before != (solana.Signature{}) {
			opts.Before = before
		}
		return l.Client.GetSignaturesForAddressWithOpts(ctx, account, opts)
	}
	sigs, complete, err := collectSignatures(ctx, fetch, since, limit, l.MaxPages)
	if err != nil {
		return nil, l.networkError("get_signatures", err)
	}
	if !complete {
		l.Logger.Warn("signature history truncated before lookback start",
			"address", address,
			"since", since,
			"pages", l.MaxPages,
		)
	}

	maxVersion := uint64(0)
	var transfers []domain.Transfer
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}

		result, err := l.Client.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     l.Commitment,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.LedgerErrors.WithLabelValues("get_transaction").Inc()
			l.Logger.Warn("failed to load transaction", "signature", sig.Signature.String(), "error", err)
			continue
		}
		if result == nil || result.Meta == nil || result.Meta.Err != nil || result.Transaction == nil {
			continue
		}
		tx, err := result.Transaction.GetTransaction()
		if err != nil {
			l.Logger.Warn("failed to decode transaction", "signature", sig.Signature.String(), "error", err)
			continue
		}

		keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)

		blockTime := result.BlockTime
		if blockTime == nil {
			blockTime = sig.BlockTime
		}
		if t, ok := extractTransfer(sig.Signature.String(), blockTime, keys,
			result.Meta.PreBalances, result.Meta.PostBalances, account); ok {
			transfers = append(transfers, t)
		}
	}
	return transfers, nil
}

// collectSignatures pages back from the newest signature and returns every one at or after since.
// complete is false when maxPages ran out before the history reached since.
func collectSignatures(
	ctx context.Context,
	fetch func(ctx context.Context, before solana.Signature) ([]*rpc.TransactionSignature, error),
	since time.Time,
	pageSize, maxPages int,
) (sigs []*rpc.TransactionSignature, complete bool, err error) {
	if maxPages < 1 {
		maxPages = 1
	}
	var before solana.Signature
	for page := 0; page < maxPages; page++ {
		batch, err := fetch(ctx, before)
		if err != nil {
			return nil, false, err
		}
		for _, sig := range batch {
			if sig.BlockTime != nil && sig.BlockTime.Time().Before(since) {
				return sigs, true, nil
			}
			sigs = append(sigs, sig)
		}
		if len(batch) == 0 || len(batch) < pageSize {
			return sigs, true, nil
		}
		before = batch[len(batch)-1].Signature
	}
	return sigs, false, nil
}

// GetBalance returns the balance of address in SOL
func (l *Ledger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid address %q: %w", address, err)
	}
	out, err := l.Client.GetBalance(ctx, account, l.Commitment)
	if err != nil {
		return decimal.Zero, l.networkError("get_balance", err)
	}
	return ToSOL(out.Value), nil
}

// GetSignatureStatus reports the status of signature, searching transaction history
func (l *Ledger) GetSignatureStatus(ctx context.Context, signature string) (domain.SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return domain.SignatureStatusUnknown, fmt.Errorf("invalid signature %q: %w", signature, err)
	}
	out, err := l.Client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return domain.SignatureStatusUnknown, l.networkError("get_signature_status", err)
	}
	if out == nil || len(out.Value) == 0 {
		return domain.SignatureStatusUnknown, nil
	}
	return mapStatus(out.Value[0]), nil
}

func (l *Ledger) networkError(method string, err error) error {
	metrics.LedgerErrors.WithLabelValues(method).Inc()
	return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, method, err)
}

// extractTransfer builds the incoming transfer to account, if its balance went up
func extractTransfer(
	signature string,
	blockTime *solana.UnixTimeSeconds,
	keys []solana.PublicKey,
	pre, post []uint64,
	account solana.PublicKey,
) (domain.Transfer, bool) {
	idx := -1
	for i, key := range keys {
		if key.Equals(account) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(pre) || idx >= len(post) || post[idx] <= pre[idx] {
		return domain.Transfer{}, false
	}

	t := domain.Transfer{
		Signature: signature,
		To:        account.String(),
		Amount:    ToSOL(post[idx] - pre[idx]),
	}
	// The fee payer signs first and is the sender of a plain transfer
	if len(keys) > 0 && idx != 0 {
		t.From = keys[0].String()
	}
	if blockTime != nil {
		ts := blockTime.Time().UTC()
		t.Timestamp = &ts
	}
	return t, true
}

func mapStatus(st *rpc.SignatureStatusesResult) domain.SignatureStatus {
	if st == nil {
		return domain.SignatureStatusUnknown
	}
	if st.Err != nil {
		return domain.SignatureStatusFailed
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return domain.SignatureStatusConfirmed
	}
	return domain.SignatureStatusPending
}

// ToSOL converts lamports to SOL
func ToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -solDecimals)
}

// ToLamports converts a SOL amount to lamports, truncating below one lamport
func ToLamports(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount cannot be negative: %s", amount)
	}
	lamports := amount.Shift(solDecimals).Truncate(0)
	if !lamports.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount out of range: %s", amount)
	}
	return lamports.BigInt().Uint64(), nil
}

// isRejection reports whether the node answered with a JSON-RPC error.
// Transport failures leave the outcome unknown.
func isRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
