package solanarpc

import (
	"context"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// Sender signs native transfers from one wallet and broadcasts them
type Sender struct {
	Client     *rpc.Client
	privateKey solana.PrivateKey
	Logger     *slog.Logger
}

// NewSender creates a Sender paying from the wallet of the base58 private key
func NewSender(rpcURL, privateKeyBase58 string, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Sender{
		Client:     rpc.New(rpcURL),
		privateKey: key,
		Logger:     logger,
	}, nil
}

// Address returns the paying wallet
func (s *Sender) Address() string {
	return s.privateKey.PublicKey().String()
}

// Prepare builds and signs a transfer of amount to the given wallet.
// The signature and wire bytes are final; nothing is sent.
func (s *Sender) Prepare(ctx context.Context, to string, amount decimal.Decimal) (*domain.PreparedTransfer, error) {
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	lamports, err := ToLamports(amount)
	if err != nil {
		return nil, err
	}
	if lamports == 0 {
		return nil, fmt.Errorf("amount rounds to zero lamports: %s", amount)
	}

	latest, err := s.Client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("get_blockhash").Inc()
		return nil, fmt.Errorf("%w: failed to get latest blockhash: %w", domain.ErrNetwork, err)
	}

	tx, err := buildTransfer(s.privateKey, recipient, lamports, latest.Value.Blockhash)
	if err != nil {
		return nil, err
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &domain.PreparedTransfer{
		Signature: tx.Signatures[0].String(),
		From:      s.Address(),
		To:        recipient.String(),
		Amount:    ToSOL(lamports),
		Payload:   payload,
	}, nil
}

// Broadcast submits a prepared transfer with preflight checks.
// A node-side refusal returns ErrTransferRejected; transport failures return ErrNetwork.
func (s *Sender) Broadcast(ctx context.Context, transfer *domain.PreparedTransfer) error {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(transfer.Payload))
	if err != nil {
		return fmt.Errorf("failed to decode prepared transfer: %w", err)
	}

	sig, err := s.Client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if isRejection(err) {
			return fmt.Errorf("%w: %w", domain.ErrTransferRejected, err)
		}
		metrics.LedgerErrors.WithLabelValues("send_transaction").Inc()
		return fmt.Errorf("%w: failed to send transaction: %w", domain.ErrNetwork, err)
	}
	if sig.String() != transfer.Signature {
		s.Logger.Warn("node returned unexpected signature", "expected", transfer.Signature, "got", sig.String())
	}
	return nil
}

// buildTransfer returns a signed single-instruction system transfer
func buildTransfer(payer solana.PrivateKey, to solana.PublicKey, lamports uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	from := payer.PublicKey()
	ix, err := system.NewTransferInstruction(lamports, from, to).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(ix).
		SetRecentBlockHash(blockhash).
		SetFeePayer(from).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &payer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}
