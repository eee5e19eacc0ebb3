package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/payrecon-backend/internal/backoff"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// Claimer claims an intent for a matched transfer
type Claimer interface {
	TryAcquireAndProcess(ctx context.Context, intentID uuid.UUID, transfer domain.Transfer) (domain.PaymentStatus, error)
}

// MatcherService polls the ledger and claims PENDING intents for the transfers it finds
type MatcherService struct {
	IntentRepo domain.PaymentIntentRepository
	Ledger     domain.Ledger
	Claimer    Claimer
	Window     domain.AcceptanceWindow
	Backoff    backoff.Policy
	Logger     *slog.Logger
}

// NewMatcherService creates a new MatcherService instance
func NewMatcherService(
	intentRepo domain.PaymentIntentRepository,
	ledger domain.Ledger,
	claimer Claimer,
	window domain.AcceptanceWindow,
	policy backoff.Policy,
	logger *slog.Logger,
) *MatcherService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatcherService{
		IntentRepo: intentRepo,
		Ledger:     ledger,
		Claimer:    claimer,
		Window:     window,
		Backoff:    policy,
		Logger:     logger,
	}
}

// DefaultBackoff is the ledger query retry policy: 1s, 2s, 4s
func DefaultBackoff() backoff.Policy {
	return backoff.Policy{Retries: 3, Base: time.Second, Max: 30 * time.Second}
}

// Run polls every interval until ctx is done
func (s *MatcherService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("matcher poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one matching pass over every address with open intents and returns the number of claims
// Logic:
//  1. Group unmatched PENDING intents by destination address
//  2. Query each address once, looking back to the earliest acceptable timestamp
//  3. For every transfer, pick the accepting intent with the closest required amount and claim it
func (s *MatcherService) PollOnce(ctx context.Context) (int, error) {
	// 1. Open intents by address
	pending, err := s.IntentRepo.ListByStatus(ctx, domain.PaymentStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending intents: %w", err)
	}
	byAddress := make(map[string][]*domain.PaymentIntent)
	addresses := make([]string, 0)
	for _, intent := range pending {
		if intent.IsMatched() {
			// Paid intents waiting for a retry belong to recovery
			continue
		}
		address := intent.Destination.Address()
		if _, ok := byAddress[address]; !ok {
			addresses = append(addresses, address)
		}
		byAddress[address] = append(byAddress[address], intent)
	}

	claimed := 0
	var errs []error
	for _, address := range addresses {
		n, err := s.matchAddress(ctx, address, byAddress[address])
		claimed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return claimed, errors.Join(errs...)
}

// CheckIntent runs a user-triggered confirmation check for a single intent.
// Returns the intent status after the check.
func (s *MatcherService) CheckIntent(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	if intent.Status != domain.PaymentStatusPending || intent.IsMatched() {
		return intent.Status, nil
	}

	if _, err := s.matchAddress(ctx, intent.Destination.Address(), []*domain.PaymentIntent{intent}); err != nil {
		return intent.Status, err
	}

	current, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	return current.Status, nil
}

func (s *MatcherService) matchAddress(ctx context.Context, address string, intents []*domain.PaymentIntent) (int, error) {
	// 2. Bounded lookback
	since := intents[0].CreatedAt
	for _, intent := range intents[1:] {
		if intent.CreatedAt.Before(since) {
			since = intent.CreatedAt
		}
	}
	since = since.Add(-s.Window.Before)

	var transfers []domain.Transfer
	err := s.Backoff.Do(ctx, func(ctx context.Context) error {
		var err error
		transfers, err = s.Ledger.GetTransfers(ctx, address, since)
		if err != nil {
			metrics.LedgerErrors.WithLabelValues("get_transfers").Inc()
			s.Logger.Warn("ledger query failed", "address", address, "error", err)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get transfers for %s: %w", domain.ErrNetwork, address, err)
	}

	// 3. Best match per transfer
	open := append([]*domain.PaymentIntent(nil), intents...)
	claimed := 0
	for _, transfer := range transfers {
		best := s.bestMatch(transfer, open)
		if best == nil {
			continue
		}

		status, err := s.Claimer.TryAcquireAndProcess(ctx, best.ID, transfer)
		switch {
		case err == nil:
			claimed++
			metrics.MatchOutcomes.WithLabelValues("matched").Inc()
			s.Logger.Info("transfer matched",
				"intent_id", best.ID,
				"signature", transfer.Signature,
				"status", status,
			)
		case domain.IsControlFlow(err):
			metrics.MatchOutcomes.WithLabelValues("skipped").Inc()
			s.Logger.Debug("match skipped", "intent_id", best.ID, "signature", transfer.Signature, "reason", err)
			if errors.Is(err, domain.ErrSignatureClaimed) {
				// The transfer belongs to someone else; the intent is still open
				continue
			}
		default:
			metrics.MatchOutcomes.WithLabelValues("error").Inc()
			s.Logger.Error("failed to process matched intent",
				"intent_id", best.ID,
				"signature", transfer.Signature,
				"status", status,
				"error", err,
			)
		}
		open = remove(open, best.ID)
	}
	return claimed, nil
}

// bestMatch returns the accepting intent whose required amount is closest to the transfer,
// ties going to the earliest created
func (s *MatcherService) bestMatch(transfer domain.Transfer, intents []*domain.PaymentIntent) *domain.PaymentIntent {
	if transfer.Timestamp == nil || transfer.Timestamp.IsZero() {
		metrics.MatchOutcomes.WithLabelValues("rejected").Inc()
		s.Logger.Warn("transfer rejected", "signature", transfer.Signature, "error", domain.ErrTimestampMissing)
		return nil
	}

	candidates := make([]*domain.PaymentIntent, 0)
	for _, intent := range intents {
		if intent.Accepts(transfer, s.Window) == nil {
			candidates = append(candidates, intent)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].RequiredAmount.Sub(transfer.Amount).Abs()
		dj := candidates[j].RequiredAmount.Sub(transfer.Amount).Abs()
		if !di.Equal(dj) {
			return di.LessThan(dj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0]
}

func remove(intents []*domain.PaymentIntent, id uuid.UUID) []*domain.PaymentIntent {
	out := intents[:0]
	for _, intent := range intents {
		if intent.ID != id {
			out = append(out, intent)
		}
	}
	return out
}
