package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// Lifecycle is the part of the state machine the sweep drives
type Lifecycle interface {
	RecoverStuck(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error)
	Resume(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error)
	ExpireIfPending(ctx context.Context, intentID uuid.UUID) (bool, error)
}

// BalanceChecker raises low balance alerts
type BalanceChecker interface {
	CheckAndAlert(ctx context.Context, wallet string, floor decimal.Decimal) (bool, error)
}

// SweepReport counts what one sweep did
type SweepReport struct {
	Recovered int
	Resumed   int
	Expired   int
	Errors    int
}

// SchedulerService periodically audits intents for stuck, paid-but-unfinished and overdue ones
type SchedulerService struct {
	IntentRepo domain.PaymentIntentRepository
	Lifecycle  Lifecycle
	Balances   BalanceChecker
	Wallets    []string // wallets checked against Floor on every sweep
	Floor      decimal.Decimal
	Clock      domain.Clock
	Logger     *slog.Logger
}

// NewSchedulerService creates a new SchedulerService instance
func NewSchedulerService(
	intentRepo domain.PaymentIntentRepository,
	lifecycle Lifecycle,
	balances BalanceChecker,
	wallets []string,
	floor decimal.Decimal,
	clock domain.Clock,
	logger *slog.Logger,
) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{
		IntentRepo: intentRepo,
		Lifecycle:  lifecycle,
		Balances:   balances,
		Wallets:    wallets,
		Floor:      floor,
		Clock:      clock,
		Logger:     logger,
	}
}

// Run sweeps every interval until ctx is done
func (s *SchedulerService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.Logger.Error("recovery sweep failed", "error", err)
		} else if report.Recovered+report.Resumed+report.Expired > 0 {
			s.Logger.Info("recovery sweep finished",
				"recovered", report.Recovered,
				"resumed", report.Resumed,
				"expired", report.Expired,
				"errors", report.Errors,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single audit pass
// Logic:
//  1. PROCESSING and PARTIALLY_FORWARDED intents with a free lock: RecoverStuck
//  2. PENDING intents with a matched transfer: Resume
//  3. PENDING intents without a transfer past their expiry: ExpireIfPending
//  4. Check the configured wallets against the balance floor
func (s *SchedulerService) SweepOnce(ctx context.Context) (SweepReport, error) {
	defer metrics.RecoverySweeps.Inc()
	var report SweepReport
	now := s.Clock.Now()

	// 1. Stuck
	for _, status := range []domain.PaymentStatus{domain.PaymentStatusProcessing, domain.PaymentStatusPartiallyForwarded} {
		intents, err := s.IntentRepo.ListByStatus(ctx, status)
		if err != nil {
			return report, fmt.Errorf("failed to list %s intents: %w", status, err)
		}
		for _, intent := range intents {
			if !intent.LockFree(now) {
				continue
			}
			result, err := s.Lifecycle.RecoverStuck(ctx, intent.ID)
			if s.failed(err, "recover", intent.ID) {
				report.Errors++
				continue
			}
			if err == nil && result != intent.Status {
				report.Recovered++
			}
		}
	}

	// 2 and 3. Pending
	intents, err := s.IntentRepo.ListByStatus(ctx, domain.PaymentStatusPending)
	if err != nil {
		return report, fmt.Errorf("failed to list pending intents: %w", err)
	}
	for _, intent := range intents {
		if !intent.LockFree(now) {
			continue
		}
		if intent.IsMatched() {
			_, err := s.Lifecycle.Resume(ctx, intent.ID)
			if s.failed(err, "resume", intent.ID) {
				report.Errors++
				continue
			}
			if err == nil {
				report.Resumed++
			}
			continue
		}
		if intent.ExpiresAt.After(now) {
			continue
		}
		expired, err := s.Lifecycle.ExpireIfPending(ctx, intent.ID)
		if s.failed(err, "expire", intent.ID) {
			report.Errors++
			continue
		}
		if expired {
			report.Expired++
		}
	}

	// 4. Balance floor
	if s.Balances != nil {
		for _, wallet := range s.Wallets {
			if _, err := s.Balances.CheckAndAlert(ctx, wallet, s.Floor); err != nil {
				s.Logger.Warn("balance check failed", "wallet", wallet, "error", err)
			}
		}
	}

	return report, nil
}

// failed logs err and reports whether it is a real failure rather than a lost race
func (s *SchedulerService) failed(err error, op string, intentID uuid.UUID) bool {
	if err == nil {
		return false
	}
	if domain.IsControlFlow(err) || errors.Is(err, context.Canceled) {
		s.Logger.Debug("sweep skipped intent", "op", op, "intent_id", intentID, "reason", err)
		return false
	}
	s.Logger.Error("sweep failed on intent", "op", op, "intent_id", intentID, "error", err)
	return true
}
