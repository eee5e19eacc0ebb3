package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/backoff"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// Forwarder executes split forwards
type Forwarder interface {
	Forward(ctx context.Context, intentID uuid.UUID) (*domain.ForwardOutcome, error)
}

// Config holds the lifecycle timing knobs
type Config struct {
	LockTTL             time.Duration
	StuckTimeout        time.Duration
	MaxRecoveryAttempts int
	Window              domain.AcceptanceWindow
}

// DefaultConfig returns the production lifecycle settings
func DefaultConfig() Config {
	return Config{
		LockTTL:             30 * time.Second,
		StuckTimeout:        2 * time.Minute,
		MaxRecoveryAttempts: 5,
		Window:              domain.AcceptanceWindow{Before: 30 * time.Minute, After: 5 * time.Minute},
	}
}

// StateMachineService owns every status transition of a payment intent
type StateMachineService struct {
	IntentRepo       domain.PaymentIntentRepository
	RecordRepo       domain.ForwardRecordRepository
	CompensationRepo domain.CompensationRepository
	Inventory        domain.Inventory
	Forwarder        Forwarder
	Notifier         domain.Notifier
	Clock            domain.Clock
	Config           Config
	Logger           *slog.Logger

	// InventoryRetry covers releasing a reservation after a terminal swap
	InventoryRetry backoff.Policy
}

// NewStateMachineService creates a new StateMachineService instance
func NewStateMachineService(
	intentRepo domain.PaymentIntentRepository,
	recordRepo domain.ForwardRecordRepository,
	compensationRepo domain.CompensationRepository,
	inventory domain.Inventory,
	forwarder Forwarder,
	notifier domain.Notifier,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *StateMachineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachineService{
		IntentRepo:       intentRepo,
		RecordRepo:       recordRepo,
		CompensationRepo: compensationRepo,
		Inventory:        inventory,
		Forwarder:        forwarder,
		Notifier:         notifier,
		Clock:            clock,
		Config:           cfg,
		Logger:           logger,
		InventoryRetry:   backoff.Policy{Retries: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second},
	}
}

// TryAcquireAndProcess claims a PENDING intent for a matched transfer and drives it to its next resting state.
// Logic:
//  1. Verify the transfer against the intent
//  2. Compare-and-swap PENDING -> PROCESSING, recording lock owner, lock expiry and the matched signature
//  3. Hold the lock with a heartbeat while completing the intent directly or through the split forward
//
// Returns ErrLockConflict if another worker holds the intent and ErrAlreadyProcessed if it is past PENDING.
// Both are expected outcomes for a worker that lost a race.
func (s *StateMachineService) TryAcquireAndProcess(ctx context.Context, intentID uuid.UUID, transfer domain.Transfer) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	if intent.Status != domain.PaymentStatusPending {
		return intent.Status, classifyBusy(intent)
	}
	if intent.IsMatched() {
		// Paid already; only Resume may pick it up again
		return intent.Status, domain.ErrAlreadyProcessed
	}

	// 1. Verify
	if err := intent.Accepts(transfer, s.Config.Window); err != nil {
		return intent.Status, err
	}

	// 2. Claim
	now := s.Clock.Now()
	token := uuid.New()
	expiry := now.Add(s.Config.LockTTL)
	sig := transfer.Signature
	amount := transfer.Amount
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending, LockFreeAt: &now, Unmatched: true},
		domain.IntentPatch{
			To:               domain.PaymentStatusProcessing,
			LockToken:        &token,
			LockExpiresAt:    &expiry,
			MatchedSignature: &sig,
			ReceivedAmount:   &amount,
			ProcessingSince:  &now,
			UpdatedAt:        now,
		})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusProcessing)).Inc()
	s.Logger.Info("intent claimed",
		"intent_id", intent.ID,
		"signature", sig,
		"amount", amount.String(),
	)

	// 3. Complete
	return s.process(ctx, intent, token)
}

// Resume re-drives a PENDING intent whose transfer was already matched by an earlier attempt
func (s *StateMachineService) Resume(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	if intent.Status != domain.PaymentStatusPending {
		return intent.Status, classifyBusy(intent)
	}
	if !intent.IsMatched() {
		return intent.Status, errors.New("intent has no matched transfer to resume")
	}

	now := s.Clock.Now()
	token := uuid.New()
	expiry := now.Add(s.Config.LockTTL)
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending, LockFreeAt: &now},
		domain.IntentPatch{
			To:              domain.PaymentStatusProcessing,
			LockToken:       &token,
			LockExpiresAt:   &expiry,
			ProcessingSince: &now,
			UpdatedAt:       now,
		})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusProcessing)).Inc()
	s.Logger.Info("intent resumed", "intent_id", intent.ID, "retry_count", intent.RetryCount)

	return s.process(ctx, intent, token)
}

func (s *StateMachineService) process(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID) (domain.PaymentStatus, error) {
	stop := s.heartbeat(ctx, intent.ID, token)
	defer stop()

	if intent.IsSplit() {
		return s.settleSplit(ctx, intent.ID, token, false)
	}
	return s.CompleteDirect(ctx, intent.ID, token)
}

// CompleteDirect confirms a non-split intent held under token and releases the goods
func (s *StateMachineService) CompleteDirect(ctx context.Context, intentID uuid.UUID, token uuid.UUID) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	if intent.IsSplit() {
		return intent.Status, errors.New("split intents are completed through the forward path")
	}
	return s.confirm(ctx, intent, token)
}

// CompleteSplit forwards a split intent held under token and applies the outcome.
// Logic:
//   - SUCCESS: CONFIRMED, goods released
//   - PARTIAL: PARTIALLY_FORWARDED, goods withheld, admin alerted
//   - FAILED (nothing moved): FAILED, reservation released, refund queued
func (s *StateMachineService) CompleteSplit(ctx context.Context, intentID uuid.UUID, token uuid.UUID) (domain.PaymentStatus, error) {
	return s.settleSplit(ctx, intentID, token, false)
}

// settleSplit runs the forward and applies its outcome. With lastAttempt set, anything short of
// full success abandons the intent instead of leaving it for another retry.
func (s *StateMachineService) settleSplit(ctx context.Context, intentID uuid.UUID, token uuid.UUID, lastAttempt bool) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	if !intent.IsSplit() {
		return intent.Status, errors.New("direct intents are completed without forwarding")
	}
	if intent.LockToken == nil || *intent.LockToken != token {
		return intent.Status, domain.ErrLockConflict
	}

	outcome, err := s.Forwarder.Forward(ctx, intent.ID)
	if err != nil {
		if lastAttempt && !domain.IsControlFlow(err) {
			return s.abandon(ctx, intent, token, nil, fmt.Sprintf("forward failed on last attempt: %v", err))
		}
		if errors.Is(err, domain.ErrNetwork) && intent.Status == domain.PaymentStatusProcessing {
			// Nothing moved and nothing was refused; the paid intent waits for the ledger
			return s.retryLater(ctx, intent, token, err)
		}
		s.release(ctx, intent, token)
		return intent.Status, fmt.Errorf("failed to forward: %w", err)
	}

	switch outcome.Result {
	case domain.ForwardResultSuccess:
		return s.confirm(ctx, intent, token)

	case domain.ForwardResultPartial:
		if lastAttempt {
			return s.abandon(ctx, intent, token, outcome, "split forward still partial after last attempt")
		}
		if intent.Status == domain.PaymentStatusProcessing {
			return s.markPartial(ctx, intent, token, outcome)
		}
		s.release(ctx, intent, token)
		return intent.Status, nil

	default:
		if intent.Status == domain.PaymentStatusProcessing {
			return s.fail(ctx, intent, token)
		}
		// A partially forwarded intent has moved funds and can never become FAILED
		if lastAttempt {
			return s.abandon(ctx, intent, token, outcome, "split forward made no progress after last attempt")
		}
		s.release(ctx, intent, token)
		return intent.Status, nil
	}
}

// ExpireIfPending moves an overdue unmatched PENDING intent to EXPIRED and releases its reservation.
// The reservation is released only by the worker whose swap succeeded.
// Returns false if the intent was not expirable at the instant of the swap.
func (s *StateMachineService) ExpireIfPending(ctx context.Context, intentID uuid.UUID) (bool, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return false, fmt.Errorf("failed to get intent: %w", err)
	}

	now := s.Clock.Now()
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{
			From:       domain.PaymentStatusPending,
			LockFreeAt: &now,
			ExpiredAt:  &now,
			Unmatched:  true,
		},
		domain.IntentPatch{To: domain.PaymentStatusExpired, ClearLock: true, UpdatedAt: now})
	if err != nil {
		return false, err
	}
	if !swapped {
		return false, nil
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusExpired)).Inc()
	s.Logger.Info("intent expired", "intent_id", intent.ID, "reference", intent.Reference)

	s.unreserve(ctx, intent, domain.PaymentStatusExpired)
	return true, nil
}

// Cancel withdraws an unmatched PENDING intent and releases its reservation
func (s *StateMachineService) Cancel(ctx context.Context, intentID uuid.UUID) error {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to get intent: %w", err)
	}
	if intent.Status != domain.PaymentStatusPending || intent.IsMatched() {
		return domain.ErrNotCancellable
	}

	now := s.Clock.Now()
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending, LockFreeAt: &now, Unmatched: true},
		domain.IntentPatch{To: domain.PaymentStatusCancelled, ClearLock: true, UpdatedAt: now})
	if err != nil {
		return err
	}
	if !swapped {
		return domain.ErrNotCancellable
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusCancelled)).Inc()
	s.Logger.Info("intent cancelled", "intent_id", intent.ID)

	s.unreserve(ctx, intent, domain.PaymentStatusCancelled)
	return nil
}

// RecoverStuck resolves an intent a worker stopped driving.
// Logic:
//  1. PROCESSING qualifies once its lock expired and it has been processing for StuckTimeout;
//     PARTIALLY_FORWARDED qualifies once its lock is free
//  2. Take a recovery lease and count the attempt
//  3. If the split may have moved funds, re-enter the forward path with the same idempotency keys
//  4. Otherwise revert to PENDING for another attempt, or abandon once the retry ceiling is reached
//
// RetryCount never exceeds MaxRecoveryAttempts.
//
// Returns the resulting status. An intent that does not qualify is returned unchanged.
func (s *StateMachineService) RecoverStuck(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error) {
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}

	// 1. Eligibility
	now := s.Clock.Now()
	switch intent.Status {
	case domain.PaymentStatusProcessing:
		if !intent.LockFree(now) {
			return intent.Status, domain.ErrLockConflict
		}
		if intent.ProcessingSince != nil && now.Before(intent.ProcessingSince.Add(s.Config.StuckTimeout)) {
			return intent.Status, nil
		}
	case domain.PaymentStatusPartiallyForwarded:
		if !intent.LockFree(now) {
			return intent.Status, domain.ErrLockConflict
		}
	default:
		return intent.Status, nil
	}

	// 2. Recovery lease
	token := uuid.New()
	expiry := now.Add(s.Config.LockTTL)
	retries := intent.RetryCount
	if retries < s.Config.MaxRecoveryAttempts {
		retries++
	}
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: intent.Status, LockFreeAt: &now},
		domain.IntentPatch{
			To:            intent.Status,
			LockToken:     &token,
			LockExpiresAt: &expiry,
			RetryCount:    &retries,
			UpdatedAt:     now,
		})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	intent.RetryCount = retries
	intent.LockToken = &token
	lastAttempt := retries >= s.Config.MaxRecoveryAttempts

	log := s.Logger.With("intent_id", intent.ID, "status", intent.Status, "retry_count", retries)
	log.Warn("recovering stuck intent")

	// 3. Forward path
	if intent.IsSplit() {
		moved, err := s.mayHaveMoved(ctx, intent)
		if err != nil {
			s.release(ctx, intent, token)
			return intent.Status, err
		}
		if moved {
			stop := s.heartbeat(ctx, intent.ID, token)
			defer stop()
			return s.settleSplit(ctx, intent.ID, token, lastAttempt)
		}
	}

	// 4. Retry or give up
	if lastAttempt {
		return s.abandon(ctx, intent, token, nil, "no progress after retry ceiling")
	}
	swapped, err = s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusPending, ClearLock: true, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusPending)).Inc()
	log.Info("stuck intent reverted to pending")
	return domain.PaymentStatusPending, nil
}

// mayHaveMoved reports whether any funds of a split intent may have left the middleman wallet
func (s *StateMachineService) mayHaveMoved(ctx context.Context, intent *domain.PaymentIntent) (bool, error) {
	if intent.Status == domain.PaymentStatusPartiallyForwarded || intent.ForwardCommitted {
		return true, nil
	}
	records, err := s.RecordRepo.ListByIntent(ctx, intent.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list forward records: %w", err)
	}
	for _, r := range records {
		if r.MayHaveMoved() {
			return true, nil
		}
	}
	return false, nil
}

func (s *StateMachineService) confirm(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID) (domain.PaymentStatus, error) {
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: intent.Status, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusConfirmed, ClearLock: true, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusConfirmed)).Inc()
	s.Logger.Info("intent confirmed", "intent_id", intent.ID, "reference", intent.Reference)

	if err := s.Inventory.Finalize(ctx, intent.Basket); err != nil {
		s.Logger.Error("failed to finalize confirmed basket", "intent_id", intent.ID, "error", err)
		s.alert(ctx, "finalize_failed", fmt.Sprintf("Payment %s confirmed but goods could not be released: %v", intent.Reference, err))
		s.enqueue(ctx, intent, domain.CompensationKindManualReview, received(intent), "goods not released after confirmation")
	}
	return domain.PaymentStatusConfirmed, nil
}

func (s *StateMachineService) markPartial(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID, outcome *domain.ForwardOutcome) (domain.PaymentStatus, error) {
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusPartiallyForwarded, ClearLock: true, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusPartiallyForwarded)).Inc()
	s.Logger.Warn("intent partially forwarded",
		"intent_id", intent.ID,
		"done", outcome.Done,
		"pending", outcome.Pending,
	)
	s.alert(ctx, "partial_forward", fmt.Sprintf("Payment %s partially forwarded: done %v, pending %v. Goods withheld.",
		intent.Reference, outcome.Done, outcome.Pending))
	return domain.PaymentStatusPartiallyForwarded, nil
}

func (s *StateMachineService) fail(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID) (domain.PaymentStatus, error) {
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusFailed, ClearLock: true, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusFailed)).Inc()
	s.Logger.Error("split forward failed, nothing moved", "intent_id", intent.ID)

	s.unreserve(ctx, intent, domain.PaymentStatusFailed)
	s.enqueue(ctx, intent, domain.CompensationKindRefund, received(intent), "split forward failed before any leg moved")
	s.alert(ctx, "forward_failed", fmt.Sprintf("Payment %s failed to forward. Refund of %s queued.", intent.Reference, received(intent).String()))
	return domain.PaymentStatusFailed, nil
}

// abandon moves an intent to ABANDONED. Only the worker whose swap succeeds queues the
// compensation and raises the alert.
func (s *StateMachineService) abandon(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID, outcome *domain.ForwardOutcome, reason string) (domain.PaymentStatus, error) {
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: intent.Status, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusAbandoned, ClearLock: true, RetryCount: &intent.RetryCount, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusAbandoned)).Inc()
	s.Logger.Error("intent abandoned",
		"intent_id", intent.ID,
		"retry_count", intent.RetryCount,
		"error", domain.ErrMaxRetriesExceeded,
		"reason", reason,
	)

	kind, owed, reason := s.compensationFor(ctx, intent, outcome, reason)
	s.enqueue(ctx, intent, kind, owed, reason)
	s.alert(ctx, "abandoned", fmt.Sprintf("Payment %s abandoned after %d attempts (%s). %s of %s queued.",
		intent.Reference, intent.RetryCount, reason, kind, owed.String()))
	return domain.PaymentStatusAbandoned, nil
}

// compensationFor decides what an abandoned intent owes the buyer.
// Confirmed legs are subtracted from the refund. A leg still sent may yet land, so its
// amount is never refunded and the intent goes to manual review instead.
func (s *StateMachineService) compensationFor(ctx context.Context, intent *domain.PaymentIntent, outcome *domain.ForwardOutcome, reason string) (domain.CompensationKind, decimal.Decimal, string) {
	var records []*domain.ForwardRecord
	if outcome != nil {
		records = outcome.Records
	} else if intent.IsSplit() {
		var err error
		if records, err = s.RecordRepo.ListByIntent(ctx, intent.ID); err != nil {
			s.Logger.Warn("failed to list forward records for compensation", "intent_id", intent.ID, "error", err)
			return domain.CompensationKindManualReview, received(intent), reason + "; forward records unavailable"
		}
	}

	confirmed, inFlight := decimal.Zero, decimal.Zero
	for _, r := range records {
		switch r.Status {
		case domain.ForwardStatusConfirmed:
			confirmed = confirmed.Add(r.Amount)
		case domain.ForwardStatusSent:
			inFlight = inFlight.Add(r.Amount)
		}
	}

	owed := received(intent).Sub(confirmed).Sub(inFlight)
	if owed.IsNegative() {
		owed = decimal.Zero
	}
	switch {
	case inFlight.IsPositive():
		return domain.CompensationKindManualReview, owed,
			fmt.Sprintf("%s; %s still in flight, excluded from amount", reason, inFlight.String())
	case confirmed.IsPositive():
		return domain.CompensationKindRefund, owed, reason
	}
	return domain.CompensationKindManualReview, owed, reason
}

// retryLater returns a paid PROCESSING intent to PENDING so the sweep resumes it,
// counting the attempt. At the ceiling it is abandoned instead.
func (s *StateMachineService) retryLater(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID, cause error) (domain.PaymentStatus, error) {
	retries := intent.RetryCount
	if retries < s.Config.MaxRecoveryAttempts {
		retries++
	}
	if retries >= s.Config.MaxRecoveryAttempts {
		intent.RetryCount = retries
		return s.abandon(ctx, intent, token, nil, fmt.Sprintf("ledger unreachable: %v", cause))
	}

	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing, LockToken: &token},
		domain.IntentPatch{To: domain.PaymentStatusPending, ClearLock: true, RetryCount: &retries, UpdatedAt: s.Clock.Now()})
	if err != nil {
		return intent.Status, err
	}
	if !swapped {
		return s.lostRace(ctx, intent.ID)
	}
	metrics.Transitions.WithLabelValues(string(domain.PaymentStatusPending)).Inc()
	s.Logger.Warn("split forward deferred, intent back to pending",
		"intent_id", intent.ID,
		"retry_count", retries,
		"error", cause,
	)
	return domain.PaymentStatusPending, nil
}

// unreserve releases the reservation of an intent that just reached a terminal status.
// Nothing revisits a terminal intent, so a release that keeps failing goes to operations.
func (s *StateMachineService) unreserve(ctx context.Context, intent *domain.PaymentIntent, status domain.PaymentStatus) {
	err := s.InventoryRetry.Do(ctx, func(ctx context.Context) error {
		return s.Inventory.Unreserve(ctx, intent.Basket)
	})
	if err == nil {
		return
	}
	s.Logger.Error("failed to unreserve basket", "intent_id", intent.ID, "status", status, "error", err)
	s.enqueue(ctx, intent, domain.CompensationKindManualReview, received(intent),
		fmt.Sprintf("reservation still held after %s", status))
	s.alert(ctx, "unreserve_failed", fmt.Sprintf("Payment %s is %s but its reservation could not be released: %v",
		intent.Reference, status, err))
}

// release drops the lock without changing status
func (s *StateMachineService) release(ctx context.Context, intent *domain.PaymentIntent, token uuid.UUID) {
	current, err := s.IntentRepo.GetByID(ctx, intent.ID)
	if err != nil || current.Status.IsTerminal() {
		return
	}
	if _, err := s.IntentRepo.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: current.Status, LockToken: &token},
		domain.IntentPatch{To: current.Status, ClearLock: true, UpdatedAt: s.Clock.Now()}); err != nil {
		s.Logger.Warn("failed to release intent lock", "intent_id", intent.ID, "error", err)
	}
}

// heartbeat renews the lock every third of its TTL until the returned stop is called
// or the lock is lost
func (s *StateMachineService) heartbeat(ctx context.Context, intentID uuid.UUID, token uuid.UUID) func() {
	interval := s.Config.LockTTL / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.renew(ctx, intentID, token) {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *StateMachineService) renew(ctx context.Context, intentID uuid.UUID, token uuid.UUID) bool {
	current, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		s.Logger.Warn("failed to read intent for lock renewal", "intent_id", intentID, "error", err)
		return true
	}
	if current.Status.IsTerminal() || current.LockToken == nil || *current.LockToken != token {
		return false
	}
	expiry := s.Clock.Now().Add(s.Config.LockTTL)
	swapped, err := s.IntentRepo.CompareAndSwap(ctx, intentID,
		domain.SwapCondition{From: current.Status, LockToken: &token},
		domain.IntentPatch{To: current.Status, LockExpiresAt: &expiry, UpdatedAt: s.Clock.Now()})
	if err != nil {
		s.Logger.Warn("failed to renew intent lock", "intent_id", intentID, "error", err)
		return true
	}
	return swapped
}

// lostRace classifies a failed swap by rereading the intent
func (s *StateMachineService) lostRace(ctx context.Context, intentID uuid.UUID) (domain.PaymentStatus, error) {
	current, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("failed to get intent: %w", err)
	}
	return current.Status, classifyBusy(current)
}

func classifyBusy(intent *domain.PaymentIntent) error {
	switch intent.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusProcessing, domain.PaymentStatusPartiallyForwarded:
		return domain.ErrLockConflict
	}
	return domain.ErrAlreadyProcessed
}

func (s *StateMachineService) enqueue(ctx context.Context, intent *domain.PaymentIntent, kind domain.CompensationKind, amount decimal.Decimal, reason string) {
	c := &domain.Compensation{
		IntentID:  intent.ID,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		Status:    domain.CompensationStatusQueued,
		CreatedAt: s.Clock.Now(),
	}
	queued, err := s.CompensationRepo.Enqueue(ctx, c)
	if err != nil {
		s.Logger.Error("failed to queue compensation", "intent_id", intent.ID, "kind", kind, "error", err)
		return
	}
	if queued {
		s.Logger.Info("compensation queued", "intent_id", intent.ID, "kind", kind, "amount", amount.String())
	}
}

func (s *StateMachineService) alert(ctx context.Context, kind, message string) {
	metrics.Alerts.WithLabelValues(kind).Inc()
	if err := s.Notifier.Notify(ctx, message); err != nil {
		s.Logger.Warn("failed to send admin alert", "kind", kind, "error", err)
	}
}

func received(intent *domain.PaymentIntent) decimal.Decimal {
	if intent.ReceivedAmount == nil {
		return decimal.Zero
	}
	return *intent.ReceivedAmount
}
