package forwarder

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
	"github.com/simaogato/payrecon-backend/internal/usecase/allocator"
)

// BalanceReader reads the live balance of a wallet
type BalanceReader interface {
	ReadBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// Config holds the forwarding knobs
type Config struct {
	NetworkFee     decimal.Decimal // per-transaction fee the middleman wallet must cover on top of the leg
	LockWait       time.Duration   // how long to poll for the global forward lock
	LockPoll       time.Duration
	ConfirmTimeout time.Duration // how long to poll the ledger for a broadcast leg
	ConfirmPoll    time.Duration
	ResendAfter    time.Duration // a sent leg the ledger never saw is resent after this long
}

// DefaultConfig returns the production forwarding settings
func DefaultConfig() Config {
	return Config{
		NetworkFee:     decimal.RequireFromString("0.000005"),
		LockWait:       10 * time.Second,
		LockPoll:       100 * time.Millisecond,
		ConfirmTimeout: 60 * time.Second,
		ConfirmPoll:    2 * time.Second,
		ResendAfter:    3 * time.Minute,
	}
}

// ForwarderService moves split payments from the middleman wallet to the payees
type ForwarderService struct {
	IntentRepo domain.PaymentIntentRepository
	RecordRepo domain.ForwardRecordRepository
	Lock       domain.ForwardLock
	Balances   BalanceReader
	Sender     domain.TransferSender
	Ledger     domain.Ledger
	Clock      domain.Clock
	Config     Config
	Logger     *slog.Logger

	// Retry covers the balance read and transfer preparation. Only network errors are retried.
	Retry backoff.Policy

	// Sleep waits between lock polls, confirmation polls and retries. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry retries transient ledger errors three times, 500ms up to 4s apart
func DefaultRetry() backoff.Policy {
	return backoff.Policy{
		Retries:   3,
		Base:      500 * time.Millisecond,
		Max:       4 * time.Second,
		Retryable: isNetwork,
	}
}

func isNetwork(err error) bool {
	return errors.Is(err, domain.ErrNetwork)
}

// NewForwarderService creates a new ForwarderService instance
func NewForwarderService(
	intentRepo domain.PaymentIntentRepository,
	recordRepo domain.ForwardRecordRepository,
	lock domain.ForwardLock,
	balances BalanceReader,
	sender domain.TransferSender,
	ledger domain.Ledger,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *ForwarderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwarderService{
		IntentRepo: intentRepo,
		RecordRepo: recordRepo,
		Lock:       lock,
		Balances:   balances,
		Sender:     sender,
		Ledger:     ledger,
		Clock:      clock,
		Config:     cfg,
		Logger:     logger,
		Retry:      DefaultRetry(),
		Sleep:      timerSleep,
	}
}

// Forward sends both legs of a split intent and reports what got through.
// Logic:
//  1. Take the global forward lock, polling for at most LockWait
//  2. Reload the intent and compute the leg amounts from the received amount
//  3. For each leg: skip it if confirmed, resolve it if a previous attempt left it sent,
//     otherwise re-read the live balance and send it
//  4. Classify: SUCCESS when every leg is confirmed, FAILED when no leg may have moved,
//     PARTIAL otherwise
//
// Returns domain.ErrForwardLockBusy if the lock could not be taken in time, and an error
// wrapping domain.ErrNetwork when nothing moved only because the ledger stayed unreachable.
func (s *ForwarderService) Forward(ctx context.Context, intentID uuid.UUID) (*domain.ForwardOutcome, error) {
	started := time.Now()
	defer func() { metrics.ForwardDuration.Observe(time.Since(started).Seconds()) }()

	// 1. Global forward lock
	release, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// 2. Fresh intent and leg amounts
	intent, err := s.IntentRepo.GetByID(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload intent: %w", err)
	}
	if !intent.IsSplit() {
		return nil, errors.New("intent is not a split intent")
	}
	if intent.ReceivedAmount == nil {
		return nil, errors.New("intent has no received amount to forward")
	}
	amounts, err := allocator.CalculateSplit(*intent.ReceivedAmount, intent.Destination.Split)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate split: %w", err)
	}

	// 3. Legs
	outcome := &domain.ForwardOutcome{}
	var unreachable error
	for _, leg := range domain.ForwardLegs {
		done, err := s.forwardLeg(ctx, intent, leg, amounts[leg])
		if err != nil && !errors.Is(err, domain.ErrNetwork) {
			return nil, err
		}
		if err != nil {
			unreachable = err
		}
		if done {
			outcome.Done = append(outcome.Done, leg)
		} else {
			outcome.Pending = append(outcome.Pending, leg)
		}
	}

	// 4. Classify
	records, err := s.RecordRepo.ListByIntent(ctx, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list forward records: %w", err)
	}
	outcome.Records = records
	outcome.Result = classify(outcome)
	if outcome.Result == domain.ForwardResultFailed && unreachable != nil {
		return nil, fmt.Errorf("split forward deferred: %w", unreachable)
	}

	s.Logger.Info("split forward finished",
		"intent_id", intent.ID,
		"result", outcome.Result,
		"done", outcome.Done,
		"pending", outcome.Pending,
	)
	return outcome, nil
}

func classify(outcome *domain.ForwardOutcome) domain.ForwardResult {
	if len(outcome.Pending) == 0 {
		return domain.ForwardResultSuccess
	}
	for _, r := range outcome.Records {
		if r.MayHaveMoved() {
			return domain.ForwardResultPartial
		}
	}
	return domain.ForwardResultFailed
}

// forwardLeg drives a single leg. It returns true once the leg is confirmed.
// Store failures are returned. A ledger that stays unreachable before anything is signed
// returns an error wrapping domain.ErrNetwork; other ledger trouble only leaves the leg pending.
func (s *ForwarderService) forwardLeg(ctx context.Context, intent *domain.PaymentIntent, leg domain.ForwardLeg, amount decimal.Decimal) (bool, error) {
	log := s.Logger.With("intent_id", intent.ID, "leg", leg)

	// Rounding can leave nothing for a leg
	if !amount.IsPositive() {
		return true, nil
	}

	record, err := s.ensureRecord(ctx, intent, leg, amount)
	if err != nil {
		return false, err
	}

	switch record.Status {
	case domain.ForwardStatusConfirmed:
		return true, nil
	case domain.ForwardStatusSent:
		confirmed, resend, err := s.resolveSent(ctx, intent, record)
		if err != nil {
			return false, err
		}
		if confirmed {
			return true, nil
		}
		if !resend {
			log.Info("forward leg is still in flight", "signature", deref(record.Signature))
			return false, nil
		}
	}

	return s.send(ctx, intent, record)
}

func (s *ForwarderService) ensureRecord(ctx context.Context, intent *domain.PaymentIntent, leg domain.ForwardLeg, amount decimal.Decimal) (*domain.ForwardRecord, error) {
	record, err := s.RecordRepo.Get(ctx, intent.ID, leg)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, domain.ErrForwardRecordNotFound) {
		return nil, fmt.Errorf("failed to get forward record: %w", err)
	}

	record = &domain.ForwardRecord{
		IntentID:          intent.ID,
		Leg:               leg,
		IdempotencyKey:    domain.ForwardIdempotencyKey(intent.ID, leg),
		DestinationWallet: allocator.LegDestination(intent.Destination.Split, leg),
		Amount:            amount,
		Status:            domain.ForwardStatusPending,
		UpdatedAt:         s.Clock.Now(),
	}
	if err := s.RecordRepo.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrForwardRecordExists) {
			return s.RecordRepo.Get(ctx, intent.ID, leg)
		}
		return nil, fmt.Errorf("failed to create forward record: %w", err)
	}
	return record, nil
}

// resolveSent asks the ledger what happened to a leg that was marked sent by an earlier attempt.
// Returns confirmed when the ledger has it, resend when it is safe to send again.
func (s *ForwarderService) resolveSent(ctx context.Context, intent *domain.PaymentIntent, record *domain.ForwardRecord) (confirmed, resend bool, err error) {
	log := s.Logger.With("intent_id", intent.ID, "leg", record.Leg)
	if record.Signature == nil {
		// Marked sent without a signature cannot happen through this service; treat as never sent
		return false, true, nil
	}

	status, err := s.Ledger.GetSignatureStatus(ctx, *record.Signature)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("get_signature_status").Inc()
		log.Warn("failed to resolve sent forward leg", "signature", *record.Signature, "error", err)
		return false, false, nil
	}

	switch status {
	case domain.SignatureStatusConfirmed:
		if err := s.markConfirmed(ctx, intent, record); err != nil {
			return false, false, err
		}
		return true, false, nil
	case domain.SignatureStatusFailed:
		log.Warn("sent forward leg failed on ledger, resending", "signature", *record.Signature)
		return false, true, s.markFailed(ctx, record)
	case domain.SignatureStatusUnknown:
		if record.SentAt != nil && s.Clock.Now().Sub(*record.SentAt) >= s.Config.ResendAfter {
			log.Warn("sent forward leg never reached ledger, resending", "signature", *record.Signature)
			return false, true, s.markFailed(ctx, record)
		}
	}
	return false, false, nil
}

// send re-reads the live balance, records the signature, broadcasts and waits for confirmation
func (s *ForwarderService) send(ctx context.Context, intent *domain.PaymentIntent, record *domain.ForwardRecord) (bool, error) {
	log := s.Logger.With("intent_id", intent.ID, "leg", record.Leg)
	middleman := intent.Destination.Split.MiddlemanWallet

	// Live balance, never a value from an earlier leg
	var balance decimal.Decimal
	err := s.retry().Do(ctx, func(ctx context.Context) error {
		var err error
		balance, err = s.Balances.ReadBalance(ctx, middleman)
		return err
	})
	if err != nil {
		log.Warn("aborting forward leg, balance unavailable", "error", err)
		return false, unreachableOrNil(err)
	}
	needed := record.Amount.Add(s.Config.NetworkFee)
	if balance.LessThan(needed) {
		log.Warn("aborting forward leg",
			"error", domain.ErrInsufficientBalance,
			"balance", balance.String(),
			"needed", needed.String(),
		)
		return false, nil
	}

	var prepared *domain.PreparedTransfer
	err = s.retry().Do(ctx, func(ctx context.Context) error {
		var err error
		prepared, err = s.Sender.Prepare(ctx, record.DestinationWallet, record.Amount)
		return err
	})
	if err != nil {
		log.Warn("failed to prepare forward transfer", "error", err)
		return false, unreachableOrNil(err)
	}

	// Record the signature before anything can move
	sig := prepared.Signature
	if err := s.RecordRepo.UpdateStatus(ctx, record.IdempotencyKey, domain.ForwardStatusSent, &sig, s.Clock.Now()); err != nil {
		return false, fmt.Errorf("failed to mark forward leg sent: %w", err)
	}
	record.Status = domain.ForwardStatusSent
	record.Signature = &sig

	if err := s.Sender.Broadcast(ctx, prepared); err != nil {
		if errors.Is(err, domain.ErrTransferRejected) {
			log.Warn("forward transfer rejected", "signature", sig, "error", err)
			return false, s.markFailed(ctx, record)
		}
		// The transfer may still land; leave it sent for the next attempt to resolve
		metrics.LedgerErrors.WithLabelValues("broadcast").Inc()
		log.Warn("forward broadcast outcome unknown", "signature", sig, "error", err)
		return false, nil
	}

	status := s.awaitConfirmation(ctx, sig)
	switch status {
	case domain.SignatureStatusConfirmed:
		if err := s.markConfirmed(ctx, intent, record); err != nil {
			return false, err
		}
		log.Info("forward leg confirmed", "signature", sig, "amount", record.Amount.String())
		return true, nil
	case domain.SignatureStatusFailed:
		log.Warn("forward transfer failed on ledger", "signature", sig)
		return false, s.markFailed(ctx, record)
	}
	log.Warn("forward leg not confirmed in time", "signature", sig)
	return false, nil
}

func (s *ForwarderService) awaitConfirmation(ctx context.Context, signature string) domain.SignatureStatus {
	attempts := pollAttempts(s.Config.ConfirmTimeout, s.Config.ConfirmPoll)
	last := domain.SignatureStatusUnknown
	for i := 0; i < attempts; i++ {
		status, err := s.Ledger.GetSignatureStatus(ctx, signature)
		if err == nil {
			last = status
			if status == domain.SignatureStatusConfirmed || status == domain.SignatureStatusFailed {
				return status
			}
		} else {
			metrics.LedgerErrors.WithLabelValues("get_signature_status").Inc()
		}
		if i < attempts-1 {
			if err := s.sleep(ctx, s.Config.ConfirmPoll); err != nil {
				break
			}
		}
	}
	return last
}

func (s *ForwarderService) markConfirmed(ctx context.Context, intent *domain.PaymentIntent, record *domain.ForwardRecord) error {
	if err := s.RecordRepo.UpdateStatus(ctx, record.IdempotencyKey, domain.ForwardStatusConfirmed, nil, s.Clock.Now()); err != nil && !errors.Is(err, domain.ErrForwardConfirmed) {
		return fmt.Errorf("failed to mark forward leg confirmed: %w", err)
	}
	record.Status = domain.ForwardStatusConfirmed
	metrics.ForwardLegs.WithLabelValues(string(record.Leg), string(domain.ForwardStatusConfirmed)).Inc()

	if !intent.ForwardCommitted {
		if err := s.IntentRepo.SetForwardCommitted(ctx, intent.ID); err != nil {
			return fmt.Errorf("failed to set forward committed: %w", err)
		}
		intent.ForwardCommitted = true
	}
	return nil
}

func (s *ForwarderService) markFailed(ctx context.Context, record *domain.ForwardRecord) error {
	if err := s.RecordRepo.UpdateStatus(ctx, record.IdempotencyKey, domain.ForwardStatusFailed, nil, s.Clock.Now()); err != nil {
		return fmt.Errorf("failed to mark forward leg failed: %w", err)
	}
	record.Status = domain.ForwardStatusFailed
	metrics.ForwardLegs.WithLabelValues(string(record.Leg), string(domain.ForwardStatusFailed)).Inc()
	return nil
}

func (s *ForwarderService) acquireLock(ctx context.Context) (func(), error) {
	attempts := pollAttempts(s.Config.LockWait, s.Config.LockPoll)
	for i := 0; i < attempts; i++ {
		release, ok, err := s.Lock.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire forward lock: %w", err)
		}
		if ok {
			return release, nil
		}
		if i < attempts-1 {
			if err := s.sleep(ctx, s.Config.LockPoll); err != nil {
				return nil, err
			}
		}
	}
	return nil, domain.ErrForwardLockBusy
}

func (s *ForwarderService) retry() backoff.Policy {
	p := s.Retry
	if p.Sleep == nil {
		p.Sleep = s.sleep
	}
	return p
}

// unreachableOrNil keeps network errors so Forward can tell an outage from a refusal
func unreachableOrNil(err error) error {
	if isNetwork(err) {
		return err
	}
	return nil
}

func (s *ForwarderService) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep == nil {
		return timerSleep(ctx, d)
	}
	return s.Sleep(ctx, d)
}

func pollAttempts(total, every time.Duration) int {
	if every <= 0 || total <= every {
		return 1
	}
	return int(total/every) + 1
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
