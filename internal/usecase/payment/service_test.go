package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/adapter/ledgersim"
	"github.com/simaogato/payrecon-backend/internal/adapter/repository/memory"
	"github.com/simaogato/payrecon-backend/internal/clock"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/balance"
	"github.com/simaogato/payrecon-backend/internal/usecase/forwarder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockForwarder is a mock implementation of Forwarder
type MockForwarder struct {
	mock.Mock
}

func (m *MockForwarder) Forward(ctx context.Context, intentID uuid.UUID) (*domain.ForwardOutcome, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ForwardOutcome), args.Error(1)
}

// MockNotifier is a mock implementation of domain.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, message string) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

// MockInventory is a mock implementation of domain.Inventory
type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) Reserve(ctx context.Context, items []domain.LineItem) (*domain.BasketSnapshot, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BasketSnapshot), args.Error(1)
}

func (m *MockInventory) Unreserve(ctx context.Context, snapshot domain.BasketSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockInventory) Finalize(ctx context.Context, snapshot domain.BasketSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	intents       domain.PaymentIntentRepository
	records       domain.ForwardRecordRepository
	compensations domain.CompensationRepository
	inventory     *memory.Inventory
	forwarder     *MockForwarder
	notifier      *MockNotifier
	clock         *clock.Fake
	machine       *StateMachineService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		intents:       memory.NewPaymentIntentRepository(),
		records:       memory.NewForwardRecordRepository(),
		compensations: memory.NewCompensationRepository(),
		inventory:     memory.NewInventory(map[string]int{"p1": 10}),
		forwarder:     new(MockForwarder),
		notifier:      new(MockNotifier),
		clock:         clock.NewFake(start),
	}
	h.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	h.machine = NewStateMachineService(h.intents, h.records, h.compensations, h.inventory, h.forwarder, h.notifier, h.clock, DefaultConfig(), nil)
	h.machine.InventoryRetry.Sleep = noSleep
	return h
}

func noSleep(context.Context, time.Duration) error { return nil }

// flakyLedger fails the first failures balance reads, then reads through
type flakyLedger struct {
	*ledgersim.Ledger
	failures int
	calls    int
}

func (l *flakyLedger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	l.calls++
	if l.calls <= l.failures {
		return decimal.Zero, errors.New("rpc timeout")
	}
	return l.Ledger.GetBalance(ctx, address)
}

// useLedger wires a real forwarder over chain in place of the mock
func (h *harness) useLedger(chain domain.Ledger, sender domain.TransferSender) {
	fee := decimal.RequireFromString("0.000005")
	guard := balance.NewGuardService(chain, h.notifier, h.clock, time.Hour, nil)
	fwd := forwarder.NewForwarderService(h.intents, h.records, memory.NewForwardLock(), guard, sender, chain, h.clock,
		forwarder.Config{NetworkFee: fee, ResendAfter: time.Minute}, nil)
	fwd.Sleep = noSleep
	h.machine.Forwarder = fwd
}

func (h *harness) newIntent(t *testing.T, split bool) *domain.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	snapshot, err := h.inventory.Reserve(ctx, []domain.LineItem{
		{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(100), Payout: domain.PayoutTargetWallet1},
	})
	require.NoError(t, err)

	now := h.clock.Now()
	intent := &domain.PaymentIntent{
		ID:             uuid.New(),
		Reference:      "SOL_1_1740823200_abcdef",
		CustomerID:     "1",
		Basket:         *snapshot,
		RequiredAmount: decimal.RequireFromString(nextAmount()),
		Tolerance:      decimal.RequireFromString("0.001"),
		Destination:    domain.Destination{Kind: domain.DestinationKindDirect, Wallet: "W1"},
		Status:         domain.PaymentStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(20 * time.Minute),
		UpdatedAt:      now,
	}
	if split {
		intent.Destination = domain.Destination{
			Kind: domain.DestinationKindSplit,
			Split: &domain.SplitConfig{
				MiddlemanWallet: "MIDDLEMAN",
				FirstWallet:     "W1",
				SecondWallet:    "W2",
				FirstPercent:    decimal.NewFromInt(20),
				SecondPercent:   decimal.NewFromInt(80),
				FixedFee:        decimal.RequireFromString("0.00001"),
				SafetyMargin:    decimal.RequireFromString("0.00001"),
			},
		}
	}
	require.NoError(t, h.intents.Create(ctx, intent))
	return intent
}

var (
	amountSeq int64
	amountMu  sync.Mutex
)

func nextAmount() string {
	amountMu.Lock()
	defer amountMu.Unlock()
	amountSeq++
	return decimal.NewFromInt(1).Add(decimal.New(amountSeq, -6)).String()
}

func transferFor(intent *domain.PaymentIntent, at time.Time) domain.Transfer {
	return domain.Transfer{
		Signature: "sig-" + intent.ID.String(),
		From:      "BUYER",
		To:        intent.Destination.Address(),
		Amount:    intent.RequiredAmount,
		Timestamp: &at,
	}
}

func (h *harness) get(t *testing.T, id uuid.UUID) *domain.PaymentIntent {
	t.Helper()
	intent, err := h.intents.GetByID(context.Background(), id)
	require.NoError(t, err)
	return intent
}

// stall simulates a worker that claimed the intent and crashed before finishing
func (h *harness) stall(t *testing.T, id uuid.UUID) {
	t.Helper()
	intent := h.get(t, id)
	past := h.clock.Now().Add(-time.Hour)
	token := uuid.New()
	sig := "sig-" + id.String()
	amount := intent.RequiredAmount
	swapped, err := h.intents.CompareAndSwap(context.Background(), id,
		domain.SwapCondition{From: domain.PaymentStatusPending},
		domain.IntentPatch{
			To:               domain.PaymentStatusProcessing,
			LockToken:        &token,
			LockExpiresAt:    &past,
			ProcessingSince:  &past,
			MatchedSignature: &sig,
			ReceivedAmount:   &amount,
		})
	require.NoError(t, err)
	require.True(t, swapped)
}

func TestTryAcquireAndProcess_DirectConfirms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)

	stored := h.get(t, intent.ID)
	assert.Equal(t, domain.PaymentStatusConfirmed, stored.Status)
	assert.Nil(t, stored.LockToken)
	require.NotNil(t, stored.MatchedSignature)
	assert.Equal(t, "sig-"+intent.ID.String(), *stored.MatchedSignature)

	_, reserved, sold := h.inventory.Levels("p1")
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 1, sold)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestTryAcquireAndProcess_RejectsUnverifiableTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)

	transfer := transferFor(intent, start)
	transfer.Timestamp = nil

	_, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transfer)
	assert.ErrorIs(t, err, domain.ErrTimestampMissing)
	assert.Equal(t, domain.PaymentStatusPending, h.get(t, intent.ID).Status)
}

func TestTryAcquireAndProcess_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)
	transfer := transferFor(intent, start.Add(time.Minute))

	const workers = 20
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.machine.TryAcquireAndProcess(ctx, intent.ID, transfer)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrLockConflict) || errors.Is(err, domain.ErrAlreadyProcessed), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, winners)
	_, _, sold := h.inventory.Levels("p1")
	assert.Equal(t, 1, sold)
}

func TestExpireIfPending_RacesWithClaim(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		// Overdue but the transfer is still inside the grace window
		h.clock.Set(intent.ExpiresAt.Add(time.Minute))
		transfer := transferFor(intent, intent.ExpiresAt.Add(-time.Minute))

		var (
			wg       sync.WaitGroup
			expired  bool
			claimErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			expired, _ = h.machine.ExpireIfPending(ctx, intent.ID)
		}()
		go func() {
			defer wg.Done()
			_, claimErr = h.machine.TryAcquireAndProcess(ctx, intent.ID, transfer)
		}()
		wg.Wait()

		available, reserved, sold := h.inventory.Levels("p1")
		final := h.get(t, intent.ID).Status
		if expired {
			assert.ErrorIs(t, claimErr, domain.ErrAlreadyProcessed)
			assert.Equal(t, domain.PaymentStatusExpired, final)
			assert.Equal(t, 10, available)
			assert.Equal(t, 0, sold)
		} else {
			require.NoError(t, claimErr)
			assert.Equal(t, domain.PaymentStatusConfirmed, final)
			assert.Equal(t, 9, available)
			assert.Equal(t, 1, sold)
		}
		assert.Equal(t, 0, reserved)
	}
}

func TestExpireIfPending(t *testing.T) {
	ctx := context.Background()

	t.Run("not yet due", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)

		expired, err := h.machine.ExpireIfPending(ctx, intent.ID)
		require.NoError(t, err)
		assert.False(t, expired)
	})

	t.Run("overdue is expired and released", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		h.clock.Advance(21 * time.Minute)

		expired, err := h.machine.ExpireIfPending(ctx, intent.ID)
		require.NoError(t, err)
		assert.True(t, expired)
		available, reserved, _ := h.inventory.Levels("p1")
		assert.Equal(t, 10, available)
		assert.Equal(t, 0, reserved)

		// Second sweep is a no-op and releases nothing twice
		expired, err = h.machine.ExpireIfPending(ctx, intent.ID)
		require.NoError(t, err)
		assert.False(t, expired)
	})

	t.Run("paid intent waiting for retry is never expired", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		h.stall(t, intent.ID)
		h.clock.Advance(21 * time.Minute)
		status, err := h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusPending, status)

		expired, err := h.machine.ExpireIfPending(ctx, intent.ID)
		require.NoError(t, err)
		assert.False(t, expired)
		_, reserved, _ := h.inventory.Levels("p1")
		assert.Equal(t, 1, reserved)
	})
}

func TestCompleteSplit_PartialWithholdsGoods(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result:  domain.ForwardResultPartial,
		Done:    []domain.ForwardLeg{domain.ForwardLegFirst},
		Pending: []domain.ForwardLeg{domain.ForwardLegSecond},
	}, nil).Once()

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyForwarded, status)

	_, reserved, sold := h.inventory.Levels("p1")
	assert.Equal(t, 1, reserved)
	assert.Equal(t, 0, sold)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.Nil(t, h.get(t, intent.ID).LockToken)

	// Recovery finishes the forward and only then releases the goods
	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result: domain.ForwardResultSuccess,
		Done:   []domain.ForwardLeg{domain.ForwardLegFirst, domain.ForwardLegSecond},
	}, nil).Once()

	status, err = h.machine.RecoverStuck(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)
	_, _, sold = h.inventory.Levels("p1")
	assert.Equal(t, 1, sold)
}

func TestCompleteSplit_FailedReleasesAndRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result:  domain.ForwardResultFailed,
		Pending: []domain.ForwardLeg{domain.ForwardLegFirst, domain.ForwardLegSecond},
	}, nil)

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, status)

	available, reserved, _ := h.inventory.Levels("p1")
	assert.Equal(t, 10, available)
	assert.Equal(t, 0, reserved)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindRefund, queued[0].Kind)
	assert.True(t, queued[0].Amount.Equal(intent.RequiredAmount))
}

func TestCompleteSplit_ForwardLockBusyKeepsProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(nil, domain.ErrForwardLockBusy)

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	assert.ErrorIs(t, err, domain.ErrForwardLockBusy)
	assert.Equal(t, domain.PaymentStatusProcessing, status)

	stored := h.get(t, intent.ID)
	assert.Equal(t, domain.PaymentStatusProcessing, stored.Status)
	assert.Nil(t, stored.LockToken)
}

func TestSplitIntent_SecondLegShortfallEndsPartiallyForwarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	fee := decimal.RequireFromString("0.000005")
	chain := ledgersim.New("MIDDLEMAN", fee)
	// Enough for the first leg only
	chain.SetBalance("MIDDLEMAN", decimal.RequireFromString("0.5"))
	guard := balance.NewGuardService(chain, h.notifier, h.clock, time.Hour, nil)
	fwd := forwarder.NewForwarderService(h.intents, h.records, memory.NewForwardLock(), guard, chain, chain, h.clock,
		forwarder.Config{NetworkFee: fee, ResendAfter: time.Minute}, nil)
	h.machine.Forwarder = fwd

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyForwarded, status)

	stored := h.get(t, intent.ID)
	assert.True(t, stored.ForwardCommitted)
	_, _, sold := h.inventory.Levels("p1")
	assert.Equal(t, 0, sold)
	assert.Len(t, chain.Broadcasts(), 1)
}

func TestRecoverStuck_AbandonsAfterCeilingWithOneAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)

	var (
		status domain.PaymentStatus
		err    error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		h.stall(t, intent.ID)
		status, err = h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
		if attempt < 5 {
			require.Equal(t, domain.PaymentStatusPending, status, "attempt %d", attempt)
		}
	}

	assert.Equal(t, domain.PaymentStatusAbandoned, status)
	stored := h.get(t, intent.ID)
	assert.Equal(t, 5, stored.RetryCount)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindManualReview, queued[0].Kind)

	// Reservation stays held for whoever resolves the compensation
	_, reserved, _ := h.inventory.Levels("p1")
	assert.Equal(t, 1, reserved)
}

func TestRecoverStuck_Eligibility(t *testing.T) {
	ctx := context.Background()

	t.Run("held lock is a conflict", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, true)
		h.forwarder.On("Forward", mock.Anything, intent.ID).Return(nil, errors.New("boom")).Maybe()
		token := uuid.New()
		future := h.clock.Now().Add(time.Minute)
		_, err := h.intents.CompareAndSwap(ctx, intent.ID,
			domain.SwapCondition{From: domain.PaymentStatusPending},
			domain.IntentPatch{To: domain.PaymentStatusProcessing, LockToken: &token, LockExpiresAt: &future})
		require.NoError(t, err)

		_, err = h.machine.RecoverStuck(ctx, intent.ID)
		assert.ErrorIs(t, err, domain.ErrLockConflict)
	})

	t.Run("recently claimed is left alone", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		now := h.clock.Now()
		_, err := h.intents.CompareAndSwap(ctx, intent.ID,
			domain.SwapCondition{From: domain.PaymentStatusPending},
			domain.IntentPatch{To: domain.PaymentStatusProcessing, ProcessingSince: &now})
		require.NoError(t, err)

		status, err := h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusProcessing, status)
		assert.Equal(t, 0, h.get(t, intent.ID).RetryCount)
	})

	t.Run("terminal is left alone", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		require.NoError(t, h.machine.Cancel(ctx, intent.ID))

		status, err := h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusCancelled, status)
	})
}

func TestRecoverStuck_DanglingLegReentersForward(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)
	h.stall(t, intent.ID)
	require.NoError(t, h.intents.SetForwardCommitted(ctx, intent.ID))

	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result: domain.ForwardResultSuccess,
		Done:   []domain.ForwardLeg{domain.ForwardLegFirst, domain.ForwardLegSecond},
	}, nil).Once()

	status, err := h.machine.RecoverStuck(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)
	h.forwarder.AssertExpectations(t)
}

func TestRecoverStuck_PartialAtCeilingQueuesRefundOfRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)
	received := decimal.NewFromInt(1)
	sig := "sig-partial"
	past := h.clock.Now().Add(-time.Hour)
	_, err := h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending},
		domain.IntentPatch{To: domain.PaymentStatusProcessing, MatchedSignature: &sig, ReceivedAmount: &received, ProcessingSince: &past})
	require.NoError(t, err)
	_, err = h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing},
		domain.IntentPatch{To: domain.PaymentStatusPartiallyForwarded})
	require.NoError(t, err)

	legSig := "leg-1"
	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result:  domain.ForwardResultPartial,
		Done:    []domain.ForwardLeg{domain.ForwardLegFirst},
		Pending: []domain.ForwardLeg{domain.ForwardLegSecond},
		Records: []*domain.ForwardRecord{
			{Leg: domain.ForwardLegFirst, Status: domain.ForwardStatusConfirmed, Amount: decimal.RequireFromString("0.199996"), Signature: &legSig},
			{Leg: domain.ForwardLegSecond, Status: domain.ForwardStatusPending, Amount: decimal.RequireFromString("0.799984")},
		},
	}, nil)

	var status domain.PaymentStatus
	for attempt := 1; attempt <= 5; attempt++ {
		status, err = h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, domain.PaymentStatusAbandoned, status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindRefund, queued[0].Kind)
	assert.True(t, queued[0].Amount.Equal(decimal.RequireFromString("0.800004")))
}

func TestResume_ConfirmsPaidPendingIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)
	h.stall(t, intent.ID)
	_, err := h.machine.RecoverStuck(ctx, intent.ID)
	require.NoError(t, err)

	// A fresh transfer can no longer claim it
	_, err = h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	status, err := h.machine.Resume(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)

	require.NoError(t, h.machine.Cancel(ctx, intent.ID))
	assert.Equal(t, domain.PaymentStatusCancelled, h.get(t, intent.ID).Status)
	available, _, _ := h.inventory.Levels("p1")
	assert.Equal(t, 10, available)

	assert.ErrorIs(t, h.machine.Cancel(ctx, intent.ID), domain.ErrNotCancellable)
	assert.ErrorIs(t, h.machine.Cancel(ctx, uuid.New()), domain.ErrIntentNotFound)
}

func TestCompleteDirect_FinalizeFailureQueuesManualReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)

	inventory := new(MockInventory)
	inventory.On("Finalize", mock.Anything, mock.Anything).Return(errors.New("inventory offline"))
	h.machine.Inventory = inventory

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)

	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindManualReview, queued[0].Kind)
}

func TestCompleteDirect_WrongTokenIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, false)
	h.stall(t, intent.ID)

	_, err := h.machine.CompleteDirect(ctx, intent.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrLockConflict)
	assert.Equal(t, domain.PaymentStatusProcessing, h.get(t, intent.ID).Status)
}

func TestSplitIntent_TransientBalanceErrorsStillConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	sim := ledgersim.New("MIDDLEMAN", decimal.RequireFromString("0.000005"))
	sim.SetBalance("MIDDLEMAN", decimal.NewFromInt(5))
	h.useLedger(&flakyLedger{Ledger: sim, failures: 2}, sim)

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)
	assert.Len(t, sim.Broadcasts(), 2)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSplitIntent_LedgerOutageReturnsToPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)

	sim := ledgersim.New("MIDDLEMAN", decimal.RequireFromString("0.000005"))
	sim.SetBalance("MIDDLEMAN", decimal.NewFromInt(5))
	sim.FailBalance(errors.New("rpc timeout"))
	h.useLedger(sim, sim)

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, status)

	stored := h.get(t, intent.ID)
	assert.True(t, stored.IsMatched())
	assert.Nil(t, stored.LockToken)
	assert.Equal(t, 1, stored.RetryCount)
	_, reserved, _ := h.inventory.Levels("p1")
	assert.Equal(t, 1, reserved)
	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)

	// Network back: the sweep resumes and completes it
	sim.FailBalance(nil)
	status, err = h.machine.Resume(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, status)
	assert.Len(t, sim.Broadcasts(), 2)
}

func TestCompleteSplit_LedgerOutageAtCeilingAbandons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)
	retries := 4
	_, err := h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending},
		domain.IntentPatch{To: domain.PaymentStatusPending, RetryCount: &retries})
	require.NoError(t, err)

	h.forwarder.On("Forward", mock.Anything, intent.ID).
		Return(nil, fmt.Errorf("split forward deferred: %w", domain.ErrNetwork))

	status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusAbandoned, status)
	assert.Equal(t, 5, h.get(t, intent.ID).RetryCount)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindManualReview, queued[0].Kind)
	assert.True(t, queued[0].Amount.Equal(intent.RequiredAmount))
}

func TestRecoverStuck_InFlightLegAtCeilingQueuesManualReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)
	received := decimal.NewFromInt(1)
	sig := "sig-in-flight"
	past := h.clock.Now().Add(-time.Hour)
	_, err := h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusPending},
		domain.IntentPatch{To: domain.PaymentStatusProcessing, MatchedSignature: &sig, ReceivedAmount: &received, ProcessingSince: &past})
	require.NoError(t, err)
	_, err = h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing},
		domain.IntentPatch{To: domain.PaymentStatusPartiallyForwarded})
	require.NoError(t, err)

	firstSig, secondSig := "leg-1", "leg-2"
	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
		Result:  domain.ForwardResultPartial,
		Done:    []domain.ForwardLeg{domain.ForwardLegFirst},
		Pending: []domain.ForwardLeg{domain.ForwardLegSecond},
		Records: []*domain.ForwardRecord{
			{Leg: domain.ForwardLegFirst, Status: domain.ForwardStatusConfirmed, Amount: decimal.RequireFromString("0.199996"), Signature: &firstSig},
			{Leg: domain.ForwardLegSecond, Status: domain.ForwardStatusSent, Amount: decimal.RequireFromString("0.799984"), Signature: &secondSig},
		},
	}, nil)

	var status domain.PaymentStatus
	for attempt := 1; attempt <= 5; attempt++ {
		status, err = h.machine.RecoverStuck(ctx, intent.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.PaymentStatusAbandoned, status)

	queued, err := h.compensations.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.CompensationKindManualReview, queued[0].Kind)
	// Only what neither leg can still deliver
	assert.True(t, queued[0].Amount.Equal(decimal.RequireFromString("0.00002")), queued[0].Amount.String())
	assert.Contains(t, queued[0].Reason, "in flight")
}

func TestRecoverStuck_RetryCountStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	intent := h.newIntent(t, true)
	h.stall(t, intent.ID)
	require.NoError(t, h.intents.SetForwardCommitted(ctx, intent.ID))
	ceiling := 5
	_, err := h.intents.CompareAndSwap(ctx, intent.ID,
		domain.SwapCondition{From: domain.PaymentStatusProcessing},
		domain.IntentPatch{To: domain.PaymentStatusProcessing, RetryCount: &ceiling})
	require.NoError(t, err)

	h.forwarder.On("Forward", mock.Anything, intent.ID).Return(nil, domain.ErrForwardLockBusy)

	for sweep := 0; sweep < 3; sweep++ {
		status, err := h.machine.RecoverStuck(ctx, intent.ID)
		assert.ErrorIs(t, err, domain.ErrForwardLockBusy)
		assert.Equal(t, domain.PaymentStatusProcessing, status)
	}
	assert.Equal(t, 5, h.get(t, intent.ID).RetryCount)
}

func TestTerminalSwap_UnreserveFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("expire retries then queues manual review", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		inventory := new(MockInventory)
		inventory.On("Unreserve", mock.Anything, mock.Anything).Return(errors.New("inventory offline"))
		h.machine.Inventory = inventory
		h.clock.Advance(21 * time.Minute)

		expired, err := h.machine.ExpireIfPending(ctx, intent.ID)
		require.NoError(t, err)
		assert.True(t, expired)
		inventory.AssertNumberOfCalls(t, "Unreserve", 4)
		h.notifier.AssertNumberOfCalls(t, "Notify", 1)

		queued, err := h.compensations.ListQueued(ctx, 10)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, domain.CompensationKindManualReview, queued[0].Kind)
		assert.Contains(t, queued[0].Reason, "EXPIRED")
	})

	t.Run("cancel recovers after one failure", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, false)
		inventory := new(MockInventory)
		inventory.On("Unreserve", mock.Anything, mock.Anything).Return(errors.New("inventory offline")).Once()
		inventory.On("Unreserve", mock.Anything, mock.Anything).Return(nil)
		h.machine.Inventory = inventory

		require.NoError(t, h.machine.Cancel(ctx, intent.ID))
		assert.Equal(t, domain.PaymentStatusCancelled, h.get(t, intent.ID).Status)
		inventory.AssertNumberOfCalls(t, "Unreserve", 2)
		h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)

		queued, err := h.compensations.ListQueued(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, queued)
	})

	t.Run("failed split keeps its refund and adds manual review", func(t *testing.T) {
		h := newHarness(t)
		intent := h.newIntent(t, true)
		inventory := new(MockInventory)
		inventory.On("Unreserve", mock.Anything, mock.Anything).Return(errors.New("inventory offline"))
		h.machine.Inventory = inventory
		h.forwarder.On("Forward", mock.Anything, intent.ID).Return(&domain.ForwardOutcome{
			Result:  domain.ForwardResultFailed,
			Pending: []domain.ForwardLeg{domain.ForwardLegFirst, domain.ForwardLegSecond},
		}, nil)

		status, err := h.machine.TryAcquireAndProcess(ctx, intent.ID, transferFor(intent, start))
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusFailed, status)

		queued, err := h.compensations.ListQueued(ctx, 10)
		require.NoError(t, err)
		kinds := make([]domain.CompensationKind, 0, len(queued))
		for _, c := range queued {
			kinds = append(kinds, c.Kind)
		}
		assert.ElementsMatch(t, []domain.CompensationKind{domain.CompensationKindRefund, domain.CompensationKindManualReview}, kinds)
	})
}
