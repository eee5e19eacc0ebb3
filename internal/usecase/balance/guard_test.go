package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/clock"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLedger is a mock implementation of domain.Ledger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetTransfers(ctx context.Context, address string, since time.Time) ([]domain.Transfer, error) {
	args := m.Called(ctx, address, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Transfer), args.Error(1)
}

func (m *MockLedger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockLedger) GetSignatureStatus(ctx context.Context, signature string) (domain.SignatureStatus, error) {
	args := m.Called(ctx, signature)
	return args.Get(0).(domain.SignatureStatus), args.Error(1)
}

// MockNotifier is a mock implementation of domain.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, message string) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func TestGuardService_ReadBalance(t *testing.T) {
	ctx := context.Background()
	ledger := new(MockLedger)
	ledger.On("GetBalance", ctx, "W1").Return(decimal.RequireFromString("1.5"), nil)
	ledger.On("GetBalance", ctx, "W2").Return(decimal.Zero, errors.New("connection reset"))

	service := NewGuardService(ledger, new(MockNotifier), clock.Real{}, time.Minute, nil)

	amount, err := service.ReadBalance(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.RequireFromString("1.5")))

	_, err = service.ReadBalance(ctx, "W2")
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGuardService_CheckAndAlert(t *testing.T) {
	ctx := context.Background()
	floor := decimal.RequireFromString("0.05")

	t.Run("above floor sends nothing", func(t *testing.T) {
		ledger := new(MockLedger)
		notifier := new(MockNotifier)
		ledger.On("GetBalance", ctx, "W1").Return(decimal.RequireFromString("0.05"), nil)

		service := NewGuardService(ledger, notifier, clock.Real{}, time.Minute, nil)
		sent, err := service.CheckAndAlert(ctx, "W1", floor)

		require.NoError(t, err)
		assert.False(t, sent)
		notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	})

	t.Run("below floor alerts once per cooldown", func(t *testing.T) {
		ledger := new(MockLedger)
		notifier := new(MockNotifier)
		ledger.On("GetBalance", ctx, "W1").Return(decimal.RequireFromString("0.01"), nil)
		notifier.On("Notify", ctx, mock.AnythingOfType("string")).Return(nil)

		fake := clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
		service := NewGuardService(ledger, notifier, fake, 30*time.Minute, nil)

		sent, err := service.CheckAndAlert(ctx, "W1", floor)
		require.NoError(t, err)
		assert.True(t, sent)

		fake.Advance(10 * time.Minute)
		sent, err = service.CheckAndAlert(ctx, "W1", floor)
		require.NoError(t, err)
		assert.False(t, sent)

		fake.Advance(25 * time.Minute)
		sent, err = service.CheckAndAlert(ctx, "W1", floor)
		require.NoError(t, err)
		assert.True(t, sent)

		notifier.AssertNumberOfCalls(t, "Notify", 2)
	})

	t.Run("concurrent callers raise a single alert", func(t *testing.T) {
		ledger := new(MockLedger)
		notifier := new(MockNotifier)
		ledger.On("GetBalance", ctx, "W1").Return(decimal.RequireFromString("0.01"), nil)
		notifier.On("Notify", ctx, mock.AnythingOfType("string")).Return(nil)

		service := NewGuardService(ledger, notifier, clock.Real{}, time.Hour, nil)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = service.CheckAndAlert(ctx, "W1", floor)
			}()
		}
		wg.Wait()

		notifier.AssertNumberOfCalls(t, "Notify", 1)
	})

	t.Run("read error is returned without alert", func(t *testing.T) {
		ledger := new(MockLedger)
		notifier := new(MockNotifier)
		ledger.On("GetBalance", ctx, "W1").Return(decimal.Zero, errors.New("timeout"))

		service := NewGuardService(ledger, notifier, clock.Real{}, time.Hour, nil)
		_, err := service.CheckAndAlert(ctx, "W1", floor)

		assert.ErrorIs(t, err, domain.ErrNetwork)
		notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	})
}
