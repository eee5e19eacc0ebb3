package checkout

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/adapter/repository/memory"
	"github.com/simaogato/payrecon-backend/internal/clock"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/allocator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPriceQuoter is a mock implementation of PriceQuoter
type MockPriceQuoter struct {
	mock.Mock
}

func (m *MockPriceQuoter) Price(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// MockPaymentIntentRepository is a mock implementation of domain.PaymentIntentRepository
type MockPaymentIntentRepository struct {
	mock.Mock
}

func (m *MockPaymentIntentRepository) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	args := m.Called(ctx, intent)
	return args.Error(0)
}

func (m *MockPaymentIntentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentIntent), args.Error(1)
}

func (m *MockPaymentIntentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.PaymentIntent, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]*domain.PaymentIntent), args.Error(1)
}

func (m *MockPaymentIntentRepository) OpenAmounts(ctx context.Context, address string) ([]decimal.Decimal, error) {
	args := m.Called(ctx, address)
	return args.Get(0).([]decimal.Decimal), args.Error(1)
}

func (m *MockPaymentIntentRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, cond domain.SwapCondition, patch domain.IntentPatch) (bool, error) {
	args := m.Called(ctx, id, cond, patch)
	return args.Bool(0), args.Error(1)
}

func (m *MockPaymentIntentRepository) SetForwardCommitted(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPaymentIntentRepository) CountByStatus(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[domain.PaymentStatus]int), args.Error(1)
}

var (
	start   = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	wallets = domain.PayoutWallets{Wallet1: "W1", Wallet2: "W2", Middleman: "MIDDLEMAN"}
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Wallets = wallets
	return cfg
}

func newService(repo domain.PaymentIntentRepository, inventory domain.Inventory, price decimal.Decimal) (*CheckoutService, *MockPriceQuoter) {
	prices := new(MockPriceQuoter)
	prices.On("Price", mock.Anything).Return(price, nil)
	alloc := allocator.NewAllocator(rand.New(rand.NewPCG(1, 2)), 1, 99)
	return NewCheckoutService(repo, inventory, prices, alloc, clock.NewFake(start), testConfig(), nil), prices
}

func TestCreateIntent_DirectBasket(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPaymentIntentRepository()
	inventory := memory.NewInventory(map[string]int{"p1": 10})
	service, _ := newService(repo, inventory, decimal.NewFromInt(140))

	intent, err := service.CreateIntent(ctx, "42", []domain.LineItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(50), Payout: domain.PayoutTargetWallet1},
	})
	require.NoError(t, err)

	// 100 / 140 = 0.714286 (rounded up), plus 1% = 0.721429 (rounded up), plus a 1..99 micro offset
	base := decimal.RequireFromString("0.721429")
	assert.True(t, intent.RequiredAmount.GreaterThan(base))
	assert.True(t, intent.RequiredAmount.LessThanOrEqual(base.Add(decimal.RequireFromString("0.000099"))))
	assert.Equal(t, domain.Destination{Kind: domain.DestinationKindDirect, Wallet: "W1"}, intent.Destination)
	assert.Equal(t, domain.PaymentStatusPending, intent.Status)
	assert.Equal(t, start.Add(20*time.Minute), intent.ExpiresAt)
	assert.True(t, decimal.NewFromInt(100).Equal(intent.FiatTotal))
	assert.Regexp(t, `^SOL_42_\d+_[0-9a-f]{6}$`, intent.Reference)

	stored, err := repo.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, intent.RequiredAmount.Equal(stored.RequiredAmount))

	available, reserved, _ := inventory.Levels("p1")
	assert.Equal(t, 8, available)
	assert.Equal(t, 2, reserved)
}

func TestCreateIntent_SplitBasketPaysMiddleman(t *testing.T) {
	ctx := context.Background()
	inventory := memory.NewInventory(map[string]int{"p1": 10, "p2": 10})
	service, _ := newService(memory.NewPaymentIntentRepository(), inventory, decimal.NewFromInt(140))

	intent, err := service.CreateIntent(ctx, "42", []domain.LineItem{
		{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(50), Payout: domain.PayoutTargetWallet1},
		{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(50), Payout: domain.PayoutTargetWallet2},
	})
	require.NoError(t, err)

	require.NotNil(t, intent.Destination.Split)
	assert.Equal(t, "MIDDLEMAN", intent.Destination.Address())
	assert.True(t, decimal.NewFromInt(50).Equal(intent.Destination.Split.FirstPercent))
	assert.True(t, decimal.RequireFromString("0.00001").Equal(intent.Destination.Split.FixedFee))
	assert.True(t, decimal.RequireFromString("0.00001").Equal(intent.Destination.Split.SafetyMargin))
}

func TestCreateIntent_Rejections(t *testing.T) {
	ctx := context.Background()
	item := domain.LineItem{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(1), Payout: domain.PayoutTargetWallet1}

	t.Run("amount below minimum", func(t *testing.T) {
		inventory := memory.NewInventory(map[string]int{"p1": 10})
		service, _ := newService(memory.NewPaymentIntentRepository(), inventory, decimal.NewFromInt(140))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		assert.ErrorIs(t, err, domain.ErrAmountTooLow)
		available, _, _ := inventory.Levels("p1")
		assert.Equal(t, 10, available)
	})

	t.Run("price unavailable", func(t *testing.T) {
		prices := new(MockPriceQuoter)
		prices.On("Price", mock.Anything).Return(decimal.Zero, domain.ErrPriceUnavailable)
		service := NewCheckoutService(memory.NewPaymentIntentRepository(), memory.NewInventory(nil), prices,
			allocator.NewAllocator(nil, 1, 99), clock.NewFake(start), testConfig(), nil)

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	})

	t.Run("out of stock", func(t *testing.T) {
		service, _ := newService(memory.NewPaymentIntentRepository(), memory.NewInventory(nil), decimal.RequireFromString("0.5"))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		assert.ErrorIs(t, err, domain.ErrOutOfStock)
	})

	t.Run("invalid item", func(t *testing.T) {
		service, _ := newService(memory.NewPaymentIntentRepository(), memory.NewInventory(nil), decimal.NewFromInt(140))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{{ProductID: "p1", Quantity: 0, Payout: domain.PayoutTargetWallet1}})
		assert.Error(t, err)
	})
}

func TestCreateIntent_RetriesTakenAmount(t *testing.T) {
	ctx := context.Background()
	item := domain.LineItem{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(10), Payout: domain.PayoutTargetWallet1}

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		repo := new(MockPaymentIntentRepository)
		repo.On("OpenAmounts", mock.Anything, "W1").Return([]decimal.Decimal{}, nil)
		repo.On("Create", mock.Anything, mock.Anything).Return(domain.ErrAmountTaken).Once()
		repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		service, _ := newService(repo, memory.NewInventory(map[string]int{"p1": 1}), decimal.NewFromInt(10))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		require.NoError(t, err)
		repo.AssertNumberOfCalls(t, "Create", 2)
	})

	t.Run("releases the reservation when every attempt collides", func(t *testing.T) {
		repo := new(MockPaymentIntentRepository)
		repo.On("OpenAmounts", mock.Anything, "W1").Return([]decimal.Decimal{}, nil)
		repo.On("Create", mock.Anything, mock.Anything).Return(domain.ErrAmountTaken)
		inventory := memory.NewInventory(map[string]int{"p1": 1})
		service, _ := newService(repo, inventory, decimal.NewFromInt(10))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		assert.ErrorIs(t, err, domain.ErrAmountTaken)
		repo.AssertNumberOfCalls(t, "Create", 3)
		available, reserved, _ := inventory.Levels("p1")
		assert.Equal(t, 1, available)
		assert.Equal(t, 0, reserved)
	})

	t.Run("store errors are not retried", func(t *testing.T) {
		repo := new(MockPaymentIntentRepository)
		repo.On("OpenAmounts", mock.Anything, "W1").Return([]decimal.Decimal{}, nil)
		repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		service, _ := newService(repo, memory.NewInventory(map[string]int{"p1": 1}), decimal.NewFromInt(10))

		_, err := service.CreateIntent(ctx, "42", []domain.LineItem{item})
		assert.Error(t, err)
		repo.AssertNumberOfCalls(t, "Create", 1)
	})
}

func TestCreateIntent_ConcurrentCheckoutsGetDistinctAmounts(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPaymentIntentRepository()
	service, _ := newService(repo, memory.NewInventory(map[string]int{"p1": 100}), decimal.NewFromInt(140))
	service.Config.AllocateAttempts = 20

	const workers = 20
	amounts := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			intent, err := service.CreateIntent(ctx, "42", []domain.LineItem{
				{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(50), Payout: domain.PayoutTargetWallet1},
			})
			if assert.NoError(t, err) {
				amounts <- intent.RequiredAmount.StringFixed(allocator.AmountPrecision)
			}
		}()
	}
	wg.Wait()
	close(amounts)

	seen := make(map[string]bool)
	for amount := range amounts {
		assert.False(t, seen[amount], "duplicate amount %s", amount)
		seen[amount] = true
	}
	assert.Len(t, seen, workers)
}

func TestReference(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000000")
	assert.Equal(t, "SOL_42_1718000000_a1b2c3", Reference("42", time.Unix(1718000000, 0), id))
}
