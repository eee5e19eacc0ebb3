package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/allocator"
)

// PriceQuoter returns the fiat price of one coin
type PriceQuoter interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// Config holds the checkout pricing and routing parameters
type Config struct {
	Wallets           domain.PayoutWallets
	SplitFirstPercent decimal.Decimal
	FixedFee          decimal.Decimal
	SafetyMargin      decimal.Decimal
	Tolerance         decimal.Decimal
	Expiry            time.Duration
	MinAmount         decimal.Decimal
	PriceBuffer       decimal.Decimal // fraction added on top of the converted amount
	AllocateAttempts  int
}

// DefaultConfig returns the production defaults without wallet addresses
func DefaultConfig() Config {
	return Config{
		SplitFirstPercent: decimal.NewFromInt(20),
		FixedFee:          decimal.RequireFromString("0.00001"),
		SafetyMargin:      decimal.RequireFromString("0.00001"),
		Tolerance:         decimal.RequireFromString("0.001"),
		Expiry:            20 * time.Minute,
		MinAmount:         decimal.RequireFromString("0.01"),
		PriceBuffer:       decimal.RequireFromString("0.01"),
		AllocateAttempts:  3,
	}
}

// CheckoutService turns a basket into a PENDING payment intent
type CheckoutService struct {
	IntentRepo domain.PaymentIntentRepository
	Inventory  domain.Inventory
	Prices     PriceQuoter
	Allocator  *allocator.Allocator
	Clock      domain.Clock
	Config     Config
	Logger     *slog.Logger
}

// NewCheckoutService creates a new CheckoutService instance
func NewCheckoutService(
	intentRepo domain.PaymentIntentRepository,
	inventory domain.Inventory,
	prices PriceQuoter,
	alloc *allocator.Allocator,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AllocateAttempts < 1 {
		cfg.AllocateAttempts = 1
	}
	return &CheckoutService{
		IntentRepo: intentRepo,
		Inventory:  inventory,
		Prices:     prices,
		Allocator:  alloc,
		Clock:      clock,
		Config:     cfg,
		Logger:     logger,
	}
}

// CreateIntent prices the basket, reserves it and opens a payment intent for it
// Logic:
//  1. Sum the fiat total and convert it at the current price, rounding up to 6 decimals
//  2. Add the price buffer, rounding up again, and enforce the minimum amount
//  3. Choose the destination from the payout targets of the items
//  4. Reserve the basket
//  5. Allocate an amount no open intent at the same address holds and persist the intent,
//     retrying when a concurrent checkout took the same amount
//
// On any failure after step 4 the reservation is released
func (s *CheckoutService) CreateIntent(ctx context.Context, customerID string, items []domain.LineItem) (*domain.PaymentIntent, error) {
	if customerID == "" {
		return nil, errors.New("customer ID cannot be empty")
	}
	if len(items) == 0 {
		return nil, errors.New("basket cannot be empty")
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("invalid line item: %w", err)
		}
	}

	// 1. Fiat total and conversion
	fiat := domain.BasketSnapshot{Items: items}.Total()
	price, err := s.Prices.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	base := fiat.Div(price).RoundUp(allocator.AmountPrecision)

	// 2. Buffer and minimum
	base = base.Mul(decimal.NewFromInt(1).Add(s.Config.PriceBuffer)).RoundUp(allocator.AmountPrecision)
	if base.LessThan(s.Config.MinAmount) {
		return nil, fmt.Errorf("%w: %s is below %s", domain.ErrAmountTooLow, base, s.Config.MinAmount)
	}

	// 3. Destination
	destination, err := domain.DetermineDestination(items, s.Config.Wallets, s.Config.SplitFirstPercent)
	if err != nil {
		return nil, fmt.Errorf("failed to determine destination: %w", err)
	}
	if destination.Split != nil {
		destination.Split.FixedFee = s.Config.FixedFee
		destination.Split.SafetyMargin = s.Config.SafetyMargin
	}

	// 4. Reservation
	snapshot, err := s.Inventory.Reserve(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve basket: %w", err)
	}

	// 5. Unique amount
	intent, err := s.persist(ctx, customerID, *snapshot, fiat, price, base, destination)
	if err != nil {
		if uerr := s.Inventory.Unreserve(ctx, *snapshot); uerr != nil {
			s.Logger.Error("failed to release reservation", "reservation_id", snapshot.ReservationID, "error", uerr)
		}
		return nil, err
	}

	s.Logger.Info("payment intent created",
		"intent_id", intent.ID,
		"reference", intent.Reference,
		"amount", intent.RequiredAmount.StringFixed(allocator.AmountPrecision),
		"fiat_total", fiat.StringFixed(2),
		"address", destination.Address(),
		"kind", destination.Kind,
	)
	return intent, nil
}

func (s *CheckoutService) persist(
	ctx context.Context,
	customerID string,
	snapshot domain.BasketSnapshot,
	fiat, price, base decimal.Decimal,
	destination domain.Destination,
) (*domain.PaymentIntent, error) {
	address := destination.Address()
	var lastErr error
	for attempt := 1; attempt <= s.Config.AllocateAttempts; attempt++ {
		taken, err := s.IntentRepo.OpenAmounts(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to load open amounts: %w", err)
		}
		amount, err := s.Allocator.Allocate(base, taken)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate amount: %w", err)
		}

		now := s.Clock.Now()
		id := uuid.New()
		intent := &domain.PaymentIntent{
			ID:             id,
			Reference:      Reference(customerID, now, id),
			CustomerID:     customerID,
			Basket:         snapshot,
			FiatTotal:      fiat,
			QuotedPrice:    price,
			RequiredAmount: amount,
			Tolerance:      s.Config.Tolerance,
			Destination:    destination,
			Status:         domain.PaymentStatusPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.Config.Expiry),
			UpdatedAt:      now,
		}
		if err := intent.Validate(); err != nil {
			return nil, fmt.Errorf("invalid payment intent: %w", err)
		}

		err = s.IntentRepo.Create(ctx, intent)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, domain.ErrAmountTaken) {
			return nil, fmt.Errorf("failed to create payment intent: %w", err)
		}
		lastErr = err
		s.Logger.Debug("amount taken by concurrent checkout", "amount", amount.String(), "attempt", attempt)
	}
	return nil, fmt.Errorf("failed to create payment intent: %w", lastErr)
}

// Reference builds the human facing payment id SOL_<customer>_<unix>_<6 hex>
func Reference(customerID string, at time.Time, id uuid.UUID) string {
	suffix := strings.ReplaceAll(id.String(), "-", "")[:6]
	return fmt.Sprintf("SOL_%s_%d_%s", customerID, at.Unix(), suffix)
}
