package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// GuardService reads live wallet balances and raises low-balance alerts
type GuardService struct {
	Ledger   domain.Ledger
	Notifier domain.Notifier
	Clock    domain.Clock
	Cooldown time.Duration
	Logger   *slog.Logger

	mu          sync.Mutex
	lastAlerted map[string]time.Time
}

// NewGuardService creates a new GuardService instance
func NewGuardService(ledger domain.Ledger, notifier domain.Notifier, clock domain.Clock, cooldown time.Duration, logger *slog.Logger) *GuardService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardService{
		Ledger:      ledger,
		Notifier:    notifier,
		Clock:       clock,
		Cooldown:    cooldown,
		Logger:      logger,
		lastAlerted: make(map[string]time.Time),
	}
}

// ReadBalance returns the live balance of a wallet. It is never cached.
// Every failure wraps domain.ErrNetwork so callers can abort the current leg.
func (s *GuardService) ReadBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	amount, err := s.Ledger.GetBalance(ctx, wallet)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("get_balance").Inc()
		return decimal.Zero, fmt.Errorf("%w: failed to read balance of %s: %w", domain.ErrNetwork, wallet, err)
	}
	f, _ := amount.Float64()
	metrics.WalletBalance.WithLabelValues(wallet).Set(f)
	return amount, nil
}

// CheckAndAlert alerts the admin when the wallet balance is below floor.
// At most one alert is sent per wallet per cooldown, however many callers race.
// Returns true if an alert was sent.
func (s *GuardService) CheckAndAlert(ctx context.Context, wallet string, floor decimal.Decimal) (bool, error) {
	amount, err := s.ReadBalance(ctx, wallet)
	if err != nil {
		return false, err
	}
	if amount.GreaterThanOrEqual(floor) {
		return false, nil
	}

	if !s.claimAlertSlot(wallet) {
		s.Logger.Debug("low balance alert suppressed", "wallet", wallet, "balance", amount.String())
		return false, nil
	}

	msg := fmt.Sprintf("Low balance on %s: %s is below floor %s", wallet, amount.String(), floor.String())
	metrics.Alerts.WithLabelValues("low_balance").Inc()
	if err := s.Notifier.Notify(ctx, msg); err != nil {
		// fire and forget
		s.Logger.Warn("failed to send low balance alert", "wallet", wallet, "error", err)
	}
	return true, nil
}

func (s *GuardService) claimAlertSlot(wallet string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock.Now()
	if last, ok := s.lastAlerted[wallet]; ok && now.Sub(last) < s.Cooldown {
		return false
	}
	s.lastAlerted[wallet] = now
	return true
}
