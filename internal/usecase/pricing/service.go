package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// DefaultTTL keeps a fetched price for 90 minutes to stay under the provider rate limits
const DefaultTTL = 5400 * time.Second

// OracleService serves the coin price from a cache in front of a PriceSource
type OracleService struct {
	Source domain.PriceSource
	TTL    time.Duration
	Clock  domain.Clock
	Logger *slog.Logger

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewOracleService creates a new OracleService instance
func NewOracleService(source domain.PriceSource, ttl time.Duration, clock domain.Clock, logger *slog.Logger) *OracleService {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &OracleService{
		Source: source,
		TTL:    ttl,
		Clock:  clock,
		Logger: logger,
	}
}

// Price returns the current price
// Logic:
//  1. A cached price younger than TTL is served as is
//  2. Otherwise the source is asked; a positive answer replaces the cache
//  3. On a fetch error the cached price is served stale
//
// Returns ErrPriceUnavailable when the fetch fails and nothing was ever cached
func (s *OracleService) Price(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock.Now()
	if s.price.IsPositive() && now.Sub(s.fetchedAt) < s.TTL {
		return s.price, nil
	}

	price, err := s.Source.FetchPrice(ctx)
	if err == nil && !price.IsPositive() {
		err = fmt.Errorf("source returned non-positive price %s", price)
	}
	if err != nil {
		if s.price.IsPositive() {
			s.Logger.Warn("serving stale price",
				"price", s.price.String(),
				"age_seconds", int(now.Sub(s.fetchedAt).Seconds()),
				"error", err,
			)
			return s.price, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
	}

	s.price = price
	s.fetchedAt = now
	s.Logger.Info("price refreshed", "price", price.StringFixed(2))
	return price, nil
}
