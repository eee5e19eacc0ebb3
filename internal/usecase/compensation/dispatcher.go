package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
)

// DefaultBatchSize bounds how many compensations one dispatch pass hands over
const DefaultBatchSize = 50

// DispatcherService hands queued compensations to the admin channel
type DispatcherService struct {
	CompensationRepo domain.CompensationRepository
	IntentRepo       domain.PaymentIntentRepository
	Notifier         domain.Notifier
	Clock            domain.Clock
	BatchSize        int
	Logger           *slog.Logger
}

// NewDispatcherService creates a new DispatcherService instance
func NewDispatcherService(
	compensationRepo domain.CompensationRepository,
	intentRepo domain.PaymentIntentRepository,
	notifier domain.Notifier,
	clock domain.Clock,
	logger *slog.Logger,
) *DispatcherService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatcherService{
		CompensationRepo: compensationRepo,
		IntentRepo:       intentRepo,
		Notifier:         notifier,
		Clock:            clock,
		BatchSize:        DefaultBatchSize,
		Logger:           logger,
	}
}

// Run dispatches every interval until ctx is done
func (s *DispatcherService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Warn("compensation dispatch incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce notifies operations of each queued compensation, oldest first, and marks it dispatched.
// It stops at the first notification failure so the rest stays queued for the next pass.
// Returns the number dispatched.
func (s *DispatcherService) DispatchOnce(ctx context.Context) (int, error) {
	queued, err := s.CompensationRepo.ListQueued(ctx, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued compensations: %w", err)
	}

	dispatched := 0
	for _, c := range queued {
		if err := s.Notifier.Notify(ctx, s.message(ctx, c)); err != nil {
			return dispatched, fmt.Errorf("failed to notify compensation %s: %w", c.ID, err)
		}
		if err := s.CompensationRepo.MarkDispatched(ctx, c.ID, s.Clock.Now()); err != nil {
			return dispatched, fmt.Errorf("failed to mark compensation %s dispatched: %w", c.ID, err)
		}
		dispatched++
		metrics.Alerts.WithLabelValues("compensation_" + string(c.Kind)).Inc()
		s.Logger.Info("compensation dispatched",
			"compensation_id", c.ID,
			"intent_id", c.IntentID,
			"kind", c.Kind,
			"amount", c.Amount.String(),
		)
	}
	return dispatched, nil
}

func (s *DispatcherService) message(ctx context.Context, c *domain.Compensation) string {
	ref := c.IntentID.String()
	customer := "unknown"
	if intent, err := s.IntentRepo.GetByID(ctx, c.IntentID); err == nil {
		if intent.Reference != "" {
			ref = intent.Reference
		}
		if intent.CustomerID != "" {
			customer = intent.CustomerID
		}
	}
	return fmt.Sprintf("%s owed for payment %s (customer %s): %s SOL. %s",
		c.Kind, ref, customer, c.Amount.StringFixed(6), c.Reason)
}
