package report

import (
	"context"
	"fmt"

	"github.com/simaogato/payrecon-backend/internal/domain"
)

// Summary is the operational snapshot of the payment pipeline
type Summary struct {
	ByStatus            map[domain.PaymentStatus]int
	Open                int // PENDING, PROCESSING and PARTIALLY_FORWARDED
	NeedsAttention      int // PARTIALLY_FORWARDED and ABANDONED
	QueuedCompensations int
}

// SummaryService handles ops summary queries
type SummaryService struct {
	IntentRepo       domain.PaymentIntentRepository
	CompensationRepo domain.CompensationRepository
}

// NewSummaryService creates a new SummaryService instance
func NewSummaryService(
	intentRepo domain.PaymentIntentRepository,
	compensationRepo domain.CompensationRepository,
) *SummaryService {
	return &SummaryService{
		IntentRepo:       intentRepo,
		CompensationRepo: compensationRepo,
	}
}

// GetSummary counts intents per status and the compensations waiting for operations
// Logic:
//   - Open: intents the pipeline still owns
//   - NeedsAttention: intents holding buyer funds that an operator has to look at
//   - Every status is present in ByStatus, zero when absent
func (s *SummaryService) GetSummary(ctx context.Context) (*Summary, error) {
	// 1. Intents per status
	counts, err := s.IntentRepo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}

	summary := &Summary{ByStatus: make(map[domain.PaymentStatus]int, len(domain.AllStatuses()))}
	for _, status := range domain.AllStatuses() {
		summary.ByStatus[status] = counts[status]
	}
	summary.Open = counts[domain.PaymentStatusPending] +
		counts[domain.PaymentStatusProcessing] +
		counts[domain.PaymentStatusPartiallyForwarded]
	summary.NeedsAttention = counts[domain.PaymentStatusPartiallyForwarded] + counts[domain.PaymentStatusAbandoned]

	// 2. Compensation backlog
	queued, err := s.CompensationRepo.CountQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued compensations: %w", err)
	}
	summary.QueuedCompensations = queued

	return summary, nil
}
