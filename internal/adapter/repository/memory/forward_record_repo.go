package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// forwardRecordRepository implements domain.ForwardRecordRepository in process memory
type forwardRecordRepository struct {
	mu      sync.Mutex
	records map[string]*domain.ForwardRecord // keyed by idempotency key
}

// NewForwardRecordRepository creates a new in-memory forward record repository
func NewForwardRecordRepository() domain.ForwardRecordRepository {
	return &forwardRecordRepository{records: make(map[string]*domain.ForwardRecord)}
}

// Create appends a new record
func (r *forwardRecordRepository) Create(ctx context.Context, record *domain.ForwardRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.IdempotencyKey]; exists {
		return domain.ErrForwardRecordExists
	}
	r.records[record.IdempotencyKey] = cloneRecord(record)
	return nil
}

// Get retrieves the record for an intent and leg
func (r *forwardRecordRepository) Get(ctx context.Context, intentID uuid.UUID, leg domain.ForwardLeg) (*domain.ForwardRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[domain.ForwardIdempotencyKey(intentID, leg)]
	if !ok {
		return nil, domain.ErrForwardRecordNotFound
	}
	return cloneRecord(record), nil
}

// ListByIntent retrieves all records of an intent ordered by leg
func (r *forwardRecordRepository) ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*domain.ForwardRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.ForwardRecord, 0, 2)
	for _, record := range r.records {
		if record.IntentID == intentID {
			result = append(result, cloneRecord(record))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Leg < result[j].Leg
	})
	return result, nil
}

// UpdateStatus moves a record to a new status, optionally setting its signature
func (r *forwardRecordRepository) UpdateStatus(ctx context.Context, key string, status domain.ForwardStatus, signature *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return domain.ErrForwardRecordNotFound
	}
	if record.Status == domain.ForwardStatusConfirmed {
		return domain.ErrForwardConfirmed
	}

	record.Status = status
	record.UpdatedAt = at
	if signature != nil {
		sig := *signature
		record.Signature = &sig
	}
	if status == domain.ForwardStatusSent {
		sentAt := at
		record.SentAt = &sentAt
		record.Attempts++
	}
	return nil
}

func cloneRecord(in *domain.ForwardRecord) *domain.ForwardRecord {
	out := *in
	if in.Signature != nil {
		sig := *in.Signature
		out.Signature = &sig
	}
	if in.SentAt != nil {
		sentAt := *in.SentAt
		out.SentAt = &sentAt
	}
	return &out
}
