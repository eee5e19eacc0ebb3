package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// paymentIntentRepository implements domain.PaymentIntentRepository in process memory
type paymentIntentRepository struct {
	mu      sync.Mutex
	intents map[uuid.UUID]*domain.PaymentIntent
}

// NewPaymentIntentRepository creates a new in-memory payment intent repository
func NewPaymentIntentRepository() domain.PaymentIntentRepository {
	return &paymentIntentRepository{intents: make(map[uuid.UUID]*domain.PaymentIntent)}
}

// Create persists a new intent
func (r *paymentIntentRepository) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.intents[intent.ID]; exists {
		return errors.New("payment intent already exists")
	}

	address := intent.Destination.Address()
	amount := intent.RequiredAmount.StringFixed(6)
	for _, other := range r.intents {
		if other.Status == domain.PaymentStatusPending &&
			other.MatchedSignature == nil &&
			other.Destination.Address() == address &&
			other.RequiredAmount.StringFixed(6) == amount {
			return domain.ErrAmountTaken
		}
	}

	r.intents[intent.ID] = cloneIntent(intent)
	return nil
}

// GetByID retrieves an intent by its ID
func (r *paymentIntentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return cloneIntent(intent), nil
}

// ListByStatus retrieves all intents in the given status, oldest first
func (r *paymentIntentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.PaymentIntent, 0)
	for _, intent := range r.intents {
		if intent.Status == status {
			result = append(result, cloneIntent(intent))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// OpenAmounts returns the required amounts of PENDING intents addressed to the wallet
func (r *paymentIntentRepository) OpenAmounts(ctx context.Context, address string) ([]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	amounts := make([]decimal.Decimal, 0)
	for _, intent := range r.intents {
		if intent.Status == domain.PaymentStatusPending && intent.Destination.Address() == address {
			amounts = append(amounts, intent.RequiredAmount)
		}
	}
	return amounts, nil
}

// CompareAndSwap atomically applies patch if the stored intent satisfies cond
func (r *paymentIntentRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, cond domain.SwapCondition, patch domain.IntentPatch) (bool, error) {
	if !cond.From.CanTransitionTo(patch.To) {
		return false, domain.ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.intents[id]
	if !ok {
		return false, domain.ErrIntentNotFound
	}
	if !conditionHolds(stored, cond) {
		return false, nil
	}

	if patch.MatchedSignature != nil {
		for otherID, other := range r.intents {
			if otherID != id && other.MatchedSignature != nil && *other.MatchedSignature == *patch.MatchedSignature {
				return false, domain.ErrSignatureClaimed
			}
		}
	}

	applyPatch(stored, patch)
	return true, nil
}

// SetForwardCommitted durably marks that at least one forward leg is confirmed
func (r *paymentIntentRepository) SetForwardCommitted(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.intents[id]
	if !ok {
		return domain.ErrIntentNotFound
	}
	stored.ForwardCommitted = true
	return nil
}

// CountByStatus returns the number of intents per status
func (r *paymentIntentRepository) CountByStatus(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.PaymentStatus]int)
	for _, intent := range r.intents {
		counts[intent.Status]++
	}
	return counts, nil
}

func conditionHolds(stored *domain.PaymentIntent, cond domain.SwapCondition) bool {
	if stored.Status != cond.From {
		return false
	}
	if cond.LockToken != nil && (stored.LockToken == nil || *stored.LockToken != *cond.LockToken) {
		return false
	}
	if cond.LockFreeAt != nil && !stored.LockFree(*cond.LockFreeAt) {
		return false
	}
	if cond.ExpiredAt != nil && stored.ExpiresAt.After(*cond.ExpiredAt) {
		return false
	}
	if cond.Unmatched && stored.MatchedSignature != nil {
		return false
	}
	return true
}

func applyPatch(stored *domain.PaymentIntent, patch domain.IntentPatch) {
	stored.Status = patch.To
	stored.UpdatedAt = patch.UpdatedAt

	if patch.ClearLock {
		stored.LockToken = nil
		stored.LockExpiresAt = nil
	} else {
		if patch.LockToken != nil {
			token := *patch.LockToken
			stored.LockToken = &token
		}
		if patch.LockExpiresAt != nil {
			expiry := *patch.LockExpiresAt
			stored.LockExpiresAt = &expiry
		}
	}
	if patch.MatchedSignature != nil {
		sig := *patch.MatchedSignature
		stored.MatchedSignature = &sig
	}
	if patch.ReceivedAmount != nil {
		amount := *patch.ReceivedAmount
		stored.ReceivedAmount = &amount
	}
	if patch.ProcessingSince != nil {
		since := *patch.ProcessingSince
		stored.ProcessingSince = &since
	}
	if patch.RetryCount != nil {
		stored.RetryCount = *patch.RetryCount
	}
}

// cloneIntent copies an intent so callers never share memory with the store
func cloneIntent(in *domain.PaymentIntent) *domain.PaymentIntent {
	out := *in
	out.Basket.Items = append([]domain.LineItem(nil), in.Basket.Items...)
	if in.Destination.Split != nil {
		split := *in.Destination.Split
		out.Destination.Split = &split
	}
	if in.MatchedSignature != nil {
		sig := *in.MatchedSignature
		out.MatchedSignature = &sig
	}
	if in.ReceivedAmount != nil {
		amount := *in.ReceivedAmount
		out.ReceivedAmount = &amount
	}
	if in.ProcessingSince != nil {
		since := *in.ProcessingSince
		out.ProcessingSince = &since
	}
	if in.LockToken != nil {
		token := *in.LockToken
		out.LockToken = &token
	}
	if in.LockExpiresAt != nil {
		expiry := *in.LockExpiresAt
		out.LockExpiresAt = &expiry
	}
	return &out
}
