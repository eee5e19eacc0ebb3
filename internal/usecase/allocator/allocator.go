package allocator

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// AmountPrecision is the number of decimals kept on required and forwarded amounts
const AmountPrecision = 6

// Default offset range in micro units
const (
	DefaultMinOffset = 1
	DefaultMaxOffset = 99
)

// maxRandomDraws bounds how often a colliding offset is redrawn before falling back to a scan
const maxRandomDraws = 16

// Allocator sizes new intents so that concurrently open intents carry distinct amounts
type Allocator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	unit      decimal.Decimal
	minOffset int64
	maxOffset int64
}

// NewAllocator creates a new Allocator drawing offsets in [minOffset, maxOffset] micro units.
// A nil rng seeds a fresh generator.
func NewAllocator(rng *rand.Rand, minOffset, maxOffset int64) *Allocator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if minOffset < 1 {
		minOffset = 1
	}
	if maxOffset < minOffset {
		maxOffset = minOffset
	}
	return &Allocator{
		rng:       rng,
		unit:      decimal.New(1, -AmountPrecision),
		minOffset: minOffset,
		maxOffset: maxOffset,
	}
}

// Allocate returns base plus a random offset that is not already held by one of taken.
// Logic:
//  1. Round base up to AmountPrecision decimals
//  2. Draw a random offset; redraw on collision a bounded number of times
//  3. Fall back to scanning the offset range from a random start
//
// Returns ErrAllocatorExhausted when every offset in the range is taken
func (a *Allocator) Allocate(base decimal.Decimal, taken []decimal.Decimal) (decimal.Decimal, error) {
	if !base.IsPositive() {
		return decimal.Zero, errors.New("base amount must be positive")
	}

	base = base.RoundUp(AmountPrecision)
	used := make(map[string]struct{}, len(taken))
	for _, amount := range taken {
		used[amount.StringFixed(AmountPrecision)] = struct{}{}
	}

	span := a.maxOffset - a.minOffset + 1

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < maxRandomDraws; i++ {
		candidate := a.candidate(base, a.minOffset+a.rng.Int64N(span))
		if _, clash := used[candidate.StringFixed(AmountPrecision)]; !clash {
			return candidate, nil
		}
	}

	start := a.rng.Int64N(span)
	for i := int64(0); i < span; i++ {
		offset := a.minOffset + (start+i)%span
		candidate := a.candidate(base, offset)
		if _, clash := used[candidate.StringFixed(AmountPrecision)]; !clash {
			return candidate, nil
		}
	}

	return decimal.Zero, domain.ErrAllocatorExhausted
}

func (a *Allocator) candidate(base decimal.Decimal, offset int64) decimal.Decimal {
	return base.Add(a.unit.Mul(decimal.NewFromInt(offset)))
}

// CalculateSplit calculates the per-leg amounts of a split forward.
// Returns a map of leg to forwarded amount.
// Logic:
//  1. Deduct the fixed fee and the safety margin from the received amount
//  2. Apply each leg percentage to that forwardable total
//  3. Round every leg DOWN to AmountPrecision so the legs never exceed the forwardable total
//
// The rounding dust stays on the middleman wallet.
func CalculateSplit(received decimal.Decimal, split *domain.SplitConfig) (map[domain.ForwardLeg]decimal.Decimal, error) {
	if split == nil {
		return nil, errors.New("split config is required")
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}
	if !received.IsPositive() {
		return nil, errors.New("received amount must be positive")
	}

	// Step 1: forwardable total
	forwardable := received.Sub(split.FixedFee).Sub(split.SafetyMargin)
	if !forwardable.IsPositive() {
		return nil, errors.New("received amount does not cover fee and safety margin")
	}

	// Step 2 and 3: percentages of the forwardable total, rounded down
	hundred := decimal.NewFromInt(100)
	allocation := map[domain.ForwardLeg]decimal.Decimal{
		domain.ForwardLegFirst:  forwardable.Mul(split.FirstPercent).Div(hundred).RoundDown(AmountPrecision),
		domain.ForwardLegSecond: forwardable.Mul(split.SecondPercent).Div(hundred).RoundDown(AmountPrecision),
	}

	// Safety check: never forward more than what is forwardable
	total := allocation[domain.ForwardLegFirst].Add(allocation[domain.ForwardLegSecond])
	if total.GreaterThan(forwardable) {
		return nil, errors.New("split allocation exceeds forwardable amount")
	}

	return allocation, nil
}

// LegDestination returns the payee wallet of a leg
func LegDestination(split *domain.SplitConfig, leg domain.ForwardLeg) string {
	if leg == domain.ForwardLegFirst {
		return split.FirstWallet
	}
	return split.SecondWallet
}
