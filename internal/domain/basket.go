package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PayoutTarget tags a line item with the payee that sells it
type PayoutTarget string

const (
	PayoutTargetWallet1 PayoutTarget = "wallet1"
	PayoutTargetWallet2 PayoutTarget = "wallet2"
	PayoutTargetSplit   PayoutTarget = "split"
)

// LineItem represents one reserved product line in a basket
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal // fiat
	Payout    PayoutTarget
}

// Validate ensures the line item adheres to domain rules
func (li LineItem) Validate() error {
	if li.ProductID == "" {
		return errors.New("line item product ID cannot be empty")
	}
	if li.Quantity <= 0 {
		return errors.New("line item quantity must be positive")
	}
	if li.UnitPrice.IsNegative() {
		return errors.New("line item unit price cannot be negative")
	}
	switch li.Payout {
	case PayoutTargetWallet1, PayoutTargetWallet2, PayoutTargetSplit:
	default:
		return errors.New("line item payout must be wallet1, wallet2 or split")
	}
	return nil
}

// Total returns the fiat total of the line
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// BasketSnapshot is an immutable copy of the reserved line items taken at intent creation.
// It is what gets released or finalized, independent of later catalog changes.
type BasketSnapshot struct {
	ReservationID string
	Items         []LineItem
	TakenAt       time.Time
}

// Total returns the fiat total of the basket
func (b BasketSnapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range b.Items {
		total = total.Add(item.Total())
	}
	return total
}

// PayoutWallets holds the addresses behind each payout target
type PayoutWallets struct {
	Wallet1   string
	Wallet2   string
	Middleman string
}

// DetermineDestination picks where the buyer pays for the given items.
// Logic:
//   - All items on the same wallet: pay that wallet directly
//   - Any split item, or mixed wallets: pay the middleman, which forwards the split
//
// For middleman payouts the first leg percentage is the fiat-weighted share of wallet1:
// wallet1 items count 100/0, wallet2 items 0/100 and split items use splitFirstPercent.
func DetermineDestination(items []LineItem, wallets PayoutWallets, splitFirstPercent decimal.Decimal) (Destination, error) {
	if len(items) == 0 {
		return Destination{}, errors.New("basket cannot be empty")
	}

	targets := make(map[PayoutTarget]bool)
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return Destination{}, err
		}
		targets[item.Payout] = true
	}

	if len(targets) == 1 && !targets[PayoutTargetSplit] {
		wallet := wallets.Wallet1
		if targets[PayoutTargetWallet2] {
			wallet = wallets.Wallet2
		}
		return Destination{Kind: DestinationKindDirect, Wallet: wallet}, nil
	}

	hundred := decimal.NewFromInt(100)
	total := decimal.Zero
	firstShare := decimal.Zero
	for _, item := range items {
		lineTotal := item.Total()
		total = total.Add(lineTotal)
		switch item.Payout {
		case PayoutTargetWallet1:
			firstShare = firstShare.Add(lineTotal.Mul(hundred))
		case PayoutTargetSplit:
			firstShare = firstShare.Add(lineTotal.Mul(splitFirstPercent))
		}
	}

	// Free baskets still need a deterministic split
	firstPercent := splitFirstPercent
	if total.IsPositive() {
		firstPercent = firstShare.Div(total).Round(4)
	}

	return Destination{
		Kind: DestinationKindSplit,
		Split: &SplitConfig{
			MiddlemanWallet: wallets.Middleman,
			FirstWallet:     wallets.Wallet1,
			SecondWallet:    wallets.Wallet2,
			FirstPercent:    firstPercent,
			SecondPercent:   hundred.Sub(firstPercent),
		},
	}, nil
}
