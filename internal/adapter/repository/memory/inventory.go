package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

type stockLevel struct {
	available int
	reserved  int
	sold      int
}

// Inventory implements domain.Inventory over an in-memory stock table
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]*stockLevel
	reservations map[string]domain.BasketSnapshot
	now          func() time.Time
}

// NewInventory creates an in-memory inventory seeded with the given stock per product
func NewInventory(stock map[string]int) *Inventory {
	inv := &Inventory{
		stock:        make(map[string]*stockLevel, len(stock)),
		reservations: make(map[string]domain.BasketSnapshot),
		now:          time.Now,
	}
	for productID, qty := range stock {
		inv.stock[productID] = &stockLevel{available: qty}
	}
	return inv
}

// Reserve holds stock for every line item, all or nothing
func (i *Inventory) Reserve(ctx context.Context, items []domain.LineItem) (*domain.BasketSnapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	wanted := make(map[string]int)
	for _, item := range items {
		wanted[item.ProductID] += item.Quantity
	}
	for productID, qty := range wanted {
		level, ok := i.stock[productID]
		if !ok || level.available < qty {
			return nil, fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
		}
	}
	for productID, qty := range wanted {
		level := i.stock[productID]
		level.available -= qty
		level.reserved += qty
	}

	snapshot := domain.BasketSnapshot{
		ReservationID: uuid.NewString(),
		Items:         append([]domain.LineItem(nil), items...),
		TakenAt:       i.now().UTC(),
	}
	i.reservations[snapshot.ReservationID] = snapshot
	return &snapshot, nil
}

// Unreserve returns the reserved stock. Unknown reservations are a no-op.
func (i *Inventory) Unreserve(ctx context.Context, snapshot domain.BasketSnapshot) error {
	return i.release(snapshot, false)
}

// Finalize turns the reservation into a sale. Unknown reservations are a no-op.
func (i *Inventory) Finalize(ctx context.Context, snapshot domain.BasketSnapshot) error {
	return i.release(snapshot, true)
}

// Levels returns available, reserved and sold quantities of a product
func (i *Inventory) Levels(productID string) (available, reserved, sold int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	level, ok := i.stock[productID]
	if !ok {
		return 0, 0, 0
	}
	return level.available, level.reserved, level.sold
}

func (i *Inventory) release(snapshot domain.BasketSnapshot, sell bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.reservations[snapshot.ReservationID]; !ok {
		return nil
	}
	delete(i.reservations, snapshot.ReservationID)

	for _, item := range snapshot.Items {
		level, ok := i.stock[item.ProductID]
		if !ok {
			continue
		}
		level.reserved -= item.Quantity
		if sell {
			level.sold += item.Quantity
		} else {
			level.available += item.Quantity
		}
	}
	return nil
}
