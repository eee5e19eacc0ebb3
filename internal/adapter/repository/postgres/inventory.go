package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

const (
	reservationHeld      = "held"
	reservationReleased  = "released"
	reservationFinalized = "finalized"
)

// Inventory implements domain.Inventory over the inventory tables
type Inventory struct {
	db *DB
}

// NewInventory creates a new Postgres backed inventory
func NewInventory(db *DB) *Inventory {
	return &Inventory{db: db}
}

// Seed sets the available stock of the given products, creating rows as needed
func (i *Inventory) Seed(ctx context.Context, stock map[string]int) error {
	query := `
		INSERT INTO inventory_stock (product_id, available)
		VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available
	`
	for productID, qty := range stock {
		if _, err := i.db.ExecContext(ctx, query, productID, qty); err != nil {
			return fmt.Errorf("failed to seed stock for %s: %w", productID, err)
		}
	}
	return nil
}

// Reserve holds stock for every line item, all or nothing
func (i *Inventory) Reserve(ctx context.Context, items []domain.LineItem) (*domain.BasketSnapshot, error) {
	wanted := make(map[string]int)
	for _, item := range items {
		wanted[item.ProductID] += item.Quantity
	}
	// Lock rows in a stable order so concurrent reservations cannot deadlock
	productIDs := make([]string, 0, len(wanted))
	for productID := range wanted {
		productIDs = append(productIDs, productID)
	}
	sort.Strings(productIDs)

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, productID := range productIDs {
		var available int
		err := tx.QueryRowContext(ctx,
			`SELECT available FROM inventory_stock WHERE product_id = $1 FOR UPDATE`, productID,
		).Scan(&available)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
			}
			return nil, fmt.Errorf("failed to lock stock: %w", err)
		}
		if available < wanted[productID] {
			return nil, fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE inventory_stock SET available = available - $2, reserved = reserved + $2 WHERE product_id = $1`,
			productID, wanted[productID],
		); err != nil {
			return nil, fmt.Errorf("failed to reserve stock: %w", err)
		}
	}

	snapshot := domain.BasketSnapshot{
		ReservationID: uuid.NewString(),
		Items:         append([]domain.LineItem(nil), items...),
		TakenAt:       time.Now().UTC(),
	}
	encoded, err := json.Marshal(encodeItems(snapshot.Items))
	if err != nil {
		return nil, fmt.Errorf("failed to encode reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inventory_reservations (id, items, taken_at, state) VALUES ($1, $2, $3, $4)`,
		snapshot.ReservationID, string(encoded), snapshot.TakenAt, reservationHeld,
	); err != nil {
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &snapshot, nil
}

// Unreserve returns the reserved stock. Unknown or settled reservations are a no-op.
func (i *Inventory) Unreserve(ctx context.Context, snapshot domain.BasketSnapshot) error {
	return i.settle(ctx, snapshot.ReservationID, reservationReleased)
}

// Finalize turns the reservation into a sale. Unknown or settled reservations are a no-op.
func (i *Inventory) Finalize(ctx context.Context, snapshot domain.BasketSnapshot) error {
	return i.settle(ctx, snapshot.ReservationID, reservationFinalized)
}

func (i *Inventory) settle(ctx context.Context, reservationID, state string) error {
	if reservationID == "" {
		return nil
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Only the first settle of a held reservation moves stock
	var itemsJSON []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE inventory_reservations SET state = $2
		WHERE id = $1 AND state = $3
		RETURNING items
	`, reservationID, state, reservationHeld).Scan(&itemsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to settle reservation: %w", err)
	}

	var rows []lineItemRow
	if err := json.Unmarshal(itemsJSON, &rows); err != nil {
		return fmt.Errorf("failed to decode reservation: %w", err)
	}

	query := `UPDATE inventory_stock SET reserved = reserved - $2, available = available + $2 WHERE product_id = $1`
	if state == reservationFinalized {
		query = `UPDATE inventory_stock SET reserved = reserved - $2, sold = sold + $2 WHERE product_id = $1`
	}
	for _, item := range decodeItems(rows) {
		if _, err := tx.ExecContext(ctx, query, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("failed to release stock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
