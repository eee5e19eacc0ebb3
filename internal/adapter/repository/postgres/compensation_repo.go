package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

// compensationRepository implements domain.CompensationRepository
type compensationRepository struct {
	db *DB
}

// NewCompensationRepository creates a new compensation repository
func NewCompensationRepository(db *DB) domain.CompensationRepository {
	return &compensationRepository{db: db}
}

// Enqueue stores a compensation once per (intent, kind)
func (r *compensationRepository) Enqueue(ctx context.Context, c *domain.Compensation) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := c.Status
	if status == "" {
		status = domain.CompensationStatusQueued
	}

	query := `
		INSERT INTO compensations (id, intent_id, kind, amount, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (intent_id, kind) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		id,
		c.IntentID,
		string(c.Kind),
		c.Amount.String(),
		c.Reason,
		string(status),
		c.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue compensation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// ListQueued returns up to limit queued compensations, oldest first
func (r *compensationRepository) ListQueued(ctx context.Context, limit int) ([]*domain.Compensation, error) {
	query := `
		SELECT id, intent_id, kind, amount, reason, status, created_at, dispatched_at
		FROM compensations
		WHERE status = 'QUEUED'
		ORDER BY created_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued compensations: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Compensation, 0)
	for rows.Next() {
		var c domain.Compensation
		var kind, status, amountStr string
		var dispatchedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.IntentID, &kind, &amountStr, &c.Reason, &status, &c.CreatedAt, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan compensation: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse compensation amount: %w", err)
		}
		c.Amount = amount
		c.Kind = domain.CompensationKind(kind)
		c.Status = domain.CompensationStatus(status)
		c.DispatchedAt = timePtr(dispatchedAt)
		c.CreatedAt = c.CreatedAt.UTC()
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compensations: %w", err)
	}
	return result, nil
}

// MarkDispatched flags a compensation as handed to operations
func (r *compensationRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE compensations SET status = 'DISPATCHED', dispatched_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark compensation dispatched: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrCompensationNotFound
	}
	return nil
}

// CountQueued returns the number of compensations not yet dispatched
func (r *compensationRepository) CountQueued(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compensations WHERE status = 'QUEUED'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queued compensations: %w", err)
	}
	return count, nil
}
