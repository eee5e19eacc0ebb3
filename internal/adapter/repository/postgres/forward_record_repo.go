package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

const forwardColumns = `
	idempotency_key, intent_id, leg, destination_wallet, amount, signature, status, attempts, sent_at, updated_at`

// forwardRecordRepository implements domain.ForwardRecordRepository
type forwardRecordRepository struct {
	db *DB
}

// NewForwardRecordRepository creates a new forward record repository
func NewForwardRecordRepository(db *DB) domain.ForwardRecordRepository {
	return &forwardRecordRepository{db: db}
}

// Create appends a new record
func (r *forwardRecordRepository) Create(ctx context.Context, record *domain.ForwardRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO forward_records (` + forwardColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		record.IdempotencyKey,
		record.IntentID,
		string(record.Leg),
		record.DestinationWallet,
		record.Amount.String(),
		nullString(record.Signature),
		string(record.Status),
		record.Attempts,
		nullTime(record.SentAt),
		record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return domain.ErrForwardRecordExists
		}
		return fmt.Errorf("failed to create forward record: %w", err)
	}
	return nil
}

// Get retrieves the record for an intent and leg
func (r *forwardRecordRepository) Get(ctx context.Context, intentID uuid.UUID, leg domain.ForwardLeg) (*domain.ForwardRecord, error) {
	query := `SELECT ` + forwardColumns + ` FROM forward_records WHERE idempotency_key = $1`

	record, err := scanForwardRecord(r.db.QueryRowContext(ctx, query, domain.ForwardIdempotencyKey(intentID, leg)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrForwardRecordNotFound
		}
		return nil, fmt.Errorf("failed to get forward record: %w", err)
	}
	return record, nil
}

// ListByIntent retrieves all records of an intent ordered by leg
func (r *forwardRecordRepository) ListByIntent(ctx context.Context, intentID uuid.UUID) ([]*domain.ForwardRecord, error) {
	query := `SELECT ` + forwardColumns + ` FROM forward_records WHERE intent_id = $1 ORDER BY leg ASC`

	rows, err := r.db.QueryContext(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list forward records: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.ForwardRecord, 0, 2)
	for rows.Next() {
		record, err := scanForwardRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forward record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forward records: %w", err)
	}
	return records, nil
}

// UpdateStatus moves a record to a new status, optionally setting its signature.
// A confirmed record is never touched again.
func (r *forwardRecordRepository) UpdateStatus(ctx context.Context, key string, status domain.ForwardStatus, signature *string, at time.Time) error {
	query := `
		UPDATE forward_records
		SET status = $2,
			updated_at = $3,
			signature = COALESCE($4, signature),
			sent_at = CASE WHEN $2 = 'sent' THEN $3 ELSE sent_at END,
			attempts = CASE WHEN $2 = 'sent' THEN attempts + 1 ELSE attempts END
		WHERE idempotency_key = $1 AND status <> 'confirmed'
	`
	result, err := r.db.ExecContext(ctx, query, key, string(status), at, nullString(signature))
	if err != nil {
		return fmt.Errorf("failed to update forward record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM forward_records WHERE idempotency_key = $1`, key).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrForwardRecordNotFound
		}
		return fmt.Errorf("failed to check forward record: %w", err)
	}
	return domain.ErrForwardConfirmed
}

func scanForwardRecord(row scanner) (*domain.ForwardRecord, error) {
	var record domain.ForwardRecord
	var leg, status, amountStr string
	var signature sql.NullString
	var sentAt sql.NullTime

	err := row.Scan(
		&record.IdempotencyKey,
		&record.IntentID,
		&leg,
		&record.DestinationWallet,
		&amountStr,
		&signature,
		&status,
		&record.Attempts,
		&sentAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	record.Amount = amount
	record.Leg = domain.ForwardLeg(leg)
	record.Status = domain.ForwardStatus(status)
	record.Signature = stringPtr(signature)
	record.SentAt = timePtr(sentAt)
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}
