package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/payrecon-backend/internal/domain"
)

const intentColumns = `
	id, reference, customer_id, basket, fiat_total, quoted_price, required_amount, tolerance,
	destination_kind, destination_wallet, split_config, status, created_at, expires_at, updated_at,
	matched_signature, received_amount, processing_since, retry_count, lock_token, lock_expires_at,
	forward_committed`

// paymentIntentRepository implements domain.PaymentIntentRepository
type paymentIntentRepository struct {
	db *DB
}

// NewPaymentIntentRepository creates a new payment intent repository
func NewPaymentIntentRepository(db *DB) domain.PaymentIntentRepository {
	return &paymentIntentRepository{db: db}
}

// lineItemRow is the stored JSON shape of a basket line
type lineItemRow struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Payout    string          `json:"payout"`
}

type basketRow struct {
	ReservationID string        `json:"reservation_id"`
	Items         []lineItemRow `json:"items"`
	TakenAt       time.Time     `json:"taken_at"`
}

type splitRow struct {
	MiddlemanWallet string          `json:"middleman_wallet"`
	FirstWallet     string          `json:"first_wallet"`
	SecondWallet    string          `json:"second_wallet"`
	FirstPercent    decimal.Decimal `json:"first_percent"`
	SecondPercent   decimal.Decimal `json:"second_percent"`
	FixedFee        decimal.Decimal `json:"fixed_fee"`
	SafetyMargin    decimal.Decimal `json:"safety_margin"`
}

func encodeItems(items []domain.LineItem) []lineItemRow {
	rows := make([]lineItemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, lineItemRow{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Payout:    string(item.Payout),
		})
	}
	return rows
}

func decodeItems(rows []lineItemRow) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.LineItem{
			ProductID: row.ProductID,
			Name:      row.Name,
			Quantity:  row.Quantity,
			UnitPrice: row.UnitPrice,
			Payout:    domain.PayoutTarget(row.Payout),
		})
	}
	return items
}

// Create persists a new intent
func (r *paymentIntentRepository) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (
			id, reference, customer_id, basket, fiat_total, quoted_price, required_amount, tolerance,
			destination_kind, destination_wallet, split_config, address, status, created_at, expires_at,
			updated_at, retry_count, forward_committed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	basket, err := json.Marshal(basketRow{
		ReservationID: intent.Basket.ReservationID,
		Items:         encodeItems(intent.Basket.Items),
		TakenAt:       intent.Basket.TakenAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode basket: %w", err)
	}

	var split interface{}
	if s := intent.Destination.Split; s != nil {
		encoded, err := json.Marshal(splitRow{
			MiddlemanWallet: s.MiddlemanWallet,
			FirstWallet:     s.FirstWallet,
			SecondWallet:    s.SecondWallet,
			FirstPercent:    s.FirstPercent,
			SecondPercent:   s.SecondPercent,
			FixedFee:        s.FixedFee,
			SafetyMargin:    s.SafetyMargin,
		})
		if err != nil {
			return fmt.Errorf("failed to encode split config: %w", err)
		}
		split = string(encoded)
	}

	updatedAt := intent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = intent.CreatedAt
	}

	_, err = r.db.ExecContext(ctx, query,
		intent.ID,
		intent.Reference,
		intent.CustomerID,
		string(basket),
		intent.FiatTotal.String(),
		intent.QuotedPrice.String(),
		intent.RequiredAmount.StringFixed(6),
		intent.Tolerance.String(),
		string(intent.Destination.Kind),
		intent.Destination.Wallet,
		split,
		intent.Destination.Address(),
		string(intent.Status),
		intent.CreatedAt,
		intent.ExpiresAt,
		updatedAt,
		intent.RetryCount,
		intent.ForwardCommitted,
	)
	if err != nil {
		if isUniqueViolation(err, "payment_intents_open_amount_key") {
			return domain.ErrAmountTaken
		}
		return fmt.Errorf("failed to create payment intent: %w", err)
	}
	return nil
}

// GetByID retrieves an intent by its ID
func (r *paymentIntentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`

	intent, err := scanIntent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to get payment intent by ID: %w", err)
	}
	return intent, nil
}

// ListByStatus retrieves all intents in the given status, oldest first
func (r *paymentIntentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE status = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	defer rows.Close()

	intents := make([]*domain.PaymentIntent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment intent: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment intents: %w", err)
	}
	return intents, nil
}

// OpenAmounts returns the required amounts of PENDING intents addressed to the wallet
func (r *paymentIntentRepository) OpenAmounts(ctx context.Context, address string) ([]decimal.Decimal, error) {
	query := `
		SELECT required_amount
		FROM payment_intents
		WHERE status = 'PENDING' AND address = $1
	`

	rows, err := r.db.QueryContext(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list open amounts: %w", err)
	}
	defer rows.Close()

	amounts := make([]decimal.Decimal, 0)
	for rows.Next() {
		var amountStr string
		if err := rows.Scan(&amountStr); err != nil {
			return nil, fmt.Errorf("failed to scan open amount: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open amount: %w", err)
		}
		amounts = append(amounts, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open amounts: %w", err)
	}
	return amounts, nil
}

// CompareAndSwap atomically applies patch if the stored intent satisfies cond.
// The condition is evaluated by the UPDATE itself, so concurrent callers serialize on the row.
func (r *paymentIntentRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, cond domain.SwapCondition, patch domain.IntentPatch) (bool, error) {
	if !cond.From.CanTransitionTo(patch.To) {
		return false, domain.ErrInvalidTransition
	}
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}

	query, args := buildSwapQuery(id, cond, patch)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err, "payment_intents_matched_signature_key") {
			return false, domain.ErrSignatureClaimed
		}
		return false, fmt.Errorf("failed to swap payment intent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payment intent: %w", err)
	}
	if !exists {
		return false, domain.ErrIntentNotFound
	}
	return false, nil
}

// buildSwapQuery renders the conditional UPDATE of a compare-and-swap
func buildSwapQuery(id uuid.UUID, cond domain.SwapCondition, patch domain.IntentPatch) (string, []interface{}) {
	args := make([]interface{}, 0, 12)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{
		"status = " + arg(string(patch.To)),
		"updated_at = " + arg(patch.UpdatedAt),
	}
	if patch.ClearLock {
		sets = append(sets, "lock_token = NULL", "lock_expires_at = NULL")
	} else {
		if patch.LockToken != nil {
			sets = append(sets, "lock_token = "+arg(*patch.LockToken))
		}
		if patch.LockExpiresAt != nil {
			sets = append(sets, "lock_expires_at = "+arg(*patch.LockExpiresAt))
		}
	}
	if patch.MatchedSignature != nil {
		sets = append(sets, "matched_signature = "+arg(*patch.MatchedSignature))
	}
	if patch.ReceivedAmount != nil {
		sets = append(sets, "received_amount = "+arg(patch.ReceivedAmount.String()))
	}
	if patch.ProcessingSince != nil {
		sets = append(sets, "processing_since = "+arg(*patch.ProcessingSince))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = "+arg(*patch.RetryCount))
	}

	where := []string{
		"id = " + arg(id),
		"status = " + arg(string(cond.From)),
	}
	if cond.LockToken != nil {
		where = append(where, "lock_token = "+arg(*cond.LockToken))
	}
	if cond.LockFreeAt != nil {
		where = append(where, "(lock_expires_at IS NULL OR lock_expires_at <= "+arg(*cond.LockFreeAt)+")")
	}
	if cond.ExpiredAt != nil {
		where = append(where, "expires_at <= "+arg(*cond.ExpiredAt))
	}
	if cond.Unmatched {
		where = append(where, "matched_signature IS NULL")
	}

	query := "UPDATE payment_intents SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, args
}

// SetForwardCommitted durably marks that at least one forward leg is confirmed
func (r *paymentIntentRepository) SetForwardCommitted(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `UPDATE payment_intents SET forward_committed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to set forward committed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

// CountByStatus returns the number of intents per status
func (r *paymentIntentRepository) CountByStatus(ctx context.Context) (map[domain.PaymentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM payment_intents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count payment intents: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PaymentStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.PaymentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// scanner is implemented by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scanner) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	var basketJSON []byte
	var splitJSON []byte
	var fiatStr, priceStr, requiredStr, toleranceStr string
	var kind, status string
	var signature sql.NullString
	var received sql.NullString
	var processingSince, lockExpiresAt sql.NullTime
	var lockToken uuid.NullUUID

	err := row.Scan(
		&intent.ID,
		&intent.Reference,
		&intent.CustomerID,
		&basketJSON,
		&fiatStr,
		&priceStr,
		&requiredStr,
		&toleranceStr,
		&kind,
		&intent.Destination.Wallet,
		&splitJSON,
		&status,
		&intent.CreatedAt,
		&intent.ExpiresAt,
		&intent.UpdatedAt,
		&signature,
		&received,
		&processingSince,
		&intent.RetryCount,
		&lockToken,
		&lockExpiresAt,
		&intent.ForwardCommitted,
	)
	if err != nil {
		return nil, err
	}

	// Parse DECIMAL columns
	for _, field := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{fiatStr, &intent.FiatTotal},
		{priceStr, &intent.QuotedPrice},
		{requiredStr, &intent.RequiredAmount},
		{toleranceStr, &intent.Tolerance},
	} {
		value, err := decimal.NewFromString(field.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decimal column: %w", err)
		}
		*field.dst = value
	}
	if received.Valid {
		amount, err := decimal.NewFromString(received.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse received_amount: %w", err)
		}
		intent.ReceivedAmount = &amount
	}

	// Parse JSONB columns
	var basket basketRow
	if err := json.Unmarshal(basketJSON, &basket); err != nil {
		return nil, fmt.Errorf("failed to decode basket: %w", err)
	}
	intent.Basket = domain.BasketSnapshot{
		ReservationID: basket.ReservationID,
		Items:         decodeItems(basket.Items),
		TakenAt:       basket.TakenAt,
	}
	intent.Destination.Kind = domain.DestinationKind(kind)
	if len(splitJSON) > 0 {
		var split splitRow
		if err := json.Unmarshal(splitJSON, &split); err != nil {
			return nil, fmt.Errorf("failed to decode split config: %w", err)
		}
		intent.Destination.Split = &domain.SplitConfig{
			MiddlemanWallet: split.MiddlemanWallet,
			FirstWallet:     split.FirstWallet,
			SecondWallet:    split.SecondWallet,
			FirstPercent:    split.FirstPercent,
			SecondPercent:   split.SecondPercent,
			FixedFee:        split.FixedFee,
			SafetyMargin:    split.SafetyMargin,
		}
	}

	intent.Status = domain.PaymentStatus(status)
	intent.MatchedSignature = stringPtr(signature)
	intent.ProcessingSince = timePtr(processingSince)
	intent.LockExpiresAt = timePtr(lockExpiresAt)
	if lockToken.Valid {
		token := lockToken.UUID
		intent.LockToken = &token
	}
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.ExpiresAt = intent.ExpiresAt.UTC()
	intent.UpdatedAt = intent.UpdatedAt.UTC()

	return &intent, nil
}
