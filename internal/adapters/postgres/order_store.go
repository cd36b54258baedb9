package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

const subscriptionColumns = `id, customer_id, status, parent_order_id, terms, payment_method, dates,
	line_items, status_log, suspension_count, created_at, updated_at`

// liveStatuses can still reach the end of their term
var liveStatuses = []string{
	string(domain.SubscriptionStatusActive),
	string(domain.SubscriptionStatusOnHold),
	string(domain.SubscriptionStatusPendingCancel),
}

// OrderStore implements ports.OrderStore on the subscriptions and orders tables
type OrderStore struct {
	db    ports.DBTX
	clock timeutil.Clock
}

var _ ports.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new order store. db is used whenever a caller passes no transaction.
func NewOrderStore(db ports.DBTX, clock timeutil.Clock) *OrderStore {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &OrderStore{db: db, clock: clock}
}

// subscriptionRow holds the encoded columns of a subscription
type subscriptionRow struct {
	parentOrderID pgtype.Text
	terms         []byte
	paymentMethod []byte
	dates         []byte
	lineItems     []byte
	statusLog     []byte
}

func encodeSubscription(sub *domain.Subscription) (subscriptionRow, error) {
	var row subscriptionRow
	var err error

	row.parentOrderID = nullText(sub.ParentOrderID)
	if row.terms, err = marshalJSONB(sub.Terms, "{}"); err != nil {
		return row, fmt.Errorf("marshal terms: %w", err)
	}
	if row.paymentMethod, err = marshalJSONB(sub.PaymentMethod, "{}"); err != nil {
		return row, fmt.Errorf("marshal payment method: %w", err)
	}
	if row.dates, err = marshalJSONB(sub.Dates, "{}"); err != nil {
		return row, fmt.Errorf("marshal dates: %w", err)
	}
	if row.lineItems, err = marshalJSONB(sub.LineItems, "[]"); err != nil {
		return row, fmt.Errorf("marshal line items: %w", err)
	}
	if row.statusLog, err = marshalJSONB(sub.StatusLog, "[]"); err != nil {
		return row, fmt.Errorf("marshal status log: %w", err)
	}
	return row, nil
}

// LoadSubscription reads the subscription and locks its row until the transaction ends
func (s *OrderStore) LoadSubscription(ctx context.Context, db ports.DBTX, id string) (*domain.Subscription, error) {
	row := executor(db, s.db).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	return sub, nil
}

// CreateSubscription inserts a new subscription, assigning an ID when it has none
func (s *OrderStore) CreateSubscription(ctx context.Context, db ports.DBTX, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := s.clock.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	row, err := encodeSubscription(sub)
	if err != nil {
		return err
	}

	_, err = executor(db, s.db).Exec(ctx, `
		INSERT INTO subscriptions (id, customer_id, status, parent_order_id, terms, payment_method, dates,
			line_items, status_log, suspension_count, next_payment_at, end_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.CustomerID, string(sub.Status), row.parentOrderID, row.terms, row.paymentMethod, row.dates,
		row.lineItems, row.statusLog, int32(sub.SuspensionCount), nullTime(sub.NextPayment()), nullTime(sub.End()),
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// SaveSubscription writes every mutable field of the subscription
func (s *OrderStore) SaveSubscription(ctx context.Context, db ports.DBTX, sub *domain.Subscription) error {
	row, err := encodeSubscription(sub)
	if err != nil {
		return err
	}
	sub.UpdatedAt = s.clock.Now()

	tag, err := executor(db, s.db).Exec(ctx, `
		UPDATE subscriptions
		SET customer_id = $2, status = $3, parent_order_id = $4, terms = $5, payment_method = $6, dates = $7,
			line_items = $8, status_log = $9, suspension_count = $10, next_payment_at = $11, end_at = $12,
			updated_at = $13
		WHERE id = $1`,
		sub.ID, sub.CustomerID, string(sub.Status), row.parentOrderID, row.terms, row.paymentMethod, row.dates,
		row.lineItems, row.statusLog, int32(sub.SuspensionCount), nullTime(sub.NextPayment()), nullTime(sub.End()),
		sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// DeleteSubscription removes the subscription; its orders are kept for accounting
func (s *OrderStore) DeleteSubscription(ctx context.Context, db ports.DBTX, id string) error {
	if _, err := executor(db, s.db).Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListDueForPayment returns active subscriptions whose next payment is due
func (s *OrderStore) ListDueForPayment(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, db, `
		SELECT id FROM subscriptions
		WHERE status = $1 AND next_payment_at IS NOT NULL AND next_payment_at <= $2
		ORDER BY next_payment_at, id
		LIMIT $3`,
		string(domain.SubscriptionStatusActive), asOf.UTC(), limit)
}

// ListDueForEnd returns live subscriptions that reached their end date
func (s *OrderStore) ListDueForEnd(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, db, `
		SELECT id FROM subscriptions
		WHERE status = ANY($1) AND end_at IS NOT NULL AND end_at <= $2
		ORDER BY end_at, id
		LIMIT $3`,
		liveStatuses, asOf.UTC(), limit)
}

func (s *OrderStore) listIDs(ctx context.Context, db ports.DBTX, query string, args ...interface{}) ([]string, error) {
	rows, err := executor(db, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return ids, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub        domain.Subscription
		status     string
		encoded    subscriptionRow
		suspension int32
	)
	err := row.Scan(&sub.ID, &sub.CustomerID, &status, &encoded.parentOrderID, &encoded.terms,
		&encoded.paymentMethod, &encoded.dates, &encoded.lineItems, &encoded.statusLog, &suspension,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.SubscriptionStatus(status)
	sub.ParentOrderID = encoded.parentOrderID.String
	sub.SuspensionCount = int(suspension)
	sub.Dates = make(domain.Schedule)

	if err := unmarshalJSONB(encoded.terms, &sub.Terms); err != nil {
		return nil, fmt.Errorf("unmarshal terms: %w", err)
	}
	if err := unmarshalJSONB(encoded.paymentMethod, &sub.PaymentMethod); err != nil {
		return nil, fmt.Errorf("unmarshal payment method: %w", err)
	}
	if err := unmarshalJSONB(encoded.dates, &sub.Dates); err != nil {
		return nil, fmt.Errorf("unmarshal dates: %w", err)
	}
	if err := unmarshalJSONB(encoded.lineItems, &sub.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshal line items: %w", err)
	}
	if err := unmarshalJSONB(encoded.statusLog, &sub.StatusLog); err != nil {
		return nil, fmt.Errorf("unmarshal status log: %w", err)
	}

	// Schedule values are kept in UTC
	sub.Dates = domain.NewSchedule(sub.Dates)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}
