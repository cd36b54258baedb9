package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/samber/lo"
)

const orderColumns = `id, subscription_id, customer_id, gateway_id, kind, status, total, transaction_id, meta,
	paid_at, created_at, updated_at`

// CreateDerivedOrder creates a pending order billing the subscription's recurring total
func (s *OrderStore) CreateDerivedOrder(ctx context.Context, db ports.DBTX, sub *domain.Subscription, kind domain.OrderKind) (*domain.Order, error) {
	now := s.clock.Now()
	order := &domain.Order{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		GatewayID:      sub.PaymentMethod.GatewayID,
		Kind:           kind,
		Status:         domain.OrderStatusPending,
		Total:          sub.RecurringTotal(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateOrder(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateOrder inserts a new order, assigning an ID when it has none
func (s *OrderStore) CreateOrder(ctx context.Context, db ports.DBTX, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := s.clock.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}

	meta, err := marshalJSONB(order.Meta, "{}")
	if err != nil {
		return fmt.Errorf("marshal order meta: %w", err)
	}

	_, err = executor(db, s.db).Exec(ctx, `
		INSERT INTO orders (id, subscription_id, customer_id, gateway_id, kind, status, total, transaction_id,
			meta, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.SubscriptionID, order.CustomerID, order.GatewayID, string(order.Kind), string(order.Status),
		decimalToNumeric(order.Total), nullText(order.TransactionID), meta, nullTime(order.PaidAt),
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by its ID
func (s *OrderStore) GetOrder(ctx context.Context, db ports.DBTX, id string) (*domain.Order, error) {
	row := executor(db, s.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return order, nil
}

// SaveOrder writes the order's payment state
func (s *OrderStore) SaveOrder(ctx context.Context, db ports.DBTX, order *domain.Order) error {
	meta, err := marshalJSONB(order.Meta, "{}")
	if err != nil {
		return fmt.Errorf("marshal order meta: %w", err)
	}
	order.UpdatedAt = s.clock.Now()

	tag, err := executor(db, s.db).Exec(ctx, `
		UPDATE orders
		SET gateway_id = $2, status = $3, total = $4, transaction_id = $5, meta = $6, paid_at = $7, updated_at = $8
		WHERE id = $1`,
		order.ID, order.GatewayID, string(order.Status), decimalToNumeric(order.Total),
		nullText(order.TransactionID), meta, nullTime(order.PaidAt), order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// FindOrdersReferencing lists the subscription's orders oldest first
func (s *OrderStore) FindOrdersReferencing(ctx context.Context, db ports.DBTX, subscriptionID string, kinds ...domain.OrderKind) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE subscription_id = $1`
	args := []interface{}{subscriptionID}
	if len(kinds) > 0 {
		query += ` AND kind = ANY($2)`
		args = append(args, lo.Map(kinds, func(k domain.OrderKind, _ int) string { return string(k) }))
	}
	query += ` ORDER BY created_at, id`

	rows, err := executor(db, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find orders for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find orders for subscription %s: %w", subscriptionID, err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order         domain.Order
		kind, status  string
		total         pgtype.Numeric
		transactionID pgtype.Text
		meta          []byte
		paidAt        pgtype.Timestamptz
	)
	err := row.Scan(&order.ID, &order.SubscriptionID, &order.CustomerID, &order.GatewayID, &kind, &status,
		&total, &transactionID, &meta, &paidAt, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	amount, err := pgNumericToDecimal(total)
	if err != nil {
		return nil, fmt.Errorf("convert total: %w", err)
	}
	if err := unmarshalJSONB(meta, &order.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal order meta: %w", err)
	}

	order.Kind = domain.OrderKind(kind)
	order.Status = domain.OrderStatus(status)
	order.Total = amount
	order.TransactionID = transactionID.String
	order.PaidAt = timeOrZero(paidAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}
