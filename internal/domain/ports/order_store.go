package ports

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// OrderStore persists subscriptions and the orders derived from them.
// LoadSubscription locks the aggregate for the rest of the transaction, which is
// how concurrent work on one subscription is serialized.
type OrderStore interface {
	LoadSubscription(ctx context.Context, db DBTX, id string) (*domain.Subscription, error)
	SaveSubscription(ctx context.Context, db DBTX, sub *domain.Subscription) error
	CreateSubscription(ctx context.Context, db DBTX, sub *domain.Subscription) error
	DeleteSubscription(ctx context.Context, db DBTX, id string) error

	// CreateDerivedOrder creates a pending order billing the subscription's recurring total.
	CreateDerivedOrder(ctx context.Context, db DBTX, sub *domain.Subscription, kind domain.OrderKind) (*domain.Order, error)
	CreateOrder(ctx context.Context, db DBTX, order *domain.Order) error
	GetOrder(ctx context.Context, db DBTX, id string) (*domain.Order, error)
	SaveOrder(ctx context.Context, db DBTX, order *domain.Order) error
	// FindOrdersReferencing lists the subscription's orders, oldest first; no kinds means all.
	FindOrdersReferencing(ctx context.Context, db DBTX, subscriptionID string, kinds ...domain.OrderKind) ([]*domain.Order, error)

	// ListDueForPayment returns IDs of active subscriptions whose next payment is at or before asOf.
	ListDueForPayment(ctx context.Context, db DBTX, asOf time.Time, limit int) ([]string, error)
	// ListDueForEnd returns IDs of live subscriptions whose end date is at or before asOf.
	ListDueForEnd(ctx context.Context, db DBTX, asOf time.Time, limit int) ([]string, error)
}

// ProductCatalog resolves products a subscriber may switch to
type ProductCatalog interface {
	GetProduct(ctx context.Context, db DBTX, id string) (domain.Recurring, error)
}
