// Package fixtures provides test data builders for subscriptions and orders.
package fixtures

import (
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/shopspring/decimal"
)

// SubscriptionBuilder provides fluent API for building test subscriptions.
type SubscriptionBuilder struct {
	subscription *domain.Subscription
}

// NewSubscription creates a monthly, active, automatically renewed
// subscription for one $10.00 item that started at start.
func NewSubscription(start time.Time) *SubscriptionBuilder {
	return &SubscriptionBuilder{
		subscription: &domain.Subscription{
			ID:            uuid.New().String(),
			CustomerID:    uuid.New().String(),
			ParentOrderID: uuid.New().String(),
			Status:        domain.SubscriptionStatusActive,
			Terms:         domain.BillingTerms{Period: domain.PeriodMonth, Interval: 1},
			PaymentMethod: domain.PaymentMethod{GatewayID: "card"},
			Dates:         domain.NewSchedule(map[domain.DateType]time.Time{domain.DateStart: start}),
			LineItems: []domain.LineItem{{
				ID:             "item-1",
				ProductID:      "basic-monthly",
				Name:           "Basic",
				Quantity:       1,
				RecurringPrice: decimal.NewFromInt(10),
			}},
			CreatedAt: start,
			UpdatedAt: start,
		},
	}
}

func (b *SubscriptionBuilder) WithID(id string) *SubscriptionBuilder {
	b.subscription.ID = id
	return b
}

func (b *SubscriptionBuilder) WithStatus(status domain.SubscriptionStatus) *SubscriptionBuilder {
	b.subscription.Status = status
	return b
}

func (b *SubscriptionBuilder) WithTerms(period domain.Period, interval, length int) *SubscriptionBuilder {
	b.subscription.Terms = domain.BillingTerms{Period: period, Interval: interval, Length: length}
	return b
}

func (b *SubscriptionBuilder) WithDate(t domain.DateType, v time.Time) *SubscriptionBuilder {
	b.subscription.Dates.Set(t, v)
	return b
}

func (b *SubscriptionBuilder) WithGateway(gatewayID string) *SubscriptionBuilder {
	b.subscription.PaymentMethod.GatewayID = gatewayID
	return b
}

func (b *SubscriptionBuilder) Manual() *SubscriptionBuilder {
	b.subscription.PaymentMethod.Manual = true
	return b
}

func (b *SubscriptionBuilder) WithLineItems(items ...domain.LineItem) *SubscriptionBuilder {
	b.subscription.LineItems = items
	return b
}

func (b *SubscriptionBuilder) Build() *domain.Subscription {
	return b.subscription.Clone()
}

// OrderBuilder provides fluent API for building test orders.
type OrderBuilder struct {
	order *domain.Order
}

// NewOrder creates a pending $10.00 renewal order for sub
func NewOrder(sub *domain.Subscription) *OrderBuilder {
	return &OrderBuilder{
		order: &domain.Order{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			GatewayID:      sub.PaymentMethod.GatewayID,
			Kind:           domain.OrderKindRenewal,
			Status:         domain.OrderStatusPending,
			Total:          decimal.NewFromInt(10),
			Meta:           map[string]string{},
			CreatedAt:      sub.CreatedAt,
			UpdatedAt:      sub.CreatedAt,
		},
	}
}

func (b *OrderBuilder) WithID(id string) *OrderBuilder {
	b.order.ID = id
	return b
}

func (b *OrderBuilder) WithStatus(status domain.OrderStatus) *OrderBuilder {
	b.order.Status = status
	return b
}

func (b *OrderBuilder) WithKind(kind domain.OrderKind) *OrderBuilder {
	b.order.Kind = kind
	return b
}

func (b *OrderBuilder) WithTotal(total decimal.Decimal) *OrderBuilder {
	b.order.Total = total
	return b
}

// Paid marks the order completed at t
func (b *OrderBuilder) Paid(t time.Time) *OrderBuilder {
	b.order.Status = domain.OrderStatusCompleted
	b.order.PaidAt = t
	return b
}

func (b *OrderBuilder) Build() *domain.Order {
	o := *b.order
	return &o
}
