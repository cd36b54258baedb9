package domain

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind is the relation of an order to its subscription
type OrderKind string

const (
	OrderKindParent      OrderKind = "parent"
	OrderKindRenewal     OrderKind = "renewal"
	OrderKindResubscribe OrderKind = "resubscribe"
	OrderKindSwitch      OrderKind = "switch"
)

// OrderStatus represents the payment state of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// IsValid checks the status is known
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusOnHold, OrderStatusCompleted,
		OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsPaid returns true for statuses that count as a completed payment
func (s OrderStatus) IsPaid() bool {
	return s == OrderStatusProcessing || s == OrderStatusCompleted
}

// Order is a one-time charge related to a subscription
type Order struct {
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	PaidAt         time.Time         `json:"paid_at"`
	Total          decimal.Decimal   `json:"total"`
	Meta           map[string]string `json:"meta,omitempty"`
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	CustomerID     string            `json:"customer_id"`
	GatewayID      string            `json:"gateway_id"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	Kind           OrderKind         `json:"kind"`
	Status         OrderStatus       `json:"status"`
}

// NeedsPayment returns true while a positive total is still owed
func (o *Order) NeedsPayment() bool {
	if !o.Total.IsPositive() {
		return false
	}
	return o.Status == OrderStatusPending || o.Status == OrderStatusFailed
}

// Clone returns a deep copy of o
func (o *Order) Clone() *Order {
	c := *o
	c.Meta = maps.Clone(o.Meta)
	return &c
}

// SetMeta stores a meta value
func (o *Order) SetMeta(key, value string) {
	if o.Meta == nil {
		o.Meta = make(map[string]string)
	}
	o.Meta[key] = value
}

// CountCompletedPayments counts paid orders that covered a billing cycle.
// Switch orders only settle proration and are skipped.
func CountCompletedPayments(orders []*Order) int {
	n := 0
	for _, o := range orders {
		if o.Kind == OrderKindSwitch {
			continue
		}
		if o.Status.IsPaid() {
			n++
		}
	}
	return n
}
