package mocks

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/stretchr/testify/mock"
)

// MockOrderStore mocks ports.OrderStore
type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) LoadSubscription(ctx context.Context, db ports.DBTX, id string) (*domain.Subscription, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// hand out a copy so the engine cannot mutate the fixture between calls
	return args.Get(0).(*domain.Subscription).Clone(), args.Error(1)
}

func (m *MockOrderStore) SaveSubscription(ctx context.Context, db ports.DBTX, sub *domain.Subscription) error {
	args := m.Called(ctx, db, sub)
	return args.Error(0)
}

func (m *MockOrderStore) CreateSubscription(ctx context.Context, db ports.DBTX, sub *domain.Subscription) error {
	args := m.Called(ctx, db, sub)
	return args.Error(0)
}

func (m *MockOrderStore) DeleteSubscription(ctx context.Context, db ports.DBTX, id string) error {
	args := m.Called(ctx, db, id)
	return args.Error(0)
}

func (m *MockOrderStore) CreateDerivedOrder(ctx context.Context, db ports.DBTX, sub *domain.Subscription, kind domain.OrderKind) (*domain.Order, error) {
	args := m.Called(ctx, db, sub, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderStore) CreateOrder(ctx context.Context, db ports.DBTX, order *domain.Order) error {
	args := m.Called(ctx, db, order)
	return args.Error(0)
}

func (m *MockOrderStore) GetOrder(ctx context.Context, db ports.DBTX, id string) (*domain.Order, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	order := *args.Get(0).(*domain.Order)
	return &order, args.Error(1)
}

func (m *MockOrderStore) SaveOrder(ctx context.Context, db ports.DBTX, order *domain.Order) error {
	args := m.Called(ctx, db, order)
	return args.Error(0)
}

func (m *MockOrderStore) FindOrdersReferencing(ctx context.Context, db ports.DBTX, subscriptionID string, kinds ...domain.OrderKind) ([]*domain.Order, error) {
	args := m.Called(ctx, db, subscriptionID, kinds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Order), args.Error(1)
}

func (m *MockOrderStore) ListDueForPayment(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, db, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockOrderStore) ListDueForEnd(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, db, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockProductCatalog mocks ports.ProductCatalog
type MockProductCatalog struct {
	mock.Mock
}

func (m *MockProductCatalog) GetProduct(ctx context.Context, db ports.DBTX, id string) (domain.Recurring, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Recurring), args.Error(1)
}
