package mocks

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/stretchr/testify/mock"
)

// MockRetryRepository mocks ports.RetryRepository
type MockRetryRepository struct {
	mock.Mock
}

func (m *MockRetryRepository) Create(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord) error {
	args := m.Called(ctx, db, rec)
	return args.Error(0)
}

func (m *MockRetryRepository) Get(ctx context.Context, db ports.DBTX, id string) (*domain.RetryRecord, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	rec := *args.Get(0).(*domain.RetryRecord)
	return &rec, args.Error(1)
}

func (m *MockRetryRepository) Update(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord) error {
	args := m.Called(ctx, db, rec)
	return args.Error(0)
}

func (m *MockRetryRepository) CompareAndSetStatus(ctx context.Context, db ports.DBTX, id string, from, to domain.RetryStatus) (bool, error) {
	args := m.Called(ctx, db, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockRetryRepository) CountByOrder(ctx context.Context, db ports.DBTX, orderID string) (int, error) {
	args := m.Called(ctx, db, orderID)
	return args.Int(0), args.Error(1)
}

func (m *MockRetryRepository) ListActiveByOrder(ctx context.Context, db ports.DBTX, orderID string) ([]*domain.RetryRecord, error) {
	args := m.Called(ctx, db, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RetryRecord), args.Error(1)
}

func (m *MockRetryRepository) ListActiveBySubscription(ctx context.Context, db ports.DBTX, subscriptionID string) ([]*domain.RetryRecord, error) {
	args := m.Called(ctx, db, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RetryRecord), args.Error(1)
}

func (m *MockRetryRepository) ListDue(ctx context.Context, db ports.DBTX, asOf time.Time, limit int) ([]*domain.RetryRecord, error) {
	args := m.Called(ctx, db, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RetryRecord), args.Error(1)
}
