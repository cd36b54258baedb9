package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockGatewayRegistry mocks ports.GatewayRegistry
type MockGatewayRegistry struct {
	mock.Mock
}

func (m *MockGatewayRegistry) ChargeRenewal(ctx context.Context, order *domain.Order) (*domain.ChargeResult, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChargeResult), args.Error(1)
}

func (m *MockGatewayRegistry) Supports(gatewayID string, feature domain.GatewayFeature) bool {
	args := m.Called(gatewayID, feature)
	return args.Bool(0)
}

// SupportsEverything makes every capability query succeed
func (m *MockGatewayRegistry) SupportsEverything() *MockGatewayRegistry {
	m.On("Supports", mock.Anything, mock.Anything).Return(true)
	return m
}

// MockScheduler mocks ports.Scheduler
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(ctx context.Context, at time.Time, hook string, args map[string]string) (string, error) {
	called := m.Called(ctx, at, hook, args)
	return called.String(0), called.Error(1)
}

func (m *MockScheduler) Cancel(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// RecordingPublisher is a ports.EventPublisher that keeps what it was given
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, events...)
	return nil
}

// Events returns a copy of everything published so far
func (p *RecordingPublisher) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

// Types lists the published event types in order
func (p *RecordingPublisher) Types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

// MockStatusForcer mocks the retry engine's status forcer. Matched calls also
// apply the status to the value passed in.
type MockStatusForcer struct {
	mock.Mock
}

func (m *MockStatusForcer) ForceOrderStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus, note string) error {
	args := m.Called(ctx, order, status, note)
	if args.Error(0) == nil {
		order.Status = status
	}
	return args.Error(0)
}

func (m *MockStatusForcer) ForceSubscriptionStatus(ctx context.Context, sub *domain.Subscription, status domain.SubscriptionStatus, note string) error {
	args := m.Called(ctx, sub, status, note)
	if args.Error(0) == nil {
		sub.Status = status
	}
	return args.Error(0)
}
