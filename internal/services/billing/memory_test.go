package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/samber/lo"
)

// memoryStore is an in-memory order store. It hands out copies so the engine
// only sees what it saved.
type memoryStore struct {
	mu           sync.Mutex
	clock        timeutil.Clock
	subs         map[string]*domain.Subscription
	orders       map[string]*domain.Order
	saveSubErr   error
	saveOrderErr error
	findCalls    int
}

func newMemoryStore(clock timeutil.Clock) *memoryStore {
	return &memoryStore{
		clock:  clock,
		subs:   make(map[string]*domain.Subscription),
		orders: make(map[string]*domain.Order),
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	return o.Clone()
}

func (s *memoryStore) put(subs ...*domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		s.subs[sub.ID] = sub.Clone()
	}
}

func (s *memoryStore) putOrders(orders ...*domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.ID] = copyOrder(o)
	}
}

func (s *memoryStore) sub(id string) *domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		return sub.Clone()
	}
	return nil
}

func (s *memoryStore) order(id string) *domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return copyOrder(o)
	}
	return nil
}

func (s *memoryStore) ordersOf(subscriptionID string, kind domain.OrderKind) []*domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.orders {
		if o.SubscriptionID == subscriptionID && o.Kind == kind {
			out = append(out, copyOrder(o))
		}
	}
	return out
}

func (s *memoryStore) LoadSubscription(_ context.Context, _ ports.DBTX, id string) (*domain.Subscription, error) {
	if sub := s.sub(id); sub != nil {
		return sub, nil
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (s *memoryStore) SaveSubscription(_ context.Context, _ ports.DBTX, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveSubErr != nil {
		return s.saveSubErr
	}
	if _, ok := s.subs[sub.ID]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *memoryStore) CreateSubscription(_ context.Context, _ ports.DBTX, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *memoryStore) DeleteSubscription(_ context.Context, _ ports.DBTX, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *memoryStore) CreateDerivedOrder(_ context.Context, _ ports.DBTX, sub *domain.Subscription, kind domain.OrderKind) (*domain.Order, error) {
	now := s.clock.Now()
	o := &domain.Order{
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
	s.putOrders(o)
	return copyOrder(o), nil
}

func (s *memoryStore) CreateOrder(_ context.Context, _ ports.DBTX, order *domain.Order) error {
	s.putOrders(order)
	return nil
}

func (s *memoryStore) GetOrder(_ context.Context, _ ports.DBTX, id string) (*domain.Order, error) {
	if o := s.order(id); o != nil {
		return o, nil
	}
	return nil, domain.ErrOrderNotFound
}

func (s *memoryStore) SaveOrder(_ context.Context, _ ports.DBTX, order *domain.Order) error {
	if s.saveOrderErr != nil {
		return s.saveOrderErr
	}
	s.putOrders(order)
	return nil
}

func (s *memoryStore) FindOrdersReferencing(_ context.Context, _ ports.DBTX, subscriptionID string, kinds ...domain.OrderKind) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++

	var out []*domain.Order
	for _, o := range s.orders {
		if o.SubscriptionID == subscriptionID && (len(kinds) == 0 || lo.Contains(kinds, o.Kind)) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) ListDueForPayment(_ context.Context, _ ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	return s.list(limit, func(sub *domain.Subscription) bool {
		next := sub.NextPayment()
		return sub.Status == domain.SubscriptionStatusActive && !next.IsZero() && !next.After(asOf)
	}), nil
}

func (s *memoryStore) ListDueForEnd(_ context.Context, _ ports.DBTX, asOf time.Time, limit int) ([]string, error) {
	return s.list(limit, func(sub *domain.Subscription) bool {
		end := sub.End()
		return !end.IsZero() && !end.After(asOf) && sub.HasStatus(domain.SubscriptionStatusActive,
			domain.SubscriptionStatusOnHold, domain.SubscriptionStatusPendingCancel)
	}), nil
}

func (s *memoryStore) list(limit int, keep func(*domain.Subscription) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sub := range s.subs {
		if keep(sub) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// memoryRetries is an in-memory retry repository whose compare-and-set is atomic
type memoryRetries struct {
	mu   sync.Mutex
	recs map[string]*domain.RetryRecord
}

func newMemoryRetries() *memoryRetries {
	return &memoryRetries{recs: make(map[string]*domain.RetryRecord)}
}

func (r *memoryRetries) get(id string) *domain.RetryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recs[id]; ok {
		c := *rec
		return &c
	}
	return nil
}

func (r *memoryRetries) forOrder(orderID string) []*domain.RetryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RetryRecord
	for _, rec := range r.recs {
		if rec.OrderID == orderID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func (r *memoryRetries) Create(_ context.Context, _ ports.DBTX, rec *domain.RetryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	r.recs[rec.ID] = &c
	return nil
}

func (r *memoryRetries) Get(_ context.Context, _ ports.DBTX, id string) (*domain.RetryRecord, error) {
	if rec := r.get(id); rec != nil {
		return rec, nil
	}
	return nil, domain.ErrRetryNotFound
}

func (r *memoryRetries) Update(_ context.Context, _ ports.DBTX, rec *domain.RetryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.ID]; !ok {
		return errors.New("retry record not found")
	}
	c := *rec
	r.recs[rec.ID] = &c
	return nil
}

func (r *memoryRetries) CompareAndSetStatus(_ context.Context, _ ports.DBTX, id string, from, to domain.RetryStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	return true, nil
}

func (r *memoryRetries) CountByOrder(_ context.Context, _ ports.DBTX, orderID string) (int, error) {
	return len(r.forOrder(orderID)), nil
}

func (r *memoryRetries) ListActiveByOrder(_ context.Context, _ ports.DBTX, orderID string) ([]*domain.RetryRecord, error) {
	return lo.Filter(r.forOrder(orderID), func(rec *domain.RetryRecord, _ int) bool { return rec.Status.IsActive() }), nil
}

func (r *memoryRetries) ListActiveBySubscription(_ context.Context, _ ports.DBTX, subscriptionID string) ([]*domain.RetryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RetryRecord
	for _, rec := range r.recs {
		if rec.SubscriptionID == subscriptionID && rec.Status.IsActive() {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memoryRetries) ListDue(_ context.Context, _ ports.DBTX, asOf time.Time, limit int) ([]*domain.RetryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RetryRecord
	for _, rec := range r.recs {
		if rec.Status == domain.RetryStatusPending && !rec.Due.After(asOf) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
