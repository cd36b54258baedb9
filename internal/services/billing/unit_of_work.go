package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
)

// unitOfWork is one engine transaction: the database handle, a read cache and
// the events to publish once it commits.
type unitOfWork struct {
	tx     ports.DBTX
	cache  *RequestCache
	events []domain.Event
	undo   []func()
}

type unitOfWorkKey struct{}

func unitOfWorkFrom(ctx context.Context) *unitOfWork {
	uow, _ := ctx.Value(unitOfWorkKey{}).(*unitOfWork)
	return uow
}

func (u *unitOfWork) record(events ...domain.Event) {
	u.events = append(u.events, events...)
}

// onRollback registers fn to restore a caller's value if the transaction does
// not commit. Undo functions run newest first.
func (u *unitOfWork) onRollback(fn func()) {
	u.undo = append(u.undo, fn)
}

func (u *unitOfWork) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

// inTransaction runs fn in a unit of work. Calls made while one is already open
// on ctx join it, so nested engine operations commit or roll back together.
// Collected events are published only after the outermost commit; when it
// fails, values changed in place by the unit of work are restored.
func (e *Engine) inTransaction(ctx context.Context, fn func(ctx context.Context, uow *unitOfWork) error) error {
	if uow := unitOfWorkFrom(ctx); uow != nil {
		return fn(ctx, uow)
	}

	uow := &unitOfWork{cache: NewRequestCache()}
	err := e.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		uow.tx = tx
		return fn(context.WithValue(ctx, unitOfWorkKey{}, uow), uow)
	})
	if err != nil {
		uow.rollback()
		return err
	}

	e.publish(context.WithoutCancel(ctx), uow.events)
	return nil
}

// publish hands committed events to the bus. Delivery failures are logged and
// never undo the committed change.
func (e *Engine) publish(ctx context.Context, events []domain.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			observability.RecordEventPublished(string(ev.Type), "failed")
			e.logger.Error("failed to publish event",
				ports.String("event_id", ev.ID),
				ports.String("event_type", string(ev.Type)),
				ports.String("subscription_id", ev.SubscriptionID),
				ports.Err(err))
			continue
		}
		observability.RecordEventPublished(string(ev.Type), "published")
	}
}

// relatedOrders returns the orders referencing sub, cached for the unit of work
func (e *Engine) relatedOrders(ctx context.Context, uow *unitOfWork, subscriptionID string) ([]*domain.Order, error) {
	if orders, ok := uow.cache.RelatedOrders(subscriptionID); ok {
		return orders, nil
	}
	orders, err := e.store.FindOrdersReferencing(ctx, uow.tx, subscriptionID,
		domain.OrderKindParent, domain.OrderKindRenewal, domain.OrderKindResubscribe, domain.OrderKindSwitch)
	if err != nil {
		return nil, fmt.Errorf("find orders for subscription %s: %w", subscriptionID, err)
	}
	uow.cache.SetRelatedOrders(subscriptionID, orders)
	return orders, nil
}

func (e *Engine) completedPayments(ctx context.Context, uow *unitOfWork, subscriptionID string) (int, error) {
	orders, err := e.relatedOrders(ctx, uow, subscriptionID)
	if err != nil {
		return 0, err
	}
	return domain.CountCompletedPayments(orders), nil
}

func (e *Engine) product(ctx context.Context, uow *unitOfWork, id string) (domain.Recurring, error) {
	if p, ok := uow.cache.Product(id); ok {
		return p, nil
	}
	p, err := e.catalog.GetProduct(ctx, uow.tx, id)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	uow.cache.SetProduct(id, p)
	return p, nil
}

func (e *Engine) loadSubscription(ctx context.Context, uow *unitOfWork, id string) (*domain.Subscription, error) {
	sub, err := e.store.LoadSubscription(ctx, uow.tx, id)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	return sub, nil
}

func (e *Engine) loadOrder(ctx context.Context, uow *unitOfWork, id string) (*domain.Order, error) {
	order, err := e.store.GetOrder(ctx, uow.tx, id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return order, nil
}

func (e *Engine) saveSubscription(ctx context.Context, uow *unitOfWork, sub *domain.Subscription) error {
	sub.UpdatedAt = e.now()
	if err := e.store.SaveSubscription(ctx, uow.tx, sub); err != nil {
		return domain.NewPersistenceError("save subscription", err).WithDetail("subscription_id", sub.ID)
	}
	return nil
}

func (e *Engine) saveOrder(ctx context.Context, uow *unitOfWork, order *domain.Order) error {
	order.UpdatedAt = e.now()
	if err := e.store.SaveOrder(ctx, uow.tx, order); err != nil {
		return domain.NewPersistenceError("save order", err).WithDetail("order_id", order.ID)
	}
	uow.cache.InvalidateSubscription(order.SubscriptionID)
	return nil
}
