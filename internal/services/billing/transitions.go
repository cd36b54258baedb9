package billing

import (
	"context"
	"fmt"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/lifecycle"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/samber/lo"
)

// ApplyTransition moves sub to target on behalf of a person or an external
// request. Gateway capability limits apply. sub is updated only after the
// change commits; when the transition is rejected or cannot be saved it keeps
// the status it had.
func (e *Engine) ApplyTransition(ctx context.Context, sub *domain.Subscription, target domain.SubscriptionStatus, note string) error {
	committed, err := e.applyTransition(ctx, sub.ID, target, note)
	if err != nil {
		return err
	}
	*sub = *committed
	return nil
}

// ApplyTransitionByID is ApplyTransition for a subscription that is not loaded yet
func (e *Engine) ApplyTransitionByID(ctx context.Context, subscriptionID string, target domain.SubscriptionStatus, note string) (*domain.Subscription, error) {
	return e.applyTransition(ctx, subscriptionID, target, note)
}

func (e *Engine) applyTransition(ctx context.Context, subscriptionID string, target domain.SubscriptionStatus, note string) (*domain.Subscription, error) {
	var committed *domain.Subscription
	var from domain.SubscriptionStatus

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		// the stored copy is authoritative; a caller's copy may be stale
		sub, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}
		from = sub.Status

		committed, err = e.transition(ctx, uow, sub, target, note, false)
		return err
	})
	if err != nil {
		if domain.IsInvalidTransition(err) || domain.IsDateOrderingError(err) {
			observability.RecordTransition(string(from), string(target), "rejected")
			e.logger.Warn("subscription transition rejected",
				ports.String("subscription_id", subscriptionID),
				ports.String("from", string(from)),
				ports.String("to", string(target)),
				ports.Err(err))
			return nil, err
		}
		observability.RecordTransition(string(from), string(target), "failed")
		e.logger.Error("subscription transition failed",
			ports.String("subscription_id", subscriptionID),
			ports.String("to", string(target)),
			ports.Err(err))
		return nil, err
	}

	observability.RecordTransition(string(from), string(target), "committed")
	return committed, nil
}

// ForceSubscriptionStatus moves sub to status on the engine's own behalf. It
// joins the unit of work on ctx when there is one, updating sub straight away
// so the rest of that unit of work sees the change; sub is restored if the
// unit of work does not commit. Gateway capability limits do not apply but the
// transition table does.
func (e *Engine) ForceSubscriptionStatus(ctx context.Context, sub *domain.Subscription, status domain.SubscriptionStatus, note string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		next, err := e.transition(ctx, uow, sub, status, note, true)
		if err != nil {
			return err
		}
		prev := sub.Clone()
		*sub = *next
		uow.onRollback(func() { *sub = *prev })
		return nil
	})
}

// ForceOrderStatus sets an order's status on the engine's own behalf. Like
// ForceSubscriptionStatus, order is restored if the change does not commit.
func (e *Engine) ForceOrderStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus, note string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		return e.setOrderStatus(ctx, uow, order, status, note)
	})
}

// transition validates and persists a status change inside uow and returns the
// saved copy. sub itself is not modified.
func (e *Engine) transition(
	ctx context.Context,
	uow *unitOfWork,
	sub *domain.Subscription,
	target domain.SubscriptionStatus,
	note string,
	system bool,
) (*domain.Subscription, error) {
	if sub.Status == target {
		return sub.Clone(), nil
	}

	tc, completed, err := e.transitionContext(ctx, uow, sub, system)
	if err != nil {
		return nil, err
	}

	next, events, err := e.machine.Prepare(sub, lifecycle.Request{
		Context:           tc,
		Target:            target,
		Note:              note,
		CompletedPayments: completed,
	})
	if err != nil {
		return nil, err
	}

	cancelled, err := e.retries.CancelForStatusChange(ctx, uow.tx, next, target)
	if err != nil {
		return nil, err
	}
	if cancelled > 0 && !sub.PaymentRetry().IsZero() {
		events = append(events, domain.NewDateUpdatedEvent(sub.ID, domain.DatePaymentRetry, next.PaymentRetry(), tc.Now))
	}

	if target == domain.SubscriptionStatusDeleted {
		if err := e.store.DeleteSubscription(ctx, uow.tx, sub.ID); err != nil {
			return nil, domain.NewPersistenceError("delete subscription", err).WithDetail("subscription_id", sub.ID)
		}
	} else if err := e.saveSubscription(ctx, uow, next); err != nil {
		return nil, err
	}
	uow.record(events...)

	e.logger.Info("subscription status changed",
		ports.String("subscription_id", sub.ID),
		ports.String("from", string(sub.Status)),
		ports.String("to", string(target)),
		ports.Bool("system", system),
		ports.Int("retries_cancelled", cancelled))

	return next, nil
}

// transitionContext gathers what the state machine may look at for sub. It
// also returns the number of completed payments.
func (e *Engine) transitionContext(ctx context.Context, uow *unitOfWork, sub *domain.Subscription, system bool) (lifecycle.TransitionContext, int, error) {
	orders, err := e.relatedOrders(ctx, uow, sub.ID)
	if err != nil {
		return lifecycle.TransitionContext{}, 0, err
	}

	features := make(map[domain.GatewayFeature]bool, len(domain.AllGatewayFeatures))
	if !sub.IsManual() {
		for _, f := range domain.AllGatewayFeatures {
			features[f] = e.gateways.Supports(sub.PaymentMethod.GatewayID, f)
		}
	}

	return lifecycle.TransitionContext{
		Now:      e.now(),
		End:      sub.End(),
		Features: features,
		Manual:   sub.IsManual(),
		System:   system,
		NeedsPayment: lo.ContainsBy(orders, func(o *domain.Order) bool {
			return o.Kind != domain.OrderKindSwitch && o.NeedsPayment()
		}),
	}, domain.CountCompletedPayments(orders), nil
}

// setOrderStatus persists an order status change. Changes not made by the
// retry engine cancel the order's retries that expect another status.
func (e *Engine) setOrderStatus(ctx context.Context, uow *unitOfWork, order *domain.Order, status domain.OrderStatus, note string) error {
	if order.Status == status {
		return nil
	}
	if !status.IsValid() {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed, fmt.Sprintf("unknown order status %q", status))
	}

	from := order.Status
	prev := order.Clone()
	restore := func() { *order = *prev }
	order.Status = status
	if status.IsPaid() && order.PaidAt.IsZero() {
		order.PaidAt = e.now()
	}
	if note != "" {
		order.SetMeta("status_note", note)
	}

	if _, err := e.retries.CancelForOrderStatusChange(ctx, uow.tx, order, status); err != nil {
		restore()
		return err
	}
	if err := e.saveOrder(ctx, uow, order); err != nil {
		restore()
		return err
	}
	uow.onRollback(restore)

	e.logger.Debug("order status changed",
		ports.String("order_id", order.ID),
		ports.String("from", string(from)),
		ports.String("to", string(status)))
	return nil
}
