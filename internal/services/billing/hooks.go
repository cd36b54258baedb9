package billing

import (
	"context"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
)

// HandleHook is the scheduler's entry point
func (e *Engine) HandleHook(ctx context.Context, hook string, args map[string]string) error {
	switch hook {
	case retry.HookPaymentRetry:
		id, err := requireArg(hook, args, retry.ArgRetryID)
		if err != nil {
			return err
		}
		return e.FireRetry(ctx, id)

	case HookScheduledPayment:
		id, err := requireArg(hook, args, ArgSubscriptionID)
		if err != nil {
			return err
		}
		return e.ProcessRenewal(ctx, id)

	case HookScheduledEnd:
		id, err := requireArg(hook, args, ArgSubscriptionID)
		if err != nil {
			return err
		}
		return e.ProcessScheduledEnd(ctx, id)
	}

	return domain.NewDomainError(domain.ErrorCodeValidationFailed, "unknown hook").WithDetail("hook", hook)
}

func requireArg(hook string, args map[string]string, key string) (string, error) {
	v := args[key]
	if v == "" {
		return "", domain.NewDomainError(domain.ErrorCodeValidationFailed, "missing hook argument").
			WithDetail("hook", hook).
			WithDetail("argument", key)
	}
	return v, nil
}

// DeleteOrder cancels every outstanding retry of an order that is being
// deleted and clears its subscription's retry date. Removing the order itself
// is left to the order store's owner.
func (e *Engine) DeleteOrder(ctx context.Context, orderID string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		order, err := e.loadOrder(ctx, uow, orderID)
		if err != nil {
			return err
		}

		cancelled, err := e.retries.CancelForOrder(ctx, uow.tx, orderID)
		if err != nil {
			return err
		}
		if cancelled == 0 || order.SubscriptionID == "" {
			return nil
		}

		sub, err := e.loadSubscription(ctx, uow, order.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.PaymentRetry().IsZero() {
			return nil
		}
		next := sub.Clone()
		next.UnsetDate(domain.DatePaymentRetry)
		if err := e.saveSubscription(ctx, uow, next); err != nil {
			return err
		}
		uow.record(domain.NewDateUpdatedEvent(sub.ID, domain.DatePaymentRetry, next.PaymentRetry(), e.now()))

		e.logger.Info("retries cancelled for deleted order",
			ports.String("order_id", orderID),
			ports.String("subscription_id", sub.ID),
			ports.Int("cancelled", cancelled))
		return nil
	})
}

// UpdateOrderStatus changes an order's status by hand. Paying or failing an
// order has the same effect on its subscription as a gateway callback would,
// and retries expecting a different status are cancelled.
func (e *Engine) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, note string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		order, err := e.loadOrder(ctx, uow, orderID)
		if err != nil {
			return err
		}
		if order.Status == status {
			return nil
		}

		switch {
		case status.IsPaid() && !order.Status.IsPaid():
			if err := e.setOrderStatus(ctx, uow, order, status, note); err != nil {
				return err
			}
			return e.paymentSucceeded(ctx, uow, order, "")
		case status == domain.OrderStatusFailed:
			return e.paymentFailed(ctx, uow, order, note)
		default:
			return e.setOrderStatus(ctx, uow, order, status, note)
		}
	})
}
