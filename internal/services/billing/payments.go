package billing

import (
	"context"
	"errors"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/kevin07696/recurring-billing/pkg/observability"
)

// HandlePaymentSucceeded records a paid order against its subscription: the
// suspension count resets, last_payment advances and a pending or on-hold
// subscription becomes active with a fresh next payment.
func (e *Engine) HandlePaymentSucceeded(ctx context.Context, orderID string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		order, err := e.loadOrder(ctx, uow, orderID)
		if err != nil {
			return err
		}
		return e.paymentSucceeded(ctx, uow, order, "")
	})
}

// HandlePaymentFailed records a failed order. Renewal failures are handed to
// the retry engine; when no retry rule applies the subscription moves to the
// configured terminal failure status.
func (e *Engine) HandlePaymentFailed(ctx context.Context, orderID string) error {
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		order, err := e.loadOrder(ctx, uow, orderID)
		if err != nil {
			return err
		}
		return e.paymentFailed(ctx, uow, order, "payment failed")
	})
}

// ProcessRenewal bills a subscription whose next payment is due. The renewal
// order is created and the subscription put on-hold in one transaction; the
// charge runs outside it and its outcome is settled in a second one. A
// subscription that is no longer due is skipped.
func (e *Engine) ProcessRenewal(ctx context.Context, subscriptionID string) error {
	var order *domain.Order

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		sub, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}

		now := e.now()
		if reason := renewalSkipReason(sub, now); reason != "" {
			e.logger.Debug("renewal skipped",
				ports.String("subscription_id", sub.ID),
				ports.String("reason", reason))
			return nil
		}

		renewal, err := e.store.CreateDerivedOrder(ctx, uow.tx, sub, domain.OrderKindRenewal)
		if err != nil {
			return domain.NewPersistenceError("create renewal order", err).WithDetail("subscription_id", sub.ID)
		}
		uow.cache.InvalidateSubscription(sub.ID)

		if _, err := e.transition(ctx, uow, sub, domain.SubscriptionStatusOnHold, "renewal payment due", true); err != nil {
			return err
		}

		if !renewal.NeedsPayment() {
			return e.paymentSucceeded(ctx, uow, renewal, "")
		}

		e.logger.Info("renewal order created",
			ports.String("subscription_id", sub.ID),
			ports.String("order_id", renewal.ID),
			ports.String("total", renewal.Total.StringFixed(2)),
			ports.Bool("manual", sub.IsManual()))

		if !sub.IsManual() {
			order = renewal
		}
		return nil
	})
	if err != nil || order == nil {
		return err
	}

	result := e.charge(ctx, order)
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		fresh, err := e.loadOrder(ctx, uow, order.ID)
		if err != nil {
			return err
		}
		if result.Approved {
			return e.paymentSucceeded(ctx, uow, fresh, result.TransactionID)
		}
		if !fresh.NeedsPayment() {
			// settled some other way while the charge was running
			return nil
		}
		return e.paymentFailed(ctx, uow, fresh, declineNote(result))
	})
}

func renewalSkipReason(sub *domain.Subscription, now time.Time) string {
	if sub.Status != domain.SubscriptionStatusActive {
		return "subscription is " + string(sub.Status)
	}
	next := sub.NextPayment()
	if next.IsZero() {
		return "no next payment scheduled"
	}
	if next.After(now) {
		return "next payment not due"
	}
	if end := sub.End(); !end.IsZero() && !end.After(now) {
		return "subscription has reached its end date"
	}
	return ""
}

// FireRetry charges the order behind a due retry record. Only the caller that
// moves the record from pending to processing proceeds; every other call is a
// no-op. A retry whose order was paid, or whose statuses were changed by hand
// since it was scheduled, is cancelled without charging.
func (e *Engine) FireRetry(ctx context.Context, retryID string) error {
	var rec *domain.RetryRecord
	var order *domain.Order

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		claimed, won, err := e.retries.Claim(ctx, uow.tx, retryID)
		if err != nil {
			return err
		}
		if !won {
			e.logger.Debug("retry is not pending, nothing to fire", ports.String("retry_id", retryID))
			return nil
		}

		o, err := e.loadOrder(ctx, uow, claimed.OrderID)
		if err != nil {
			return err
		}
		sub, err := e.loadSubscription(ctx, uow, claimed.SubscriptionID)
		if err != nil {
			return err
		}

		if ok, reason := e.retries.StillApplies(claimed, o, sub); !ok {
			ev, err := e.retries.Abandon(ctx, uow.tx, claimed, reason)
			if err != nil {
				return err
			}
			uow.record(ev)
			observability.RecordRetry(string(domain.RetryStatusCancelled))
			return nil
		}

		before := sub.Dates.Clone()
		if err := e.retries.Prepare(ctx, uow.tx, e, o, sub); err != nil {
			return err
		}
		if err := e.saveSubscription(ctx, uow, sub); err != nil {
			return err
		}
		if !before.Get(domain.DatePaymentRetry).IsZero() {
			uow.record(domain.NewDateUpdatedEvent(sub.ID, domain.DatePaymentRetry, time.Time{}, e.now()))
		}

		rec, order = claimed, o
		return nil
	})
	if err != nil || rec == nil {
		return err
	}

	result := e.charge(ctx, order)
	return e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		fresh, err := e.loadOrder(ctx, uow, order.ID)
		if err != nil {
			return err
		}

		stillNeedsPayment := !result.Approved && fresh.NeedsPayment()
		// settle the record first so the status changes below do not cancel it
		ev, err := e.retries.Finish(ctx, uow.tx, rec, stillNeedsPayment)
		switch {
		case errors.Is(err, retry.ErrStatusRaced):
			// the charge already ran, so the order is settled regardless
			e.logger.Warn("retry record changed during charge",
				ports.String("retry_id", rec.ID),
				ports.String("order_id", fresh.ID),
				ports.Bool("approved", result.Approved))
		case err != nil:
			return err
		default:
			uow.record(ev)
			observability.RecordRetry(string(rec.Status))
		}

		if result.Approved {
			return e.paymentSucceeded(ctx, uow, fresh, result.TransactionID)
		}
		if !stillNeedsPayment {
			return nil
		}
		return e.paymentFailed(ctx, uow, fresh, declineNote(result))
	})
}

// charge asks the gateway for the money. A gateway error counts as a decline.
func (e *Engine) charge(ctx context.Context, order *domain.Order) *domain.ChargeResult {
	start := time.Now()
	result, err := e.gateways.ChargeRenewal(ctx, order)
	elapsed := time.Since(start)

	status := "approved"
	switch {
	case err != nil:
		status = "error"
		e.logger.Error("renewal charge failed",
			ports.String("order_id", order.ID),
			ports.String("gateway_id", order.GatewayID),
			ports.Err(err))
		result = &domain.ChargeResult{Message: err.Error()}
	case result == nil:
		status = "error"
		result = &domain.ChargeResult{Message: "gateway returned no result"}
	case !result.Approved:
		status = "declined"
	}

	observability.RecordRenewalCharge(order.GatewayID, status, order.Total.Shift(2).Round(0).IntPart(), elapsed.Seconds())
	e.logger.Info("renewal charged",
		ports.String("order_id", order.ID),
		ports.String("gateway_id", order.GatewayID),
		ports.String("status", status),
		ports.Duration("duration", elapsed))
	return result
}

func declineNote(result *domain.ChargeResult) string {
	note := "payment declined"
	if result.DeclineCode != "" {
		note += " (" + result.DeclineCode + ")"
	}
	if result.Message != "" {
		note += ": " + result.Message
	}
	return note
}

func (e *Engine) paymentSucceeded(ctx context.Context, uow *unitOfWork, order *domain.Order, transactionID string) error {
	if transactionID != "" {
		order.TransactionID = transactionID
	}
	if !order.Status.IsPaid() {
		if err := e.setOrderStatus(ctx, uow, order, domain.OrderStatusCompleted, "payment received"); err != nil {
			return err
		}
	} else if transactionID != "" {
		if err := e.saveOrder(ctx, uow, order); err != nil {
			return err
		}
	}

	if order.Kind == domain.OrderKindSwitch {
		return e.switchOrderPaid(ctx, uow, order)
	}

	sub, err := e.loadSubscription(ctx, uow, order.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.HasStatus(domain.SubscriptionStatusPending, domain.SubscriptionStatusActive,
		domain.SubscriptionStatusOnHold, domain.SubscriptionStatusPendingCancel) {
		e.logger.Warn("payment received for an ended subscription",
			ports.String("subscription_id", sub.ID),
			ports.String("order_id", order.ID),
			ports.String("status", string(sub.Status)))
		return nil
	}

	now := e.now()
	working := sub.Clone()
	working.SuspensionCount = 0
	working.UnsetDate(domain.DatePaymentRetry)

	// renewal orders are created when the payment falls due
	paidFor := order.CreatedAt
	if paidFor.IsZero() || paidFor.After(now) {
		paidFor = now
	}
	cancelled := working.Cancelled()
	if paidFor.After(working.LastPayment()) && (cancelled.IsZero() || !paidFor.After(cancelled)) {
		working.SetDate(domain.DateLastPayment, paidFor)
	}

	if working.HasStatus(domain.SubscriptionStatusPending, domain.SubscriptionStatusOnHold) {
		uow.record(domain.DateUpdatedEvents(sub.ID, sub.Dates, working.Dates, now)...)
		_, err := e.transition(ctx, uow, working, domain.SubscriptionStatusActive, "payment received", true)
		return err
	}

	if working.Status == domain.SubscriptionStatusActive {
		if stored := working.NextPayment(); stored.IsZero() || !stored.After(now) {
			completed, err := e.completedPayments(ctx, uow, sub.ID)
			if err != nil {
				return err
			}
			next, err := e.calc.NextPayment(working, completed, now)
			if err != nil {
				return err
			}
			working.SetDate(domain.DateNextPayment, next)
		}
	}

	if err := e.calc.CheckOrdering(working.Dates); err != nil {
		return err
	}
	if err := e.saveSubscription(ctx, uow, working); err != nil {
		return err
	}
	uow.record(domain.DateUpdatedEvents(sub.ID, sub.Dates, working.Dates, now)...)
	return nil
}

// switchOrderPaid activates the replacement subscription a switch order was
// created for. Switch orders settle proration only, so no payment dates move.
func (e *Engine) switchOrderPaid(ctx context.Context, uow *unitOfWork, order *domain.Order) error {
	sub, err := e.loadSubscription(ctx, uow, order.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.SubscriptionStatusPending || sub.ParentOrderID != order.ID {
		return nil
	}
	_, err = e.transition(ctx, uow, sub, domain.SubscriptionStatusActive, "switch order paid", true)
	return err
}

func (e *Engine) paymentFailed(ctx context.Context, uow *unitOfWork, order *domain.Order, note string) error {
	if order.Status.IsPaid() {
		return nil
	}
	if err := e.setOrderStatus(ctx, uow, order, domain.OrderStatusFailed, note); err != nil {
		return err
	}
	if order.Kind != domain.OrderKindRenewal {
		return nil
	}

	sub, err := e.loadSubscription(ctx, uow, order.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.HasStatus(domain.SubscriptionStatusActive, domain.SubscriptionStatusOnHold) {
		return nil
	}

	before := sub.Dates.Clone()
	rec, events, err := e.retries.OnPaymentFailed(ctx, uow.tx, e, sub, order)
	if err != nil {
		return err
	}

	if rec == nil {
		return e.terminalFailure(ctx, uow, sub, order)
	}

	observability.RecordRetry("scheduled")
	if err := e.saveSubscription(ctx, uow, sub); err != nil {
		return err
	}
	uow.record(events...)
	if !sub.PaymentRetry().Equal(before.Get(domain.DatePaymentRetry)) {
		uow.record(domain.NewDateUpdatedEvent(sub.ID, domain.DatePaymentRetry, sub.PaymentRetry(), e.now()))
	}
	return nil
}

// terminalFailure applies the failure policy once automatic retries are over
func (e *Engine) terminalFailure(ctx context.Context, uow *unitOfWork, sub *domain.Subscription, order *domain.Order) error {
	target := e.cfg.TerminalFailureStatus
	e.logger.Warn("renewal payment failed with no retry left",
		ports.String("subscription_id", sub.ID),
		ports.String("order_id", order.ID),
		ports.String("status", string(target)))

	if sub.Status == target {
		return nil
	}
	_, err := e.transition(ctx, uow, sub, target, "renewal payment failed", true)
	if domain.IsInvalidTransition(err) {
		e.logger.Warn("terminal failure status not applied",
			ports.String("subscription_id", sub.ID),
			ports.Err(err))
		return nil
	}
	return err
}
