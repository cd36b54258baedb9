package billing

import (
	"context"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
)

// UpdateDates merges proposed into a subscription's schedule. A zero value
// unsets that date. The merged schedule must satisfy the ordering rules as a
// whole or nothing is saved. Moving next_payment on an automatic subscription
// needs a gateway that supports date changes.
func (e *Engine) UpdateDates(ctx context.Context, subscriptionID string, proposed domain.Schedule) (*domain.Subscription, error) {
	var committed *domain.Subscription

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		sub, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}

		if _, ok := proposed[domain.DateNextPayment]; ok && !sub.IsManual() &&
			!e.gateways.Supports(sub.PaymentMethod.GatewayID, domain.FeatureDateChanges) {
			return domain.NewDomainError(domain.ErrorCodeGatewayUnsupported,
				"the payment method does not support changing the next payment date").
				WithDetail("gateway_id", sub.PaymentMethod.GatewayID)
		}

		merged, err := e.calc.ValidateDateSet(proposed, sub.Dates)
		if err != nil {
			return err
		}

		next := sub.Clone()
		next.Dates = merged
		if err := e.saveSubscription(ctx, uow, next); err != nil {
			return err
		}
		uow.record(domain.DateUpdatedEvents(sub.ID, sub.Dates, next.Dates, e.now())...)
		committed = next
		return nil
	})
	if err != nil {
		if domain.IsDateOrderingError(err) || domain.IsDomainError(err, domain.ErrorCodeValidationFailed) ||
			domain.IsDomainError(err, domain.ErrorCodeGatewayUnsupported) {
			observability.RecordDateUpdate("rejected")
		} else {
			observability.RecordDateUpdate("failed")
		}
		e.logger.Warn("subscription date update not applied",
			ports.String("subscription_id", subscriptionID),
			ports.Err(err))
		return nil, err
	}

	observability.RecordDateUpdate("committed")
	return committed, nil
}

// RecalculateDates recomputes next_payment from the billing terms, for use after
// the terms or the payment history were corrected by hand. Ended subscriptions
// are left alone.
func (e *Engine) RecalculateDates(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	var committed *domain.Subscription

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		sub, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.HasStatus(domain.SubscriptionStatusActive, domain.SubscriptionStatusOnHold, domain.SubscriptionStatusPending) {
			committed = sub
			return nil
		}

		completed, err := e.completedPayments(ctx, uow, sub.ID)
		if err != nil {
			return err
		}
		now := e.now()

		next := sub.Clone()
		nextPayment, err := e.calc.NextPayment(next, completed, now)
		if err != nil {
			return err
		}
		next.SetDate(domain.DateNextPayment, nextPayment)

		if err := e.calc.CheckOrdering(next.Dates); err != nil {
			return err
		}
		if err := e.saveSubscription(ctx, uow, next); err != nil {
			return err
		}
		uow.record(domain.DateUpdatedEvents(sub.ID, sub.Dates, next.Dates, now)...)
		committed = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}
