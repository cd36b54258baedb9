package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/switching"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/shopspring/decimal"
)

// SwitchRequest asks to replace one line item with another product
type SwitchRequest struct {
	SubscriptionID string
	ExistingItemID string
	NewProductID   string
	// Quantity of the new product; zero keeps the existing quantity.
	Quantity int
}

// SwitchOutcome is a committed switch
type SwitchOutcome struct {
	// Subscription now carries the new item. It is Original itself when the
	// billing schedule did not change.
	Subscription *domain.Subscription
	Original     *domain.Subscription
	Order        *domain.Order
	Result       domain.SwitchResult
}

// Replaced reports whether the new item moved to a new subscription
func (o *SwitchOutcome) Replaced() bool {
	return o.Subscription.ID != o.Original.ID
}

// Switch replaces a line item with another product. When the new product bills
// on the same schedule the item is swapped in place; otherwise it moves to a
// new subscription and the original is marked switched once it has no items
// left. Any proration is charged on a switch order.
func (e *Engine) Switch(ctx context.Context, req SwitchRequest) (*SwitchOutcome, error) {
	var out *SwitchOutcome

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		sub, err := e.loadSubscription(ctx, uow, req.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionStatusActive {
			return domain.NewDomainError(domain.ErrorCodeSubNotSwitchable, "only active subscriptions can be switched").
				WithDetail("status", string(sub.Status))
		}

		product, err := e.product(ctx, uow, req.NewProductID)
		if err != nil {
			return err
		}
		completed, err := e.completedPayments(ctx, uow, sub.ID)
		if err != nil {
			return err
		}

		now := e.now()
		result, err := e.computeSwitch(switching.Request{
			Now:               now,
			Subscription:      sub,
			NewProduct:        product,
			ExistingItemID:    req.ExistingItemID,
			Quantity:          req.Quantity,
			CompletedPayments: completed,
		})
		if err != nil {
			return err
		}

		inPlace := product.BillingTerms().SameSchedule(sub.Terms)
		if err := e.checkAmountChange(sub, result, inPlace); err != nil {
			return err
		}

		if inPlace {
			out, err = e.switchInPlace(ctx, uow, sub, result, now)
		} else {
			out, err = e.switchToNewSubscription(ctx, uow, sub, product, result, now)
		}
		if err != nil {
			return err
		}

		uow.record(domain.NewSwitchedEvent(sub.ID, out.Subscription.ID, out.Order.ID, result.Direction, now))
		return nil
	})
	if err != nil {
		e.logger.Warn("subscription switch not applied",
			ports.String("subscription_id", req.SubscriptionID),
			ports.String("product_id", req.NewProductID),
			ports.Err(err))
		return nil, err
	}

	observability.RecordSwitch(string(out.Result.Direction), out.Result.ProrationApplied)
	e.logger.Info("subscription switched",
		ports.String("subscription_id", out.Original.ID),
		ports.String("new_subscription_id", out.Subscription.ID),
		ports.String("order_id", out.Order.ID),
		ports.String("direction", string(out.Result.Direction)),
		ports.String("total_due", out.Order.Total.StringFixed(2)))
	return out, nil
}

// computeSwitch runs the configured policy and falls back to no proration
// when that fails. Input errors are returned as they are; anything else
// becomes the generic switch failure.
func (e *Engine) computeSwitch(req switching.Request) (domain.SwitchResult, error) {
	result, err := e.switcher.Compute(req)
	if err == nil {
		return result, nil
	}
	if domain.IsDomainError(err, domain.ErrorCodeValidationFailed) {
		return domain.SwitchResult{}, err
	}

	e.logger.Warn("proration failed, switching without proration",
		ports.String("subscription_id", req.Subscription.ID),
		ports.Err(err))

	result, err = e.switcher.WithPolicy(domain.NoProration).Compute(req)
	if err != nil {
		observability.RecordSwitchFailure()
		e.logger.Error("switch could not be computed",
			ports.String("subscription_id", req.Subscription.ID),
			ports.Err(err))
		return domain.SwitchResult{}, domain.ErrSwitchFailed
	}
	return result, nil
}

// checkAmountChange refuses to change the recurring amount of a subscription
// whose gateway cannot follow.
func (e *Engine) checkAmountChange(sub *domain.Subscription, result domain.SwitchResult, inPlace bool) error {
	if sub.IsManual() || e.gateways.Supports(sub.PaymentMethod.GatewayID, domain.FeatureAmountChanges) {
		return nil
	}

	existing, _ := sub.LineItem(result.ExistingItemID)
	changes := len(sub.LineItems) > 1
	if inPlace {
		changes = !existing.Total().Equal(result.NewItem.Total())
	}
	if !changes {
		return nil
	}
	return domain.NewDomainError(domain.ErrorCodeSubNotSwitchable,
		"the payment method does not support changing the recurring amount").
		WithDetail("gateway_id", sub.PaymentMethod.GatewayID)
}

func (e *Engine) switchInPlace(
	ctx context.Context,
	uow *unitOfWork,
	sub *domain.Subscription,
	result domain.SwitchResult,
	now time.Time,
) (*SwitchOutcome, error) {
	next := sub.Clone()
	next.ReplaceLineItem(result.ExistingItemID, result.NewItem)
	if !result.FirstPayment.IsZero() || !result.End.IsZero() {
		next.SetDate(domain.DateNextPayment, result.FirstPayment)
	}
	if !result.End.IsZero() {
		next.SetDate(domain.DateEnd, result.End)
	}
	if err := e.calc.CheckOrdering(next.Dates); err != nil {
		return nil, err
	}

	order, err := e.createSwitchOrder(ctx, uow, next, result, now)
	if err != nil {
		return nil, err
	}
	if err := e.saveSubscription(ctx, uow, next); err != nil {
		return nil, err
	}
	uow.record(domain.DateUpdatedEvents(sub.ID, sub.Dates, next.Dates, now)...)

	return &SwitchOutcome{Subscription: next, Original: next, Order: order, Result: result}, nil
}

func (e *Engine) switchToNewSubscription(
	ctx context.Context,
	uow *unitOfWork,
	sub *domain.Subscription,
	product domain.Recurring,
	result domain.SwitchResult,
	now time.Time,
) (*SwitchOutcome, error) {
	replacement := &domain.Subscription{
		ID:            uuid.New().String(),
		CustomerID:    sub.CustomerID,
		Status:        domain.SubscriptionStatusPending,
		Terms:         product.BillingTerms(),
		PaymentMethod: sub.PaymentMethod,
		LineItems:     []domain.LineItem{result.NewItem},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	replacement.PaymentMethod.Meta = clonedMeta(sub.PaymentMethod.Meta)
	replacement.SetDate(domain.DateStart, now)
	replacement.SetDate(domain.DateEnd, result.End)

	first := result.FirstPayment
	if first.IsZero() || !first.After(now) {
		computed, err := e.calc.NextPayment(replacement, 0, now)
		if err != nil {
			return nil, err
		}
		first = computed
	}
	replacement.SetDate(domain.DateNextPayment, first)
	if err := e.calc.CheckOrdering(replacement.Dates); err != nil {
		return nil, err
	}

	order, err := e.createSwitchOrder(ctx, uow, replacement, result, now)
	if err != nil {
		return nil, err
	}
	replacement.ParentOrderID = order.ID
	if err := e.store.CreateSubscription(ctx, uow.tx, replacement); err != nil {
		return nil, domain.NewPersistenceError("create subscription", err).WithDetail("subscription_id", replacement.ID)
	}
	// an unpaid switch order keeps the replacement pending until it is paid
	if !order.NeedsPayment() {
		replacement, err = e.transition(ctx, uow, replacement, domain.SubscriptionStatusActive, "created by switch from "+sub.ID, true)
		if err != nil {
			return nil, err
		}
	}

	var original *domain.Subscription
	if len(sub.LineItems) == 1 {
		original, err = e.transition(ctx, uow, sub, domain.SubscriptionStatusSwitched, "switched to "+replacement.ID, false)
		if err != nil {
			return nil, err
		}
	} else {
		original = sub.Clone()
		original.RemoveLineItem(result.ExistingItemID)
		if err := e.saveSubscription(ctx, uow, original); err != nil {
			return nil, err
		}
	}

	return &SwitchOutcome{Subscription: replacement, Original: original, Order: order, Result: result}, nil
}

func (e *Engine) createSwitchOrder(
	ctx context.Context,
	uow *unitOfWork,
	sub *domain.Subscription,
	result domain.SwitchResult,
	now time.Time,
) (*domain.Order, error) {
	order := &domain.Order{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		GatewayID:      sub.PaymentMethod.GatewayID,
		Kind:           domain.OrderKindSwitch,
		Status:         domain.OrderStatusPending,
		Total:          result.TotalDue(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !order.Total.IsPositive() {
		order.Status = domain.OrderStatusCompleted
		order.PaidAt = now
	}

	order.SetMeta("switch_direction", string(result.Direction))
	order.SetMeta("switched_from_item", result.ExistingItemID)
	order.SetMeta("switched_to_item", result.NewItem.ID)
	order.SetMeta("switched_to_product", result.NewItem.ProductID)
	order.SetMeta("extra_charge", result.ExtraCharge.String())
	order.SetMeta("sign_up_fee_charge", result.SignUpFeeCharge.String())
	if result.ChargeNow.GreaterThan(decimal.Zero) {
		order.SetMeta("recurring_charge", result.ChargeNow.String())
	}
	if !result.FirstPayment.IsZero() {
		order.SetMeta("first_payment", result.FirstPayment.Format(time.RFC3339))
	}

	if err := e.store.CreateOrder(ctx, uow.tx, order); err != nil {
		return nil, domain.NewPersistenceError("create switch order", err).WithDetail("subscription_id", sub.ID)
	}
	uow.cache.InvalidateSubscription(sub.ID)
	return order, nil
}

// Resubscribe starts a new pending subscription with the same items and terms
// as an ended one, together with the order that pays for it. The new
// subscription becomes active once that order is paid.
func (e *Engine) Resubscribe(ctx context.Context, subscriptionID string) (*domain.Subscription, *domain.Order, error) {
	var created *domain.Subscription
	var order *domain.Order

	err := e.inTransaction(ctx, func(ctx context.Context, uow *unitOfWork) error {
		old, err := e.loadSubscription(ctx, uow, subscriptionID)
		if err != nil {
			return err
		}
		if !old.HasStatus(domain.SubscriptionStatusCancelled, domain.SubscriptionStatusExpired) {
			return domain.NewDomainError(domain.ErrorCodeValidationFailed,
				"only cancelled or expired subscriptions can be resubscribed").
				WithDetail("status", string(old.Status))
		}

		now := e.now()
		sub := old.Clone()
		sub.ID = uuid.New().String()
		sub.ParentOrderID = ""
		sub.Status = domain.SubscriptionStatusPending
		sub.StatusLog = nil
		sub.SuspensionCount = 0
		sub.Dates = domain.NewSchedule(map[domain.DateType]time.Time{domain.DateStart: now})
		sub.CreatedAt = now
		sub.UpdatedAt = now
		for i := range sub.LineItems {
			sub.LineItems[i].ID = uuid.New().String()
		}

		if err := e.store.CreateSubscription(ctx, uow.tx, sub); err != nil {
			return domain.NewPersistenceError("create subscription", err).WithDetail("resubscribed_from", old.ID)
		}
		o, err := e.store.CreateDerivedOrder(ctx, uow.tx, sub, domain.OrderKindResubscribe)
		if err != nil {
			return domain.NewPersistenceError("create resubscribe order", err).WithDetail("subscription_id", sub.ID)
		}
		o.SetMeta("resubscribed_from", old.ID)
		if err := e.saveOrder(ctx, uow, o); err != nil {
			return err
		}

		created, order = sub, o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("subscription resubscribed",
		ports.String("subscription_id", subscriptionID),
		ports.String("new_subscription_id", created.ID),
		ports.String("order_id", order.ID))
	return created, order, nil
}

func clonedMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
