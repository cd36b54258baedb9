package billing

import (
	"context"
	"testing"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/kevin07696/recurring-billing/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestProcessDueRenewals(t *testing.T) {
	h := newHarness(firstRenewal)

	approved, approvedParent := renewingSubscription()
	declined, declinedParent := renewingSubscription()
	notDue, notDueParent := renewingSubscription()
	notDue.SetDate(domain.DateNextPayment, firstRenewal.AddDate(0, 0, 3))
	h.store.put(approved, declined, notDue)
	h.store.putOrders(approvedParent, declinedParent, notDueParent)

	h.gateways.On("ChargeRenewal", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
		return o.SubscriptionID == approved.ID
	})).Return(&domain.ChargeResult{Approved: true}, nil)
	h.gateways.On("ChargeRenewal", mock.Anything, mock.Anything).
		Return(&domain.ChargeResult{DeclineCode: "card_declined"}, nil)

	result, err := h.engine.ProcessDueRenewals(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepRenewals, result.Sweep)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Empty(t, result.Errors)

	assert.Equal(t, domain.SubscriptionStatusActive, h.store.sub(approved.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusOnHold, h.store.sub(declined.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, h.store.sub(notDue.ID).Status)
	assert.Empty(t, h.store.ordersOf(notDue.ID, domain.OrderKindRenewal))
	h.gateways.AssertNumberOfCalls(t, "ChargeRenewal", 2)
}

func TestProcessDueRenewals_Empty(t *testing.T) {
	h := newHarness(firstRenewal)

	result, err := h.engine.ProcessDueRenewals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ProcessedCount)
	assert.NotNil(t, result.Errors)
}

func TestProcessDueRetries_ReportsFailures(t *testing.T) {
	f := newRetryFixture(t)
	f.h.gateways.On("ChargeRenewal", mock.Anything, mock.Anything).
		Return(&domain.ChargeResult{Approved: true}, nil)
	require.NoError(t, f.h.retries.Create(context.Background(), nil, &domain.RetryRecord{
		ID:             "retry-orphan",
		OrderID:        "missing-order",
		SubscriptionID: f.sub.ID,
		Status:         domain.RetryStatusPending,
		Due:            f.h.clock.Now().Add(-time.Hour),
	}))

	result, err := f.h.engine.ProcessDueRetries(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepRetries, result.Sweep)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "retry-orphan", result.Errors[0].ID)
	assert.Equal(t, domain.RetryStatusComplete, f.h.retries.get(f.rec.ID).Status)
	assert.True(t, f.h.logger.Logged("billing batch item failed"))
}

func TestProcessScheduledEnd(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		build func() *domain.Subscription
		want  domain.SubscriptionStatus
	}{
		{
			name: "pending cancel becomes cancelled",
			build: func() *domain.Subscription {
				return fixtures.NewSubscription(subStart).
					WithStatus(domain.SubscriptionStatusPendingCancel).
					WithDate(domain.DateCancelled, now.AddDate(0, 0, -10)).
					WithDate(domain.DateEnd, now.Add(-time.Hour)).
					Build()
			},
			want: domain.SubscriptionStatusCancelled,
		},
		{
			name: "active past its end expires",
			build: func() *domain.Subscription {
				return fixtures.NewSubscription(subStart).
					WithDate(domain.DateEnd, now.Add(-time.Hour)).
					Build()
			},
			want: domain.SubscriptionStatusExpired,
		},
		{
			name: "on-hold past its end expires",
			build: func() *domain.Subscription {
				return fixtures.NewSubscription(subStart).
					WithStatus(domain.SubscriptionStatusOnHold).
					WithDate(domain.DateEnd, now.Add(-time.Hour)).
					Build()
			},
			want: domain.SubscriptionStatusExpired,
		},
		{
			name: "end not reached",
			build: func() *domain.Subscription {
				return fixtures.NewSubscription(subStart).
					WithDate(domain.DateEnd, now.AddDate(0, 0, 1)).
					Build()
			},
			want: domain.SubscriptionStatusActive,
		},
		{
			name: "already ended",
			build: func() *domain.Subscription {
				return fixtures.NewSubscription(subStart).
					WithStatus(domain.SubscriptionStatusCancelled).
					WithDate(domain.DateEnd, now.Add(-time.Hour)).
					Build()
			},
			want: domain.SubscriptionStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(now)
			sub := tt.build()
			h.store.put(sub)

			require.NoError(t, h.engine.ProcessScheduledEnd(context.Background(), sub.ID))
			assert.Equal(t, tt.want, h.store.sub(sub.ID).Status)
		})
	}
}

func TestProcessDueEnds(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(now)
	ending := fixtures.NewSubscription(subStart).WithDate(domain.DateEnd, now.Add(-time.Hour)).Build()
	running := fixtures.NewSubscription(subStart).WithDate(domain.DateEnd, now.AddDate(0, 1, 0)).Build()
	h.store.put(ending, running)

	result, err := h.engine.ProcessDueEnds(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, domain.SubscriptionStatusExpired, h.store.sub(ending.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, h.store.sub(running.ID).Status)
}

func TestHandleHook(t *testing.T) {
	tests := []struct {
		name     string
		hook     string
		args     map[string]string
		wantCode domain.ErrorCode
	}{
		{name: "unknown hook", hook: "something_else", args: map[string]string{}, wantCode: domain.ErrorCodeValidationFailed},
		{name: "retry without id", hook: retry.HookPaymentRetry, args: map[string]string{}, wantCode: domain.ErrorCodeValidationFailed},
		{name: "renewal without id", hook: HookScheduledPayment, args: nil, wantCode: domain.ErrorCodeValidationFailed},
		{name: "end without id", hook: HookScheduledEnd, args: map[string]string{"other": "x"}, wantCode: domain.ErrorCodeValidationFailed},
		{name: "retry already fired", hook: retry.HookPaymentRetry, args: map[string]string{retry.ArgRetryID: "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(firstRenewal)
			err := h.engine.HandleHook(context.Background(), tt.hook, tt.args)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.GetErrorCode(err))
		})
	}
}

func TestHandleHook_DispatchesScheduledPayment(t *testing.T) {
	h := newHarness(firstRenewal)
	sub, parent := renewingSubscription()
	h.store.put(sub)
	h.store.putOrders(parent)
	h.gateways.On("ChargeRenewal", mock.Anything, mock.Anything).Return(&domain.ChargeResult{Approved: true}, nil)

	err := h.engine.HandleHook(context.Background(), HookScheduledPayment, map[string]string{ArgSubscriptionID: sub.ID})
	require.NoError(t, err)

	h.gateways.AssertNumberOfCalls(t, "ChargeRenewal", 1)
	assert.Len(t, h.store.ordersOf(sub.ID, domain.OrderKindRenewal), 1)
}

func TestDeleteOrder_CancelsRetries(t *testing.T) {
	f := newRetryFixture(t)

	require.NoError(t, f.h.engine.DeleteOrder(context.Background(), f.order.ID))

	assert.Equal(t, domain.RetryStatusCancelled, f.h.retries.get(f.rec.ID).Status)
	assert.True(t, f.h.store.sub(f.sub.ID).PaymentRetry().IsZero())
	f.h.scheduler.AssertCalled(t, "Cancel", mock.Anything, "job-1")

	events := f.h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "payment_retry", events[0].Fields["date_type"])
	assert.Equal(t, "", events[0].Fields["date"])
}

func TestDeleteOrder_NothingToCancel(t *testing.T) {
	h := newHarness(firstRenewal)
	sub, parent := renewingSubscription()
	h.store.put(sub)
	h.store.putOrders(parent)

	require.NoError(t, h.engine.DeleteOrder(context.Background(), parent.ID))
	assert.Empty(t, h.publisher.Events())
}

func TestUpdateOrderStatus(t *testing.T) {
	t.Run("paid by hand cancels the retry and reactivates", func(t *testing.T) {
		f := newRetryFixture(t)

		require.NoError(t, f.h.engine.UpdateOrderStatus(context.Background(), f.order.ID, domain.OrderStatusCompleted, "paid by phone"))

		assert.Equal(t, domain.RetryStatusCancelled, f.h.retries.get(f.rec.ID).Status)
		stored := f.h.store.sub(f.sub.ID)
		assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
		assert.True(t, stored.PaymentRetry().IsZero())

		order := f.h.store.order(f.order.ID)
		assert.Equal(t, domain.OrderStatusCompleted, order.Status)
		assert.Equal(t, "paid by phone", order.Meta["status_note"])
	})

	t.Run("other status cancels the retry only", func(t *testing.T) {
		f := newRetryFixture(t)

		require.NoError(t, f.h.engine.UpdateOrderStatus(context.Background(), f.order.ID, domain.OrderStatusOnHold, ""))

		assert.Equal(t, domain.RetryStatusCancelled, f.h.retries.get(f.rec.ID).Status)
		assert.Equal(t, domain.SubscriptionStatusOnHold, f.h.store.sub(f.sub.ID).Status)
		assert.Equal(t, domain.OrderStatusOnHold, f.h.store.order(f.order.ID).Status)
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newRetryFixture(t)

		err := f.h.engine.UpdateOrderStatus(context.Background(), f.order.ID, domain.OrderStatus("lost"), "")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
		assert.Equal(t, domain.RetryStatusPending, f.h.retries.get(f.rec.ID).Status)
	})
}

func TestRequestCache(t *testing.T) {
	c := NewRequestCache()

	_, ok := c.RelatedOrders("sub-1")
	assert.False(t, ok)

	orders := []*domain.Order{{ID: "o-1"}}
	c.SetRelatedOrders("sub-1", orders)
	got, ok := c.RelatedOrders("sub-1")
	require.True(t, ok)
	assert.Equal(t, orders, got)

	product := &domain.Product{ID: "p-1"}
	c.SetProduct("p-1", product)
	p, ok := c.Product("p-1")
	require.True(t, ok)
	assert.Equal(t, "p-1", p.ProductID())

	c.InvalidateSubscription("sub-1")
	_, ok = c.RelatedOrders("sub-1")
	assert.False(t, ok)
	_, ok = c.Product("p-1")
	assert.True(t, ok)
}
