package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/kevin07696/recurring-billing/internal/services/switching"
	"github.com/kevin07696/recurring-billing/internal/testutil/fixtures"
	"github.com/kevin07696/recurring-billing/internal/testutil/mocks"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	testmocks "github.com/kevin07696/recurring-billing/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	subStart     = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	firstRenewal = time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	engine    *Engine
	db        *mocks.MockDBPort
	store     *memoryStore
	retries   *memoryRetries
	catalog   *mocks.MockProductCatalog
	gateways  *mocks.MockGatewayRegistry
	scheduler *mocks.MockScheduler
	publisher *mocks.RecordingPublisher
	logger    *testmocks.MockLogger
	clock     *timeutil.FixedClock
}

type harnessOptions struct {
	rules    *retry.RuleTable
	policy   domain.ProrationPolicy
	cfg      Config
	gateways *mocks.MockGatewayRegistry
}

func newHarness(now time.Time) *harness {
	return newHarnessWith(now, harnessOptions{})
}

func newHarnessWith(now time.Time, opts harnessOptions) *harness {
	if opts.rules == nil {
		opts.rules = retry.DefaultRuleTable()
	}
	if opts.policy == (domain.ProrationPolicy{}) {
		opts.policy = domain.NoProration
	}
	if opts.gateways == nil {
		opts.gateways = new(mocks.MockGatewayRegistry).SupportsEverything()
	}

	clock := timeutil.NewFixedClock(now)
	h := &harness{
		db:        mocks.NewMockDBPort(),
		store:     newMemoryStore(clock),
		retries:   newMemoryRetries(),
		catalog:   new(mocks.MockProductCatalog),
		gateways:  opts.gateways,
		scheduler: new(mocks.MockScheduler),
		publisher: &mocks.RecordingPublisher{},
		logger:    testmocks.NewMockLogger(),
		clock:     clock,
	}
	h.scheduler.On("Schedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("job-token", nil)
	h.scheduler.On("Cancel", mock.Anything, mock.Anything).Return(nil)

	manager := retry.NewManager(opts.rules, h.retries, h.scheduler, h.gateways, clock, h.logger)
	h.engine = NewEngine(
		h.db,
		h.store,
		h.catalog,
		h.gateways,
		h.publisher,
		manager,
		switching.NewCalculator(opts.policy, switching.DefaultPrecision),
		clock,
		h.logger,
		opts.cfg,
	)
	return h
}

// renewingSubscription is active since subStart with its parent order paid and
// the first renewal due at firstRenewal.
func renewingSubscription() (*domain.Subscription, *domain.Order) {
	sub := fixtures.NewSubscription(subStart).
		WithDate(domain.DateNextPayment, firstRenewal).
		WithDate(domain.DateLastPayment, subStart).
		Build()
	parent := fixtures.NewOrder(sub).WithKind(domain.OrderKindParent).Paid(subStart).Build()
	return sub, parent
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, nil, nil, nil, nil, testmocks.NewMockLogger(), Config{})

	assert.Equal(t, DefaultConfig(), e.cfg)
	assert.Equal(t, domain.NoProration, e.switcher.Policy())
	assert.NotNil(t, e.clock)
}

func TestApplyTransition_CancelledCannotBeReactivated(t *testing.T) {
	h := newHarness(firstRenewal)
	sub := fixtures.NewSubscription(subStart).
		WithStatus(domain.SubscriptionStatusCancelled).
		WithDate(domain.DateCancelled, subStart.AddDate(0, 0, 10)).
		WithDate(domain.DateEnd, subStart.AddDate(0, 0, 10)).
		Build()
	h.store.put(sub)

	err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusActive, "")
	require.Error(t, err)
	assert.True(t, domain.IsInvalidTransition(err))
	assert.Equal(t, domain.SubscriptionStatusCancelled, sub.Status)
	assert.Equal(t, domain.SubscriptionStatusCancelled, h.store.sub(sub.ID).Status)
	assert.Empty(t, h.publisher.Events())
	assert.True(t, h.logger.Logged("subscription transition rejected"))
}

func TestApplyTransition_PersistenceFailureKeepsStatus(t *testing.T) {
	h := newHarness(firstRenewal)
	sub, _ := renewingSubscription()
	h.store.put(sub)
	h.store.saveSubErr = errors.New("connection reset")

	err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusOnHold, "customer asked")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodePersistenceError, domain.GetErrorCode(err))

	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.SuspensionCount)
	assert.Empty(t, sub.StatusLog)
	assert.Empty(t, h.publisher.Events())
}

func TestForceSubscriptionStatus_FailedCommitKeepsStatus(t *testing.T) {
	h := newHarness(firstRenewal)
	sub, _ := renewingSubscription()
	h.store.put(sub)
	h.db.CommitErr = errors.New("commit failed")

	err := h.engine.ForceSubscriptionStatus(context.Background(), sub, domain.SubscriptionStatusOnHold, "retrying payment")
	require.Error(t, err)

	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.SuspensionCount)
	assert.Empty(t, sub.StatusLog)
	assert.Empty(t, h.publisher.Events())
}

func TestForceOrderStatus_FailureKeepsOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"save fails", func(h *harness) { h.store.saveOrderErr = errors.New("connection reset") }},
		{"commit fails", func(h *harness) { h.db.CommitErr = errors.New("commit failed") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(firstRenewal)
			sub, _ := renewingSubscription()
			order := fixtures.NewOrder(sub).WithKind(domain.OrderKindRenewal).Build()
			h.store.put(sub)
			h.store.putOrders(order)
			tt.setup(h)

			err := h.engine.ForceOrderStatus(context.Background(), order, domain.OrderStatusCompleted, "payment received")
			require.Error(t, err)

			assert.Equal(t, domain.OrderStatusPending, order.Status)
			assert.True(t, order.PaidAt.IsZero())
			assert.NotContains(t, order.Meta, "status_note")
		})
	}
}

func TestApplyTransition_EventsPublishedOnlyAfterCommit(t *testing.T) {
	t.Run("commit fails", func(t *testing.T) {
		h := newHarness(firstRenewal)
		sub, _ := renewingSubscription()
		h.store.put(sub)
		h.db.CommitErr = errors.New("commit failed")

		err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusOnHold, "")
		require.Error(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
		assert.Empty(t, h.publisher.Events())
	})

	t.Run("commit succeeds", func(t *testing.T) {
		h := newHarness(firstRenewal)
		sub, _ := renewingSubscription()
		h.store.put(sub)

		err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusOnHold, "customer asked")
		require.NoError(t, err)

		assert.Equal(t, domain.SubscriptionStatusOnHold, sub.Status)
		assert.Equal(t, 1, sub.SuspensionCount)
		require.Len(t, sub.StatusLog, 1)
		assert.Equal(t, "customer asked", sub.StatusLog[0].Note)

		events := h.publisher.Events()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventSubscriptionStatusChanged, events[0].Type)
		assert.Equal(t, "active", events[0].Fields["old_status"])
		assert.Equal(t, "on-hold", events[0].Fields["new_status"])
	})

	t.Run("publish failure does not undo the change", func(t *testing.T) {
		h := newHarness(firstRenewal)
		h.publisher.Err = errors.New("bus closed")
		sub, _ := renewingSubscription()
		h.store.put(sub)

		err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusOnHold, "")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusOnHold, h.store.sub(sub.ID).Status)
		assert.True(t, h.logger.Logged("failed to publish event"))
	})
}

func TestApplyTransition_GatewayCapabilityReason(t *testing.T) {
	gateways := new(mocks.MockGatewayRegistry)
	gateways.On("Supports", "card", domain.FeatureReactivation).Return(false)
	gateways.On("Supports", mock.Anything, mock.Anything).Return(true)

	h := newHarnessWith(firstRenewal, harnessOptions{gateways: gateways})
	sub, _ := renewingSubscription()
	sub.Status = domain.SubscriptionStatusOnHold
	h.store.put(sub)

	err := h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusActive, "")
	require.Error(t, err)

	var domainErr *domain.DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "cannot reactivate: payment method does not support it", domainErr.Message)
	assert.Equal(t, domain.SubscriptionStatusOnHold, sub.Status)
}

func TestApplyTransition_ManualChangeCancelsRetries(t *testing.T) {
	now := firstRenewal.Add(time.Hour)
	h := newHarness(now)
	sub, _ := renewingSubscription()
	sub.Status = domain.SubscriptionStatusOnHold
	sub.SetDate(domain.DatePaymentRetry, firstRenewal.Add(12*time.Hour))
	h.store.put(sub)
	order := fixtures.NewOrder(sub).Build()
	h.store.putOrders(order)
	require.NoError(t, h.retries.Create(context.Background(), nil, &domain.RetryRecord{
		ID:             "retry-1",
		OrderID:        order.ID,
		SubscriptionID: sub.ID,
		Status:         domain.RetryStatusPending,
		Rule:           domain.RetryRule{Delay: 12 * time.Hour, OrderStatus: domain.OrderStatusPending, SubscriptionStatus: domain.SubscriptionStatusOnHold},
		Due:            firstRenewal.Add(12 * time.Hour),
		ScheduleToken:  "job-9",
	}))

	committed, err := h.engine.ApplyTransitionByID(context.Background(), sub.ID, domain.SubscriptionStatusCancelled, "customer cancelled")
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionStatusCancelled, committed.Status)
	assert.True(t, committed.PaymentRetry().IsZero())
	assert.Equal(t, now, committed.Cancelled())
	assert.Equal(t, domain.RetryStatusCancelled, h.retries.get("retry-1").Status)
	h.scheduler.AssertCalled(t, "Cancel", mock.Anything, "job-9")

	stored := h.store.sub(sub.ID)
	assert.True(t, stored.PaymentRetry().IsZero())
	assert.Contains(t, h.publisher.Types(), domain.EventSubscriptionDateUpdated)
}

func TestApplyTransition_UsesRequestCache(t *testing.T) {
	h := newHarness(firstRenewal)
	sub, parent := renewingSubscription()
	h.store.put(sub)
	h.store.putOrders(parent)

	require.NoError(t, h.engine.ApplyTransition(context.Background(), sub, domain.SubscriptionStatusOnHold, ""))
	assert.Equal(t, 1, h.store.findCalls)
}

func TestApplyTransition_DeleteRemovesTrashedSubscription(t *testing.T) {
	h := newHarness(firstRenewal)
	sub := fixtures.NewSubscription(subStart).
		WithStatus(domain.SubscriptionStatusTrash).
		WithDate(domain.DateEnd, subStart.AddDate(0, 0, 3)).
		Build()
	h.store.put(sub)

	_, err := h.engine.ApplyTransitionByID(context.Background(), sub.ID, domain.SubscriptionStatusDeleted, "")
	require.NoError(t, err)
	assert.Nil(t, h.store.sub(sub.ID))
}

func TestUpdateDates(t *testing.T) {
	now := subStart.AddDate(0, 0, 1)

	t.Run("valid change is saved", func(t *testing.T) {
		h := newHarness(now)
		sub, _ := renewingSubscription()
		h.store.put(sub)
		moved := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)

		committed, err := h.engine.UpdateDates(context.Background(), sub.ID, domain.Schedule{domain.DateNextPayment: moved})
		require.NoError(t, err)
		assert.Equal(t, moved, committed.NextPayment())
		assert.Equal(t, moved, h.store.sub(sub.ID).NextPayment())

		events := h.publisher.Events()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventSubscriptionDateUpdated, events[0].Type)
		assert.Equal(t, "next_payment", events[0].Fields["date_type"])
	})

	t.Run("out of order batch is rejected whole", func(t *testing.T) {
		h := newHarness(now)
		sub, _ := renewingSubscription()
		h.store.put(sub)

		_, err := h.engine.UpdateDates(context.Background(), sub.ID, domain.Schedule{
			domain.DateEnd:         time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			domain.DateNextPayment: subStart.AddDate(0, 0, -1),
		})
		require.Error(t, err)
		assert.True(t, domain.IsDateOrderingError(err))

		stored := h.store.sub(sub.ID)
		assert.Equal(t, firstRenewal, stored.NextPayment())
		assert.True(t, stored.End().IsZero())
		assert.Empty(t, h.publisher.Events())
	})

	t.Run("gateway without date changes", func(t *testing.T) {
		gateways := new(mocks.MockGatewayRegistry)
		gateways.On("Supports", "card", domain.FeatureDateChanges).Return(false)
		h := newHarnessWith(now, harnessOptions{gateways: gateways})
		sub, _ := renewingSubscription()
		h.store.put(sub)

		_, err := h.engine.UpdateDates(context.Background(), sub.ID, domain.Schedule{domain.DateNextPayment: firstRenewal.AddDate(0, 0, 3)})
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeGatewayUnsupported, domain.GetErrorCode(err))
	})

	t.Run("manual renewals may always move", func(t *testing.T) {
		gateways := new(mocks.MockGatewayRegistry)
		h := newHarnessWith(now, harnessOptions{gateways: gateways})
		sub, _ := renewingSubscription()
		sub.PaymentMethod.Manual = true
		h.store.put(sub)

		_, err := h.engine.UpdateDates(context.Background(), sub.ID, domain.Schedule{domain.DateNextPayment: firstRenewal.AddDate(0, 0, 3)})
		require.NoError(t, err)
		gateways.AssertNotCalled(t, "Supports", mock.Anything, mock.Anything)
	})

	t.Run("last payment cannot move back", func(t *testing.T) {
		h := newHarness(now)
		sub, _ := renewingSubscription()
		h.store.put(sub)

		_, err := h.engine.UpdateDates(context.Background(), sub.ID, domain.Schedule{domain.DateLastPayment: subStart.Add(-time.Hour)})
		require.Error(t, err)
		assert.True(t, domain.IsDateOrderingError(err))
	})
}

func TestRecalculateDates_SkipsMissedCycles(t *testing.T) {
	// the March renewal was missed; the next one is counted from the overdue date
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	h := newHarness(now)
	sub, parent := renewingSubscription()
	h.store.put(sub)
	h.store.putOrders(parent)

	committed, err := h.engine.RecalculateDates(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), committed.NextPayment())
}

func TestForceSubscriptionStatus_BypassesGatewayLimits(t *testing.T) {
	gateways := new(mocks.MockGatewayRegistry)
	gateways.On("Supports", mock.Anything, mock.Anything).Return(false)
	h := newHarnessWith(firstRenewal, harnessOptions{gateways: gateways})
	sub, _ := renewingSubscription()
	h.store.put(sub)

	require.NoError(t, h.engine.ForceSubscriptionStatus(context.Background(), sub, domain.SubscriptionStatusOnHold, "forced"))
	assert.Equal(t, domain.SubscriptionStatusOnHold, sub.Status)
	assert.Equal(t, domain.SubscriptionStatusOnHold, h.store.sub(sub.ID).Status)

	// the transition table still applies
	sub.Status = domain.SubscriptionStatusCancelled
	h.store.put(sub)
	err := h.engine.ForceSubscriptionStatus(context.Background(), sub, domain.SubscriptionStatusOnHold, "forced")
	assert.True(t, domain.IsInvalidTransition(err))
}
