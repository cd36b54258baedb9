package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/samber/lo"
)

// HookPaymentRetry is the scheduler hook that fires a retry. Its only argument is ArgRetryID.
const (
	HookPaymentRetry = "payment_retry"
	ArgRetryID       = "retry_id"
)

// ErrStatusRaced is returned when a retry record changed status between being
// read and being settled.
var ErrStatusRaced = errors.New("retry changed status while processing")

// StatusForcer moves an order or subscription into the status a retry rule
// requires. The billing engine implements it, persisting the change in the
// transaction carried by ctx and updating the value passed in.
type StatusForcer interface {
	ForceOrderStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus, note string) error
	ForceSubscriptionStatus(ctx context.Context, sub *domain.Subscription, status domain.SubscriptionStatus, note string) error
}

type forcingKey struct{}

// WithForcing marks ctx as carrying a status change made by the retry engine
// itself, so the change does not cancel the retry that caused it.
func WithForcing(ctx context.Context) context.Context {
	return context.WithValue(ctx, forcingKey{}, true)
}

// IsForcing reports whether ctx was marked by WithForcing
func IsForcing(ctx context.Context) bool {
	forcing, _ := ctx.Value(forcingKey{}).(bool)
	return forcing
}

// Manager owns the retry record lifecycle
type Manager struct {
	rules     *RuleTable
	repo      ports.RetryRepository
	scheduler ports.Scheduler
	gateways  ports.GatewayRegistry
	clock     timeutil.Clock
	logger    ports.Logger
}

// NewManager creates a retry manager
func NewManager(
	rules *RuleTable,
	repo ports.RetryRepository,
	scheduler ports.Scheduler,
	gateways ports.GatewayRegistry,
	clock timeutil.Clock,
	logger ports.Logger,
) *Manager {
	if rules == nil {
		rules = DisabledRuleTable()
	}
	return &Manager{
		rules:     rules,
		repo:      repo,
		scheduler: scheduler,
		gateways:  gateways,
		clock:     clock,
		logger:    logger,
	}
}

// Rules returns the table in use
func (m *Manager) Rules() *RuleTable {
	return m.rules
}

// OnPaymentFailed schedules the next retry for a failed renewal order. A nil
// record means no rule applies and the failure is terminal for automatic retry.
func (m *Manager) OnPaymentFailed(
	ctx context.Context,
	db ports.DBTX,
	forcer StatusForcer,
	sub *domain.Subscription,
	order *domain.Order,
) (*domain.RetryRecord, []domain.Event, error) {
	if sub.IsManual() || !m.gateways.Supports(sub.PaymentMethod.GatewayID, domain.FeatureDateChanges) {
		return nil, nil, nil
	}

	attempt, err := m.repo.CountByOrder(ctx, db, order.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("count retries for order %s: %w", order.ID, err)
	}

	rule, ok := m.rules.Lookup(attempt, sub.PaymentMethod.GatewayID)
	if !ok {
		m.logger.Info("no retry rule for attempt, giving up",
			ports.String("subscription_id", sub.ID),
			ports.String("order_id", order.ID),
			ports.Int("attempt", attempt))
		return nil, nil, nil
	}

	now := m.clock.Now()
	rec := &domain.RetryRecord{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		SubscriptionID: sub.ID,
		Status:         domain.RetryStatusPending,
		Rule:           rule,
		Attempt:        attempt,
		Due:            now.Add(rule.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// zero-delay retries are left for the due sweep
	if rule.Delay > 0 {
		token, err := m.scheduler.Schedule(ctx, rec.Due, HookPaymentRetry, map[string]string{ArgRetryID: rec.ID})
		if err != nil {
			return nil, nil, fmt.Errorf("schedule retry: %w", err)
		}
		rec.ScheduleToken = token
	}

	if err := m.repo.Create(ctx, db, rec); err != nil {
		return nil, nil, fmt.Errorf("create retry record: %w", err)
	}

	forcing := WithForcing(ctx)
	if rule.OrderStatus != "" && order.Status != rule.OrderStatus {
		if err := forcer.ForceOrderStatus(forcing, order, rule.OrderStatus, "awaiting automatic payment retry"); err != nil {
			return nil, nil, fmt.Errorf("apply retry order status: %w", err)
		}
	}
	if rule.SubscriptionStatus != "" && sub.Status != rule.SubscriptionStatus {
		if err := forcer.ForceSubscriptionStatus(forcing, sub, rule.SubscriptionStatus, "awaiting automatic payment retry"); err != nil {
			return nil, nil, fmt.Errorf("apply retry subscription status: %w", err)
		}
	}
	sub.SetDate(domain.DatePaymentRetry, rec.Due)

	m.logger.Info("payment retry scheduled",
		ports.String("retry_id", rec.ID),
		ports.String("subscription_id", sub.ID),
		ports.String("order_id", order.ID),
		ports.Int("attempt", attempt),
		ports.Time("due", rec.Due))

	return rec, []domain.Event{domain.NewRetryScheduledEvent(rec, now)}, nil
}

// Claim moves a pending record to processing. This conditional write is the
// only gate against firing the same retry twice; a caller that loses gets false.
func (m *Manager) Claim(ctx context.Context, db ports.DBTX, retryID string) (*domain.RetryRecord, bool, error) {
	won, err := m.repo.CompareAndSetStatus(ctx, db, retryID, domain.RetryStatusPending, domain.RetryStatusProcessing)
	if err != nil {
		return nil, false, fmt.Errorf("claim retry %s: %w", retryID, err)
	}
	if !won {
		return nil, false, nil
	}

	rec, err := m.repo.Get(ctx, db, retryID)
	if err != nil {
		return nil, false, fmt.Errorf("get retry %s: %w", retryID, err)
	}
	rec.Status = domain.RetryStatusProcessing
	return rec, true, nil
}

// StillApplies re-checks a claimed retry against the current order and
// subscription. Someone may have paid or changed the status by hand since the
// retry was scheduled; in that case the reason says what changed.
func (m *Manager) StillApplies(rec *domain.RetryRecord, order *domain.Order, sub *domain.Subscription) (bool, string) {
	if !order.NeedsPayment() {
		return false, "order no longer needs payment"
	}
	if rec.Rule.OrderStatus != "" && order.Status != rec.Rule.OrderStatus {
		return false, fmt.Sprintf("order status is %s, retry expected %s", order.Status, rec.Rule.OrderStatus)
	}
	if rec.Rule.SubscriptionStatus != "" && sub.Status != rec.Rule.SubscriptionStatus {
		return false, fmt.Sprintf("subscription status is %s, retry expected %s", sub.Status, rec.Rule.SubscriptionStatus)
	}
	return true, ""
}

// Prepare readies a claimed retry for charging: the order goes back to pending
// and the subscription on-hold until the charge settles.
func (m *Manager) Prepare(
	ctx context.Context,
	db ports.DBTX,
	forcer StatusForcer,
	order *domain.Order,
	sub *domain.Subscription,
) error {
	forcing := WithForcing(ctx)
	if order.Status != domain.OrderStatusPending {
		if err := forcer.ForceOrderStatus(forcing, order, domain.OrderStatusPending, "retrying payment"); err != nil {
			return fmt.Errorf("force order pending: %w", err)
		}
	}
	if sub.Status != domain.SubscriptionStatusOnHold {
		if err := forcer.ForceSubscriptionStatus(forcing, sub, domain.SubscriptionStatusOnHold, "retrying payment"); err != nil {
			return fmt.Errorf("force subscription on-hold: %w", err)
		}
	}
	sub.UnsetDate(domain.DatePaymentRetry)
	return nil
}

// Finish records the outcome of a charged retry. A failed retry leaves the
// next attempt to the failure handling that follows it.
func (m *Manager) Finish(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord, stillNeedsPayment bool) (domain.Event, error) {
	outcome := domain.RetryStatusComplete
	if stillNeedsPayment {
		outcome = domain.RetryStatusFailed
	}
	if err := m.settle(ctx, db, rec, outcome); err != nil {
		return domain.Event{}, err
	}

	m.logger.Info("payment retry finished",
		ports.String("retry_id", rec.ID),
		ports.String("order_id", rec.OrderID),
		ports.String("outcome", string(outcome)))

	return domain.NewRetryFiredEvent(rec, m.clock.Now()), nil
}

// Abandon cancels a claimed retry without charging
func (m *Manager) Abandon(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord, reason string) (domain.Event, error) {
	if err := m.settle(ctx, db, rec, domain.RetryStatusCancelled); err != nil {
		return domain.Event{}, err
	}

	m.logger.Warn("payment retry abandoned",
		ports.String("retry_id", rec.ID),
		ports.String("order_id", rec.OrderID),
		ports.String("reason", reason))

	return domain.NewRetryFiredEvent(rec, m.clock.Now()), nil
}

func (m *Manager) settle(ctx context.Context, db ports.DBTX, rec *domain.RetryRecord, outcome domain.RetryStatus) error {
	if !rec.Status.CanTransitionTo(outcome) {
		return fmt.Errorf("retry %s cannot move from %s to %s", rec.ID, rec.Status, outcome)
	}
	won, err := m.repo.CompareAndSetStatus(ctx, db, rec.ID, rec.Status, outcome)
	if err != nil {
		return fmt.Errorf("settle retry %s: %w", rec.ID, err)
	}
	if !won {
		return fmt.Errorf("retry %s: %w", rec.ID, ErrStatusRaced)
	}
	rec.Status = outcome
	rec.UpdatedAt = m.clock.Now()
	return nil
}

// CancelForStatusChange cancels outstanding retries on sub when it is moved to
// a status other than the one the retry is holding it in. Changes made by the
// retry engine itself (see WithForcing) are ignored, and so are records already
// processing: their charge is in flight and Finish settles them. Returns the
// number cancelled.
func (m *Manager) CancelForStatusChange(ctx context.Context, db ports.DBTX, sub *domain.Subscription, newStatus domain.SubscriptionStatus) (int, error) {
	if IsForcing(ctx) {
		return 0, nil
	}

	active, err := m.repo.ListActiveBySubscription(ctx, db, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("list retries for subscription %s: %w", sub.ID, err)
	}

	stale := lo.Filter(active, func(rec *domain.RetryRecord, _ int) bool {
		if rec.Status == domain.RetryStatusProcessing {
			return false
		}
		return !rec.ExpectsSubscriptionStatus() || rec.Rule.SubscriptionStatus != newStatus
	})
	cancelled, err := m.cancelAll(ctx, db, stale, "subscription status changed to "+string(newStatus))
	if cancelled > 0 {
		sub.UnsetDate(domain.DatePaymentRetry)
	}
	return cancelled, err
}

// CancelForOrderStatusChange cancels pending retries on an order moved by hand
// to a status other than the one the retry expects.
func (m *Manager) CancelForOrderStatusChange(ctx context.Context, db ports.DBTX, order *domain.Order, newStatus domain.OrderStatus) (int, error) {
	if IsForcing(ctx) {
		return 0, nil
	}

	active, err := m.repo.ListActiveByOrder(ctx, db, order.ID)
	if err != nil {
		return 0, fmt.Errorf("list retries for order %s: %w", order.ID, err)
	}

	stale := lo.Filter(active, func(rec *domain.RetryRecord, _ int) bool {
		if rec.Status == domain.RetryStatusProcessing {
			return false
		}
		return rec.Rule.OrderStatus == "" || rec.Rule.OrderStatus != newStatus
	})
	return m.cancelAll(ctx, db, stale, "order status changed to "+string(newStatus))
}

// CancelForOrder cancels every outstanding retry of a deleted order
func (m *Manager) CancelForOrder(ctx context.Context, db ports.DBTX, orderID string) (int, error) {
	active, err := m.repo.ListActiveByOrder(ctx, db, orderID)
	if err != nil {
		return 0, fmt.Errorf("list retries for order %s: %w", orderID, err)
	}
	return m.cancelAll(ctx, db, active, "order deleted")
}

func (m *Manager) cancelAll(ctx context.Context, db ports.DBTX, recs []*domain.RetryRecord, reason string) (int, error) {
	cancelled := 0
	for _, rec := range recs {
		won, err := m.repo.CompareAndSetStatus(ctx, db, rec.ID, rec.Status, domain.RetryStatusCancelled)
		if err != nil {
			return cancelled, fmt.Errorf("cancel retry %s: %w", rec.ID, err)
		}
		if !won {
			continue
		}
		cancelled++

		if rec.ScheduleToken != "" {
			if err := m.scheduler.Cancel(ctx, rec.ScheduleToken); err != nil {
				// a job that still fires finds the record cancelled and does nothing
				m.logger.Warn("failed to cancel scheduled retry",
					ports.String("retry_id", rec.ID),
					ports.Err(err))
			}
		}

		m.logger.Info("payment retry cancelled",
			ports.String("retry_id", rec.ID),
			ports.String("order_id", rec.OrderID),
			ports.String("reason", reason))
	}
	return cancelled, nil
}

// Due lists pending retries whose due time has passed
func (m *Manager) Due(ctx context.Context, db ports.DBTX, limit int) ([]*domain.RetryRecord, error) {
	recs, err := m.repo.ListDue(ctx, db, m.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	return recs, nil
}
