package lifecycle

import (
	"fmt"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/services/schedule"
)

// reactivation only recomputes a next payment closer than this
const recomputeWindow = 2 * time.Hour

// Request asks the machine to move a subscription to Target
type Request struct {
	Context           TransitionContext
	Target            domain.SubscriptionStatus
	Note              string
	CompletedPayments int
}

// Machine applies status transitions and their schedule side effects
type Machine struct {
	calc *schedule.Calculator
}

// NewMachine creates a state machine backed by the date calculator
func NewMachine(calc *schedule.Calculator) *Machine {
	return &Machine{calc: calc}
}

// Prepare returns a copy of sub moved to req.Target together with the events the
// change produces. sub itself is never modified, so a caller that fails to
// persist the copy still holds the status it started with.
func (m *Machine) Prepare(sub *domain.Subscription, req Request) (*domain.Subscription, []domain.Event, error) {
	if sub.Status == req.Target {
		return sub.Clone(), nil, nil
	}

	if ok, reason := CanTransition(sub.Status, req.Target, req.Context); !ok {
		return nil, nil, domain.NewInvalidTransitionError(sub.Status, req.Target, reason)
	}

	now := req.Context.Now.UTC()
	next := sub.Clone()

	switch req.Target {
	case domain.SubscriptionStatusPendingCancel:
		prepaid := m.calc.EndOfPrepaidTerm(sub, now)
		next.SetDate(domain.DateCancelled, now)
		if prepaid.IsZero() || !prepaid.After(now) {
			next.SetDate(domain.DateEnd, now)
		} else {
			next.SetDate(domain.DateEnd, prepaid)
		}
		next.UnsetDate(domain.DateTrialEnd)
		next.UnsetDate(domain.DateNextPayment)

	case domain.SubscriptionStatusActive:
		if sub.Status == domain.SubscriptionStatusPendingCancel {
			// the prepaid end becomes the next renewal again
			next.SetDate(domain.DateNextPayment, sub.End())
			next.UnsetDate(domain.DateEnd)
			next.UnsetDate(domain.DateCancelled)
		}
		if err := m.refreshNextPayment(next, req.CompletedPayments, now); err != nil {
			return nil, nil, err
		}

	case domain.SubscriptionStatusOnHold:
		next.SuspensionCount++

	case domain.SubscriptionStatusCancelled, domain.SubscriptionStatusExpired, domain.SubscriptionStatusSwitched:
		next.UnsetDate(domain.DateTrialEnd)
		next.UnsetDate(domain.DateNextPayment)
		if next.End().IsZero() {
			next.SetDate(domain.DateEnd, now)
		}
		if req.Target == domain.SubscriptionStatusCancelled && next.Cancelled().IsZero() {
			next.SetDate(domain.DateCancelled, now)
		}
	}

	if err := m.calc.CheckOrdering(next.Dates); err != nil {
		return nil, nil, fmt.Errorf("transition to %s: %w", req.Target, err)
	}

	next.RecordStatus(req.Target, req.Note, now)

	events := []domain.Event{domain.NewStatusChangedEvent(sub.ID, sub.Status, req.Target, now)}
	events = append(events, domain.DateUpdatedEvents(sub.ID, sub.Dates, next.Dates, now)...)
	return next, events, nil
}

// refreshNextPayment recomputes next_payment when the stored one is missing or
// less than two hours away.
func (m *Machine) refreshNextPayment(sub *domain.Subscription, completed int, now time.Time) error {
	stored := sub.NextPayment()
	if !stored.IsZero() && !stored.Before(now.Add(recomputeWindow)) {
		return nil
	}

	computed, err := m.calc.NextPayment(sub, completed, now)
	if err != nil {
		return err
	}
	if computed.IsZero() {
		if !stored.IsZero() && stored.Before(now) {
			sub.UnsetDate(domain.DateNextPayment)
		}
		return nil
	}
	sub.SetDate(domain.DateNextPayment, computed)
	return nil
}
