// Package lifecycle is the subscription status state machine.
package lifecycle

import (
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/samber/lo"
)

// EndedStatuses are statuses after which a subscription no longer renews
var EndedStatuses = []domain.SubscriptionStatus{
	domain.SubscriptionStatusCancelled,
	domain.SubscriptionStatusTrash,
	domain.SubscriptionStatusExpired,
	domain.SubscriptionStatusSwitched,
	domain.SubscriptionStatusPendingCancel,
}

// IsEnded checks a status against EndedStatuses
func IsEnded(s domain.SubscriptionStatus) bool {
	return lo.Contains(EndedStatuses, s)
}

// TransitionContext is everything the legality predicate may look at
type TransitionContext struct {
	Now time.Time
	End time.Time
	// Features the payment method's gateway supports.
	Features map[domain.GatewayFeature]bool
	Manual   bool
	// System marks transitions the engine forces on its own behalf, such as
	// retry escalation. They are not limited by gateway capabilities.
	System bool
	// NeedsPayment is true while an order for the subscription is unpaid.
	NeedsPayment bool
}

// Supports reports whether a feature is available. Manual renewals support everything.
func (tc TransitionContext) Supports(f domain.GatewayFeature) bool {
	return tc.Manual || tc.System || tc.Features[f]
}

// CanTransition reports whether current may move to target. When it may not,
// the reason is suitable for showing to whoever asked for the change.
func CanTransition(current, target domain.SubscriptionStatus, tc TransitionContext) (bool, string) {
	if current == target {
		return true, ""
	}

	switch target {
	case domain.SubscriptionStatusPending:
		return false, "a subscription cannot return to pending"

	case domain.SubscriptionStatusActive:
		switch current {
		case domain.SubscriptionStatusPending:
			return true, ""
		case domain.SubscriptionStatusOnHold:
			if !tc.Supports(domain.FeatureReactivation) {
				return false, "cannot reactivate: payment method does not support it"
			}
			return true, ""
		case domain.SubscriptionStatusPendingCancel:
			if !tc.End.After(tc.Now) {
				return false, "cannot reactivate: the prepaid term has already ended"
			}
			if !tc.Supports(domain.FeatureReactivation) || !tc.Supports(domain.FeatureDateChanges) {
				return false, "cannot reactivate: payment method does not support it"
			}
			return true, ""
		}
		return false, "cannot reactivate a " + string(current) + " subscription"

	case domain.SubscriptionStatusOnHold:
		if current != domain.SubscriptionStatusActive && current != domain.SubscriptionStatusPending {
			return false, "only active or pending subscriptions can be suspended"
		}
		if !tc.Supports(domain.FeatureSuspension) {
			return false, "cannot suspend: payment method does not support it"
		}
		return true, ""

	case domain.SubscriptionStatusPendingCancel:
		if current != domain.SubscriptionStatusActive &&
			!(current == domain.SubscriptionStatusOnHold && !tc.NeedsPayment) {
			return false, "only active subscriptions can be cancelled at the end of the prepaid term"
		}
		if !tc.Supports(domain.FeatureCancellation) {
			return false, "cannot cancel: payment method does not support it"
		}
		return true, ""

	case domain.SubscriptionStatusCancelled:
		if current == domain.SubscriptionStatusPendingCancel || current == domain.SubscriptionStatusPending {
			return true, ""
		}
		if IsEnded(current) {
			return false, "the subscription has already ended"
		}
		if !tc.Supports(domain.FeatureCancellation) {
			return false, "cannot cancel: payment method does not support it"
		}
		return true, ""

	case domain.SubscriptionStatusExpired:
		if lo.Contains([]domain.SubscriptionStatus{
			domain.SubscriptionStatusCancelled,
			domain.SubscriptionStatusTrash,
			domain.SubscriptionStatusSwitched,
		}, current) {
			return false, "a " + string(current) + " subscription cannot expire"
		}
		return true, ""

	case domain.SubscriptionStatusSwitched:
		if !lo.Contains([]domain.SubscriptionStatus{
			domain.SubscriptionStatusActive,
			domain.SubscriptionStatusOnHold,
			domain.SubscriptionStatusPendingCancel,
		}, current) {
			return false, "only a live subscription can be switched"
		}
		return true, ""

	case domain.SubscriptionStatusTrash:
		if IsEnded(current) {
			return true, ""
		}
		if ok, _ := CanTransition(current, domain.SubscriptionStatusCancelled, tc); ok {
			return true, ""
		}
		return false, "the subscription must be cancelled before it can be trashed"

	case domain.SubscriptionStatusDeleted:
		if current != domain.SubscriptionStatusTrash {
			return false, "only trashed subscriptions can be deleted"
		}
		return true, ""
	}

	return false, "unknown status " + string(target)
}

// ValidTransitionsFrom lists every status current may move to under tc
func ValidTransitionsFrom(current domain.SubscriptionStatus, tc TransitionContext) []domain.SubscriptionStatus {
	all := []domain.SubscriptionStatus{
		domain.SubscriptionStatusPending,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusOnHold,
		domain.SubscriptionStatusPendingCancel,
		domain.SubscriptionStatusCancelled,
		domain.SubscriptionStatusExpired,
		domain.SubscriptionStatusSwitched,
		domain.SubscriptionStatusTrash,
		domain.SubscriptionStatusDeleted,
	}
	return lo.Filter(all, func(target domain.SubscriptionStatus, _ int) bool {
		if target == current {
			return false
		}
		ok, _ := CanTransition(current, target, tc)
		return ok
	})
}
