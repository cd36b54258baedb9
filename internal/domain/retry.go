package domain

import (
	"fmt"
	"time"
)

// RetryStatus tracks one automatic payment retry
type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "pending"
	RetryStatusProcessing RetryStatus = "processing"
	RetryStatusComplete   RetryStatus = "complete"
	RetryStatusFailed     RetryStatus = "failed"
	RetryStatusCancelled  RetryStatus = "cancelled"
)

var retryTransitions = map[RetryStatus][]RetryStatus{
	RetryStatusPending:    {RetryStatusProcessing, RetryStatusCancelled},
	RetryStatusProcessing: {RetryStatusComplete, RetryStatusFailed, RetryStatusCancelled},
}

// CanTransitionTo checks the retry state machine
func (s RetryStatus) CanTransitionTo(target RetryStatus) bool {
	for _, allowed := range retryTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsActive returns true while the retry may still charge the customer
func (s RetryStatus) IsActive() bool {
	return s == RetryStatusPending || s == RetryStatusProcessing
}

// RetryRule is one step of the escalation table
type RetryRule struct {
	// Delay between the failure and the retry attempt.
	Delay time.Duration `json:"delay"`
	// Statuses forced while the retry is outstanding; empty leaves the status alone.
	OrderStatus        OrderStatus        `json:"order_status,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty"`
}

// Validate checks the rule is usable
func (r RetryRule) Validate() error {
	if r.Delay < 0 {
		return fmt.Errorf("retry delay cannot be negative: %s", r.Delay)
	}
	if r.OrderStatus != "" && !r.OrderStatus.IsValid() {
		return fmt.Errorf("unknown order status %q", r.OrderStatus)
	}
	if r.SubscriptionStatus != "" && !r.SubscriptionStatus.IsValid() {
		return fmt.Errorf("unknown subscription status %q", r.SubscriptionStatus)
	}
	return nil
}

// RetryRecord is one scheduled re-attempt of a failed renewal order
type RetryRecord struct {
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Due            time.Time   `json:"due"`
	Rule           RetryRule   `json:"rule"`
	ID             string      `json:"id"`
	OrderID        string      `json:"order_id"`
	SubscriptionID string      `json:"subscription_id"`
	ScheduleToken  string      `json:"schedule_token,omitempty"`
	Status         RetryStatus `json:"status"`
	Attempt        int         `json:"attempt"`
}

// ExpectsSubscriptionStatus reports whether the rule pinned the subscription to a status
func (r *RetryRecord) ExpectsSubscriptionStatus() bool {
	return r.Rule.SubscriptionStatus != ""
}
