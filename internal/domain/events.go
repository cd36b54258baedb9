package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a message published on the event bus
type EventType string

const (
	EventSubscriptionStatusChanged EventType = "subscription.status_changed"
	EventSubscriptionDateUpdated   EventType = "subscription.date_updated"
	EventSubscriptionSwitched      EventType = "subscription.switched"
	EventRetryScheduled            EventType = "retry.scheduled"
	EventRetryFired                EventType = "retry.fired"
)

// AllEventTypes lists every event the engine publishes
var AllEventTypes = []EventType{
	EventSubscriptionStatusChanged,
	EventSubscriptionDateUpdated,
	EventSubscriptionSwitched,
	EventRetryScheduled,
	EventRetryFired,
}

// Event is published after the unit of work that produced it commits
type Event struct {
	OccurredAt     time.Time
	Fields         map[string]interface{}
	ID             string
	SubscriptionID string
	Type           EventType
}

// NewEvent stamps a new event
func NewEvent(t EventType, subscriptionID string, at time.Time, fields map[string]interface{}) Event {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return Event{
		ID:             uuid.New().String(),
		Type:           t,
		SubscriptionID: subscriptionID,
		OccurredAt:     at.UTC(),
		Fields:         fields,
	}
}

// Payload renders the stable wire schema {subscription_id, ...fields, occurred_at}.
func (e Event) Payload() ([]byte, error) {
	body := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["subscription_id"] = e.SubscriptionID
	body["occurred_at"] = e.OccurredAt.Format(time.RFC3339)
	return json.Marshal(body)
}

// NewStatusChangedEvent reports a committed status transition
func NewStatusChangedEvent(subscriptionID string, from, to SubscriptionStatus, at time.Time) Event {
	return NewEvent(EventSubscriptionStatusChanged, subscriptionID, at, map[string]interface{}{
		"old_status": string(from),
		"new_status": string(to),
	})
}

// NewDateUpdatedEvent reports a schedule date change; an unset date is sent as an empty string
func NewDateUpdatedEvent(subscriptionID string, dateType DateType, value time.Time, at time.Time) Event {
	formatted := ""
	if !value.IsZero() {
		formatted = value.UTC().Format(time.RFC3339)
	}
	return NewEvent(EventSubscriptionDateUpdated, subscriptionID, at, map[string]interface{}{
		"date_type": string(dateType),
		"date":      formatted,
	})
}

// DateUpdatedEvents emits one event per changed date
func DateUpdatedEvents(subscriptionID string, before, after Schedule, at time.Time) []Event {
	var events []Event
	for _, t := range after.Changed(before) {
		events = append(events, NewDateUpdatedEvent(subscriptionID, t, after.Get(t), at))
	}
	return events
}

// NewRetryScheduledEvent reports a retry record created for a failed renewal
func NewRetryScheduledEvent(rec *RetryRecord, at time.Time) Event {
	return NewEvent(EventRetryScheduled, rec.SubscriptionID, at, map[string]interface{}{
		"retry_id": rec.ID,
		"order_id": rec.OrderID,
		"attempt":  rec.Attempt,
		"due":      rec.Due.UTC().Format(time.RFC3339),
	})
}

// NewRetryFiredEvent reports how a retry attempt ended
func NewRetryFiredEvent(rec *RetryRecord, at time.Time) Event {
	return NewEvent(EventRetryFired, rec.SubscriptionID, at, map[string]interface{}{
		"retry_id": rec.ID,
		"order_id": rec.OrderID,
		"attempt":  rec.Attempt,
		"outcome":  string(rec.Status),
	})
}

// NewSwitchedEvent reports a committed plan switch
func NewSwitchedEvent(subscriptionID, newSubscriptionID, orderID string, direction SwitchDirection, at time.Time) Event {
	return NewEvent(EventSubscriptionSwitched, subscriptionID, at, map[string]interface{}{
		"new_subscription_id": newSubscriptionID,
		"switch_order_id":     orderID,
		"direction":           string(direction),
	})
}
