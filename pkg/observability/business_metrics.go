package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscription lifecycle metrics
	subscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transitions_total",
		Help: "Total subscription status transitions",
	}, []string{
		"from",
		"to",
		"result", // committed, rejected, failed
	})

	subscriptionDateUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_date_updates_total",
		Help: "Total schedule date update requests",
	}, []string{
		"result", // committed, rejected, failed
	})

	// Renewal billing metrics
	renewalChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewal_charges_total",
		Help: "Total renewal charge attempts",
	}, []string{
		"gateway",
		"status", // approved, declined, error
	})

	renewalRevenueCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renewal_revenue_cents_total",
		Help: "Total approved renewal revenue in cents",
	}, []string{
		"gateway",
	})

	renewalChargeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "renewal_charge_duration_seconds",
		Help: "Time spent in the gateway charging a renewal",
		// Buckets: 100ms to 30s (typical payment processing times)
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{
		"gateway",
	})

	// Payment retry metrics
	paymentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retries_total",
		Help: "Payment retry records by outcome",
	}, []string{
		"outcome", // scheduled, complete, failed, cancelled, exhausted
	})

	// Switch metrics
	subscriptionSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_switches_total",
		Help: "Total plan switches",
	}, []string{
		"direction", // upgraded, downgraded, crossgraded
		"prorated",  // true, false
	})

	switchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_switch_failures_total",
		Help: "Switches blocked because proration could not be computed",
	})

	// Batch sweep metrics
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_batch_items_total",
		Help: "Items processed by the scheduled sweeps",
	}, []string{
		"sweep",  // renewals, ends, retries
		"result", // success, failed
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_events_published_total",
		Help: "Events handed to the event bus after commit",
	}, []string{
		"event_type",
		"status", // published, failed
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_deliveries_total",
		Help: "Events forwarded to webhook endpoints",
	}, []string{
		"event_type",
		"status", // delivered, failed
	})
)

// RecordTransition records a status change request
func RecordTransition(from, to, result string) {
	subscriptionTransitionsTotal.WithLabelValues(from, to, result).Inc()
}

// RecordDateUpdate records a schedule update request
func RecordDateUpdate(result string) {
	subscriptionDateUpdatesTotal.WithLabelValues(result).Inc()
}

// RecordRenewalCharge records one gateway charge for a renewal order.
// Only approved charges count toward revenue.
func RecordRenewalCharge(gateway, status string, amountCents int64, duration float64) {
	renewalChargesTotal.WithLabelValues(gateway, status).Inc()
	renewalChargeDuration.WithLabelValues(gateway).Observe(duration)

	if status == "approved" {
		renewalRevenueCents.WithLabelValues(gateway).Add(float64(amountCents))
	}
}

// RecordRetry records a retry record reaching outcome
func RecordRetry(outcome string) {
	paymentRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordSwitch records a committed switch
func RecordSwitch(direction string, prorated bool) {
	label := "false"
	if prorated {
		label = "true"
	}
	subscriptionSwitchesTotal.WithLabelValues(direction, label).Inc()
}

// RecordSwitchFailure records a switch blocked by a computation error
func RecordSwitchFailure() {
	switchFailuresTotal.Inc()
}

// RecordBatchItem records one item of a scheduled sweep
func RecordBatchItem(sweep, result string) {
	batchItemsTotal.WithLabelValues(sweep, result).Inc()
}

// RecordEventPublished records an event bus delivery
func RecordEventPublished(eventType, status string) {
	eventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordWebhookDelivery records one event forwarded to one endpoint
func RecordWebhookDelivery(eventType, status string) {
	webhookDeliveriesTotal.WithLabelValues(eventType, status).Inc()
}
