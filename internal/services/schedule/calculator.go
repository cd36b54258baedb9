// Package schedule computes the dates that drive subscription billing.
// Everything here is pure: inputs are never mutated and no I/O happens.
package schedule

import (
	"fmt"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

const (
	// MaxIntervalIterations bounds the catch-up loop in NextPayment.
	MaxIntervalIterations = 3000

	// a computed payment must be at least this far in the future
	futureBuffer = 2 * time.Hour

	// a payment this close to the end date is not taken
	endCutoff = 23 * time.Hour
)

// AnchorSource records which stored date a next payment was counted from
type AnchorSource string

const (
	AnchorOverdueNextPayment AnchorSource = "overdue_next_payment"
	AnchorLastPayment        AnchorSource = "last_payment"
	AnchorNextPayment        AnchorSource = "next_payment"
	AnchorStart              AnchorSource = "start"
)

// Calculator is stateless and safe for concurrent use
type Calculator struct{}

// NewCalculator creates a new date calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Anchor picks the date the next payment is counted from.
//
// An overdue next payment wins while the subscription has at most one completed
// payment, or when it renews on a calendar anchor; otherwise the last payment,
// then a stored next payment, then the start date.
func (c *Calculator) Anchor(sub *domain.Subscription, completedPayments int, now time.Time) (time.Time, AnchorSource) {
	start := sub.Start()
	next := sub.NextPayment()
	last := sub.LastPayment()

	switch {
	case !next.IsZero() && next.Before(now) && (completedPayments < 2 || sub.IsSynced()):
		return next, AnchorOverdueNextPayment
	case !last.IsZero() && last.After(start):
		return last, AnchorLastPayment
	case !next.IsZero() && next.After(start):
		return next, AnchorNextPayment
	default:
		return start, AnchorStart
	}
}

// NextPayment returns the next automatic payment date, or the zero time when
// the subscription will not be charged again.
func (c *Calculator) NextPayment(sub *domain.Subscription, completedPayments int, now time.Time) (time.Time, error) {
	now = now.UTC()

	var next time.Time
	if trialEnd := sub.TrialEnd(); !trialEnd.IsZero() && now.Before(trialEnd) {
		next = trialEnd
	} else {
		if err := sub.Terms.Validate(); err != nil {
			return time.Time{}, domain.WrapError(domain.ErrorCodeSubCannotComputeDate, "invalid billing terms", err)
		}

		anchor, _ := c.Anchor(sub, completedPayments, now)
		if anchor.IsZero() {
			return time.Time{}, domain.NewDomainError(domain.ErrorCodeSubCannotComputeDate,
				"subscription has no start date")
		}

		var err error
		next, err = c.advance(anchor, sub.Terms, now.Add(futureBuffer))
		if err != nil {
			return time.Time{}, err
		}
	}

	if end := sub.End(); !end.IsZero() && !next.Add(endCutoff).Before(end) {
		return time.Time{}, nil
	}
	return next, nil
}

// advance adds whole intervals to anchor until the result is after threshold.
// Each candidate is computed from the anchor so month ends do not drift.
func (c *Calculator) advance(anchor time.Time, terms domain.BillingTerms, threshold time.Time) (time.Time, error) {
	for i := 1; i <= MaxIntervalIterations; i++ {
		candidate := terms.Next(anchor, i)
		if candidate.After(threshold) {
			return candidate, nil
		}
	}
	return time.Time{}, domain.NewDomainError(domain.ErrorCodeSubCannotComputeDate,
		fmt.Sprintf("next payment not reached within %d intervals", MaxIntervalIterations)).
		WithDetail("anchor", anchor.Format(time.RFC3339)).
		WithDetail("terms", terms.String())
}

// TrialEnd recomputes the trial end date. Once two payments have completed the
// trial is over for good and the result is unset.
func (c *Calculator) TrialEnd(sub *domain.Subscription, completedPayments int, now time.Time) (time.Time, error) {
	if completedPayments >= 2 {
		return time.Time{}, nil
	}
	return c.NextPayment(sub, 0, now)
}

// EndOfPrepaidTerm returns the date the customer has paid through.
func (c *Calculator) EndOfPrepaidTerm(sub *domain.Subscription, now time.Time) time.Time {
	now = now.UTC()
	next := sub.NextPayment()
	end := sub.End()

	if !next.IsZero() && next.After(now) {
		return next
	}
	if (next.IsZero() && end.IsZero()) || (!end.IsZero() && !end.After(now)) {
		return now
	}
	return end
}
