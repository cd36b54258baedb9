package schedule

import (
	"fmt"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

type orderingRule struct {
	later   domain.DateType
	earlier domain.DateType
	orEqual bool
}

// end ≥ cancelled ≥ next_payment ≥ trial_end > start, end > next_payment,
// and a payment is never recorded after cancellation. payment_retry is not ordered.
var orderingRules = []orderingRule{
	{domain.DateTrialEnd, domain.DateStart, false},
	{domain.DateNextPayment, domain.DateStart, false},
	{domain.DateNextPayment, domain.DateTrialEnd, true},
	{domain.DateCancelled, domain.DateStart, true},
	{domain.DateCancelled, domain.DateTrialEnd, true},
	{domain.DateCancelled, domain.DateNextPayment, true},
	{domain.DateCancelled, domain.DateLastPayment, true},
	{domain.DateEnd, domain.DateStart, true},
	{domain.DateEnd, domain.DateTrialEnd, true},
	{domain.DateEnd, domain.DateNextPayment, false},
	{domain.DateEnd, domain.DateCancelled, true},
}

// ValidateDateSet merges proposed into current and checks the result. A zero
// value in proposed unsets that date. Either the whole merged schedule is
// returned or nothing is.
func (c *Calculator) ValidateDateSet(proposed, current domain.Schedule) (domain.Schedule, error) {
	merged := current.Clone()
	for dateType, value := range proposed {
		if !dateType.IsValid() {
			return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed,
				fmt.Sprintf("unknown date type %q", dateType))
		}
		merged.Set(dateType, value)
	}

	if len(merged) > 0 && !merged.Has(domain.DateStart) {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "the start date is required")
	}

	if prev := current.Get(domain.DateLastPayment); !prev.IsZero() {
		if next := merged.Get(domain.DateLastPayment); next.IsZero() || next.Before(prev) {
			return nil, domain.NewDomainError(domain.ErrorCodeSubDateOrdering,
				"the last payment date cannot move earlier than the recorded last payment").
				WithDetail("date", string(domain.DateLastPayment))
		}
	}

	if err := c.CheckOrdering(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// CheckOrdering verifies the ordering invariants between the set dates of s.
func (c *Calculator) CheckOrdering(s domain.Schedule) error {
	for _, rule := range orderingRules {
		later := s.Get(rule.later)
		earlier := s.Get(rule.earlier)
		if later.IsZero() || earlier.IsZero() {
			continue
		}
		if rule.orEqual && later.Before(earlier) {
			return domain.NewDateOrderingError(rule.later, rule.earlier, true)
		}
		if !rule.orEqual && !later.After(earlier) {
			return domain.NewDateOrderingError(rule.later, rule.earlier, false)
		}
	}
	return nil
}
