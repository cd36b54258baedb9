package domain

import (
	"strings"
	"time"
)

// DateType names one of the dates that drive a subscription's billing.
type DateType string

const (
	DateStart        DateType = "start"
	DateTrialEnd     DateType = "trial_end"
	DateNextPayment  DateType = "next_payment"
	DateLastPayment  DateType = "last_payment"
	DateEnd          DateType = "end"
	DateCancelled    DateType = "cancelled"
	DatePaymentRetry DateType = "payment_retry"
)

// DateTypes lists every schedule date in display order.
var DateTypes = []DateType{
	DateStart,
	DateTrialEnd,
	DateNextPayment,
	DateLastPayment,
	DateCancelled,
	DateEnd,
	DatePaymentRetry,
}

// IsValid checks the date type is known
func (d DateType) IsValid() bool {
	for _, t := range DateTypes {
		if t == d {
			return true
		}
	}
	return false
}

// Label is the human readable name used in error messages.
func (d DateType) Label() string {
	return strings.ReplaceAll(string(d), "_", " ")
}

// Schedule maps date types to UTC timestamps. A missing entry means unset;
// the zero time is never stored.
type Schedule map[DateType]time.Time

// NewSchedule builds a schedule from the non-zero entries of dates.
func NewSchedule(dates map[DateType]time.Time) Schedule {
	s := make(Schedule, len(dates))
	for k, v := range dates {
		s.Set(k, v)
	}
	return s
}

// Get returns the date or the zero time when unset
func (s Schedule) Get(t DateType) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s[t]
}

// Has reports whether the date is set
func (s Schedule) Has(t DateType) bool {
	return !s.Get(t).IsZero()
}

// Set stores the date in UTC; a zero value unsets it.
func (s Schedule) Set(t DateType, v time.Time) {
	if v.IsZero() {
		delete(s, t)
		return
	}
	s[t] = v.UTC()
}

// Unset removes the date
func (s Schedule) Unset(t DateType) {
	delete(s, t)
}

// Clone returns an independent copy
func (s Schedule) Clone() Schedule {
	c := make(Schedule, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Changed lists the date types whose value differs between s and other,
// in DateTypes order.
func (s Schedule) Changed(other Schedule) []DateType {
	var changed []DateType
	for _, t := range DateTypes {
		if !s.Get(t).Equal(other.Get(t)) {
			changed = append(changed, t)
		}
	}
	return changed
}
