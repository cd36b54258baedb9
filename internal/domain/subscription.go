package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus represents the subscription state
type SubscriptionStatus string

const (
	SubscriptionStatusPending       SubscriptionStatus = "pending"
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusOnHold        SubscriptionStatus = "on-hold"
	SubscriptionStatusPendingCancel SubscriptionStatus = "pending-cancel"
	SubscriptionStatusCancelled     SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired       SubscriptionStatus = "expired"
	SubscriptionStatusSwitched      SubscriptionStatus = "switched"
	SubscriptionStatusTrash         SubscriptionStatus = "trash"
	// SubscriptionStatusDeleted is never stored; reaching it removes the subscription.
	SubscriptionStatusDeleted SubscriptionStatus = "deleted"
)

var subscriptionStatuses = map[SubscriptionStatus]bool{
	SubscriptionStatusPending:       true,
	SubscriptionStatusActive:        true,
	SubscriptionStatusOnHold:        true,
	SubscriptionStatusPendingCancel: true,
	SubscriptionStatusCancelled:     true,
	SubscriptionStatusExpired:       true,
	SubscriptionStatusSwitched:      true,
	SubscriptionStatusTrash:         true,
	SubscriptionStatusDeleted:       true,
}

// ParseSubscriptionStatus accepts the stored status names plus "completed",
// which order-centric callers use for active.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	if s == "completed" {
		return SubscriptionStatusActive, nil
	}
	status := SubscriptionStatus(s)
	if !subscriptionStatuses[status] {
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
	return status, nil
}

// IsValid checks the status is known
func (s SubscriptionStatus) IsValid() bool {
	return subscriptionStatuses[s]
}

// Period is the calendar unit of a billing interval
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// IsValid checks the period is known
func (p Period) IsValid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// Add adds n periods to t using calendar-aware arithmetic in UTC.
func (p Period) Add(t time.Time, n int) time.Time {
	switch p {
	case PeriodDay:
		return timeutil.AddDays(t, n)
	case PeriodWeek:
		return timeutil.AddWeeks(t, n)
	case PeriodMonth:
		return timeutil.AddMonths(t, n)
	case PeriodYear:
		return timeutil.AddYears(t, n)
	}
	return t
}

// nominal day counts used when no actual billing window is known
var nominalDays = map[Period]decimal.Decimal{
	PeriodDay:   decimal.NewFromInt(1),
	PeriodWeek:  decimal.NewFromInt(7),
	PeriodMonth: decimal.RequireFromString("30.4375"),
	PeriodYear:  decimal.RequireFromString("365.25"),
}

// BillingTerms describe how often a subscription renews
type BillingTerms struct {
	Period   Period `json:"period"`
	Interval int    `json:"interval"`
	// Length is the total number of payments; 0 renews until cancelled.
	Length int `json:"length"`
}

// Validate checks the terms can drive a schedule
func (b BillingTerms) Validate() error {
	if !b.Period.IsValid() {
		return fmt.Errorf("invalid billing period %q", b.Period)
	}
	if b.Interval < 1 {
		return fmt.Errorf("billing interval must be at least 1, got %d", b.Interval)
	}
	if b.Length < 0 {
		return fmt.Errorf("billing length cannot be negative, got %d", b.Length)
	}
	return nil
}

// Next adds n billing intervals to t
func (b BillingTerms) Next(t time.Time, n int) time.Time {
	return b.Period.Add(t, b.Interval*n)
}

// NominalDays is the average number of days in one billing interval.
func (b BillingTerms) NominalDays() decimal.Decimal {
	return nominalDays[b.Period].Mul(decimal.NewFromInt(int64(b.Interval)))
}

// SameSchedule reports whether two terms renew on the same cadence
func (b BillingTerms) SameSchedule(o BillingTerms) bool {
	return b.Period == o.Period && b.Interval == o.Interval
}

// String returns "month", "3 months"
func (b BillingTerms) String() string {
	if b.Interval == 1 {
		return string(b.Period)
	}
	return strconv.Itoa(b.Interval) + " " + string(b.Period) + "s"
}

// PaymentMethod identifies how renewals are paid
type PaymentMethod struct {
	GatewayID string            `json:"gateway_id"`
	Meta      map[string]string `json:"meta,omitempty"`
	// Manual renewals are paid by the customer; no gateway automation applies.
	Manual bool `json:"is_manual"`
}

// LineItem is one recurring product on a subscription
type LineItem struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	RecurringPrice decimal.Decimal `json:"recurring_price"`
	SignUpFee      decimal.Decimal `json:"sign_up_fee"`
	// SignUpFeePaid is the per-unit sign-up fee already collected for this item.
	SignUpFeePaid decimal.Decimal `json:"sign_up_fee_paid"`
	TrialLength   int             `json:"trial_length"`
	TrialPeriod   Period          `json:"trial_period,omitempty"`
	Virtual       bool            `json:"virtual"`
	// Synced items renew on a calendar anchor such as the 1st of the month.
	Synced bool `json:"synced"`
}

// Total is the recurring amount for the full quantity
func (li LineItem) Total() decimal.Decimal {
	return li.RecurringPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// StatusChange is one entry in the append-only status log
type StatusChange struct {
	From      SubscriptionStatus `json:"from"`
	To        SubscriptionStatus `json:"to"`
	Note      string             `json:"note,omitempty"`
	ChangedAt time.Time          `json:"changed_at"`
}

// Subscription is the aggregate root of a recurring billing relationship
type Subscription struct {
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Dates           Schedule           `json:"dates"`
	PaymentMethod   PaymentMethod      `json:"payment_method"`
	Terms           BillingTerms       `json:"terms"`
	ID              string             `json:"id"`
	CustomerID      string             `json:"customer_id"`
	ParentOrderID   string             `json:"parent_order_id,omitempty"`
	Status          SubscriptionStatus `json:"status"`
	LineItems       []LineItem         `json:"line_items"`
	StatusLog       []StatusChange     `json:"status_log"`
	SuspensionCount int                `json:"suspension_count"`
}

// Date returns a schedule date or the zero time
func (s *Subscription) Date(t DateType) time.Time {
	return s.Dates.Get(t)
}

// SetDate stores a schedule date; the zero time unsets it
func (s *Subscription) SetDate(t DateType, v time.Time) {
	if s.Dates == nil {
		s.Dates = make(Schedule)
	}
	s.Dates.Set(t, v)
}

// UnsetDate removes a schedule date
func (s *Subscription) UnsetDate(t DateType) {
	s.Dates.Unset(t)
}

func (s *Subscription) Start() time.Time        { return s.Date(DateStart) }
func (s *Subscription) TrialEnd() time.Time     { return s.Date(DateTrialEnd) }
func (s *Subscription) NextPayment() time.Time  { return s.Date(DateNextPayment) }
func (s *Subscription) LastPayment() time.Time  { return s.Date(DateLastPayment) }
func (s *Subscription) End() time.Time          { return s.Date(DateEnd) }
func (s *Subscription) Cancelled() time.Time    { return s.Date(DateCancelled) }
func (s *Subscription) PaymentRetry() time.Time { return s.Date(DatePaymentRetry) }

// IsManual returns true if renewals are paid by the customer
func (s *Subscription) IsManual() bool {
	return s.PaymentMethod.Manual || s.PaymentMethod.GatewayID == ""
}

// IsSynced returns true if any item renews on a calendar anchor
func (s *Subscription) IsSynced() bool {
	for _, li := range s.LineItems {
		if li.Synced {
			return true
		}
	}
	return false
}

// HasStatus checks the current status against a set
func (s *Subscription) HasStatus(statuses ...SubscriptionStatus) bool {
	for _, st := range statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// RecurringTotal sums every line item's recurring amount
func (s *Subscription) RecurringTotal() decimal.Decimal {
	total := decimal.Zero
	for _, li := range s.LineItems {
		total = total.Add(li.Total())
	}
	return total
}

// LineItem finds an item by ID
func (s *Subscription) LineItem(id string) (LineItem, bool) {
	for _, li := range s.LineItems {
		if li.ID == id {
			return li, true
		}
	}
	return LineItem{}, false
}

// ReplaceLineItem swaps the item with the given ID, keeping its position
func (s *Subscription) ReplaceLineItem(id string, item LineItem) bool {
	for i, li := range s.LineItems {
		if li.ID == id {
			s.LineItems[i] = item
			return true
		}
	}
	return false
}

// RemoveLineItem drops the item with the given ID
func (s *Subscription) RemoveLineItem(id string) bool {
	for i, li := range s.LineItems {
		if li.ID == id {
			s.LineItems = append(s.LineItems[:i], s.LineItems[i+1:]...)
			return true
		}
	}
	return false
}

// RecordStatus appends to the status log and moves to the new status
func (s *Subscription) RecordStatus(to SubscriptionStatus, note string, at time.Time) {
	s.StatusLog = append(s.StatusLog, StatusChange{
		From:      s.Status,
		To:        to,
		Note:      note,
		ChangedAt: at.UTC(),
	})
	s.Status = to
	s.UpdatedAt = at.UTC()
}

// Clone returns a deep copy so speculative changes never leak into the original
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Dates = s.Dates.Clone()
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	c.StatusLog = append([]StatusChange(nil), s.StatusLog...)
	if s.PaymentMethod.Meta != nil {
		c.PaymentMethod.Meta = make(map[string]string, len(s.PaymentMethod.Meta))
		for k, v := range s.PaymentMethod.Meta {
			c.PaymentMethod.Meta[k] = v
		}
	}
	return &c
}
