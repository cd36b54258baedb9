// Package switching computes what a subscriber pays, or is credited, when they
// change plans part way through a billing cycle.
package switching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of decimal places money is rounded to
const DefaultPrecision int32 = 2

var dayNanos = decimal.NewFromInt(int64(timeutil.Day))

// Request describes one line item switch
type Request struct {
	Now               time.Time
	Subscription      *domain.Subscription
	NewProduct        domain.Recurring
	ExistingItemID    string
	Quantity          int
	CompletedPayments int
}

// Calculator is a pure function of its inputs and the store's policy
type Calculator struct {
	policy    domain.ProrationPolicy
	precision int32
}

// NewCalculator creates a calculator rounding money to precision decimal places
func NewCalculator(policy domain.ProrationPolicy, precision int32) *Calculator {
	return &Calculator{policy: policy, precision: precision}
}

// Policy returns the configured proration policy
func (c *Calculator) Policy() domain.ProrationPolicy {
	return c.policy
}

// WithPolicy returns a calculator that prorates under p instead
func (c *Calculator) WithPolicy(p domain.ProrationPolicy) *Calculator {
	return &Calculator{policy: p, precision: c.precision}
}

// Compute works out the result of switching req.ExistingItemID to req.NewProduct.
// The subscription is never modified.
func (c *Calculator) Compute(req Request) (domain.SwitchResult, error) {
	sub := req.Subscription
	existing, ok := sub.LineItem(req.ExistingItemID)
	if !ok {
		return domain.SwitchResult{}, domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("line item %s not found on subscription", req.ExistingItemID))
	}

	qty := req.Quantity
	if qty == 0 {
		qty = existing.Quantity
	}
	if qty < 1 {
		return domain.SwitchResult{}, domain.NewDomainError(domain.ErrorCodeValidationFailed, "quantity must be at least 1")
	}

	newTerms := req.NewProduct.BillingTerms()
	if err := newTerms.Validate(); err != nil {
		return domain.SwitchResult{}, domain.WrapError(domain.ErrorCodeSubSwitchFailed, "new product has invalid billing terms", err)
	}
	if err := sub.Terms.Validate(); err != nil {
		return domain.SwitchResult{}, domain.WrapError(domain.ErrorCodeSubSwitchFailed, "subscription has invalid billing terms", err)
	}

	now := req.Now.UTC()
	newItem := domain.NewLineItem(uuid.New().String(), req.NewProduct, qty)
	// a switch never starts a new trial
	newItem.TrialLength = 0
	newItem.TrialPeriod = ""

	oldTotal := existing.Total()
	newTotal := newItem.Total()
	daysOld := c.daysInOldCycle(sub)
	daysNew := newTerms.NominalDays()

	result := domain.SwitchResult{
		NewItem:         newItem,
		ExistingItemID:  existing.ID,
		Policy:          c.policy,
		FirstPayment:    sub.NextPayment(),
		DaysInOldCycle:  daysOld,
		DaysInNewCycle:  daysNew,
		OldPricePerDay:  oldTotal.Div(daysOld),
		NewPricePerDay:  newTotal.Div(daysNew),
		ExtraCharge:     decimal.Zero,
		SignUpFeeCharge: decimal.Zero,
		ChargeNow:       decimal.Zero,
	}

	// compare price per day without dividing so equal plans stay equal
	switch oldTotal.Mul(daysNew).Cmp(newTotal.Mul(daysOld)) {
	case -1:
		result.Direction = domain.SwitchUpgrade
	case 1:
		result.Direction = domain.SwitchDowngrade
	default:
		result.Direction = domain.SwitchCrossgrade
	}

	if c.prorateRecurring(result.Direction, newItem.Virtual) {
		if err := c.prorate(&result, sub, newTerms, oldTotal, newTotal, qty, now); err != nil {
			return domain.SwitchResult{}, err
		}
	}

	c.prorateSignUpFee(&result, existing, qty)
	c.prorateLength(&result, newTerms, req.CompletedPayments, now)

	result.ExtraCharge = c.money(result.ExtraCharge)
	result.ExtraChargePerUnit = c.money(result.ExtraCharge.Div(decimal.NewFromInt(int64(qty))))
	result.SignUpFeeCharge = c.money(result.SignUpFeeCharge)
	result.ChargeNow = c.money(result.ChargeNow)
	return result, nil
}

// daysInOldCycle prefers the actual window the customer last paid for
func (c *Calculator) daysInOldCycle(sub *domain.Subscription) decimal.Decimal {
	next := sub.NextPayment()
	from := sub.LastPayment()
	if from.IsZero() {
		from = sub.Start()
	}
	if !next.IsZero() && !from.IsZero() && next.After(from) {
		return daysBetween(from, next)
	}
	return sub.Terms.NominalDays()
}

func (c *Calculator) prorateRecurring(direction domain.SwitchDirection, virtual bool) bool {
	if direction == domain.SwitchCrossgrade {
		return false
	}
	upgrade := direction == domain.SwitchUpgrade

	switch c.policy.RecurringPrice {
	case domain.ProrateRecurringVirtualUpgradesOnly:
		return upgrade && virtual
	case domain.ProrateRecurringUpgradesOnly:
		return upgrade
	case domain.ProrateRecurringVirtualBoth:
		return virtual
	case domain.ProrateRecurringBoth:
		return true
	}
	return false
}

func (c *Calculator) prorate(
	result *domain.SwitchResult,
	sub *domain.Subscription,
	newTerms domain.BillingTerms,
	oldTotal, newTotal decimal.Decimal,
	qty int,
	now time.Time,
) error {
	next := sub.NextPayment()
	if next.IsZero() || !next.After(now) {
		// nothing prepaid to apportion
		return nil
	}

	daysOld := result.DaysInOldCycle
	daysNew := result.DaysInNewCycle
	daysUntilNext := daysBetween(now, next)
	daysElapsed := decimal.Max(daysOld.Sub(daysUntilNext), decimal.Zero).Floor()

	switch result.Direction {
	case domain.SwitchUpgrade:
		if daysOld.GreaterThan(daysNew) {
			// whole days of the new plan the last payment already covers
			daysPaidFor := oldTotal.Mul(daysNew).Div(newTotal).Floor()
			if daysElapsed.LessThan(daysPaidFor) {
				prepaid := daysPaidFor.Sub(daysElapsed).IntPart()
				result.FirstPayment = timeutil.AddDays(now, int(prepaid))
			} else {
				result.RestartsBilling = true
				result.ChargeNow = newTotal
				result.FirstPayment = newTerms.Next(now, 1)
			}
			result.ProrationApplied = true
			return nil
		}

		// (new/day - old/day) over the days left, kept exact until rounding
		gap := newTotal.Mul(daysOld).Sub(oldTotal.Mul(daysNew))
		extra := daysUntilNext.Ceil().Mul(gap).Div(daysNew.Mul(daysOld))
		result.ExtraCharge = decimal.Max(extra, decimal.Zero)
		result.ProrationApplied = true
		return nil

	case domain.SwitchDowngrade:
		if !newTotal.IsPositive() {
			return domain.NewDomainError(domain.ErrorCodeSubSwitchFailed,
				"cannot apportion a downgrade to a free plan")
		}
		// unused value of the current cycle spent at the new daily price
		extraDays := daysUntilNext.Mul(oldTotal).Mul(daysNew).Div(daysOld.Mul(newTotal)).Floor()
		result.FirstPayment = timeutil.AddDays(now, int(extraDays.IntPart()))
		result.ProrationApplied = true
	}
	return nil
}

func (c *Calculator) prorateSignUpFee(result *domain.SwitchResult, existing domain.LineItem, qty int) {
	if c.policy.SignUpFee != domain.ProrateSignUpFeeAlways {
		result.NewItem.SignUpFeePaid = existing.SignUpFeePaid
		return
	}
	perUnit := decimal.Max(result.NewItem.SignUpFee.Sub(existing.SignUpFeePaid), decimal.Zero)
	result.SignUpFeeCharge = perUnit.Mul(decimal.NewFromInt(int64(qty)))
	result.NewItem.SignUpFeePaid = existing.SignUpFeePaid.Add(perUnit)
}

func (c *Calculator) prorateLength(result *domain.SwitchResult, newTerms domain.BillingTerms, completed int, now time.Time) {
	base := newTerms.Length
	if base == 0 {
		return
	}

	remaining := base
	enabled := c.policy.Length == domain.ProrateLengthAlways ||
		(c.policy.Length == domain.ProrateLengthVirtualOnly && result.NewItem.Virtual)
	if enabled {
		remaining = base - completed
		if remaining <= 0 {
			remaining = base
		}
	}
	result.RemainingLength = remaining

	from := result.FirstPayment
	if result.RestartsBilling {
		// the charge taken now is the first of the remaining payments
		from = now
	}
	if from.IsZero() {
		from = now
	}
	result.End = newTerms.Next(from, remaining)
	if !result.FirstPayment.IsZero() && !result.End.After(result.FirstPayment) {
		result.FirstPayment = time.Time{}
	}
}

func (c *Calculator) money(d decimal.Decimal) decimal.Decimal {
	return decimal.Max(d, decimal.Zero).Round(c.precision)
}

func daysBetween(a, b time.Time) decimal.Decimal {
	return decimal.NewFromInt(int64(b.Sub(a))).Div(dayNanos)
}
