package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RecurringProration controls when the recurring price difference is prorated
type RecurringProration string

const (
	ProrateRecurringNever               RecurringProration = "never"
	ProrateRecurringVirtualUpgradesOnly RecurringProration = "virtual-upgrades-only"
	ProrateRecurringUpgradesOnly        RecurringProration = "upgrades-only"
	ProrateRecurringVirtualBoth         RecurringProration = "virtual-both"
	ProrateRecurringBoth                RecurringProration = "both"
)

// SignUpFeeProration controls whether sign-up fees are prorated
type SignUpFeeProration string

const (
	ProrateSignUpFeeNever  SignUpFeeProration = "never"
	ProrateSignUpFeeAlways SignUpFeeProration = "always"
)

// LengthProration controls whether payments already made count toward the new length
type LengthProration string

const (
	ProrateLengthNever       LengthProration = "never"
	ProrateLengthVirtualOnly LengthProration = "virtual-only"
	ProrateLengthAlways      LengthProration = "always"
)

// ProrationPolicy is the store's switch configuration
type ProrationPolicy struct {
	RecurringPrice RecurringProration `json:"recurring_price"`
	SignUpFee      SignUpFeeProration `json:"sign_up_fee"`
	Length         LengthProration    `json:"length"`
}

// NoProration is the policy used when prorating is disabled or fails
var NoProration = ProrationPolicy{
	RecurringPrice: ProrateRecurringNever,
	SignUpFee:      ProrateSignUpFeeNever,
	Length:         ProrateLengthNever,
}

// Validate checks every mode is known
func (p ProrationPolicy) Validate() error {
	switch p.RecurringPrice {
	case ProrateRecurringNever, ProrateRecurringVirtualUpgradesOnly, ProrateRecurringUpgradesOnly,
		ProrateRecurringVirtualBoth, ProrateRecurringBoth:
	default:
		return fmt.Errorf("unknown recurring price proration %q", p.RecurringPrice)
	}
	switch p.SignUpFee {
	case ProrateSignUpFeeNever, ProrateSignUpFeeAlways:
	default:
		return fmt.Errorf("unknown sign-up fee proration %q", p.SignUpFee)
	}
	switch p.Length {
	case ProrateLengthNever, ProrateLengthVirtualOnly, ProrateLengthAlways:
	default:
		return fmt.Errorf("unknown length proration %q", p.Length)
	}
	return nil
}

// SwitchDirection classifies a plan change by price per day
type SwitchDirection string

const (
	SwitchUpgrade    SwitchDirection = "upgraded"
	SwitchDowngrade  SwitchDirection = "downgraded"
	SwitchCrossgrade SwitchDirection = "crossgraded"
)

// SwitchResult is the computed outcome of switching one line item
type SwitchResult struct {
	FirstPayment       time.Time
	End                time.Time
	OldPricePerDay     decimal.Decimal
	NewPricePerDay     decimal.Decimal
	DaysInOldCycle     decimal.Decimal
	DaysInNewCycle     decimal.Decimal
	ExtraCharge        decimal.Decimal
	ExtraChargePerUnit decimal.Decimal
	SignUpFeeCharge    decimal.Decimal

	// ChargeNow is the new recurring total collected immediately when billing restarts.
	ChargeNow        decimal.Decimal
	NewItem          LineItem
	ExistingItemID   string
	Direction        SwitchDirection
	RemainingLength  int
	ProrationApplied bool
	RestartsBilling  bool
	Policy           ProrationPolicy
}

// TotalDue is what the switch order charges
func (r SwitchResult) TotalDue() decimal.Decimal {
	return r.ExtraCharge.Add(r.SignUpFeeCharge).Add(r.ChargeNow)
}
