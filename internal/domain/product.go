package domain

import (
	"github.com/shopspring/decimal"
)

// Recurring is the capability a catalog product exposes to be sold on a subscription
type Recurring interface {
	ProductID() string
	ProductName() string
	RecurringPrice() decimal.Decimal
	SignUpFee() decimal.Decimal
	BillingTerms() BillingTerms
	Trial() (int, Period)
	IsVirtual() bool
	IsSynced() bool
}

// Product is the catalog's recurring product record
type Product struct {
	Price       decimal.Decimal `json:"price"`
	SignUp      decimal.Decimal `json:"sign_up_fee"`
	Terms       BillingTerms    `json:"terms"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TrialPeriod Period          `json:"trial_period,omitempty"`
	TrialLength int             `json:"trial_length"`
	Virtual     bool            `json:"virtual"`
	Synced      bool            `json:"synced"`
}

func (p *Product) ProductID() string               { return p.ID }
func (p *Product) ProductName() string             { return p.Name }
func (p *Product) RecurringPrice() decimal.Decimal { return p.Price }
func (p *Product) SignUpFee() decimal.Decimal      { return p.SignUp }
func (p *Product) BillingTerms() BillingTerms      { return p.Terms }
func (p *Product) Trial() (int, Period)            { return p.TrialLength, p.TrialPeriod }
func (p *Product) IsVirtual() bool                 { return p.Virtual }
func (p *Product) IsSynced() bool                  { return p.Synced }

// NewLineItem builds a subscription line item for qty units of r.
func NewLineItem(id string, r Recurring, qty int) LineItem {
	trialLength, trialPeriod := r.Trial()
	return LineItem{
		ID:             id,
		ProductID:      r.ProductID(),
		Name:           r.ProductName(),
		Quantity:       qty,
		RecurringPrice: r.RecurringPrice(),
		SignUpFee:      r.SignUpFee(),
		SignUpFeePaid:  decimal.Zero,
		TrialLength:    trialLength,
		TrialPeriod:    trialPeriod,
		Virtual:        r.IsVirtual(),
		Synced:         r.IsSynced(),
	}
}
