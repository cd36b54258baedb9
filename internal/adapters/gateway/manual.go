package gateway

import (
	"context"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// ManualGatewayID is the ID for subscriptions paid by hand
const ManualGatewayID = "manual"

// DeclineCodeManual marks a renewal left for the customer to pay
const DeclineCodeManual = "manual_payment_required"

// ManualGateway never collects money. Renewal orders it is asked to charge
// stay unpaid until they are marked paid by hand.
type ManualGateway struct{}

// NewManualGateway creates a manual gateway
func NewManualGateway() *ManualGateway { return &ManualGateway{} }

// ID returns the gateway ID
func (ManualGateway) ID() string { return ManualGatewayID }

// Features returns every feature
func (ManualGateway) Features() []domain.GatewayFeature { return domain.AllGatewayFeatures }

// Charge declines with DeclineCodeManual
func (ManualGateway) Charge(_ context.Context, _ *domain.Order) (*domain.ChargeResult, error) {
	return &domain.ChargeResult{
		Approved:    false,
		DeclineCode: DeclineCodeManual,
		Message:     "awaiting manual payment",
	}, nil
}
