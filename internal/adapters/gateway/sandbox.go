package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/shopspring/decimal"
)

// SandboxGatewayID is the ID the sandbox registers under
const SandboxGatewayID = "sandbox"

// MetaSandboxResponseCode on an order forces the sandbox response
const MetaSandboxResponseCode = "sandbox_response_code"

// ErrSandboxUnavailable is returned for the system error response code
var ErrSandboxUnavailable = errors.New("sandbox processor unavailable")

// SandboxGateway answers deterministically for non-production use. The
// response code comes from the order's sandbox_response_code meta, or else
// from the cents of the total: x.51 declines for insufficient funds, x.54 as
// an expired card, x.05 as do-not-honor and x.96 fails as unreachable.
// Anything else is approved.
type SandboxGateway struct {
	mu       sync.Mutex
	features []domain.GatewayFeature
	charges  []string
}

// NewSandboxGateway creates a sandbox supporting every feature
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{features: domain.AllGatewayFeatures}
}

// ID returns the gateway ID
func (g *SandboxGateway) ID() string { return SandboxGatewayID }

// Features returns the supported features
func (g *SandboxGateway) Features() []domain.GatewayFeature { return g.features }

// Charge simulates a charge
func (g *SandboxGateway) Charge(ctx context.Context, order *domain.Order) (*domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.charges = append(g.charges, order.ID)
	g.mu.Unlock()

	rc := LookupResponseCode(sandboxCode(order))
	switch {
	case rc.SystemError:
		return nil, fmt.Errorf("%w: %s", ErrSandboxUnavailable, rc.Description)
	case rc.Approved:
		return &domain.ChargeResult{
			Approved:      true,
			TransactionID: "sbx_" + uuid.New().String(),
			Message:       rc.Display,
		}, nil
	default:
		return &domain.ChargeResult{
			Approved:    false,
			DeclineCode: rc.Code,
			Message:     rc.Description,
		}, nil
	}
}

// Charges returns the IDs of the orders charged so far
func (g *SandboxGateway) Charges() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.charges...)
}

func sandboxCode(order *domain.Order) string {
	if code := order.Meta[MetaSandboxResponseCode]; code != "" {
		return code
	}
	cents := order.Total.Mul(decimal.NewFromInt(100)).Round(0).IntPart() % 100
	switch cents {
	case 5, 51, 54, 96:
		return fmt.Sprintf("%02d", cents)
	}
	return "00"
}
