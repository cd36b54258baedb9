package ports

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
)

// GatewayRegistry routes renewal charges to the subscription's gateway
type GatewayRegistry interface {
	// ChargeRenewal attempts payment for the order. Declines come back as an
	// unapproved result; an error means the gateway could not be reached.
	ChargeRenewal(ctx context.Context, order *domain.Order) (*domain.ChargeResult, error)
	Supports(gatewayID string, feature domain.GatewayFeature) bool
}

// Scheduler runs a named hook at a future time
type Scheduler interface {
	Schedule(ctx context.Context, at time.Time, hook string, args map[string]string) (string, error)
	Cancel(ctx context.Context, token string) error
}

// HookHandler receives hooks the scheduler fires
type HookHandler interface {
	HandleHook(ctx context.Context, hook string, args map[string]string) error
}

// EventPublisher delivers committed events to subscribers
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}
