// Package gateway routes renewal charges to the payment gateway a subscription
// pays through and answers which subscription features each gateway supports.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Gateway charges renewal orders for one payment gateway
type Gateway interface {
	ID() string
	Features() []domain.GatewayFeature
	// Charge returns an unapproved result for a decline and an error only when
	// the gateway could not give an answer.
	Charge(ctx context.Context, order *domain.Order) (*domain.ChargeResult, error)
}

type registered struct {
	gateway  Gateway
	features map[domain.GatewayFeature]bool
	breaker  *CircuitBreaker
}

// Registry implements ports.GatewayRegistry over a set of gateways
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*registered
	breakers CircuitBreakerConfig
	timeouts *resilience.TimeoutConfig
	clock    timeutil.Clock
	logger   *zap.Logger
}

var _ ports.GatewayRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry
func NewRegistry(breakers CircuitBreakerConfig, timeouts *resilience.TimeoutConfig, clock timeutil.Clock, logger *zap.Logger) *Registry {
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &Registry{
		gateways: make(map[string]*registered),
		breakers: breakers,
		timeouts: timeouts,
		clock:    clock,
		logger:   logger,
	}
}

// Register adds gw, replacing any gateway with the same ID
func (r *Registry) Register(gw Gateway) {
	breaker := NewCircuitBreaker(r.breakers, r.clock)
	id := gw.ID()
	breaker.onStateChange = func(from, to CircuitState) {
		r.logger.Warn("Gateway circuit changed state",
			zap.String("gateway_id", id),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[id] = &registered{
		gateway:  gw,
		features: lo.SliceToMap(gw.Features(), func(f domain.GatewayFeature) (domain.GatewayFeature, bool) { return f, true }),
		breaker:  breaker,
	}
	r.logger.Info("Registered payment gateway",
		zap.String("gateway_id", id),
		zap.Strings("features", lo.Map(gw.Features(), func(f domain.GatewayFeature, _ int) string { return string(f) })),
	)
}

// IDs lists the registered gateways
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.gateways)
}

// Supports reports whether gatewayID supports feature. Unknown gateways support nothing.
func (r *Registry) Supports(gatewayID string, feature domain.GatewayFeature) bool {
	entry, ok := r.lookup(gatewayID)
	return ok && entry.features[feature]
}

// Circuit returns the breaker state for gatewayID
func (r *Registry) Circuit(gatewayID string) (CircuitState, bool) {
	entry, ok := r.lookup(gatewayID)
	if !ok {
		return StateClosed, false
	}
	return entry.breaker.State(), true
}

// ChargeRenewal charges order through its gateway
func (r *Registry) ChargeRenewal(ctx context.Context, order *domain.Order) (*domain.ChargeResult, error) {
	entry, ok := r.lookup(order.GatewayID)
	if !ok {
		return nil, domain.NewDomainError(domain.ErrorCodeGatewayUnsupported, "no gateway registered").
			WithDetail("gateway_id", order.GatewayID)
	}

	ctx, cancel := r.timeouts.GatewayContext(ctx)
	defer cancel()

	var result *domain.ChargeResult
	err := entry.breaker.Call(func() error {
		var err error
		result, err = entry.gateway.Charge(ctx, order)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyProbes) {
			r.logger.Warn("Gateway charge skipped, circuit open",
				zap.String("gateway_id", order.GatewayID),
				zap.String("order_id", order.ID),
			)
		}
		return nil, domain.WrapError(domain.ErrorCodeGatewayError, "charge failed", err).
			WithDetail("gateway_id", order.GatewayID)
	}
	if result == nil {
		return nil, domain.WrapError(domain.ErrorCodeGatewayError, "charge failed",
			fmt.Errorf("gateway %s returned no result", order.GatewayID))
	}
	return result, nil
}

func (r *Registry) lookup(gatewayID string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.gateways[gatewayID]
	return entry, ok
}
