// Package billing is the recurring billing engine. It composes the schedule
// calculator, the status state machine, the retry engine and the switch
// calculator against the order store, the gateway registry, the scheduler and
// the event bus.
package billing

import (
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/lifecycle"
	"github.com/kevin07696/recurring-billing/internal/services/retry"
	"github.com/kevin07696/recurring-billing/internal/services/schedule"
	"github.com/kevin07696/recurring-billing/internal/services/switching"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// Hooks dispatched by HandleHook besides retry.HookPaymentRetry
const (
	HookScheduledPayment = "scheduled_payment"
	HookScheduledEnd     = "scheduled_end"
	ArgSubscriptionID    = "subscription_id"
)

// Config holds engine tuning
type Config struct {
	// BatchSize bounds each sweep.
	BatchSize int
	// Concurrency bounds how many subscriptions a sweep works on at once.
	Concurrency int
	// TerminalFailureStatus is where a subscription goes when a renewal fails
	// and no retry rule applies.
	TerminalFailureStatus domain.SubscriptionStatus
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		BatchSize:             100,
		Concurrency:           4,
		TerminalFailureStatus: domain.SubscriptionStatusOnHold,
	}
}

// Engine is the composition root of recurring billing
type Engine struct {
	db        ports.DBPort
	store     ports.OrderStore
	catalog   ports.ProductCatalog
	gateways  ports.GatewayRegistry
	publisher ports.EventPublisher
	retries   *retry.Manager
	switcher  *switching.Calculator
	calc      *schedule.Calculator
	machine   *lifecycle.Machine
	clock     timeutil.Clock
	logger    ports.Logger
	cfg       Config
}

var _ retry.StatusForcer = (*Engine)(nil)
var _ ports.HookHandler = (*Engine)(nil)

// NewEngine creates a billing engine
func NewEngine(
	db ports.DBPort,
	store ports.OrderStore,
	catalog ports.ProductCatalog,
	gateways ports.GatewayRegistry,
	publisher ports.EventPublisher,
	retries *retry.Manager,
	switcher *switching.Calculator,
	clock timeutil.Clock,
	logger ports.Logger,
	cfg Config,
) *Engine {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.TerminalFailureStatus == "" {
		cfg.TerminalFailureStatus = defaults.TerminalFailureStatus
	}
	if switcher == nil {
		switcher = switching.NewCalculator(domain.NoProration, switching.DefaultPrecision)
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	calc := schedule.NewCalculator()
	return &Engine{
		db:        db,
		store:     store,
		catalog:   catalog,
		gateways:  gateways,
		publisher: publisher,
		retries:   retries,
		switcher:  switcher,
		calc:      calc,
		machine:   lifecycle.NewMachine(calc),
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}
