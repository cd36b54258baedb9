package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines timeout values for the application's timeout hierarchy
//
// Timeout Hierarchy (from outermost to innermost):
//
//	Sweep (5m)             cron endpoint or in-process renewal/retry sweep
//	  HTTPHandler (60s)    single hook callback
//	    Hook (50s)         one subscription's renewal, end or retry
//	      Gateway (30s)    renewal charge
//	      Database (5s)    store round trip
//
// Each layer completes before its parent times out.
type TimeoutConfig struct {
	Sweep       time.Duration
	HTTPHandler time.Duration
	Hook        time.Duration
	Gateway     time.Duration
	Database    time.Duration
	// Publish bounds post-commit event delivery, which never blocks the caller's result.
	Publish time.Duration
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Sweep:       5 * time.Minute,
		HTTPHandler: 60 * time.Second,
		Hook:        50 * time.Second,
		Gateway:     30 * time.Second,
		Database:    5 * time.Second,
		Publish:     10 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Sweep:       30 * time.Second,
		HTTPHandler: 5 * time.Second,
		Hook:        4 * time.Second,
		Gateway:     2 * time.Second,
		Database:    1 * time.Second,
		Publish:     1 * time.Second,
	}
}

// SweepContext creates a context with timeout for a batch sweep
func (tc *TimeoutConfig) SweepContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Sweep)
}

// HandlerContext creates a context with timeout for HTTP handlers
func (tc *TimeoutConfig) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.HTTPHandler)
}

// HookContext creates a context for one dispatched hook
func (tc *TimeoutConfig) HookContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Hook)
}

// GatewayContext creates a context for a gateway charge
func (tc *TimeoutConfig) GatewayContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Gateway)
}

// DatabaseContext creates a context for a single store call
func (tc *TimeoutConfig) DatabaseContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Database)
}

// PublishContext creates a context for post-commit event delivery
func (tc *TimeoutConfig) PublishContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Publish)
}
