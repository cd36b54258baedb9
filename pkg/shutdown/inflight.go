package shutdown

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var inFlightWork = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "billing_inflight_work",
	Help: "Sweeps and hook dispatches currently running",
}, []string{"tracker"})

// InFlightTracker counts sweeps and hook dispatches still running so shutdown
// can wait for them. Once shutdown starts no new work is admitted.
type InFlightTracker struct {
	name   string
	logger *zap.Logger
	gauge  prometheus.Gauge

	mu       sync.Mutex
	wg       sync.WaitGroup
	draining chan struct{}
	closed   bool
	running  atomic.Int64
}

// NewInFlightTracker creates a tracker reported under name
func NewInFlightTracker(name string, logger *zap.Logger) *InFlightTracker {
	return &InFlightTracker{
		name:     name,
		logger:   logger,
		gauge:    inFlightWork.WithLabelValues(name),
		draining: make(chan struct{}),
	}
}

// Add admits one unit of work. It returns false once shutdown has started;
// the caller must not start the work then.
func (t *InFlightTracker) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.running.Add(1)
	t.gauge.Inc()
	return true
}

// Done marks admitted work finished
func (t *InFlightTracker) Done() {
	t.running.Add(-1)
	t.gauge.Dec()
	t.wg.Done()
}

// Running returns how much admitted work has not finished
func (t *InFlightTracker) Running() int64 {
	return t.running.Load()
}

// IsShuttingDown reports whether Shutdown has been called
func (t *InFlightTracker) IsShuttingDown() bool {
	select {
	case <-t.draining:
		return true
	default:
		return false
	}
}

// Shutdown stops admitting work and waits for the running work or ctx
func (t *InFlightTracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.draining)
	}
	t.mu.Unlock()

	t.logger.Info("Waiting for in-flight work",
		zap.String("tracker", t.name),
		zap.Int64("running", t.Running()))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("In-flight work finished", zap.String("tracker", t.name))
		return nil
	case <-ctx.Done():
		t.logger.Warn("Shutdown timeout with work still running",
			zap.String("tracker", t.name),
			zap.Int64("running", t.Running()))
		return ctx.Err()
	}
}
