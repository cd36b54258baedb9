package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("gateway unreachable")

func newTestBreaker(maxFailures uint32) (*CircuitBreaker, *timeutil.FixedClock) {
	clock := timeutil.NewFixedClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: maxFailures,
		Cooldown:    30 * time.Second,
		MaxProbes:   1,
	}, clock)
	return cb, clock
}

func fail() error    { return errUnreachable }
func succeed() error { return nil }

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	assert.Equal(t, uint32(5), cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)
	assert.Equal(t, uint32(1), cfg.MaxProbes)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Call(fail), errUnreachable)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Call(fail), errUnreachable)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	require.Error(t, cb.Call(fail))
	require.Error(t, cb.Call(fail))
	require.NoError(t, cb.Call(succeed))
	assert.Equal(t, uint32(0), cb.Failures())

	require.Error(t, cb.Call(fail))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1)

	require.Error(t, cb.Call(fail))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, cb.Call(succeed), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)

	require.Error(t, cb.Call(fail))
	clock.Advance(31 * time.Second)

	require.Error(t, cb.Call(fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Call(succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	cb, clock := newTestBreaker(1)

	require.Error(t, cb.Call(fail))
	clock.Advance(31 * time.Second)

	probing := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Call(func() error {
			close(probing)
			<-release
			return nil
		})
	}()

	<-probing
	assert.ErrorIs(t, cb.Call(succeed), ErrTooManyProbes)
	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(1)
	var changes []string
	cb.onStateChange = func(from, to CircuitState) {
		changes = append(changes, from.String()+"->"+to.String())
	}

	require.Error(t, cb.Call(fail))
	cb.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, changes)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
