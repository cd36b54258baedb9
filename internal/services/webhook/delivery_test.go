package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/eventbus"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
)

type receivedRequest struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu       sync.Mutex
	requests []receivedRequest
	statuses []int
	calls    atomic.Int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	n := int(r.calls.Add(1)) - 1

	r.mu.Lock()
	r.requests = append(r.requests, receivedRequest{header: req.Header.Clone(), body: body})
	status := http.StatusOK
	if n < len(r.statuses) {
		status = r.statuses[n]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *receiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func testConfig(endpoints ...Endpoint) Config {
	return Config{
		Endpoints:   endpoints,
		MaxAttempts: 3,
		Backoff:     &resilience.FixedBackoff{Delay: time.Millisecond},
	}
}

func TestDeliveryService_ForwardsEvents(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	bus := eventbus.NewBus(eventbus.DefaultConfig(), zap.NewNop())
	defer bus.Close()

	svc := NewDeliveryService(bus, srv.Client(), testConfig(Endpoint{
		URL:        srv.URL,
		Secret:     "whsec",
		EventTypes: []domain.EventType{domain.EventSubscriptionStatusChanged},
	}), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := domain.NewStatusChangedEvent("sub_1", domain.SubscriptionStatusActive, domain.SubscriptionStatusOnHold, at)
	require.NoError(t, bus.Publish(ctx, ev))
	// Not subscribed by the endpoint
	require.NoError(t, bus.Publish(ctx, domain.NewSwitchedEvent("sub_1", "sub_2", "ord_1", domain.SwitchUpgrade, at)))

	require.Eventually(t, func() bool { return len(rcv.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	got := rcv.received()[0]
	assert.Equal(t, string(domain.EventSubscriptionStatusChanged), got.header.Get(HeaderEventType))
	assert.Equal(t, ev.ID, got.header.Get(HeaderEventID))
	assert.Equal(t, "2026-03-01T12:00:00Z", got.header.Get(HeaderTimestamp))
	assert.Equal(t, Sign(got.body, "whsec"), got.header.Get(HeaderSignature))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, "sub_1", body["subscription_id"])
	assert.Equal(t, "on-hold", body["new_status"])

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rcv.received(), 1)
}

func TestDeliveryService_Deliver(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		wantCalls int32
	}{
		{"first attempt succeeds", nil, false, 1},
		{"server error then success", []int{http.StatusBadGateway, http.StatusOK}, false, 2},
		{"rate limited then success", []int{http.StatusTooManyRequests, http.StatusAccepted}, false, 2},
		{"client error is not retried", []int{http.StatusBadRequest}, true, 1},
		{"server errors exhaust attempts", []int{500, 500, 500, 500}, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcv := &receiver{statuses: tt.statuses}
			srv := httptest.NewServer(rcv)
			defer srv.Close()

			endpoint := Endpoint{URL: srv.URL, Secret: "s"}
			svc := NewDeliveryService(nil, srv.Client(), testConfig(endpoint), zap.NewNop())

			msg, err := eventbus.NewMessage(domain.NewEvent(domain.EventRetryFired, "sub_9", time.Now(), nil))
			require.NoError(t, err)

			err = svc.Deliver(context.Background(), endpoint, msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, rcv.calls.Load())
		})
	}
}

func TestDeliveryService_NoEndpointsSubscribesToNothing(t *testing.T) {
	bus := eventbus.NewBus(eventbus.DefaultConfig(), zap.NewNop())
	defer bus.Close()

	svc := NewDeliveryService(bus, nil, testConfig(), zap.NewNop())
	require.NoError(t, svc.Start(context.Background()))
	svc.Wait()
}

func TestEndpoint_Wants(t *testing.T) {
	all := Endpoint{URL: "http://x"}
	some := Endpoint{URL: "http://x", EventTypes: []domain.EventType{domain.EventRetryFired}}

	assert.True(t, all.Wants(domain.EventSubscriptionSwitched))
	assert.True(t, some.Wants(domain.EventRetryFired))
	assert.False(t, some.Wants(domain.EventRetryScheduled))
}

func TestSign(t *testing.T) {
	// HMAC-SHA256("secret", "payload")
	assert.Equal(t, "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4", Sign([]byte("payload"), "secret"))
	assert.NotEqual(t, Sign([]byte("payload"), "secret"), Sign([]byte("payload"), "other"))
}
