// Package webhook forwards billing events from the event bus to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/eventbus"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
)

// Delivery headers
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Endpoint receives events. An empty EventTypes receives every event.
type Endpoint struct {
	URL        string
	Secret     string
	EventTypes []domain.EventType
}

// Wants reports whether the endpoint subscribed to t
func (e Endpoint) Wants(t domain.EventType) bool {
	return len(e.EventTypes) == 0 || lo.Contains(e.EventTypes, t)
}

// Config holds delivery settings
type Config struct {
	Endpoints   []Endpoint
	MaxAttempts int
	Backoff     resilience.BackoffStrategy
}

// DefaultConfig returns three attempts with the default exponential backoff
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     resilience.DefaultExponentialBackoff(),
	}
}

// Subscriber is the part of the event bus the service reads from
type Subscriber interface {
	Subscribe(ctx context.Context, eventType domain.EventType) (<-chan *message.Message, error)
}

// permanentError marks a delivery the endpoint rejected outright
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// DeliveryService handles webhook delivery to configured endpoints
type DeliveryService struct {
	bus        Subscriber
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
	wg         conc.WaitGroup
}

// NewDeliveryService creates a new webhook delivery service
func NewDeliveryService(bus Subscriber, httpClient *http.Client, cfg Config, logger *zap.Logger) *DeliveryService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = resilience.DefaultExponentialBackoff()
	}
	return &DeliveryService{
		bus:        bus,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start subscribes to every event type some endpoint wants and forwards
// messages until ctx is done or the bus closes
func (s *DeliveryService) Start(ctx context.Context) error {
	for _, eventType := range domain.AllEventTypes {
		wanted := lo.ContainsBy(s.cfg.Endpoints, func(e Endpoint) bool { return e.Wants(eventType) })
		if !wanted {
			continue
		}

		messages, err := s.bus.Subscribe(ctx, eventType)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", eventType, err)
		}

		eventType := eventType
		s.wg.Go(func() {
			for msg := range messages {
				s.handle(ctx, eventType, msg)
			}
		})
	}

	s.logger.Info("Webhook delivery started", zap.Int("endpoints", len(s.cfg.Endpoints)))
	return nil
}

// Wait blocks until every subscription loop has exited
func (s *DeliveryService) Wait() {
	s.wg.Wait()
}

// handle delivers one message to every interested endpoint. Failed
// deliveries are logged and dropped so one dead endpoint cannot stall the bus.
func (s *DeliveryService) handle(ctx context.Context, eventType domain.EventType, msg *message.Message) {
	defer msg.Ack()

	for _, endpoint := range s.cfg.Endpoints {
		if !endpoint.Wants(eventType) {
			continue
		}
		if err := s.Deliver(ctx, endpoint, msg); err != nil {
			observability.RecordWebhookDelivery(string(eventType), "failed")
			s.logger.Error("Failed to deliver webhook",
				zap.String("event_id", msg.UUID),
				zap.String("event_type", string(eventType)),
				zap.String("webhook_url", endpoint.URL),
				zap.Error(err),
			)
			continue
		}
		observability.RecordWebhookDelivery(string(eventType), "delivered")
	}
}

// Deliver posts msg to endpoint, retrying network errors and 5xx responses
func (s *DeliveryService) Deliver(ctx context.Context, endpoint Endpoint, msg *message.Message) error {
	retryable := func(err error) bool {
		var perm *permanentError
		return !errors.As(err, &perm)
	}

	return resilience.Retry(ctx, s.cfg.Backoff, s.cfg.MaxAttempts, retryable, func(ctx context.Context, attempt int) error {
		err := s.post(ctx, endpoint, msg)
		if err != nil {
			s.logger.Warn("Webhook attempt failed",
				zap.String("event_id", msg.UUID),
				zap.String("webhook_url", endpoint.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		return err
	})
}

func (s *DeliveryService) post(ctx context.Context, endpoint Endpoint, msg *message.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(msg.Payload))
	if err != nil {
		return &permanentError{err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(msg.Payload, endpoint.Secret))
	req.Header.Set(HeaderEventType, msg.Metadata.Get(eventbus.MetadataEventType))
	req.Header.Set(HeaderEventID, msg.UUID)
	req.Header.Set(HeaderTimestamp, msg.Metadata.Get(eventbus.MetadataOccurredAt))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return &permanentError{err: err}
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
