// Package eventbus delivers committed billing events over watermill's
// in-process gochannel pub/sub, one topic per event type.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"go.uber.org/zap"
)

// Metadata keys set on every message
const (
	MetadataEventType      = "event_type"
	MetadataSubscriptionID = "subscription_id"
	MetadataOccurredAt     = "occurred_at"
)

// TopicPrefix namespaces billing topics
const TopicPrefix = "billing."

// Config tunes the in-process channel
type Config struct {
	// OutputChannelBuffer is the per-subscriber buffer.
	OutputChannelBuffer int64
	// Persistent replays earlier messages to late subscribers.
	Persistent bool
}

// DefaultConfig returns the settings used by the server
func DefaultConfig() Config {
	return Config{OutputChannelBuffer: 100}
}

// Bus publishes domain events and lets in-process consumers subscribe to them
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

var _ ports.EventPublisher = (*Bus)(nil)

// NewBus creates an event bus
func NewBus(cfg Config, logger *zap.Logger) *Bus {
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.OutputChannelBuffer,
			Persistent:                     cfg.Persistent,
			BlockPublishUntilSubscriberAck: false,
		},
		NewZapLoggerAdapter(logger),
	)
	return &Bus{pubsub: goChannel, logger: logger}
}

// Topic returns the topic events of type t are published on
func Topic(t domain.EventType) string {
	return TopicPrefix + string(t)
}

// Publish sends each event to its type's topic. The message UUID is the event ID,
// so consumers can drop duplicates.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) error {
	for _, ev := range events {
		msg, err := NewMessage(ev)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)

		if err := b.pubsub.Publish(Topic(ev.Type), msg); err != nil {
			return fmt.Errorf("publish %s event %s: %w", ev.Type, ev.ID, err)
		}

		b.logger.Debug("Published event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("subscription_id", ev.SubscriptionID),
		)
	}
	return nil
}

// Subscribe returns the messages published for eventType until ctx is done.
// Consumers must Ack or Nack every message.
func (b *Bus) Subscribe(ctx context.Context, eventType domain.EventType) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic(eventType))
}

// Close closes every subscription
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// NewMessage renders an event as a watermill message carrying the stable payload
func NewMessage(ev domain.Event) (*message.Message, error) {
	payload, err := ev.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	id := ev.ID
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetadataEventType, string(ev.Type))
	msg.Metadata.Set(MetadataSubscriptionID, ev.SubscriptionID)
	msg.Metadata.Set(MetadataOccurredAt, ev.OccurredAt.UTC().Format(time.RFC3339))
	return msg, nil
}
