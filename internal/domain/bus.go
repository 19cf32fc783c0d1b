package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `koanf:"type" json:"type" validate:"oneof=channel nats kafka"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size" json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url" json:"natsUrl"`
	NATSToken         string `koanf:"nats_token" json:"-"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait" json:"natsReconnectWait"` // seconds

	// Kafka settings (Pro tier, audit stream)
	KafkaBrokers []string `koanf:"kafka_brokers" json:"kafkaBrokers"`

	// ConsumerGroup is the NATS queue group and Kafka consumer group shared
	// by every instance.
	ConsumerGroup string `koanf:"consumer_group" json:"consumerGroup"`
}

// Standard topic names.
const (
	TopicFraudEvent      = "warden.fraud.event"
	TopicTrustUpdated    = "warden.trust.updated"
	TopicProfileUpdated  = "warden.typing.profile"
	TopicMessageAnalyze  = "warden.message.analyze"
	TopicMessageAnalyzed = "warden.message.analyzed"
)
