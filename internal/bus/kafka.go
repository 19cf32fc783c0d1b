package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// KafkaBus implements EventBus on Kafka. Fraud events go to a durable,
// replayable log that external reporting can consume with its own group.
type KafkaBus struct {
	mu            sync.Mutex
	writer        *kafka.Writer
	brokers       []string
	groupID       string
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}

	once     sync.Once
	closeErr error
}

// NewKafkaBus creates a Kafka-backed bus. Connections are made lazily.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka_brokers is required for the kafka bus")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "warden"
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	slog.Info("kafka bus initialized", "brokers", cfg.KafkaBrokers, "group", group)

	return &KafkaBus{
		writer:        w,
		brokers:       cfg.KafkaBrokers,
		groupID:       group,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes one message. The partition key comes from WithKey, falling
// back to the message id.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Key:       keyFrom(ctx),
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	key := msg.Key
	if key == "" {
		key = msg.ID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		metrics.BusMessages.WithLabelValues(topic, "dropped").Inc()
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}
	metrics.BusMessages.WithLabelValues(topic, "published").Inc()
	return nil
}

// Subscribe starts a consumer-group reader for topic. Offsets are committed
// after the handler returns, errors included; a failing handler is logged,
// not retried.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.consume(subCtx, handler)

	b.subscriptions[sub.id] = sub
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("error reading kafka message", "topic", s.topic, "error", err)
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", s.topic,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := handler(ctx, &msg); err != nil {
			metrics.BusMessages.WithLabelValues(s.topic, "failed").Inc()
			slog.Error("handler error",
				"topic", s.topic,
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		metrics.BusMessages.WithLabelValues(s.topic, "handled").Inc()
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subscriptions = make(map[string]*kafkaSubscription)

	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.closeErr = s.reader.Close()
		<-s.done
	})
	return s.closeErr
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
