package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/opensource-finance/warden/internal/domain"
)

// startNATS runs an in-process NATS server on a random port.
func startNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func newTestNATSBus(t *testing.T, url string) *NATSBus {
	t.Helper()
	b, err := NewNATSBus(domain.EventBusConfig{
		NATSUrl:           url,
		NATSMaxReconnects: 1,
		NATSReconnectWait: 1,
		ConsumerGroup:     "warden-test",
	})
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBus(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	t.Run("PublishSubscribe", func(t *testing.T) {
		b := newTestNATSBus(t, url)

		received := make(chan *domain.Message, 1)
		sub, err := b.Subscribe(ctx, domain.TopicTrustUpdated, func(_ context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if err := b.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
		if err := b.Publish(WithKey(ctx, "user-42"), domain.TopicTrustUpdated, []byte(`{"userId":"user-42"}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if msg.Key != "user-42" {
				t.Errorf("expected key user-42, got %q", msg.Key)
			}
			if msg.Topic != domain.TopicTrustUpdated || string(msg.Payload) != `{"userId":"user-42"}` {
				t.Errorf("unexpected message: %+v", msg)
			}
			if msg.ID == "" {
				t.Error("expected a message id")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("QueueGroupDeliversOnce", func(t *testing.T) {
		a := newTestNATSBus(t, url)
		b := newTestNATSBus(t, url)

		var count atomic.Int32
		handler := func(context.Context, *domain.Message) error {
			count.Add(1)
			return nil
		}
		for _, bus := range []*NATSBus{a, b} {
			if _, err := bus.Subscribe(ctx, domain.TopicFraudEvent, handler); err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			if err := bus.Ping(ctx); err != nil {
				t.Fatalf("Ping failed: %v", err)
			}
		}

		const n = 20
		for range n {
			if err := a.Publish(ctx, domain.TopicFraudEvent, []byte(`{}`)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}

		deadline := time.Now().Add(2 * time.Second)
		for count.Load() < n && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		// Give any duplicate delivery a chance to show up.
		time.Sleep(50 * time.Millisecond)
		if got := count.Load(); got != n {
			t.Errorf("expected %d deliveries across the group, got %d", n, got)
		}
	})

	t.Run("EmptyTopic", func(t *testing.T) {
		b := newTestNATSBus(t, url)
		if err := b.Publish(ctx, "", nil); err == nil {
			t.Error("expected error for empty topic")
		}
		if _, err := b.Subscribe(ctx, "", nil); err == nil {
			t.Error("expected error for empty subscribe topic")
		}
	})

	t.Run("NewSelectsNATS", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "nats", NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: 1})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()
		if _, ok := bus.(*NATSBus); !ok {
			t.Errorf("expected NATSBus, got %T", bus)
		}
	})
}
