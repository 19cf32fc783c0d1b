package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), domain.TracingConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Error("expected a non-recording span when tracing is disabled")
	}
}

func TestInitEnabled(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed here.
	cfg := domain.TracingConfig{Enabled: true, ServiceName: "warden-test", Endpoint: "127.0.0.1:4317", Insecure: true}
	shutdown, err := Init(context.Background(), cfg, "v1")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	}()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.IsRecording() {
		t.Error("expected a recording span when tracing is enabled")
	}
	span.End()
}

func TestResource(t *testing.T) {
	res := Resource("", "v2")
	want := map[attribute.Key]string{
		"service.name":    "warden",
		"service.version": "v2",
	}
	for _, kv := range res.Attributes() {
		if v, ok := want[kv.Key]; ok && kv.Value.AsString() != v {
			t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
		}
		delete(want, kv.Key)
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
}
