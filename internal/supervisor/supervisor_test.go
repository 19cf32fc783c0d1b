package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/warden/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHTTPServer struct {
	listenErr error
	served    atomic.Int32
	shutdowns atomic.Int32
	stopCh    chan struct{}
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stopCh: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	f.served.Add(1)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stopCh
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	if f.shutdowns.Add(1) == 1 {
		close(f.stopCh)
	}
	return nil
}

type fakeConsumer struct {
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
	config   worker.Config
}

func (f *fakeConsumer) Start(cfg worker.Config) error {
	f.started.Add(1)
	f.config = cfg
	return f.startErr
}

func (f *fakeConsumer) Stop() error {
	f.stopped.Add(1)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewTreeDefaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	want := DefaultTreeConfig()
	if tree.config != want {
		t.Errorf("expected defaults %+v, got %+v", want, tree.config)
	}

	tree = NewTree(nil, TreeConfig{FailureBackoff: time.Second})
	if tree.config.FailureBackoff != time.Second {
		t.Errorf("expected explicit backoff to survive, got %v", tree.config.FailureBackoff)
	}
}

func TestHTTPService(t *testing.T) {
	t.Run("ShutdownOnCancel", func(t *testing.T) {
		srv := newFakeHTTPServer()
		svc := NewHTTPService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		waitFor(t, func() bool { return srv.served.Load() == 1 })
		cancel()

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if srv.shutdowns.Load() != 1 {
			t.Errorf("expected one shutdown, got %d", srv.shutdowns.Load())
		}
	})

	t.Run("ListenFailure", func(t *testing.T) {
		srv := newFakeHTTPServer()
		srv.listenErr = errors.New("address in use")

		err := NewHTTPService(srv, 0).Serve(context.Background())
		if err == nil || !errors.Is(err, srv.listenErr) {
			t.Errorf("expected wrapped listen error, got %v", err)
		}
	})

	if got := NewHTTPService(newFakeHTTPServer(), 0).String(); got != "http-server" {
		t.Errorf("unexpected name %q", got)
	}
}

func TestWorkerService(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		c := &fakeConsumer{}
		svc := NewWorkerService(c, worker.Config{Concurrency: 3, Persist: true})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		waitFor(t, func() bool { return c.started.Load() == 1 })
		cancel()
		<-done

		if c.stopped.Load() != 1 {
			t.Errorf("expected Stop once, got %d", c.stopped.Load())
		}
		if c.config.Concurrency != 3 || !c.config.Persist {
			t.Errorf("config not passed through: %+v", c.config)
		}
	})

	t.Run("StartFailure", func(t *testing.T) {
		c := &fakeConsumer{startErr: errors.New("bus down")}
		if err := NewWorkerService(c, worker.Config{}).Serve(context.Background()); err == nil {
			t.Error("expected the start error")
		}
		if c.stopped.Load() != 0 {
			t.Error("a consumer that never started should not be stopped")
		}
	})
}

func TestPeriodicService(t *testing.T) {
	t.Run("RunsOnEachTick", func(t *testing.T) {
		var calls atomic.Int32
		svc := NewPeriodicService("reload", 10*time.Millisecond, func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		// A failing run does not stop later ticks.
		waitFor(t, func() bool { return calls.Load() >= 3 })
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("ZeroIntervalDisabled", func(t *testing.T) {
		svc := NewPeriodicService("noop", 0, func(context.Context) error { return nil })
		if err := svc.Serve(context.Background()); err == nil {
			t.Error("expected the service to refuse a zero interval")
		}
	})
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	c := &fakeConsumer{startErr: errors.New("bus down")}
	tree.AddEngineService(NewWorkerService(c, worker.Config{}))

	srv := newFakeHTTPServer()
	tree.AddAPIService(NewHTTPService(srv, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitFor(t, func() bool { return c.started.Load() >= 2 })
	waitFor(t, func() bool { return srv.served.Load() == 1 })

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("expected the HTTP server to be shut down once, got %d", srv.shutdowns.Load())
	}
}
