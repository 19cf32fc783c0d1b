package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/warden/internal/worker"
	"github.com/thejerf/suture/v4"
)

// HTTPServer is implemented by api.Server and http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService supervises an HTTP server. Cancelling the context shuts the
// server down gracefully; a listen failure returns an error and suture
// restarts the service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Consumer is the lifecycle of the async bus workers.
type Consumer interface {
	Start(cfg worker.Config) error
	Stop() error
}

// WorkerService subscribes the bus consumers and unsubscribes them when the
// context ends.
type WorkerService struct {
	consumer Consumer
	config   worker.Config
}

// NewWorkerService wraps consumer.
func NewWorkerService(consumer Consumer, cfg worker.Config) *WorkerService {
	return &WorkerService{consumer: consumer, config: cfg}
}

// Serve implements suture.Service.
func (w *WorkerService) Serve(ctx context.Context) error {
	if err := w.consumer.Start(w.config); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	<-ctx.Done()
	if err := w.consumer.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}
	return ctx.Err()
}

func (w *WorkerService) String() string { return "bus-workers" }

// PeriodicService runs fn every interval. Errors from fn are logged and
// the next tick retries; they never restart the service.
type PeriodicService struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// NewPeriodicService creates a ticker-driven service.
func NewPeriodicService(name string, interval time.Duration, fn func(ctx context.Context) error) *PeriodicService {
	return &PeriodicService{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (p *PeriodicService) Serve(ctx context.Context) error {
	if p.interval <= 0 {
		slog.Warn("periodic task disabled", "task", p.name)
		return suture.ErrDoNotRestart
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.fn(ctx); err != nil {
				slog.Warn("periodic task failed", "task", p.name, "error", err)
			}
		}
	}
}

func (p *PeriodicService) String() string { return p.name }
