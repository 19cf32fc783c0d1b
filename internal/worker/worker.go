// Package worker runs the asynchronous bus consumers: the fraud event audit
// writer, the trust and typing snapshotters and the message analysis pool.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/warden/internal/bus"
	"github.com/opensource-finance/warden/internal/domain"
)

// MessageEvaluator is the part of the fraud orchestrator the analysis pool
// needs.
type MessageEvaluator interface {
	EvaluateMessage(ctx context.Context, in domain.MessageInput) (*domain.Decision, error)
}

// Worker consumes engine topics from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	evaluator MessageEvaluator

	slots         chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency caps in-flight message analyses.
	Concurrency int

	// Persist subscribes the audit log and snapshot writers. Needs a
	// repository.
	Persist bool

	// Analyze subscribes the message analysis pool. Needs an evaluator.
	Analyze bool
}

// NewWorker creates a new async worker. repo and evaluator may be nil when
// the matching consumers are not started.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, evaluator MessageEvaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		repo:      repo,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the consumers enabled in cfg.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	w.slots = make(chan struct{}, cfg.Concurrency)

	handlers := map[string]domain.MessageHandler{}
	if cfg.Persist {
		if w.repo == nil {
			return fmt.Errorf("worker: persistence requires a repository")
		}
		handlers[domain.TopicFraudEvent] = w.handleFraudEvent
		handlers[domain.TopicTrustUpdated] = w.handleTrustUpdated
		handlers[domain.TopicProfileUpdated] = w.handleProfileUpdated
	}
	if cfg.Analyze {
		if w.evaluator == nil {
			return fmt.Errorf("worker: analysis requires an evaluator")
		}
		handlers[domain.TopicMessageAnalyze] = w.handleAnalyze
	}

	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			w.unsubscribeAll()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"topics", len(w.subscriptions),
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleFraudEvent appends one event to the audit log. Events are keyed by
// id, so a redelivered message is a no-op.
func (w *Worker) handleFraudEvent(ctx context.Context, msg *domain.Message) error {
	var event domain.FraudEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse fraud event", "message_id", msg.ID, "error", err)
		return err
	}
	if err := w.repo.SaveFraudEvent(ctx, &event); err != nil {
		w.failed.Add(1)
		slog.Error("failed to save fraud event",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err,
		)
		return err
	}
	w.processed.Add(1)
	slog.Debug("fraud event saved", "event_id", event.ID, "event_type", event.EventType)
	return nil
}

func (w *Worker) handleTrustUpdated(ctx context.Context, msg *domain.Message) error {
	var score domain.TrustScore
	if err := json.Unmarshal(msg.Payload, &score); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse trust update", "message_id", msg.ID, "error", err)
		return err
	}
	if err := w.repo.SaveTrustSnapshot(ctx, &score); err != nil {
		w.failed.Add(1)
		slog.Error("failed to save trust snapshot", "userId", score.UserID, "error", err)
		return err
	}
	w.processed.Add(1)
	return nil
}

func (w *Worker) handleProfileUpdated(ctx context.Context, msg *domain.Message) error {
	var profile domain.TypingProfile
	if err := json.Unmarshal(msg.Payload, &profile); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse typing profile", "message_id", msg.ID, "error", err)
		return err
	}
	if err := w.repo.SaveTypingProfile(ctx, &profile); err != nil {
		w.failed.Add(1)
		slog.Error("failed to save typing profile", "userId", profile.UserID, "error", err)
		return err
	}
	w.processed.Add(1)
	return nil
}

// AnalyzeRequest is the payload of TopicMessageAnalyze.
type AnalyzeRequest struct {
	RequestID string              `json:"requestId"`
	Message   domain.MessageInput `json:"message"`
}

// AnalyzeResult is the payload of TopicMessageAnalyzed. It carries the
// scoring detail the synchronous API hides, since only the platform
// backend consumes this topic.
type AnalyzeResult struct {
	RequestID      string                      `json:"requestId"`
	ConversationID string                      `json:"conversationId,omitempty"`
	UserID         string                      `json:"userId,omitempty"`
	Decision       *domain.Decision            `json:"decision,omitempty"`
	Countable      bool                        `json:"countable"`
	TrustScore     int                         `json:"trustScore"`
	Flags          []string                    `json:"flags,omitempty"`
	Typing         *domain.TypingAnalysis      `json:"typing,omitempty"`
	Quality        *domain.ConversationQuality `json:"quality,omitempty"`
	Error          string                      `json:"error,omitempty"`
	DurationMs     int64                       `json:"durationMs"`
}

// handleAnalyze hands the message to the pool. It blocks while every slot
// is busy so a slow analysis backs pressure up into the bus.
func (w *Worker) handleAnalyze(ctx context.Context, msg *domain.Message) error {
	var req AnalyzeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse analysis request", "message_id", msg.ID, "error", err)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.analyze(w.ctx, req)
	}()
	return nil
}

func (w *Worker) analyze(ctx context.Context, req AnalyzeRequest) {
	start := time.Now()
	in := req.Message

	result := AnalyzeResult{
		RequestID:      req.RequestID,
		ConversationID: in.ConversationID,
		UserID:         in.Identity.UserID,
	}

	d, err := w.evaluator.EvaluateMessage(ctx, in)
	if err != nil {
		w.failed.Add(1)
		result.Error = err.Error()
		slog.Warn("message analysis failed",
			"request_id", req.RequestID,
			"error", err,
		)
	} else {
		w.processed.Add(1)
		result.Decision = d
		result.Countable = d.Countable
		result.TrustScore = d.TrustScore
		result.Flags = d.Flags
		result.Typing = d.Typing
		result.Quality = d.Quality
	}
	result.DurationMs = time.Since(start).Milliseconds()

	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("failed to encode analysis result", "request_id", req.RequestID, "error", err)
		return
	}
	key := in.Identity.Identifier()
	if err := w.bus.Publish(bus.WithKey(ctx, key), domain.TopicMessageAnalyzed, payload); err != nil {
		slog.Error("failed to publish analysis result",
			"request_id", req.RequestID,
			"error", err,
		)
		return
	}

	slog.Debug("message analyzed",
		"request_id", req.RequestID,
		"countable", result.Countable,
		"duration_ms", result.DurationMs,
	)
}

// Stop gracefully stops all workers, waiting for in-flight analyses.
func (w *Worker) Stop() error {
	w.unsubscribeAll()
	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

func (w *Worker) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		InFlight:          len(w.slots),
	}
}
