// Package trust computes and persists per-user trust scores.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
)

// Engine computes trust scores from account facts and behavioral signals.
// Score documents live in the shared store; writes are last-write-wins
// recalculations, so concurrent updates converge.
type Engine struct {
	store    domain.Store
	bus      domain.EventBus
	cfg      domain.TrustConfig
	validate *validator.Validate
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus publishes every stored score on TopicTrustUpdated.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates a trust engine.
func NewEngine(store domain.Store, cfg domain.TrustConfig, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CalculateTrustScore recomputes a user's score from authoritative account
// facts. Manual adjustments and recent signals carry over from the stored
// document.
func (e *Engine) CalculateTrustScore(ctx context.Context, uc domain.UserContext) (*domain.TrustScore, error) {
	if err := e.validate.Struct(uc); err != nil {
		return nil, domain.NewValidationError("userContext", err.Error())
	}

	now := e.now()
	prev, err := e.GetTrustScore(ctx, uc.UserID)
	if err != nil {
		return nil, err
	}

	doc := &domain.TrustScore{UserID: uc.UserID, Score: int(e.cfg.Baseline)}
	if prev != nil {
		*doc = *prev
	}

	factors := []domain.TrustFactor{
		accountAgeFactor(e.cfg, uc.AccountCreatedAt, now),
		emailFactor(e.cfg, uc.EmailVerified),
		paymentFactor(e.cfg, uc),
		behaviorFactor(e.cfg, uc),
		violationFactor(e.cfg, uc.ViolationCount),
	}
	if prev != nil {
		if f, ok := prev.Factor(domain.FactorManualAdjustment); ok {
			factors = append(factors, f)
		}
	}
	doc.Factors = factors

	e.recompute(doc, now, "recalculated from account facts", "", prev == nil)
	if err := e.save(ctx, doc); err != nil {
		return nil, err
	}
	metrics.TrustUpdates.WithLabelValues("calculate", doc.Tier.String()).Inc()
	return doc, nil
}

// AdjustTrustScore sets the manual adjustment factor to delta (clamped) and
// recomputes the total. Repeating the same call leaves the score unchanged.
func (e *Engine) AdjustTrustScore(ctx context.Context, userID string, delta float64, reason, actorID string) (*domain.TrustScore, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userId", "required")
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, domain.NewValidationError("delta", "must be finite")
	}

	doc, fresh, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	manual := manualFactor(e.cfg, delta, reason)
	doc.Factors = replaceFactor(doc.Factors, manual)

	now := e.now()
	e.recompute(doc, now, "manual adjustment: "+reason, actorID, fresh)
	if err := e.save(ctx, doc); err != nil {
		return nil, err
	}

	slog.Info("trust score adjusted",
		"userId", userID,
		"delta", manual.Value,
		"score", doc.Score,
		"actorId", actorID,
	)
	metrics.TrustUpdates.WithLabelValues("adjust", doc.Tier.String()).Inc()
	return doc, nil
}

// ApplySignal records a behavioral signal and recomputes the score.
func (e *Engine) ApplySignal(ctx context.Context, userID string, signal domain.TrustSignal) (*domain.TrustScore, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userId", "required")
	}

	doc, fresh, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if signal.Timestamp.IsZero() {
		signal.Timestamp = now
	}
	doc.Signals = append(doc.Signals, signal)

	e.recompute(doc, now, "signal: "+signal.Type, "", fresh)
	if err := e.save(ctx, doc); err != nil {
		return nil, err
	}
	metrics.TrustUpdates.WithLabelValues("signal", doc.Tier.String()).Inc()
	return doc, nil
}

// GetTrustScore returns the stored score, or nil when the user has none.
func (e *Engine) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userId", "required")
	}

	raw, err := e.store.Get(ctx, scoreKey(userID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var doc domain.TrustScore
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode trust score: %w", err)
	}
	return &doc, nil
}

// TierFor resolves the tier used for enforcement. Anonymous callers and
// users without a stored score are MEDIUM; store failures also yield MEDIUM.
func (e *Engine) TierFor(ctx context.Context, userID string) (domain.TrustTier, *domain.TrustScore) {
	if userID == "" {
		return domain.TierMedium, nil
	}
	doc, err := e.GetTrustScore(ctx, userID)
	if err != nil {
		slog.Error("failed to load trust score", "userId", userID, "error", err)
		return domain.TierMedium, nil
	}
	if doc == nil {
		return domain.TierMedium, nil
	}
	return doc.Tier, doc
}

// GetRateLimitMultiplier returns the limit multiplier for tier.
func (e *Engine) GetRateLimitMultiplier(tier domain.TrustTier) float64 {
	return e.cfg.Multiplier(tier)
}

// ShouldApplyChallenge reports whether trust alone demands a challenge.
func (e *Engine) ShouldApplyChallenge(score *domain.TrustScore) domain.ChallengeRequirement {
	if score == nil {
		return domain.ChallengeRequirement{}
	}
	switch score.Tier {
	case domain.TierUntrusted:
		return domain.ChallengeRequirement{Required: true, Difficulty: 5, Reason: "untrusted tier"}
	case domain.TierLow:
		return domain.ChallengeRequirement{Required: true, Difficulty: 3, Reason: "low trust tier"}
	}
	if f, ok := score.Factor(domain.FactorViolations); ok && f.Value <= e.cfg.StrongViolationThreshold {
		return domain.ChallengeRequirement{Required: true, Difficulty: 2, Reason: "recent violations"}
	}
	return domain.ChallengeRequirement{}
}

func (e *Engine) load(ctx context.Context, userID string) (*domain.TrustScore, bool, error) {
	doc, err := e.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return &domain.TrustScore{UserID: userID, Score: int(e.cfg.Baseline)}, true, nil
	}
	return doc, false, nil
}

// recompute refreshes the signal factor and the total, and appends a
// history entry when the score moved by at least the threshold.
func (e *Engine) recompute(doc *domain.TrustScore, now time.Time, reason, actorID string, fresh bool) {
	signals, live := signalFactor(e.cfg, doc.Signals, now)
	doc.Signals = live
	doc.Factors = replaceFactor(doc.Factors, signals)
	if len(live) == 0 {
		doc.Factors = removeFactor(doc.Factors, domain.FactorRecentSignals)
	}

	total := e.cfg.Baseline
	for _, f := range doc.Factors {
		total += f.Value
	}
	score := int(math.Round(clamp(total, 0, 100)))

	previous := doc.Score
	if fresh {
		previous = int(e.cfg.Baseline)
	}
	if abs(score-previous) >= e.cfg.HistoryThreshold {
		doc.History = append(doc.History, domain.TrustScoreChange{
			Timestamp:     now,
			PreviousScore: previous,
			NewScore:      score,
			Reason:        reason,
			ActorID:       actorID,
		})
		if n := e.cfg.HistorySize; n > 0 && len(doc.History) > n {
			doc.History = doc.History[len(doc.History)-n:]
		}
	}

	doc.Score = score
	doc.Tier = domain.TierForScore(score)
	doc.LastUpdated = now
}

func (e *Engine) save(ctx context.Context, doc *domain.TrustScore) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode trust score: %w", err)
	}
	if err := e.store.Set(ctx, scoreKey(doc.UserID), data, e.cfg.ScoreTTL); err != nil {
		return err
	}

	if e.bus != nil {
		if err := e.bus.Publish(ctx, domain.TopicTrustUpdated, data); err != nil {
			slog.Warn("failed to publish trust update", "userId", doc.UserID, "error", err)
		}
	}
	return nil
}

func replaceFactor(factors []domain.TrustFactor, f domain.TrustFactor) []domain.TrustFactor {
	for i := range factors {
		if factors[i].Name == f.Name {
			factors[i] = f
			return factors
		}
	}
	return append(factors, f)
}

func removeFactor(factors []domain.TrustFactor, name string) []domain.TrustFactor {
	out := factors[:0]
	for _, f := range factors {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

func scoreKey(userID string) string {
	return "trust:score:" + userID
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
