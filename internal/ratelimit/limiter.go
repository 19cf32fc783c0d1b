// Package ratelimit provides multi-window sliding-window rate limiting scaled
// by trust tier.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
)

// windows in evaluation order.
var windows = []struct {
	name     string
	duration time.Duration
}{
	{domain.WindowSecond, time.Second},
	{domain.WindowMinute, time.Minute},
	{domain.WindowHour, time.Hour},
	{domain.WindowBurst, domain.BurstWindow},
}

func windowDuration(name string) (time.Duration, bool) {
	for _, w := range windows {
		if w.name == name {
			return w.duration, true
		}
	}
	return 0, false
}

// Limiter checks tier-scaled limits against the shared store.
type Limiter struct {
	store      domain.Store
	settings   domain.RateLimitSettings
	trust      domain.TrustConfig
	classifier *Classifier
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over store.
func NewLimiter(store domain.Store, settings domain.RateLimitSettings, trust domain.TrustConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		settings:   settings,
		trust:      trust,
		classifier: NewClassifier(settings.Endpoints),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sensitivity classifies an endpoint.
func (l *Limiter) Sensitivity(endpoint string) domain.EndpointSensitivity {
	return l.classifier.Classify(endpoint)
}

// CheckLimit runs one sliding window check. Store failures fail open: the
// result is allowed and marked FailedOpen, and no error is returned.
func (l *Limiter) CheckLimit(ctx context.Context, identifier, window string, limit int64) (*domain.RateLimitResult, error) {
	if identifier == "" {
		return nil, domain.NewValidationError("identifier", "required")
	}
	if limit <= 0 {
		return nil, domain.NewValidationError("limit", "must be positive")
	}
	d, ok := windowDuration(window)
	if !ok {
		return nil, domain.NewValidationError("window", "unknown window "+strconv.Quote(window))
	}

	now := l.now()
	key := "ratelimit:" + window + ":" + identifier
	res, err := l.store.SlidingWindow(ctx, key, now, d, limit)
	if err != nil {
		slog.Error("rate limit check failed, allowing request",
			"identifier", identifier,
			"window", window,
			"error", err,
		)
		metrics.RateLimitFailOpen.Inc()
		return &domain.RateLimitResult{
			Allowed:    true,
			Limit:      limit,
			Remaining:  limit,
			ResetAt:    now.Add(d),
			Window:     window,
			FailedOpen: true,
		}, nil
	}

	out := &domain.RateLimitResult{
		Allowed:   res.Allowed,
		Limit:     limit,
		Remaining: max(0, limit-res.Count),
		ResetAt:   res.Oldest.Add(d),
		Window:    window,
	}
	if !res.Allowed {
		out.RetryAfter = retryAfter(out.ResetAt.Sub(now))
	}
	return out, nil
}

// CheckRateLimit checks every window for the caller and endpoint. A denied
// result names the failing window with the longest retry; an allowed result
// names the window closest to exhaustion.
func (l *Limiter) CheckRateLimit(ctx context.Context, req domain.RateLimitRequest) (*domain.RateLimitResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}

	sensitivity := l.Sensitivity(req.Endpoint)
	limits := l.EffectiveLimits(ctx, req.Identity.Identifier(), sensitivity, req.Tier)
	scope := req.Identity.Identifier() + ":" + strings.ToLower(string(sensitivity))

	var denied, tightest *domain.RateLimitResult
	failedOpen := 0
	for _, w := range windows {
		res, err := l.CheckLimit(ctx, scope, w.name, limits[w.name])
		if err != nil {
			return nil, err
		}
		res.Sensitivity = sensitivity
		if res.FailedOpen {
			failedOpen++
			continue
		}

		result := "allowed"
		if !res.Allowed {
			result = "denied"
		}
		metrics.RateLimitDecisions.WithLabelValues(string(sensitivity), w.name, result).Inc()

		if !res.Allowed {
			if denied == nil || res.RetryAfter > denied.RetryAfter {
				denied = res
			}
			continue
		}
		if tightest == nil || res.RemainingRatio() < tightest.RemainingRatio() {
			tightest = res
		}
	}

	if denied != nil {
		slog.Info("rate limit exceeded",
			"identifier", req.Identity.Identifier(),
			"endpoint", req.Endpoint,
			"window", denied.Window,
			"retryAfter", denied.RetryAfter,
		)
		return denied, nil
	}
	if tightest == nil {
		// Every window failed open.
		return &domain.RateLimitResult{
			Allowed:     true,
			Limit:       limits[domain.WindowSecond],
			Remaining:   limits[domain.WindowSecond],
			ResetAt:     l.now().Add(time.Second),
			Window:      domain.WindowSecond,
			Sensitivity: sensitivity,
			FailedOpen:  failedOpen > 0,
		}, nil
	}
	return tightest, nil
}

// EffectiveLimits returns the per-window limits for a caller: the base
// limits for the sensitivity scaled by the tier multiplier and any active
// penalty, each ceiling-rounded.
func (l *Limiter) EffectiveLimits(ctx context.Context, identifier string, sensitivity domain.EndpointSensitivity, tier domain.TrustTier) map[string]int64 {
	base := l.BaseConfig(sensitivity)
	mult := l.trust.Multiplier(tier) * l.penalty(ctx, identifier)

	return map[string]int64{
		domain.WindowSecond: scale(base.RequestsPerSecond, mult),
		domain.WindowMinute: scale(base.RequestsPerMinute, mult),
		domain.WindowHour:   scale(base.RequestsPerHour, mult),
		domain.WindowBurst:  scale(base.BurstLimit, mult),
	}
}

// BaseConfig returns the unscaled limits for a sensitivity.
func (l *Limiter) BaseConfig(sensitivity domain.EndpointSensitivity) domain.RateLimitConfig {
	for name, cfg := range l.settings.Limits {
		if strings.EqualFold(name, string(sensitivity)) {
			return cfg
		}
	}
	return domain.DefaultRateLimitSettings().Limits[string(sensitivity)]
}

// ApplyPenalty scales the caller's limits by multiplier until ttl elapses.
// A zero multiplier uses the configured default.
func (l *Limiter) ApplyPenalty(ctx context.Context, identifier string, multiplier float64, ttl time.Duration) error {
	if multiplier <= 0 || multiplier > 1 {
		multiplier = l.settings.PenaltyMultiplier
	}
	val := strconv.FormatFloat(multiplier, 'f', -1, 64)
	return l.store.Set(ctx, penaltyKey(identifier), []byte(val), ttl)
}

// Reset clears the caller's windows for one sensitivity and any penalty.
func (l *Limiter) Reset(ctx context.Context, identity domain.IdentityContext, sensitivity domain.EndpointSensitivity) error {
	id := identity.Identifier()
	scope := id + ":" + strings.ToLower(string(sensitivity))
	var errs []error
	for _, w := range windows {
		errs = append(errs, l.store.Delete(ctx, "ratelimit:"+w.name+":"+scope))
	}
	errs = append(errs, l.store.Delete(ctx, penaltyKey(id)))
	return errors.Join(errs...)
}

func (l *Limiter) penalty(ctx context.Context, identifier string) float64 {
	raw, err := l.store.Get(ctx, penaltyKey(identifier))
	if err != nil || raw == nil {
		return 1
	}
	m, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || m <= 0 || m > 1 {
		return 1
	}
	return m
}

func penaltyKey(identifier string) string {
	return "ratelimit:penalty:" + identifier
}

func scale(base int, mult float64) int64 {
	n := int64(math.Ceil(float64(base) * mult))
	if n < 1 {
		return 1
	}
	return n
}

func retryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
