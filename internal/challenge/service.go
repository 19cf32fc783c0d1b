// Package challenge issues and verifies challenges for suspicious callers:
// honeypot, timing, proof-of-work, CAPTCHA and MFA.
package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
)

// Service decides, issues and verifies challenges. Challenge records and
// failure counters live in the shared store.
type Service struct {
	store   domain.Store
	cfg     domain.ChallengeConfig
	trust   domain.TrustConfig
	captcha CaptchaVerifier
	mfa     MFAVerifier
	devMode bool
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCaptchaVerifier overrides the CAPTCHA provider client.
func WithCaptchaVerifier(v CaptchaVerifier) Option {
	return func(s *Service) { s.captcha = v }
}

// WithMFAVerifier delegates MFA codes to the auth layer.
func WithMFAVerifier(v MFAVerifier) Option {
	return func(s *Service) { s.mfa = v }
}

// WithDevMode lets CAPTCHA challenges pass when no provider is configured.
// Only enable outside production.
func WithDevMode(enabled bool) Option {
	return func(s *Service) { s.devMode = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a challenge service. A CAPTCHA secret in cfg wires the
// HTTP siteverify client unless another verifier is supplied.
func NewService(store domain.Store, cfg domain.ChallengeConfig, trust domain.TrustConfig, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   cfg,
		trust: trust,
		now:   time.Now,
	}
	if cfg.CaptchaSecret != "" {
		s.captcha = NewHTTPCaptchaVerifier(cfg)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldChallenge decides whether the caller must solve a challenge, driven
// by recent failures, trust tier and endpoint sensitivity.
func (s *Service) ShouldChallenge(ctx context.Context, cc domain.ChallengeContext) (*domain.ChallengeDecision, error) {
	if cc.Identifier == "" {
		return nil, domain.NewValidationError("identifier", "required")
	}

	failures, err := s.Failures(ctx, cc.Identifier)
	if err != nil {
		return &domain.ChallengeDecision{}, err
	}
	suspicion := math.Min(1, float64(failures)*s.cfg.SuspicionStep)

	d := &domain.ChallengeDecision{Failures: failures, Suspicion: suspicion}
	switch {
	case failures >= 5 || suspicion >= 0.8:
		d.Required, d.Type, d.Difficulty, d.Reason = true, domain.ChallengeCaptcha, 10, "repeated challenge failures"
	case failures >= 3 || suspicion >= 0.6:
		d.Required, d.Type, d.Difficulty, d.Reason = true, domain.ChallengeProofOfWork, 8, "recent challenge failures"
	case cc.Tier == domain.TierUntrusted:
		diff := int(math.Ceil(1/s.trust.Multiplier(cc.Tier))) + 1
		d.Required, d.Type, d.Difficulty, d.Reason = true, domain.ChallengeProofOfWork, clampInt(diff, 1, 10), "untrusted tier"
	case cc.Tier == domain.TierLow:
		d.Required, d.Type, d.Difficulty, d.Reason = true, domain.ChallengeHoneypot, 1, "low trust tier"
	case cc.Sensitivity.IsSensitive() && cc.Tier == domain.TierMedium:
		d.Required, d.Type, d.Difficulty, d.Reason = true, domain.ChallengeTiming, 1, "sensitive endpoint"
	}
	return d, nil
}

// EscalationChain returns the challenge types to try next for a failure count.
func EscalationChain(failures int64) []domain.ChallengeType {
	switch {
	case failures <= 0:
		return nil
	case failures <= 2:
		return []domain.ChallengeType{domain.ChallengeHoneypot, domain.ChallengeTiming}
	case failures <= 5:
		return []domain.ChallengeType{domain.ChallengeProofOfWork}
	default:
		return []domain.ChallengeType{domain.ChallengeCaptcha, domain.ChallengeMFA}
	}
}

// IssueChallenge creates and stores a challenge for identifier. Difficulty
// is clamped to 1..10.
func (s *Service) IssueChallenge(ctx context.Context, identifier string, typ domain.ChallengeType, difficulty int) (*domain.Challenge, error) {
	if identifier == "" {
		return nil, domain.NewValidationError("identifier", "required")
	}
	if !typ.Valid() {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown challenge type %q", typ))
	}

	now := s.now()
	c := &domain.Challenge{
		ID:          uuid.NewString(),
		Identifier:  identifier,
		Type:        typ,
		Difficulty:  clampInt(difficulty, 1, 10),
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.DefaultLifetime),
	}

	switch typ {
	case domain.ChallengeProofOfWork:
		prefix, err := randomHex(16)
		if err != nil {
			return nil, fmt.Errorf("failed to generate prefix: %w", err)
		}
		c.Payload.ProofOfWork = &domain.ProofOfWorkChallenge{
			Prefix:     prefix,
			Difficulty: clampInt(s.cfg.PoWBaseBits+c.Difficulty, s.cfg.PoWMinBits, s.cfg.PoWMaxBits),
			Algorithm:  s.cfg.PoWAlgorithm,
		}
		c.MaxAttempts = s.cfg.PoWMaxAttempts
		c.ExpiresAt = now.Add(s.cfg.PoWTimeout)
	case domain.ChallengeHoneypot, domain.ChallengeTiming:
		c.Payload.HoneypotField = s.cfg.HoneypotField
		c.Payload.MinSubmitMs = s.cfg.MinSubmitTime.Milliseconds()
		if typ == domain.ChallengeTiming {
			c.ExpiresAt = now.Add(s.cfg.TimingMaxWindow)
		}
	case domain.ChallengeCaptcha:
		c.Payload.SiteKey = s.cfg.CaptchaSiteKey
	}

	if err := s.put(ctx, c, now); err != nil {
		return nil, err
	}

	metrics.ChallengesIssued.WithLabelValues(string(typ)).Inc()
	slog.Info("challenge issued",
		"identifier", identifier,
		"challengeId", c.ID,
		"type", typ,
		"difficulty", c.Difficulty,
	)
	return c, nil
}

// VerifyChallenge checks a response. Business outcomes (not found, expired,
// wrong answer, lockout) come back as a VerifyResult; the error is non-nil
// only when the store is unreachable.
//
// Concurrent submissions are safe on a shared store: each one reserves an
// attempt with an atomic increment before its answer is checked, so no more
// than MaxAttempts answers are ever evaluated, and a correct answer consumes
// the record with an atomic take, so exactly one submission succeeds.
func (s *Service) VerifyChallenge(ctx context.Context, identifier, challengeID string, resp domain.ChallengeResponse) (*domain.VerifyResult, error) {
	if identifier == "" || challengeID == "" {
		return nil, domain.NewValidationError("challengeId", "identifier and challengeId are required")
	}

	now := s.now()
	c, err := s.get(ctx, identifier, challengeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return s.notFound(challengeID), nil
	}
	if !now.Before(c.ExpiresAt) {
		s.discard(ctx, identifier, challengeID)
		s.observe(c.Type, domain.ReasonExpired)
		return &domain.VerifyResult{ChallengeID: challengeID, Type: c.Type, Reason: domain.ReasonExpired, Cause: domain.ErrChallengeExpired}, nil
	}

	attempt, err := s.store.IncrementBy(ctx, attemptsKey(identifier, challengeID), 1, ttlUntil(c.ExpiresAt, now))
	if err != nil {
		return nil, err
	}
	if attempt > int64(c.MaxAttempts) {
		// Concurrent submissions used up the budget before this one. The
		// record is left for them: one of them may still hold the answer.
		s.observe(c.Type, domain.ReasonMaxAttempts)
		return s.locked(c, challengeID), nil
	}

	reason, counts := s.check(ctx, c, resp, now)
	if reason == "" {
		raw, err := s.store.Take(ctx, challengeKey(identifier, challengeID))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			// Another submission consumed it first.
			return s.notFound(challengeID), nil
		}
		s.observe(c.Type, "success")
		return &domain.VerifyResult{Success: true, ChallengeID: challengeID, Type: c.Type}, nil
	}
	s.observe(c.Type, reason)

	if !counts {
		// Our side failed; hand the attempt back.
		if _, err := s.store.IncrementBy(ctx, attemptsKey(identifier, challengeID), -1, 0); err != nil {
			return nil, err
		}
		return &domain.VerifyResult{
			ChallengeID:       challengeID,
			Type:              c.Type,
			Reason:            reason,
			RemainingAttempts: max(0, c.MaxAttempts-int(attempt)+1),
			Cause:             domain.ErrInvalidSolution,
		}, nil
	}

	if _, err := s.store.Increment(ctx, failuresKey(identifier), s.cfg.FailureTTL); err != nil {
		return nil, err
	}
	if attempt >= int64(c.MaxAttempts) {
		s.discard(ctx, identifier, challengeID)
		slog.Info("challenge locked", "identifier", identifier, "challengeId", challengeID, "type", c.Type)
		return s.locked(c, challengeID), nil
	}
	return &domain.VerifyResult{
		ChallengeID:       challengeID,
		Type:              c.Type,
		Reason:            reason,
		RemainingAttempts: c.MaxAttempts - int(attempt),
		Cause:             domain.ErrInvalidSolution,
	}, nil
}

func (s *Service) notFound(challengeID string) *domain.VerifyResult {
	s.observe("", domain.ReasonNotFound)
	return &domain.VerifyResult{ChallengeID: challengeID, Reason: domain.ReasonNotFound, Cause: domain.ErrChallengeNotFound}
}

func (s *Service) locked(c *domain.Challenge, challengeID string) *domain.VerifyResult {
	return &domain.VerifyResult{
		ChallengeID: challengeID,
		Type:        c.Type,
		Reason:      domain.ReasonMaxAttempts,
		Locked:      true,
		Cause:       domain.ErrMaxAttemptsExceeded,
	}
}

// discard drops a challenge record. Errors are ignored: it expires anyway.
// The attempt counter is left to expire with it so submissions already past
// the read still find the budget spent.
func (s *Service) discard(ctx context.Context, identifier, challengeID string) {
	_ = s.store.Delete(ctx, challengeKey(identifier, challengeID))
}

// check returns "" on success or a failure reason. counts is false when the
// failure is on our side (provider outage) and must not cost the caller an
// attempt.
func (s *Service) check(ctx context.Context, c *domain.Challenge, resp domain.ChallengeResponse, now time.Time) (reason string, counts bool) {
	switch c.Type {
	case domain.ChallengeProofOfWork:
		return VerifyProofOfWork(c.Payload.ProofOfWork, resp.Solution), true

	case domain.ChallengeHoneypot, domain.ChallengeTiming:
		var window time.Duration
		if c.Type == domain.ChallengeTiming {
			window = s.cfg.TimingMaxWindow
		}
		return verifyHoneypot(resp.HoneypotValue, now.Sub(c.CreatedAt), s.cfg.MinSubmitTime, window), true

	case domain.ChallengeCaptcha:
		if s.captcha == nil {
			if s.devMode {
				return "", true
			}
			return domain.ReasonCaptchaUnavailable, false
		}
		ok, err := s.captcha.Verify(ctx, resp.CaptchaToken, resp.RemoteIP)
		if err != nil {
			cause := "provider_error"
			if IsUnavailable(err) {
				cause = "breaker_open"
			}
			metrics.CaptchaProviderErrors.WithLabelValues(cause).Inc()
			slog.Error("captcha verification failed", "challengeId", c.ID, "cause", cause, "error", err)
			return domain.ReasonCaptchaUnavailable, false
		}
		if !ok {
			return domain.ReasonCaptchaFailed, true
		}
		return "", true

	case domain.ChallengeMFA:
		if s.mfa == nil {
			return domain.ReasonMFAUnavailable, false
		}
		ok, err := s.mfa.VerifyCode(ctx, c.Identifier, resp.MFACode)
		if err != nil {
			slog.Error("mfa verification failed", "challengeId", c.ID, "error", err)
			return domain.ReasonMFAUnavailable, false
		}
		if !ok {
			return domain.ReasonInvalidSolution, true
		}
		return "", true
	}
	return domain.ReasonTypeMismatch, true
}

// Failures returns the caller's recent failure count.
func (s *Service) Failures(ctx context.Context, identifier string) (int64, error) {
	raw, err := s.store.Get(ctx, failuresKey(identifier))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ResetFailures clears the caller's failure counter.
func (s *Service) ResetFailures(ctx context.Context, identifier string) error {
	return s.store.Delete(ctx, failuresKey(identifier))
}

// GetChallenge returns a stored challenge, or nil when absent.
func (s *Service) GetChallenge(ctx context.Context, identifier, challengeID string) (*domain.Challenge, error) {
	return s.get(ctx, identifier, challengeID)
}

func (s *Service) get(ctx context.Context, identifier, challengeID string) (*domain.Challenge, error) {
	raw, err := s.store.Get(ctx, challengeKey(identifier, challengeID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var c domain.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	c.Identifier = identifier

	used, err := s.store.Get(ctx, attemptsKey(identifier, challengeID))
	if err != nil {
		return nil, err
	}
	if used != nil {
		if n, err := strconv.Atoi(string(used)); err == nil {
			c.Attempts = n
		}
	}
	return &c, nil
}

func (s *Service) put(ctx context.Context, c *domain.Challenge, now time.Time) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	return s.store.Set(ctx, challengeKey(c.Identifier, c.ID), data, ttlUntil(c.ExpiresAt, now))
}

func ttlUntil(expires, now time.Time) time.Duration {
	ttl := expires.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return ttl
}

func (s *Service) observe(typ domain.ChallengeType, outcome string) {
	label := string(typ)
	if label == "" {
		label = "unknown"
	}
	metrics.ChallengeVerifications.WithLabelValues(label, outcome).Inc()
}

func challengeKey(identifier, challengeID string) string {
	return "challenge:" + identifier + ":" + challengeID
}

// attemptsKey counts answers evaluated against one challenge. It lives next
// to the record so the count can be bumped atomically.
func attemptsKey(identifier, challengeID string) string {
	return "challenge:attempts:" + identifier + ":" + challengeID
}

func failuresKey(identifier string) string {
	return "challenge:failures:" + identifier
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
