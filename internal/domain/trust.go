package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TrustTier classifies a user's reputation. Ordered: UNTRUSTED < VERIFIED.
type TrustTier int

const (
	TierUntrusted TrustTier = iota
	TierLow
	TierMedium
	TierHigh
	TierVerified
)

var tierNames = [...]string{"UNTRUSTED", "LOW", "MEDIUM", "HIGH", "VERIFIED"}

func (t TrustTier) String() string {
	if t < TierUntrusted || t > TierVerified {
		return fmt.Sprintf("TrustTier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTrustTier parses a tier name, case-insensitively.
func ParseTrustTier(s string) (TrustTier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return TrustTier(i), nil
		}
	}
	return TierMedium, NewValidationError("tier", fmt.Sprintf("unknown trust tier %q", s))
}

// MarshalJSON encodes the tier by name.
func (t TrustTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a tier name.
func (t *TrustTier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTrustTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierForScore maps a 0-100 score onto its tier.
func TierForScore(score int) TrustTier {
	switch {
	case score >= 80:
		return TierVerified
	case score >= 60:
		return TierHigh
	case score >= 40:
		return TierMedium
	case score >= 20:
		return TierLow
	default:
		return TierUntrusted
	}
}

// Factor names.
const (
	FactorAccountAge       = "Account Age"
	FactorEmailVerified    = "Email Verified"
	FactorPaymentHistory   = "Payment History"
	FactorBehavior         = "Behavior"
	FactorViolations       = "Violations"
	FactorManualAdjustment = "Manual Adjustment"
	FactorRecentSignals    = "Recent Signals"
)

// TrustFactor is one independent contribution to a trust score.
type TrustFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"` // max magnitude
	Value  float64 `json:"value"`  // signed contribution
	Reason string  `json:"reason"`
}

// TrustScoreChange is one entry of the bounded score history.
type TrustScoreChange struct {
	Timestamp     time.Time `json:"timestamp"`
	PreviousScore int       `json:"previousScore"`
	NewScore      int       `json:"newScore"`
	Reason        string    `json:"reason"`
	ActorID       string    `json:"actorId,omitempty"`
}

// TrustSignal is a behavioral event fed back by the analyzers or the
// challenge service. Signals decay to zero over the configured horizon.
type TrustSignal struct {
	Type      string    `json:"type"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TrustScore is the persisted reputation document for one user.
type TrustScore struct {
	UserID      string             `json:"userId"`
	Score       int                `json:"score"`
	Tier        TrustTier          `json:"tier"`
	Factors     []TrustFactor      `json:"factors"`
	Signals     []TrustSignal      `json:"signals,omitempty"`
	LastUpdated time.Time          `json:"lastUpdated"`
	History     []TrustScoreChange `json:"history"`
}

// Factor returns the named factor, if present.
func (s *TrustScore) Factor(name string) (TrustFactor, bool) {
	for _, f := range s.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return TrustFactor{}, false
}

// UserContext carries the authoritative account facts a score is computed from.
type UserContext struct {
	UserID              string    `json:"userId" validate:"required"`
	AccountCreatedAt    time.Time `json:"accountCreatedAt" validate:"required"`
	EmailVerified       bool      `json:"emailVerified"`
	HasPaymentMethod    bool      `json:"hasPaymentMethod"`
	LifetimeSpend       float64   `json:"lifetimeSpend" validate:"gte=0"`
	HasPaidSubscription bool      `json:"hasPaidSubscription"`
	ConversationCount   int       `json:"conversationCount" validate:"gte=0"`
	MessageCount        int       `json:"messageCount" validate:"gte=0"`
	ReportCount         int       `json:"reportCount" validate:"gte=0"`
	ViolationCount      int       `json:"violationCount" validate:"gte=0"`
}

// ChallengeRequirement is what trust policy demands before access.
type ChallengeRequirement struct {
	Required   bool   `json:"required"`
	Difficulty int    `json:"difficulty,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TrustConfig tunes the trust engine. Weights are hand-tuned defaults.
type TrustConfig struct {
	Baseline         float64       `koanf:"baseline" json:"baseline"`
	HistoryThreshold int           `koanf:"history_threshold" json:"historyThreshold"`
	HistorySize      int           `koanf:"history_size" json:"historySize"`
	ScoreTTL         time.Duration `koanf:"score_ttl" json:"scoreTtl"`

	AccountAgeWeight     float64       `koanf:"account_age_weight" json:"accountAgeWeight"`
	EmailWeight          float64       `koanf:"email_weight" json:"emailWeight"`
	PaymentWeight        float64       `koanf:"payment_weight" json:"paymentWeight"`
	BehaviorWeight       float64       `koanf:"behavior_weight" json:"behaviorWeight"`
	ViolationWeight      float64       `koanf:"violation_weight" json:"violationWeight"`
	ViolationUnitPenalty float64       `koanf:"violation_unit_penalty" json:"violationUnitPenalty"`
	ManualWeight         float64       `koanf:"manual_weight" json:"manualWeight"`
	SignalWeight         float64       `koanf:"signal_weight" json:"signalWeight"`
	SignalHorizon        time.Duration `koanf:"signal_horizon" json:"signalHorizon"`
	MaxSignals           int           `koanf:"max_signals" json:"maxSignals"`

	// StrongViolationThreshold forces a challenge on otherwise trusted users
	// whose Violations factor is at or below it.
	StrongViolationThreshold float64 `koanf:"strong_violation_threshold" json:"strongViolationThreshold"`

	// TierMultipliers scale rate limits per tier, keyed by tier name.
	TierMultipliers map[string]float64 `koanf:"tier_multipliers" json:"tierMultipliers"`
}

// DefaultTrustConfig returns the stock trust weights.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		Baseline:                 50,
		HistoryThreshold:         5,
		HistorySize:              100,
		ScoreTTL:                 30 * 24 * time.Hour,
		AccountAgeWeight:         15,
		EmailWeight:              10,
		PaymentWeight:            15,
		BehaviorWeight:           15,
		ViolationWeight:          15,
		ViolationUnitPenalty:     3,
		ManualWeight:             20,
		SignalWeight:             10,
		SignalHorizon:            7 * 24 * time.Hour,
		MaxSignals:               50,
		StrongViolationThreshold: -9,
		TierMultipliers: map[string]float64{
			"UNTRUSTED": 0.25,
			"LOW":       0.5,
			"MEDIUM":    1.0,
			"HIGH":      1.5,
			"VERIFIED":  2.0,
		},
	}
}

// Multiplier returns the rate limit multiplier for a tier, or 1 when the
// table has no entry for it.
func (c TrustConfig) Multiplier(tier TrustTier) float64 {
	for name, m := range c.TierMultipliers {
		if strings.EqualFold(name, tier.String()) && m > 0 {
			return m
		}
	}
	return 1
}

// Trust signal types fed back by the orchestrator.
const (
	SignalAutomatedTyping = "automated_typing"
	SignalLowQuality      = "low_quality_conversation"
	SignalGoodQuality     = "good_quality_conversation"
	SignalChallengeFailed = "challenge_failed"
	SignalChallengePassed = "challenge_passed"
	SignalRateLimitAbuse  = "rate_limit_abuse"
)
