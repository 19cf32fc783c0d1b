package domain

import (
	"strings"
	"time"
)

// EndpointSensitivity classifies how costly abuse of an endpoint is.
type EndpointSensitivity string

const (
	SensitivityLow      EndpointSensitivity = "LOW"
	SensitivityMedium   EndpointSensitivity = "MEDIUM"
	SensitivityHigh     EndpointSensitivity = "HIGH"
	SensitivityCritical EndpointSensitivity = "CRITICAL"
)

// ParseSensitivity parses a sensitivity name. Unknown names map to MEDIUM.
func ParseSensitivity(s string) EndpointSensitivity {
	switch EndpointSensitivity(strings.ToUpper(s)) {
	case SensitivityLow:
		return SensitivityLow
	case SensitivityHigh:
		return SensitivityHigh
	case SensitivityCritical:
		return SensitivityCritical
	default:
		return SensitivityMedium
	}
}

// IsSensitive reports whether the endpoint is HIGH or CRITICAL.
func (s EndpointSensitivity) IsSensitive() bool {
	return s == SensitivityHigh || s == SensitivityCritical
}

// Window names used in store keys and X-RateLimit-Window.
const (
	WindowBurst  = "burst"
	WindowSecond = "second"
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// BurstWindow is the short horizon used for burst protection.
const BurstWindow = 100 * time.Millisecond

// RateLimitConfig is the base limit set for one sensitivity.
type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second" json:"requestsPerSecond"`
	RequestsPerMinute int `koanf:"requests_per_minute" json:"requestsPerMinute"`
	RequestsPerHour   int `koanf:"requests_per_hour" json:"requestsPerHour"`
	BurstLimit        int `koanf:"burst_limit" json:"burstLimit"`
	CooldownSeconds   int `koanf:"cooldown_seconds" json:"cooldownSeconds"`
}

// EndpointRule maps an endpoint pattern to a sensitivity. Patterns are exact
// paths or globs where "*" matches one segment and a trailing "/*" matches
// any suffix.
type EndpointRule struct {
	Pattern     string `koanf:"pattern" json:"pattern"`
	Sensitivity string `koanf:"sensitivity" json:"sensitivity"`
}

// RateLimitSettings holds the limiter tables.
type RateLimitSettings struct {
	// Limits is keyed by sensitivity name.
	Limits    map[string]RateLimitConfig `koanf:"limits" json:"limits"`
	Endpoints []EndpointRule             `koanf:"endpoints" json:"endpoints"`

	// PenaltyMultiplier scales limits while a penalty key is present.
	PenaltyMultiplier float64 `koanf:"penalty_multiplier" json:"penaltyMultiplier"`
}

// DefaultRateLimitSettings returns the stock limit tables.
func DefaultRateLimitSettings() RateLimitSettings {
	return RateLimitSettings{
		Limits: map[string]RateLimitConfig{
			string(SensitivityLow):      {RequestsPerSecond: 20, RequestsPerMinute: 600, RequestsPerHour: 10000, BurstLimit: 10, CooldownSeconds: 10},
			string(SensitivityMedium):   {RequestsPerSecond: 10, RequestsPerMinute: 300, RequestsPerHour: 5000, BurstLimit: 5, CooldownSeconds: 30},
			string(SensitivityHigh):     {RequestsPerSecond: 5, RequestsPerMinute: 60, RequestsPerHour: 1000, BurstLimit: 3, CooldownSeconds: 60},
			string(SensitivityCritical): {RequestsPerSecond: 2, RequestsPerMinute: 20, RequestsPerHour: 200, BurstLimit: 2, CooldownSeconds: 300},
		},
		Endpoints: []EndpointRule{
			{Pattern: "/api/payments/*", Sensitivity: string(SensitivityCritical)},
			{Pattern: "/api/subscriptions/*", Sensitivity: string(SensitivityCritical)},
			{Pattern: "/api/payouts/*", Sensitivity: string(SensitivityCritical)},
			{Pattern: "/api/auth/login", Sensitivity: string(SensitivityHigh)},
			{Pattern: "/api/auth/register", Sensitivity: string(SensitivityHigh)},
			{Pattern: "/api/auth/*", Sensitivity: string(SensitivityHigh)},
			{Pattern: "/api/messages", Sensitivity: string(SensitivityHigh)},
			{Pattern: "/api/conversations/*/messages", Sensitivity: string(SensitivityHigh)},
			{Pattern: "/api/characters/*", Sensitivity: string(SensitivityMedium)},
			{Pattern: "/api/search", Sensitivity: string(SensitivityLow)},
			{Pattern: "/api/health", Sensitivity: string(SensitivityLow)},
			{Pattern: "ws:connect", Sensitivity: string(SensitivityHigh)},
		},
		PenaltyMultiplier: 0.5,
	}
}

// RateLimitRequest is the input of a multi-window check.
type RateLimitRequest struct {
	Identity IdentityContext
	Endpoint string
	Tier     TrustTier
}

// RateLimitResult is the outcome of a limit check.
type RateLimitResult struct {
	Allowed     bool                `json:"allowed"`
	Limit       int64               `json:"limit"`
	Remaining   int64               `json:"remaining"`
	ResetAt     time.Time           `json:"resetAt"`
	Window      string              `json:"window"`
	RetryAfter  int                 `json:"retryAfter,omitempty"` // seconds
	Sensitivity EndpointSensitivity `json:"sensitivity,omitempty"`

	// FailedOpen is set when the store could not be reached.
	FailedOpen bool `json:"-"`
}

// RemainingRatio returns remaining/limit, or 1 when unlimited.
func (r *RateLimitResult) RemainingRatio() float64 {
	if r == nil || r.Limit <= 0 {
		return 1
	}
	return float64(r.Remaining) / float64(r.Limit)
}
