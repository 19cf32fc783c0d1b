package domain

import "time"

// Action is the orchestrator's verdict.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionDelay     Action = "delay"
	ActionBlock     Action = "block"
)

// Severity ranks actions: allow < challenge < delay < block.
func (a Action) Severity() int {
	switch a {
	case ActionChallenge:
		return 1
	case ActionDelay:
		return 2
	case ActionBlock:
		return 3
	default:
		return 0
	}
}

// Fraud event types.
const (
	EventRateLimited       = "rate_limited"
	EventChallengeIssued   = "challenge_issued"
	EventChallengeFailed   = "challenge_failed"
	EventChallengeLocked   = "challenge_locked"
	EventChallengePassed   = "challenge_passed"
	EventAutomatedTyping   = "automated_typing"
	EventLowQualityConvo   = "low_quality_conversation"
	EventPolicyTriggered   = "policy_triggered"
	EventBlocked           = "blocked"
	EventTrustAdjusted     = "trust_adjusted"
	EventConnectionLimited = "connection_limited"
)

// Severity levels for fraud events.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FraudEvent is an append-only audit record. Only the resolution fields are
// ever updated, by an admin actor.
type FraudEvent struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"eventType"`
	Severity   string         `json:"severity"`
	UserID     string         `json:"userId,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Action     Action         `json:"action"`
	Resolved   bool           `json:"resolved"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// EventFilter narrows fraud event listings.
type EventFilter struct {
	UserID     string
	EventType  string
	Severity   string
	Unresolved bool
	Since      time.Time
	Limit      int
}

// Decision is the orchestrator's answer for one request, message or connection.
type Decision struct {
	ID           string           `json:"id"`
	Action       Action           `json:"action"`
	Reason       string           `json:"reason,omitempty"`
	RateLimit    *RateLimitResult `json:"rateLimit,omitempty"`
	Challenge    *Challenge       `json:"challenge,omitempty"`
	Verification *VerifyResult    `json:"verification,omitempty"`
	ShadowBanned bool             `json:"-"`

	// Countable is false when a message should not count toward engagement
	// metrics such as creator earnings.
	Countable bool `json:"countable"`

	// Internal scoring detail, exposed to administrative callers only.
	Tier          TrustTier            `json:"-"`
	TrustScore    int                  `json:"-"`
	Flags         []string             `json:"-"`
	Typing        *TypingAnalysis      `json:"-"`
	Composition   *CompositionAnalysis `json:"-"`
	Profile       *ProfileComparison   `json:"-"`
	Quality       *ConversationQuality `json:"-"`
	PolicyResults []PolicyResult       `json:"-"`
	EvaluatedAt   time.Time            `json:"evaluatedAt"`
	DurationMs    int64                `json:"-"`
}

// ChallengeSubmission carries a challenge answer on an incoming request.
type ChallengeSubmission struct {
	ChallengeID string            `json:"challengeId"`
	Type        ChallengeType     `json:"type"`
	Response    ChallengeResponse `json:"response"`
}

// RequestInput is the input of EvaluateRequest.
type RequestInput struct {
	Identity   IdentityContext      `json:"identity"`
	Endpoint   string               `json:"endpoint"`
	Method     string               `json:"method,omitempty"`
	TierHint   *TrustTier           `json:"tier,omitempty"`
	Submission *ChallengeSubmission `json:"challenge,omitempty"`
}

// MessageInput is the input of EvaluateMessage.
type MessageInput struct {
	RequestInput
	ConversationID string                `json:"conversationId"`
	Messages       []ConversationMessage `json:"messages,omitempty"`
	Keystrokes     []KeystrokeEvent      `json:"keystrokes,omitempty"`
	Composition    *CompositionSession   `json:"composition,omitempty"`
	Character      *CharacterMetadata    `json:"character,omitempty"`
}

// ConnectionInput is the input of EvaluateConnection.
type ConnectionInput struct {
	Identity IdentityContext `json:"identity"`
	TierHint *TrustTier      `json:"tier,omitempty"`
}

// FraudConfig tunes the orchestrator.
type FraudConfig struct {
	// BorderlineRatio is the remaining/limit ratio below which the challenge
	// service is consulted.
	BorderlineRatio float64 `koanf:"borderline_ratio" json:"borderlineRatio"`

	// DenialsBeforeBlock escalates repeated rate-limit denials to a block.
	DenialsBeforeBlock int64         `koanf:"denials_before_block" json:"denialsBeforeBlock"`
	DenialWindow       time.Duration `koanf:"denial_window" json:"denialWindow"`
	ShadowBanTTL       time.Duration `koanf:"shadow_ban_ttl" json:"shadowBanTtl"`
	MessageEndpoint    string        `koanf:"message_endpoint" json:"messageEndpoint"`
	ConnectionEndpoint string        `koanf:"connection_endpoint" json:"connectionEndpoint"`

	// MinSignalConfidence gates analyzer feedback into trust.
	MinSignalConfidence  float64 `koanf:"min_signal_confidence" json:"minSignalConfidence"`
	AutomationPenalty    float64 `koanf:"automation_penalty" json:"automationPenalty"`
	LowQualityPenalty    float64 `koanf:"low_quality_penalty" json:"lowQualityPenalty"`
	GoodQualityReward    float64 `koanf:"good_quality_reward" json:"goodQualityReward"`
	ChallengeFailPenalty float64 `koanf:"challenge_fail_penalty" json:"challengeFailPenalty"`
	ChallengePassReward  float64 `koanf:"challenge_pass_reward" json:"challengePassReward"`
	RateAbusePenalty     float64 `koanf:"rate_abuse_penalty" json:"rateAbusePenalty"`
}

// DefaultFraudConfig returns the stock orchestrator settings.
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		BorderlineRatio:      0.2,
		DenialsBeforeBlock:   50,
		DenialWindow:         time.Hour,
		ShadowBanTTL:         24 * time.Hour,
		MessageEndpoint:      "/api/messages",
		ConnectionEndpoint:   "ws:connect",
		MinSignalConfidence:  0.5,
		AutomationPenalty:    -3,
		LowQualityPenalty:    -2,
		GoodQualityReward:    1,
		ChallengeFailPenalty: -1,
		ChallengePassReward:  0.5,
		RateAbusePenalty:     -5,
	}
}
