package domain

import "time"

// ChallengeType names a verification mechanism.
type ChallengeType string

const (
	ChallengeNone        ChallengeType = ""
	ChallengeHoneypot    ChallengeType = "HONEYPOT"
	ChallengeTiming      ChallengeType = "TIMING"
	ChallengeProofOfWork ChallengeType = "PROOF_OF_WORK"
	ChallengeCaptcha     ChallengeType = "CAPTCHA"
	ChallengeMFA         ChallengeType = "MFA"
)

// Valid reports whether t names a known challenge type.
func (t ChallengeType) Valid() bool {
	switch t {
	case ChallengeHoneypot, ChallengeTiming, ChallengeProofOfWork, ChallengeCaptcha, ChallengeMFA:
		return true
	}
	return false
}

// Proof-of-work hash algorithms.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBlake2b = "blake2b-256"
)

// ProofOfWorkChallenge is the puzzle handed to the client.
type ProofOfWorkChallenge struct {
	Prefix     string `json:"prefix"`
	Difficulty int    `json:"difficulty"` // required leading zero bits
	Algorithm  string `json:"algorithm"`
}

// ProofOfWorkSolution is what the client submits.
type ProofOfWorkSolution struct {
	Nonce      string `json:"nonce"`
	Hash       string `json:"hash"`
	Iterations int64  `json:"iterations,omitempty"`
	TimeTaken  int64  `json:"timeTaken,omitempty"` // milliseconds
}

// ChallengePayload carries the client-visible parameters of a challenge.
type ChallengePayload struct {
	ProofOfWork   *ProofOfWorkChallenge `json:"proofOfWork,omitempty"`
	HoneypotField string                `json:"honeypotField,omitempty"`
	MinSubmitMs   int64                 `json:"minSubmitMs,omitempty"`
	SiteKey       string                `json:"siteKey,omitempty"`
}

// Challenge is a stored, issued challenge.
type Challenge struct {
	ID          string           `json:"id"`
	Identifier  string           `json:"-"`
	Type        ChallengeType    `json:"type"`
	Difficulty  int              `json:"difficulty"`
	Payload     ChallengePayload `json:"payload"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// ChallengeResponse is the client's answer to a challenge.
type ChallengeResponse struct {
	Solution      *ProofOfWorkSolution `json:"solution,omitempty"`
	HoneypotValue string               `json:"honeypotValue,omitempty"`
	CaptchaToken  string               `json:"captchaToken,omitempty"`
	MFACode       string               `json:"mfaCode,omitempty"`
	RemoteIP      string               `json:"-"`
}

// Verification failure reasons.
const (
	ReasonNotFound           = "challenge_not_found"
	ReasonExpired            = "challenge_expired"
	ReasonInvalidSolution    = "invalid_solution"
	ReasonInvalidHash        = "invalid_hash"
	ReasonInsufficientWork   = "insufficient_difficulty"
	ReasonMaxAttempts        = "max_attempts_exceeded"
	ReasonHoneypotTriggered  = "honeypot_triggered"
	ReasonTooFast            = "submitted_too_fast"
	ReasonTooSlow            = "submitted_too_slow"
	ReasonCaptchaFailed      = "captcha_failed"
	ReasonCaptchaUnavailable = "captcha_unavailable"
	ReasonMFAUnavailable     = "mfa_unavailable"
	ReasonTypeMismatch       = "challenge_type_mismatch"
)

// VerifyResult is the typed outcome of a verification attempt.
type VerifyResult struct {
	Success           bool          `json:"success"`
	ChallengeID       string        `json:"challengeId"`
	Type              ChallengeType `json:"type,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	RemainingAttempts int           `json:"remainingAttempts"`
	Locked            bool          `json:"locked,omitempty"`

	// Cause is one of the verification sentinels (ErrInvalidSolution, ...).
	Cause error `json:"-"`
}

// ChallengeContext is the input of ShouldChallenge.
type ChallengeContext struct {
	Identifier  string
	Tier        TrustTier
	Sensitivity EndpointSensitivity
}

// ChallengeDecision says whether and how to challenge a caller.
type ChallengeDecision struct {
	Required   bool          `json:"required"`
	Type       ChallengeType `json:"type,omitempty"`
	Difficulty int           `json:"difficulty,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Failures   int64         `json:"failures"`
	Suspicion  float64       `json:"suspicion"`
}

// ChallengeConfig tunes the challenge service.
type ChallengeConfig struct {
	PoWTimeout      time.Duration `koanf:"pow_timeout" json:"powTimeout"`
	PoWMaxAttempts  int           `koanf:"pow_max_attempts" json:"powMaxAttempts"`
	PoWBaseBits     int           `koanf:"pow_base_bits" json:"powBaseBits"`
	PoWMinBits      int           `koanf:"pow_min_bits" json:"powMinBits"`
	PoWMaxBits      int           `koanf:"pow_max_bits" json:"powMaxBits"`
	PoWAlgorithm    string        `koanf:"pow_algorithm" json:"powAlgorithm" validate:"oneof=sha256 blake2b-256"`
	DefaultLifetime time.Duration `koanf:"default_lifetime" json:"defaultLifetime"`
	MaxAttempts     int           `koanf:"max_attempts" json:"maxAttempts"`
	HoneypotField   string        `koanf:"honeypot_field" json:"honeypotField"`
	MinSubmitTime   time.Duration `koanf:"min_submit_time" json:"minSubmitTime"`
	TimingMaxWindow time.Duration `koanf:"timing_max_window" json:"timingMaxWindow"`
	FailureTTL      time.Duration `koanf:"failure_ttl" json:"failureTtl"`
	SuspicionStep   float64       `koanf:"suspicion_step" json:"suspicionStep"`

	CaptchaSecret    string        `koanf:"captcha_secret" json:"-"`
	CaptchaSiteKey   string        `koanf:"captcha_site_key" json:"captchaSiteKey"`
	CaptchaVerifyURL string        `koanf:"captcha_verify_url" json:"captchaVerifyUrl"`
	CaptchaTimeout   time.Duration `koanf:"captcha_timeout" json:"captchaTimeout"`
	CaptchaRPS       float64       `koanf:"captcha_rps" json:"captchaRps"`
	CaptchaMinScore  float64       `koanf:"captcha_min_score" json:"captchaMinScore"`
}

// DefaultChallengeConfig returns the stock challenge parameters.
func DefaultChallengeConfig() ChallengeConfig {
	return ChallengeConfig{
		PoWTimeout:       30 * time.Second,
		PoWMaxAttempts:   3,
		PoWBaseBits:      16,
		PoWMinBits:       12,
		PoWMaxBits:       24,
		PoWAlgorithm:     AlgorithmSHA256,
		DefaultLifetime:  5 * time.Minute,
		MaxAttempts:      3,
		HoneypotField:    "website",
		MinSubmitTime:    1500 * time.Millisecond,
		TimingMaxWindow:  5 * time.Minute,
		FailureTTL:       time.Hour,
		SuspicionStep:    0.15,
		CaptchaVerifyURL: "https://hcaptcha.com/siteverify",
		CaptchaTimeout:   5 * time.Second,
		CaptchaRPS:       50,
		CaptchaMinScore:  0.5,
	}
}
