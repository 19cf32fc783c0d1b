package fraud

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
	"github.com/opensource-finance/warden/internal/policy"
)

// Flags attached to decisions besides the analyzers' own.
const (
	FlagRateLimited         = "rate_limited"
	FlagChallengeFailed     = "challenge_failed"
	FlagAutomatedTyping     = "automated_typing"
	FlagSuspiciousComposing = "suspicious_composition"
	FlagProfileAnomaly      = "typing_profile_anomaly"
	FlagLowQuality          = "low_quality_conversation"
	FlagShadowBanned        = "shadow_banned"
)

const (
	// compositionSuspicious is the composition score treated as automation.
	compositionSuspicious = 50

	// goodQualityAbove is the quality score that earns a positive signal.
	goodQualityAbove = 80

	// automationDifficulty is used when analyzers, not the challenge
	// service, ask for a challenge.
	automationDifficulty = 5
)

// evaluation carries one decision through the pipeline.
type evaluation struct {
	kind       string
	identity   domain.IdentityContext
	limitAs    domain.IdentityContext
	identifier string
	endpoint   string
	method     string
	tierHint   *domain.TrustTier
	submission *domain.ChallengeSubmission
	message    *domain.MessageInput

	tier        domain.TrustTier
	doc         *domain.TrustScore
	score       int
	sensitivity domain.EndpointSensitivity
	failures    int64

	// verified is set when the caller solved a challenge on this request.
	verified bool
	// suspicious asks the challenge service for an opinion even when the
	// caller is nowhere near its limits.
	suspicious bool

	typingSuspicion float64
	qualityScore    float64
	flags           []string

	eventType string
	severity  string
	decision  *domain.Decision
}

func (ev *evaluation) flag(f string) {
	ev.flags = append(ev.flags, f)
}

// mark records the audit event type, keeping the most severe one seen.
func (ev *evaluation) mark(eventType, severity string) {
	if ev.eventType == "" || severityRank(severity) >= severityRank(ev.severity) {
		ev.eventType, ev.severity = eventType, severity
	}
}

func severityRank(s string) int {
	switch s {
	case domain.SeverityLow:
		return 1
	case domain.SeverityMedium:
		return 2
	case domain.SeverityHigh:
		return 3
	case domain.SeverityCritical:
		return 4
	default:
		return 0
	}
}

// evaluate runs identity → trust → rate limit → analyzers → challenge →
// policy. Each stage may settle the decision; later stages only escalate.
func (o *Orchestrator) evaluate(ctx context.Context, ev *evaluation) {
	ev.qualityScore = 100
	o.resolveTier(ctx, ev)

	if o.isShadowBanned(ctx, ev) {
		ev.decision.ShadowBanned = true
		ev.flag(FlagShadowBanned)
		return
	}

	o.verifySubmission(ctx, ev)
	if !o.checkRateLimit(ctx, ev) {
		return
	}
	if ev.message != nil {
		o.analyzeMessage(ctx, ev)
	}
	o.interpose(ctx, ev)
	o.applyPolicy(ctx, ev)
}

func (o *Orchestrator) resolveTier(ctx context.Context, ev *evaluation) {
	ev.tier, ev.doc = o.trust.TierFor(ctx, ev.identity.UserID)
	ev.score = neutralScore
	if ev.doc != nil {
		ev.score = ev.doc.Score
	}
	if ev.tierHint != nil {
		ev.tier = *ev.tierHint
	}
	ev.sensitivity = o.limiter.Sensitivity(ev.endpoint)
}

func (o *Orchestrator) isShadowBanned(ctx context.Context, ev *evaluation) bool {
	if !ev.identity.IsAuthenticated() {
		return false
	}
	raw, err := o.store.Get(ctx, shadowKey(ev.identity.UserID))
	if err != nil {
		slog.Error("shadow ban lookup failed", "userId", ev.identity.UserID, "error", err)
		return false
	}
	return raw != nil
}

func (o *Orchestrator) shadowBan(ctx context.Context, ev *evaluation) {
	stamp := []byte(o.now().UTC().Format(time.RFC3339))
	if err := o.store.Set(ctx, shadowKey(ev.identity.UserID), stamp, o.cfg.ShadowBanTTL); err != nil {
		slog.Error("failed to apply shadow ban", "userId", ev.identity.UserID, "error", err)
		return
	}
	ev.flag(FlagShadowBanned)
	ev.mark(domain.EventBlocked, domain.SeverityCritical)
	slog.Warn("shadow ban applied", "userId", ev.identity.UserID, "ttl", o.cfg.ShadowBanTTL)
}

func (o *Orchestrator) verifySubmission(ctx context.Context, ev *evaluation) {
	sub := ev.submission
	if sub == nil || sub.ChallengeID == "" {
		return
	}

	resp := sub.Response
	if resp.RemoteIP == "" {
		resp.RemoteIP = ev.identity.IPAddress
	}
	res, err := o.challenges.VerifyChallenge(ctx, ev.identifier, sub.ChallengeID, resp)
	if err != nil {
		slog.Error("challenge verification failed, ignoring submission",
			"identifier", ev.identifier,
			"challengeId", sub.ChallengeID,
			"error", err,
		)
		return
	}
	ev.decision.Verification = res

	if res.Success {
		ev.verified = true
		ev.mark(domain.EventChallengePassed, domain.SeverityLow)
		o.signal(ctx, ev, domain.SignalChallengePassed, o.cfg.ChallengePassReward, "solved "+string(res.Type)+" challenge")
		return
	}

	ev.flag(FlagChallengeFailed)
	ev.suspicious = true
	switch res.Reason {
	case domain.ReasonNotFound, domain.ReasonExpired, domain.ReasonCaptchaUnavailable, domain.ReasonMFAUnavailable:
		// Stale ids and provider outages say nothing about the caller.
		return
	}
	if res.Locked {
		ev.mark(domain.EventChallengeLocked, domain.SeverityHigh)
	} else {
		ev.mark(domain.EventChallengeFailed, domain.SeverityMedium)
	}
	o.signal(ctx, ev, domain.SignalChallengeFailed, o.cfg.ChallengeFailPenalty, "failed "+string(res.Type)+" challenge: "+res.Reason)
}

// checkRateLimit returns false when the decision is settled by a denial.
func (o *Orchestrator) checkRateLimit(ctx context.Context, ev *evaluation) bool {
	res, err := o.limiter.CheckRateLimit(ctx, domain.RateLimitRequest{
		Identity: ev.limitAs,
		Endpoint: ev.endpoint,
		Tier:     ev.tier,
	})
	if err != nil {
		slog.Warn("rate limit check rejected input, allowing request", "identifier", ev.identifier, "error", err)
		return true
	}
	d := ev.decision
	d.RateLimit = res
	if res.Allowed {
		return true
	}

	ev.flag(FlagRateLimited)
	d.Action = domain.ActionDelay
	d.Reason = "rate_limited"
	if ev.kind == KindConnection {
		ev.mark(domain.EventConnectionLimited, domain.SeverityLow)
	} else {
		ev.mark(domain.EventRateLimited, domain.SeverityLow)
	}

	limitID := ev.limitAs.Identifier()
	denials, err := o.store.Increment(ctx, denialsKey(limitID), o.cfg.DenialWindow)
	if err != nil {
		slog.Error("failed to count rate limit denial", "identifier", limitID, "error", err)
		return false
	}
	if o.cfg.DenialsBeforeBlock <= 0 || denials < o.cfg.DenialsBeforeBlock {
		return false
	}

	d.Action = domain.ActionBlock
	d.Reason = "repeated_rate_limit_violations"
	ev.mark(domain.EventBlocked, domain.SeverityHigh)
	if err := o.limiter.ApplyPenalty(ctx, limitID, 0, o.penaltyTTL(ev.sensitivity)); err != nil {
		slog.Error("failed to apply rate limit penalty", "identifier", limitID, "error", err)
	}
	slog.Info("caller blocked after repeated denials", "identifier", limitID, "denials", denials)

	doc := o.signal(ctx, ev, domain.SignalRateLimitAbuse, o.cfg.RateAbusePenalty, "repeated rate limit denials")
	if doc == nil {
		return false
	}
	ev.score = doc.Score
	if doc.Score == 0 {
		o.shadowBan(ctx, ev)
	}
	return false
}

func (o *Orchestrator) analyzeMessage(ctx context.Context, ev *evaluation) {
	msg := ev.message
	d := ev.decision
	automated := false

	if o.typing != nil && len(msg.Keystrokes) > 0 {
		if res, ok := guard("typing", func() domain.TypingAnalysis { return o.typing.Analyze(msg.Keystrokes) }); ok {
			d.Typing = &res
			confident := res.Confidence >= o.cfg.MinSignalConfidence
			metrics.AnalyzerResults.WithLabelValues("typing", verdict(res.IsSuspicious, confident)).Inc()
			if confident {
				ev.typingSuspicion = res.Score
				if res.IsSuspicious {
					automated = true
					ev.flag(FlagAutomatedTyping)
				}
			}
			o.trackProfile(ctx, ev, res)
		}
	}

	if o.typing != nil && msg.Composition != nil {
		if res, ok := guard("composition", func() domain.CompositionAnalysis { return o.typing.AnalyzeComposition(*msg.Composition) }); ok {
			d.Composition = &res
			suspicious := res.Score >= compositionSuspicious
			metrics.AnalyzerResults.WithLabelValues("composition", verdict(suspicious, true)).Inc()
			if suspicious {
				automated = true
				ev.flag(FlagSuspiciousComposing)
				ev.typingSuspicion = max(ev.typingSuspicion, res.Score)
			}
		}
	}

	if automated {
		ev.suspicious = true
		ev.mark(domain.EventAutomatedTyping, domain.SeverityMedium)
		o.signal(ctx, ev, domain.SignalAutomatedTyping, o.cfg.AutomationPenalty, "message composition looks automated")
	}

	if o.conversation == nil || len(msg.Messages) == 0 {
		return
	}
	q, ok := guard("conversation", func() domain.ConversationQuality { return o.conversation.Analyze(msg.Messages, msg.Character) })
	if !ok {
		return
	}
	d.Quality = &q
	confident := q.Confidence >= o.cfg.MinSignalConfidence
	metrics.AnalyzerResults.WithLabelValues("conversation", verdict(q.IsLowQuality, confident)).Inc()
	if !confident {
		return
	}

	ev.qualityScore = q.QualityScore
	switch {
	case q.IsLowQuality:
		ev.flag(FlagLowQuality)
		d.Countable = false
		ev.mark(domain.EventLowQualityConvo, domain.SeverityLow)
		o.signal(ctx, ev, domain.SignalLowQuality, o.cfg.LowQualityPenalty, "low quality conversation")
	case !automated && q.QualityScore >= goodQualityAbove:
		o.signal(ctx, ev, domain.SignalGoodQuality, o.cfg.GoodQualityReward, "engaged conversation")
	}
}

// trackProfile compares the session against the sender's typing profile and
// folds human-looking sessions into it.
func (o *Orchestrator) trackProfile(ctx context.Context, ev *evaluation, res domain.TypingAnalysis) {
	if o.profiles == nil || !ev.identity.IsAuthenticated() || res.Stats.Count == 0 {
		return
	}
	userID := ev.identity.UserID

	profile, err := o.profiles.Get(ctx, userID)
	if err != nil {
		slog.Warn("failed to load typing profile", "userId", userID, "error", err)
		return
	}

	anomalous := false
	if profile != nil {
		cmp, ok := guard("profile", func() domain.ProfileComparison { return o.typing.CompareProfile(res.Stats, *profile) })
		if ok {
			ev.decision.Profile = &cmp
			anomalous = cmp.Anomalous
		}
		if anomalous {
			ev.flag(FlagProfileAnomaly)
			ev.suspicious = true
		}
	} else {
		profile = &domain.TypingProfile{UserID: userID}
	}

	// Automated or out-of-character sessions must not train the profile.
	if res.IsSuspicious || anomalous {
		return
	}
	if err := o.profiles.Save(ctx, o.typing.UpdateProfile(*profile, res.Stats)); err != nil {
		slog.Warn("failed to save typing profile", "userId", userID, "error", err)
	}
}

// interpose issues a challenge when the caller is close to its limits, when
// trust demands one, or when behavior looked suspicious.
func (o *Orchestrator) interpose(ctx context.Context, ev *evaluation) {
	d := ev.decision
	if ev.verified || d.Action != domain.ActionAllow {
		return
	}

	required := o.trust.ShouldApplyChallenge(ev.doc)
	borderline := d.RateLimit != nil && d.RateLimit.RemainingRatio() < o.cfg.BorderlineRatio
	if !borderline && !ev.suspicious && !required.Required {
		return
	}

	cd, err := o.challenges.ShouldChallenge(ctx, domain.ChallengeContext{
		Identifier:  ev.identifier,
		Tier:        ev.tier,
		Sensitivity: ev.sensitivity,
	})
	if err != nil {
		slog.Error("challenge decision failed, allowing request", "identifier", ev.identifier, "error", err)
		return
	}
	ev.failures = cd.Failures

	typ, difficulty, reason := cd.Type, cd.Difficulty, cd.Reason
	weak := typ == domain.ChallengeNone || typ == domain.ChallengeHoneypot || typ == domain.ChallengeTiming
	switch {
	case ev.suspicious && weak:
		typ, difficulty, reason = domain.ChallengeProofOfWork, automationDifficulty, "suspicious behavior"
	case !cd.Required && required.Required:
		typ, difficulty, reason = domain.ChallengeProofOfWork, required.Difficulty, required.Reason
	case !cd.Required:
		return
	}
	o.issue(ctx, ev, typ, difficulty, reason)
}

func (o *Orchestrator) issue(ctx context.Context, ev *evaluation, typ domain.ChallengeType, difficulty int, reason string) bool {
	c, err := o.challenges.IssueChallenge(ctx, ev.identifier, typ, difficulty)
	if err != nil {
		slog.Error("failed to issue challenge, allowing request",
			"identifier", ev.identifier,
			"type", typ,
			"error", err,
		)
		return false
	}
	d := ev.decision
	d.Action = domain.ActionChallenge
	d.Challenge = c
	d.Reason = reason
	ev.mark(domain.EventChallengeIssued, domain.SeverityMedium)
	return true
}

// applyPolicy runs the operator's CEL rules. A rule can only make the
// decision stricter.
func (o *Orchestrator) applyPolicy(ctx context.Context, ev *evaluation) {
	if o.policy == nil || o.policy.RulesCount() == 0 {
		return
	}
	d := ev.decision

	failures := ev.failures
	if failures == 0 {
		if n, err := o.challenges.Failures(ctx, ev.identifier); err == nil {
			failures = n
		}
	}

	ratio := 1.0
	if d.RateLimit != nil {
		ratio = d.RateLimit.RemainingRatio()
	}

	results := o.policy.EvaluateAll(ctx, &policy.EvaluateInput{
		TrustScore:         ev.score,
		Tier:               ev.tier,
		Sensitivity:        ev.sensitivity,
		Failures:           failures,
		TypingSuspicion:    ev.typingSuspicion,
		QualityScore:       ev.qualityScore,
		RateRemainingRatio: ratio,
		Endpoint:           ev.endpoint,
		Method:             ev.method,
		Identity:           ev.identity,
		Flags:              ev.flags,
	})
	d.PolicyResults = results

	action, reason := policy.Decide(results)
	if action.Severity() <= d.Action.Severity() {
		return
	}

	switch action {
	case domain.ActionChallenge:
		if ev.verified {
			return
		}
		typ := domain.ChallengeProofOfWork
		if chain := challenge.EscalationChain(failures); len(chain) > 0 {
			typ = chain[0]
		}
		if !o.issue(ctx, ev, typ, escalationDifficulty(typ), reason) {
			return
		}
	default:
		d.Action = action
		d.Reason = reason
		d.Challenge = nil
	}
	severity := domain.SeverityMedium
	if action == domain.ActionBlock {
		severity = domain.SeverityHigh
	}
	ev.mark(domain.EventPolicyTriggered, severity)
}

// signal feeds a behavioral verdict into the caller's trust score. Anonymous
// callers have no score to move.
func (o *Orchestrator) signal(ctx context.Context, ev *evaluation, typ string, delta float64, reason string) *domain.TrustScore {
	if !ev.identity.IsAuthenticated() || delta == 0 {
		return nil
	}
	doc, err := o.trust.ApplySignal(ctx, ev.identity.UserID, domain.TrustSignal{
		Type:   typ,
		Delta:  delta,
		Reason: reason,
	})
	if err != nil {
		slog.Warn("failed to apply trust signal", "userId", ev.identity.UserID, "signal", typ, "error", err)
		return nil
	}
	return doc
}

// guard runs an analyzer. A panic is logged and reported as no signal so a
// scoring bug can never block a legitimate request.
func guard[T any](analyzer string, fn func() T) (out T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("analyzer panicked, treating as no signal", "analyzer", analyzer, "panic", r)
			metrics.AnalyzerResults.WithLabelValues(analyzer, "panic").Inc()
			var zero T
			out, ok = zero, false
		}
	}()
	return fn(), true
}

func verdict(suspicious, confident bool) string {
	switch {
	case !confident:
		return "insufficient"
	case suspicious:
		return "suspicious"
	default:
		return "clean"
	}
}

func escalationDifficulty(typ domain.ChallengeType) int {
	switch typ {
	case domain.ChallengeHoneypot, domain.ChallengeTiming:
		return 1
	case domain.ChallengeCaptcha, domain.ChallengeMFA:
		return 10
	default:
		return automationDifficulty
	}
}

// penaltyTTL is the sensitivity's cooldown, or the denial window when the
// table has none.
func (o *Orchestrator) penaltyTTL(sensitivity domain.EndpointSensitivity) time.Duration {
	if secs := o.limiter.BaseConfig(sensitivity).CooldownSeconds; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return o.cfg.DenialWindow
}

func shadowKey(userID string) string {
	return "fraud:shadow:" + userID
}

func denialsKey(identifier string) string {
	return "ratelimit:denials:" + identifier
}
