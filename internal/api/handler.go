package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/bus"
	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/conversation"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/fraud"
	"github.com/opensource-finance/warden/internal/policy"
	"github.com/opensource-finance/warden/internal/repository"
	"github.com/opensource-finance/warden/internal/trust"
	"github.com/opensource-finance/warden/internal/typing"
)

const maxBodyBytes = 1 << 20

// Deps are the engine components the API serves. Fraud, Trust and
// Challenges are required; admin routes also need Repo.
type Deps struct {
	Repo         domain.Repository
	Store        domain.Store
	Bus          domain.EventBus
	Fraud        *fraud.Orchestrator
	Trust        *trust.Engine
	Challenges   *challenge.Service
	Typing       *typing.Analyzer
	Profiles     *typing.Profiles
	Conversation *conversation.Analyzer
	Policy       *policy.Engine
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	auth     *Authenticator
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, auth *Authenticator, version string) *Handler {
	return &Handler{
		Deps:     deps,
		auth:     auth,
		validate: validator.New(),
		version:  version,
	}
}

// DecisionResponse is a Decision plus, for admin callers, the scoring
// detail end users never see.
type DecisionResponse struct {
	*domain.Decision
	Detail *DecisionDetail `json:"detail,omitempty"`
}

// DecisionDetail exposes the internal scoring of a decision.
type DecisionDetail struct {
	Tier          domain.TrustTier            `json:"tier"`
	TrustScore    int                         `json:"trustScore"`
	Flags         []string                    `json:"flags,omitempty"`
	ShadowBanned  bool                        `json:"shadowBanned,omitempty"`
	Typing        *domain.TypingAnalysis      `json:"typing,omitempty"`
	Composition   *domain.CompositionAnalysis `json:"composition,omitempty"`
	Profile       *domain.ProfileComparison   `json:"profile,omitempty"`
	Quality       *domain.ConversationQuality `json:"quality,omitempty"`
	PolicyResults []domain.PolicyResult       `json:"policyResults,omitempty"`
	DurationMs    int64                       `json:"durationMs"`
}

// Check handles POST /v1/check, the evaluation edge services call before
// forwarding a request.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var in domain.RequestInput
	if !h.decode(w, r, &in) {
		return
	}
	in.Identity, in.TierHint = h.caller(r, in.Identity, in.TierHint)
	if in.Submission != nil {
		in.Submission.Response.RemoteIP = in.Identity.IPAddress
	}

	d, err := h.Fraud.EvaluateRequest(r.Context(), in)
	h.respondDecision(w, r, d, err)
}

// EvaluateMessage handles POST /v1/messages/evaluate.
func (h *Handler) EvaluateMessage(w http.ResponseWriter, r *http.Request) {
	var in domain.MessageInput
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Identity, in.TierHint = h.caller(r, in.Identity, in.TierHint)
	if in.Submission != nil {
		in.Submission.Response.RemoteIP = in.Identity.IPAddress
	}

	d, err := h.Fraud.EvaluateMessage(r.Context(), in)
	h.respondDecision(w, r, d, err)
}

// EvaluateConnection handles POST /v1/connections/evaluate.
func (h *Handler) EvaluateConnection(w http.ResponseWriter, r *http.Request) {
	var in domain.ConnectionInput
	if !h.decode(w, r, &in) {
		return
	}
	in.Identity, in.TierHint = h.caller(r, in.Identity, in.TierHint)

	d, err := h.Fraud.EvaluateConnection(r.Context(), in)
	h.respondDecision(w, r, d, err)
}

func (h *Handler) respondDecision(w http.ResponseWriter, r *http.Request, d *domain.Decision, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeRateLimitHeaders(w.Header(), d.RateLimit)
	if d.Challenge != nil {
		w.Header().Set(HeaderChallengeID, d.Challenge.ID)
		w.Header().Set(HeaderChallengeType, string(d.Challenge.Type))
	}

	resp := DecisionResponse{Decision: d}
	if h.auth.IsAdmin(GetClaims(r.Context())) {
		resp.Detail = &DecisionDetail{
			Tier:          d.Tier,
			TrustScore:    d.TrustScore,
			Flags:         d.Flags,
			ShadowBanned:  d.ShadowBanned,
			Typing:        d.Typing,
			Composition:   d.Composition,
			Profile:       d.Profile,
			Quality:       d.Quality,
			PolicyResults: d.PolicyResults,
			DurationMs:    d.DurationMs,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueChallengeRequest is the request body for POST /v1/challenges.
type IssueChallengeRequest struct {
	Type       domain.ChallengeType `json:"type"`
	Difficulty int                  `json:"difficulty"`
}

// IssueChallenge handles POST /v1/challenges.
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req IssueChallengeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Type == domain.ChallengeNone {
		req.Type = domain.ChallengeProofOfWork
	}
	if req.Difficulty <= 0 {
		req.Difficulty = 1
	}

	identity := GetIdentity(r.Context())
	c, err := h.Challenges.IssueChallenge(r.Context(), identity.Identifier(), req.Type, req.Difficulty)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set(HeaderChallengeID, c.ID)
	w.Header().Set(HeaderChallengeType, string(c.Type))
	writeJSON(w, http.StatusCreated, c)
}

// VerifyChallengeRequest is the request body for POST /v1/challenges/verify.
type VerifyChallengeRequest struct {
	ChallengeID string                   `json:"challengeId" validate:"required"`
	Response    domain.ChallengeResponse `json:"response"`
}

// VerifyChallenge handles POST /v1/challenges/verify. Business outcomes,
// including failures, are 200 with success=false.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req VerifyChallengeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity := GetIdentity(r.Context())
	req.Response.RemoteIP = identity.IPAddress
	result, err := h.Challenges.VerifyChallenge(r.Context(), identity.Identifier(), req.ChallengeID, req.Response)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TypingAnalyzeRequest is the request body for POST /v1/typing/analyze.
type TypingAnalyzeRequest struct {
	Keystrokes  []domain.KeystrokeEvent    `json:"keystrokes"`
	Composition *domain.CompositionSession `json:"composition,omitempty"`
}

// TypingAnalyzeResponse is the response for POST /v1/typing/analyze.
type TypingAnalyzeResponse struct {
	Typing      domain.TypingAnalysis       `json:"typing"`
	Composition *domain.CompositionAnalysis `json:"composition,omitempty"`
	Profile     *domain.ProfileComparison   `json:"profile,omitempty"`
}

// AnalyzeTyping handles POST /v1/typing/analyze. It is read-only: the
// caller's stored profile is compared against, never updated.
func (h *Handler) AnalyzeTyping(w http.ResponseWriter, r *http.Request) {
	if h.Typing == nil {
		writeError(w, http.StatusServiceUnavailable, "typing analyzer not available")
		return
	}

	var req TypingAnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Composition != nil {
		if err := h.validate.Struct(req.Composition); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp := TypingAnalyzeResponse{Typing: h.Typing.Analyze(req.Keystrokes)}
	if req.Composition != nil {
		c := h.Typing.AnalyzeComposition(*req.Composition)
		resp.Composition = &c
	}

	identity := GetIdentity(r.Context())
	if identity.IsAuthenticated() && h.Profiles != nil {
		profile, err := h.Profiles.Get(r.Context(), identity.UserID)
		if err != nil {
			slog.Warn("failed to load typing profile", "userId", identity.UserID, "error", err)
		} else if profile != nil {
			cmp := h.Typing.CompareProfile(resp.Typing.Stats, *profile)
			resp.Profile = &cmp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConversationAnalyzeRequest is the request body for
// POST /v1/conversations/analyze.
type ConversationAnalyzeRequest struct {
	Messages  []domain.ConversationMessage `json:"messages" validate:"required,min=1,dive"`
	Character *domain.CharacterMetadata    `json:"character,omitempty"`
}

// AnalyzeConversation handles POST /v1/conversations/analyze.
func (h *Handler) AnalyzeConversation(w http.ResponseWriter, r *http.Request) {
	if h.Conversation == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation analyzer not available")
		return
	}

	var req ConversationAnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.Conversation.Analyze(req.Messages, req.Character))
}

// TrustSummary is the trust view non-admin callers get.
type TrustSummary struct {
	UserID      string           `json:"userId"`
	Score       int              `json:"score"`
	Tier        domain.TrustTier `json:"tier"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// GetTrust handles GET /v1/trust/{userId}. Factors and history are
// returned to admin callers only.
func (h *Handler) GetTrust(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	score, err := h.Trust.GetTrustScore(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if score == nil {
		writeError(w, http.StatusNotFound, "trust score not found")
		return
	}

	h.writeTrust(w, r, score)
}

// writeTrust sends the full score to admins and a summary to everyone else.
func (h *Handler) writeTrust(w http.ResponseWriter, r *http.Request, score *domain.TrustScore) {
	if h.auth.IsAdmin(GetClaims(r.Context())) {
		writeJSON(w, http.StatusOK, score)
		return
	}
	writeJSON(w, http.StatusOK, TrustSummary{
		UserID:      score.UserID,
		Score:       score.Score,
		Tier:        score.Tier,
		LastUpdated: score.LastUpdated,
	})
}

// CalculateTrust handles POST /v1/trust/{userId}/calculate. The body is the
// account context; the path wins over any userId in it.
func (h *Handler) CalculateTrust(w http.ResponseWriter, r *http.Request) {
	var uc domain.UserContext
	if !h.decode(w, r, &uc) {
		return
	}
	uc.UserID = chi.URLParam(r, "userId")
	if err := h.validate.Struct(uc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	score, err := h.Trust.CalculateTrustScore(r.Context(), uc)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeTrust(w, r, score)
}

// AdjustTrustRequest is the request body for an admin trust adjustment.
type AdjustTrustRequest struct {
	Delta  *float64 `json:"delta" validate:"required,gte=-100,lte=100"`
	Reason string   `json:"reason" validate:"required"`
}

// AdjustTrust handles POST /v1/admin/trust/{userId}/adjust.
func (h *Handler) AdjustTrust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	var req AdjustTrustRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := GetClaims(ctx).User()
	score, err := h.Trust.AdjustTrustScore(ctx, userID, *req.Delta, req.Reason, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.audit(r, &domain.FraudEvent{
		EventType: domain.EventTrustAdjusted,
		Severity:  domain.SeverityLow,
		UserID:    userID,
		Action:    domain.ActionAllow,
		Details: map[string]any{
			"delta":  req.Delta,
			"reason": req.Reason,
			"actor":  actor,
			"score":  score.Score,
		},
	})

	slog.Info("trust adjusted", "userId", userID, "delta", req.Delta, "actor", actor, "score", score.Score)
	writeJSON(w, http.StatusOK, score)
}

// ListEvents handles GET /v1/admin/events. Filters come from the query:
// userId, type, severity, unresolved, since (RFC 3339) and limit.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	q := r.URL.Query()
	filter := domain.EventFilter{
		UserID:    q.Get("userId"),
		EventType: q.Get("type"),
		Severity:  q.Get("severity"),
		Limit:     100,
	}
	if v := q.Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unresolved must be a boolean")
			return
		}
		filter.Unresolved = b
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	events, err := h.Repo.ListFraudEvents(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list fraud events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ResolveEvent handles POST /v1/admin/events/{id}/resolve.
func (h *Handler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	actor := GetClaims(ctx).User()
	if err := h.Repo.ResolveFraudEvent(ctx, id, actor, time.Now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		slog.Error("failed to resolve fraud event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve event")
		return
	}

	event, err := h.Repo.GetFraudEvent(ctx, id)
	if err != nil {
		slog.Error("failed to reload fraud event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}

	slog.Info("fraud event resolved", "id", id, "actor", actor)
	writeJSON(w, http.StatusOK, event)
}

// ListPolicies returns the loaded policy rules.
// Rules are loaded from the database at startup and can be reloaded via
// POST /v1/admin/policies/reload.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.Policy == nil {
		writeError(w, http.StatusServiceUnavailable, "policy engine not available")
		return
	}

	loaded := h.Policy.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// CreatePolicy validates a rule and saves it to the database. It takes
// effect after POST /v1/admin/policies/reload.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.Policy == nil || h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "policy engine not available")
		return
	}

	var rule domain.PolicyRule
	if !h.decode(w, r, &rule) {
		return
	}
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if err := h.Policy.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy rule: "+err.Error())
		return
	}

	if err := h.Repo.SavePolicyRule(r.Context(), &rule); err != nil {
		slog.Error("failed to save policy rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save policy rule")
		return
	}

	slog.Info("policy rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Policy rule saved. Call POST /v1/admin/policies/reload to apply changes.",
	})
}

// ReloadPolicies reloads every stored rule into the engine without a restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.Policy == nil || h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "policy engine not available")
		return
	}

	if err := h.Policy.ReloadFrom(r.Context(), h.Repo); err != nil {
		slog.Error("failed to reload policy rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload policy rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policy rules reloaded successfully",
		"count":   h.Policy.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.Store != nil {
		check("store", func() error { return h.Store.Ping(ctx) })
	}
	if h.Repo != nil {
		check("repository", func() error { return h.Repo.Ping(ctx) })
	}
	if h.Bus != nil {
		check("eventBus", func() error { return h.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the shared store is reachable. Without it every
// limit fails open, so the instance should not take traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// caller merges a body identity with the one resolved from the request.
// A verified token user always wins unless the caller is an admin acting
// for someone else, and only admins may pass a tier hint in the body.
func (h *Handler) caller(r *http.Request, body domain.IdentityContext, hint *domain.TrustTier) (domain.IdentityContext, *domain.TrustTier) {
	req := GetIdentity(r.Context())
	claims := GetClaims(r.Context())
	admin := h.auth.IsAdmin(claims)

	id := body
	if claims != nil && (!admin || id.UserID == "") {
		id.UserID = req.UserID
	}
	if id.DeviceID == "" {
		id.DeviceID = req.DeviceID
	}
	if id.IPAddress == "" {
		id.IPAddress = req.IPAddress
	}
	if id.SessionID == "" {
		id.SessionID = req.SessionID
	}

	if !admin {
		hint = nil
		if claims != nil {
			hint = claims.TierHint()
		}
	}
	return id, hint
}

func (h *Handler) audit(r *http.Request, event *domain.FraudEvent) {
	if h.Bus == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode audit event", "error", err)
		return
	}
	ctx := bus.WithKey(r.Context(), event.UserID)
	if err := h.Bus.Publish(ctx, domain.TopicFraudEvent, payload); err != nil {
		slog.Warn("failed to publish audit event", "eventType", event.EventType, "error", err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

// writeEngineError maps engine errors: validation is the caller's fault,
// anything else is ours.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Error(),
			"field": ve.Field,
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		slog.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
