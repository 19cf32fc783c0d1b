package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/opensource-finance/warden/internal/domain"
)

// Rate limit and challenge headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitWindow    = "X-RateLimit-Window"
	HeaderRetryAfter         = "Retry-After"

	HeaderChallengeID       = "X-Challenge-Id"
	HeaderChallengeType     = "X-Challenge-Type"
	HeaderChallengeResponse = "X-Challenge-Response"
)

// Evaluator is the part of the orchestrator the edge middleware needs.
type Evaluator interface {
	EvaluateRequest(ctx context.Context, in domain.RequestInput) (*domain.Decision, error)
}

// RateLimitBody is the 429 response body.
type RateLimitBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Window     string `json:"window"`
	ResetAt    int64  `json:"resetAt"` // unix seconds
}

// ChallengeBody is the 403 response body for a required challenge. The
// client answers by repeating the request with the X-Challenge-* headers.
type ChallengeBody struct {
	ChallengeRequired bool                 `json:"challengeRequired"`
	ChallengeType     domain.ChallengeType `json:"challengeType"`
	ChallengeID       string               `json:"challengeId"`
	Challenge         *domain.Challenge    `json:"challenge,omitempty"`
}

// RateLimitMiddleware enforces delay and block decisions for every request
// to next. Challenge decisions pass through; use ChallengeMiddleware instead
// when clients can answer challenges. Use one of the two, not both.
func RateLimitMiddleware(eval Evaluator) func(http.Handler) http.Handler {
	return edgeGuard(eval, false)
}

// ChallengeMiddleware enforces the full decision: rate limits, blocks and
// challenges. Answers to earlier challenges are read from the
// X-Challenge-Id, X-Challenge-Type and X-Challenge-Response headers, the
// latter holding a JSON encoded challenge response.
func ChallengeMiddleware(eval Evaluator) func(http.Handler) http.Handler {
	return edgeGuard(eval, true)
}

func edgeGuard(eval Evaluator, challenges bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity := GetIdentity(ctx)
			if identity == (domain.IdentityContext{}) {
				identity = resolveIdentity(r, nil)
			}

			in := domain.RequestInput{
				Identity: identity,
				Endpoint: r.URL.Path,
				Method:   r.Method,
			}
			if claims := GetClaims(ctx); claims != nil {
				in.TierHint = claims.TierHint()
			}
			if challenges {
				sub, err := submissionFrom(r.Header, identity.IPAddress)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				in.Submission = sub
			}

			d, err := eval.EvaluateRequest(ctx, in)
			if err != nil {
				if domain.IsValidationError(err) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				slog.Error("edge evaluation failed, allowing request",
					"path", r.URL.Path,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			writeRateLimitHeaders(w.Header(), d.RateLimit)
			switch d.Action {
			case domain.ActionDelay:
				writeRateLimited(w, d.RateLimit)
				return
			case domain.ActionBlock:
				if d.RateLimit != nil && !d.RateLimit.Allowed {
					writeRateLimited(w, d.RateLimit)
					return
				}
				writeError(w, http.StatusForbidden, "request blocked")
				return
			case domain.ActionChallenge:
				if challenges && d.Challenge != nil {
					writeChallenge(w, d.Challenge)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// submissionFrom reads a challenge answer from request headers. No
// challenge id means no submission.
func submissionFrom(h http.Header, remoteIP string) (*domain.ChallengeSubmission, error) {
	id := h.Get(HeaderChallengeID)
	if id == "" {
		return nil, nil
	}

	sub := &domain.ChallengeSubmission{
		ChallengeID: id,
		Type:        domain.ChallengeType(strings.ToUpper(h.Get(HeaderChallengeType))),
	}
	if raw := h.Get(HeaderChallengeResponse); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sub.Response); err != nil {
			return nil, domain.NewValidationError(HeaderChallengeResponse, "must be a JSON challenge response")
		}
	}
	sub.Response.RemoteIP = remoteIP
	return sub, nil
}

func writeRateLimitHeaders(h http.Header, rl *domain.RateLimitResult) {
	if rl == nil || rl.Limit <= 0 {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(rl.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(rl.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(rl.ResetAt.Unix(), 10))
	h.Set(HeaderRateLimitWindow, rl.Window)
	if !rl.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(max(1, rl.RetryAfter)))
	}
}

func writeRateLimited(w http.ResponseWriter, rl *domain.RateLimitResult) {
	body := RateLimitBody{Error: "rate limit exceeded", RetryAfter: 1}
	if rl != nil {
		body.RetryAfter = max(1, rl.RetryAfter)
		body.Limit = rl.Limit
		body.Remaining = rl.Remaining
		body.Window = rl.Window
		body.ResetAt = rl.ResetAt.Unix()
	}
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(body.RetryAfter))
	writeJSON(w, http.StatusTooManyRequests, body)
}

func writeChallenge(w http.ResponseWriter, c *domain.Challenge) {
	w.Header().Set(HeaderChallengeID, c.ID)
	w.Header().Set(HeaderChallengeType, string(c.Type))
	writeJSON(w, http.StatusForbidden, ChallengeBody{
		ChallengeRequired: true,
		ChallengeType:     c.Type,
		ChallengeID:       c.ID,
		Challenge:         c,
	})
}
