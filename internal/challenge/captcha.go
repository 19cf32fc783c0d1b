package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// CaptchaVerifier scores a CAPTCHA token with an external provider.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// MFAVerifier checks a one-time code with the external auth layer.
type MFAVerifier interface {
	VerifyCode(ctx context.Context, identifier, code string) (bool, error)
}

// siteverifyResponse covers hCaptcha, reCAPTCHA and Turnstile replies.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// HTTPCaptchaVerifier posts tokens to a siteverify endpoint behind a circuit
// breaker and an outbound rate limit.
type HTTPCaptchaVerifier struct {
	client   *http.Client
	url      string
	secret   string
	minScore float64
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[bool]
}

// NewHTTPCaptchaVerifier creates a verifier. The breaker opens after 5
// consecutive provider failures and probes again after 30 seconds.
func NewHTTPCaptchaVerifier(cfg domain.ChallengeConfig) *HTTPCaptchaVerifier {
	rps := cfg.CaptchaRPS
	if rps <= 0 {
		rps = 50
	}
	timeout := cfg.CaptchaTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "captcha-siteverify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("captcha circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CaptchaBreakerTransitions.WithLabelValues(to.String()).Inc()
		},
	})

	return &HTTPCaptchaVerifier{
		client:   &http.Client{Timeout: timeout},
		url:      cfg.CaptchaVerifyURL,
		secret:   cfg.CaptchaSecret,
		minScore: cfg.CaptchaMinScore,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
		cb:       cb,
	}
}

// Verify reports whether the provider accepted token. Provider outages and
// an open breaker surface as errors.
func (v *HTTPCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("captcha rate limit: %w", err)
	}

	return v.cb.Execute(func() (bool, error) {
		form := url.Values{"secret": {v.secret}, "response": {token}}
		if remoteIP != "" {
			form.Set("remoteip", remoteIP)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := v.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("siteverify request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return false, fmt.Errorf("siteverify returned %d", resp.StatusCode)
		}

		var body siteverifyResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
			return false, fmt.Errorf("failed to decode siteverify response: %w", err)
		}
		if !body.Success {
			return false, nil
		}
		if body.Score != nil && *body.Score < v.minScore {
			return false, nil
		}
		return true, nil
	})
}

// IsUnavailable reports whether err came from an open or saturated breaker.
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
