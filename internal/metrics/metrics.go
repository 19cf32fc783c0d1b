// Package metrics provides Prometheus instrumentation for Warden.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimitDecisions counts limiter outcomes.
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by sensitivity, window, and result.",
		},
		[]string{"sensitivity", "window", "result"},
	)

	// RateLimitFailOpen counts checks allowed because the store was unreachable.
	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "ratelimit_fail_open_total",
		Help:      "Rate limit checks that failed open on store errors.",
	})

	// ChallengesIssued counts issued challenges by type.
	ChallengesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "challenges_issued_total",
			Help:      "Challenges issued by type.",
		},
		[]string{"type"},
	)

	// ChallengeVerifications counts verification attempts by type and reason.
	ChallengeVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "challenge_verifications_total",
			Help:      "Challenge verification attempts by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// CaptchaBreakerTransitions counts circuit breaker state changes.
	CaptchaBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "captcha_breaker_transitions_total",
			Help:      "CAPTCHA provider circuit breaker transitions by target state.",
		},
		[]string{"to"},
	)

	// CaptchaProviderErrors counts CAPTCHA checks that got no verdict, split
	// into calls short-circuited by the breaker and calls that failed.
	CaptchaProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "captcha_provider_errors_total",
			Help:      "CAPTCHA verifications without a provider verdict by cause.",
		},
		[]string{"cause"},
	)

	// TrustUpdates counts trust score recomputations by trigger.
	TrustUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "trust_updates_total",
			Help:      "Trust score updates by trigger and resulting tier.",
		},
		[]string{"trigger", "tier"},
	)

	// AnalyzerResults counts analyzer verdicts.
	AnalyzerResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "analyzer_results_total",
			Help:      "Behavioral analyzer results by analyzer and verdict.",
		},
		[]string{"analyzer", "verdict"},
	)

	// FraudDecisions counts orchestrator decisions.
	FraudDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "fraud_decisions_total",
			Help:      "Orchestrator decisions by evaluation kind and action.",
		},
		[]string{"kind", "action"},
	)

	// EvaluationDuration observes orchestrator latency.
	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "evaluation_duration_seconds",
			Help:      "Orchestrator evaluation latency in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"kind"},
	)

	// StoreErrors counts store failures by backend and operation.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "store_errors_total",
			Help:      "Store operation failures by backend and operation.",
		},
		[]string{"backend", "op"},
	)

	// BusMessages counts bus traffic by topic and direction.
	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "bus_messages_total",
			Help:      "Event bus messages by topic and result.",
		},
		[]string{"topic", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitDecisions,
		RateLimitFailOpen,
		ChallengesIssued,
		ChallengeVerifications,
		CaptchaBreakerTransitions,
		CaptchaProviderErrors,
		TrustUpdates,
		AnalyzerResults,
		FraudDecisions,
		EvaluationDuration,
		StoreErrors,
		BusMessages,
	)
}

// ObserveEvaluation records one orchestrator decision.
func ObserveEvaluation(kind, action string, started time.Time) {
	FraudDecisions.WithLabelValues(kind, action).Inc()
	EvaluationDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// Middleware records request metrics against the matched chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Uses route pattern, not actual path (avoids cardinality explosion)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(ww.Status())).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
