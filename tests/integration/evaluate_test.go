//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Warden.
//
// These tests verify the COMPLETE evaluation pipeline:
//
//	Request → Trust Tier → Rate Limit → Analyzers → Challenge → Policy → Decision
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
//  1. IDENTITY: who is acting. A user id when known, otherwise a device id,
//     otherwise the client IP.
//
//  2. TRUST TIER: UNTRUSTED, LOW, MEDIUM, HIGH or VERIFIED, derived from a
//     0-100 score. Unknown users are MEDIUM. The tier scales rate limits.
//
//  3. SENSITIVITY: endpoints are LOW, MEDIUM, HIGH or CRITICAL. Payments are
//     CRITICAL and get the tightest limits.
//
//  4. DECISION: allow, delay (rate limited), challenge (solve first) or block.
//
// Environment:
//
//	WARDEN_TEST_URL    base URL (default http://localhost:8080)
//	WARDEN_TEST_TOKEN  optional admin bearer token for /v1/admin tests
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/domain"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL    string
	AdminToken string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("WARDEN_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:    baseURL,
		AdminToken: os.Getenv("WARDEN_TEST_TOKEN"),
	}
}

// DecisionResponse is what the evaluate endpoints return.
type DecisionResponse struct {
	ID        string                  `json:"id"`
	Action    domain.Action           `json:"action"`
	Reason    string                  `json:"reason"`
	RateLimit *domain.RateLimitResult `json:"rateLimit"`
	Challenge *domain.Challenge       `json:"challenge"`
	Countable bool                    `json:"countable"`
}

// uniqueID keeps runs from sharing rate limit windows.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func call(t *testing.T, config TestConfig, method, path, token string, payload any) (int, http.Header, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, resp.Header, respBody
}

func check(t *testing.T, config TestConfig, userID, endpoint string) (DecisionResponse, http.Header) {
	t.Helper()

	status, header, body := call(t, config, http.MethodPost, "/v1/check", "", domain.RequestInput{
		Identity: domain.IdentityContext{UserID: userID},
		Endpoint: endpoint,
	})
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result DecisionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse response: %v\nBody: %s", err, string(body))
	}
	return result, header
}

// ============================================================================
// Scenario: a new user searches. Nothing suspicious, plenty of headroom.
// Expected: allow with rate limit headers.
// ============================================================================

func TestSearch_Allowed(t *testing.T) {
	config := getTestConfig()

	result, header := check(t, config, uniqueID("it-search"), "/api/search")

	t.Logf("Action: %s, Window: %v", result.Action, header.Get("X-RateLimit-Window"))

	if result.Action != domain.ActionAllow {
		t.Errorf("Expected allow, got %s (%s)", result.Action, result.Reason)
	}
	if header.Get("X-RateLimit-Limit") == "" {
		t.Error("Expected X-RateLimit-Limit header")
	}
	if result.ID == "" {
		t.Error("Expected a decision id")
	}
}

// ============================================================================
// Scenario: one user hammers a payment endpoint.
// CRITICAL endpoints allow 2 requests per second for a MEDIUM user.
// Expected: within a handful of calls the user is delayed.
// ============================================================================

func TestPaymentHammering_Delayed(t *testing.T) {
	config := getTestConfig()
	user := uniqueID("it-payments")

	var limited *DecisionResponse
	for i := range 10 {
		result, _ := check(t, config, user, "/api/payments/charge")
		t.Logf("Call %d: %s", i+1, result.Action)
		if result.Action == domain.ActionDelay || result.Action == domain.ActionBlock {
			limited = &result
			break
		}
	}

	if limited == nil {
		t.Fatal("Expected the payment endpoint to rate limit within 10 calls")
	}
	if limited.RateLimit == nil || limited.RateLimit.Allowed || limited.RateLimit.RetryAfter < 1 {
		t.Errorf("Expected a denied rate limit with retryAfter, got %+v", limited.RateLimit)
	}
}

// ============================================================================
// Scenario: a script types at a perfectly even cadence.
// Expected: challenged with proof of work; message not countable.
// ============================================================================

func TestScriptedTyping_Challenged(t *testing.T) {
	config := getTestConfig()

	keys := make([]domain.KeystrokeEvent, 120)
	for i := range keys {
		keys[i] = domain.KeystrokeEvent{Key: "a", Timestamp: float64(i) * 180}
	}

	status, _, body := call(t, config, http.MethodPost, "/v1/messages/evaluate", "", domain.MessageInput{
		RequestInput:   domain.RequestInput{Identity: domain.IdentityContext{UserID: uniqueID("it-bot")}},
		ConversationID: "it-conversation",
		Keystrokes:     keys,
	})
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result DecisionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if result.Action != domain.ActionChallenge {
		t.Fatalf("Expected challenge for scripted typing, got %s (%s)", result.Action, result.Reason)
	}
	if result.Challenge == nil || result.Challenge.Type != domain.ChallengeProofOfWork {
		t.Errorf("Expected a proof of work challenge, got %+v", result.Challenge)
	}
}

// ============================================================================
// Scenario: a client asks for a proof of work, solves it and verifies.
// Expected: verification succeeds once, then the challenge is gone.
// ============================================================================

func TestProofOfWork_RoundTrip(t *testing.T) {
	config := getTestConfig()

	status, _, body := call(t, config, http.MethodPost, "/v1/challenges", "", map[string]any{
		"type":       domain.ChallengeProofOfWork,
		"difficulty": 1,
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", status, string(body))
	}

	var c domain.Challenge
	if err := json.Unmarshal(body, &c); err != nil {
		t.Fatalf("Failed to parse challenge: %v", err)
	}
	if c.Payload.ProofOfWork == nil {
		t.Fatalf("Expected a proof of work payload, got %+v", c.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sol, err := challenge.SolveProofOfWork(ctx, c.Payload.ProofOfWork, 1<<26)
	if err != nil {
		t.Fatalf("Failed to solve: %v", err)
	}

	verify := func() domain.VerifyResult {
		status, _, body := call(t, config, http.MethodPost, "/v1/challenges/verify", "", map[string]any{
			"challengeId": c.ID,
			"response":    domain.ChallengeResponse{Solution: sol},
		})
		if status != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", status, string(body))
		}
		var res domain.VerifyResult
		if err := json.Unmarshal(body, &res); err != nil {
			t.Fatalf("Failed to parse verify result: %v", err)
		}
		return res
	}

	if res := verify(); !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}
	if res := verify(); res.Success || res.Reason != domain.ReasonNotFound {
		t.Errorf("Expected a consumed challenge to be gone, got %+v", res)
	}
}

// ============================================================================
// Edge cases
// ============================================================================

func TestMalformedJSON_Error(t *testing.T) {
	config := getTestConfig()

	httpReq, _ := http.NewRequest(http.MethodPost, config.BaseURL+"/v1/check", bytes.NewReader([]byte("{not json")))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", resp.StatusCode)
	}
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	config := getTestConfig()

	status, _, _ := call(t, config, http.MethodGet, "/v1/admin/events", "", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", status)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	config := getTestConfig()
	if config.AdminToken == "" {
		t.Skip("WARDEN_TEST_TOKEN not set")
	}

	lower := 1.0
	rule := domain.PolicyRule{
		ID:         uniqueID("it-policy"),
		Name:       "Integration: challenge many failures",
		Expression: "failures >= 100",
		Bands:      []domain.PolicyBand{{LowerLimit: &lower, Outcome: domain.OutcomeChallenge, Reason: "integration"}},
		Enabled:    true,
	}

	status, _, body := call(t, config, http.MethodPost, "/v1/admin/policies", config.AdminToken, rule)
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", status, string(body))
	}

	status, _, body = call(t, config, http.MethodPost, "/v1/admin/policies/reload", config.AdminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, string(body))
	}

	var reload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &reload); err != nil {
		t.Fatalf("Failed to parse reload response: %v", err)
	}
	if reload.Count < 1 {
		t.Errorf("Expected at least one loaded rule, got %d", reload.Count)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	config := getTestConfig()

	status, _, body := call(t, config, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Failed to parse health: %v", err)
	}
	t.Logf("Status: %s, Version: %s", health.Status, health.Version)

	status, _, body = call(t, config, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK || !bytes.Contains(body, []byte("warden_")) {
		t.Errorf("Expected warden metrics, got %d", status)
	}
}
