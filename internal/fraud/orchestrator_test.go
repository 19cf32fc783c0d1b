package fraud

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/warden/internal/bus"
	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/conversation"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/policy"
	"github.com/opensource-finance/warden/internal/ratelimit"
	"github.com/opensource-finance/warden/internal/store"
	"github.com/opensource-finance/warden/internal/trust"
	"github.com/opensource-finance/warden/internal/typing"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type harness struct {
	orch       *Orchestrator
	store      *store.MemoryStore
	bus        *bus.ChannelBus
	trust      *trust.Engine
	challenges *challenge.Service
	profiles   *typing.Profiles
}

func newHarness(t *testing.T, cfg domain.FraudConfig, rules ...*domain.PolicyRule) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore("test", 10000)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { _ = b.Close() })

	trustCfg := domain.DefaultTrustConfig()
	challengeCfg := domain.DefaultChallengeConfig()
	challengeCfg.PoWBaseBits = 8

	h := &harness{
		store:      st,
		bus:        b,
		trust:      trust.NewEngine(st, trustCfg, trust.WithClock(clock.Now)),
		challenges: challenge.NewService(st, challengeCfg, trustCfg, challenge.WithClock(clock.Now)),
		profiles:   typing.NewProfiles(st, nil),
	}

	var engine *policy.Engine
	if len(rules) > 0 {
		var err error
		engine, err = policy.NewEngine(4)
		if err != nil {
			t.Fatalf("failed to create policy engine: %v", err)
		}
		t.Cleanup(func() { _ = engine.Close() })
		for _, r := range rules {
			if err := engine.LoadRule(r); err != nil {
				t.Fatalf("failed to load rule %s: %v", r.ID, err)
			}
		}
	}

	orch, err := New(Deps{
		Store:        st,
		Bus:          b,
		Limiter:      ratelimit.NewLimiter(st, domain.DefaultRateLimitSettings(), trustCfg, ratelimit.WithClock(clock.Now)),
		Trust:        h.trust,
		Challenges:   h.challenges,
		Typing:       typing.NewAnalyzer(domain.DefaultTypingConfig()),
		Profiles:     h.profiles,
		Conversation: conversation.NewAnalyzer(domain.DefaultConversationConfig()),
		Policy:       engine,
	}, cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

// events subscribes to fraud events and returns the channel they arrive on.
func (h *harness) events(t *testing.T) <-chan domain.FraudEvent {
	t.Helper()
	ch := make(chan domain.FraudEvent, 100)
	_, err := h.bus.Subscribe(context.Background(), domain.TopicFraudEvent, func(_ context.Context, msg *domain.Message) error {
		var ev domain.FraudEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		ch <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func (h *harness) putScore(t *testing.T, userID string, score int, tier domain.TrustTier) {
	t.Helper()
	raw, _ := json.Marshal(domain.TrustScore{UserID: userID, Score: score, Tier: tier})
	if err := h.store.Set(context.Background(), "trust:score:"+userID, raw, time.Hour); err != nil {
		t.Fatalf("failed to seed trust score: %v", err)
	}
}

func uniformKeys(n int, ikiMs float64) []domain.KeystrokeEvent {
	events := make([]domain.KeystrokeEvent, n)
	for i := range events {
		events[i] = domain.KeystrokeEvent{Key: "a", Timestamp: float64(i) * ikiMs}
	}
	return events
}

// humanKeys cycles through uneven intervals with corrections and pauses.
func humanKeys(n int) []domain.KeystrokeEvent {
	gaps := []float64{120, 250, 170, 95, 320, 140, 210, 180, 900, 130, 260, 115}
	events := make([]domain.KeystrokeEvent, n)
	ts := 0.0
	for i := range events {
		key := "e"
		if i%15 == 7 {
			key = "Backspace"
		}
		ts += gaps[i%len(gaps)]
		events[i] = domain.KeystrokeEvent{Key: key, Timestamp: ts}
	}
	return events
}

func lowEffortDialogue() []domain.ConversationMessage {
	ts := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	var out []domain.ConversationMessage
	for range 10 {
		out = append(out, domain.ConversationMessage{Role: domain.RoleUser, Content: "ok", Timestamp: ts})
		ts = ts.Add(2 * time.Second)
		out = append(out, domain.ConversationMessage{
			Role:      domain.RoleAssistant,
			Content:   strings.Repeat("the captain tells another long story about the stars ", 5),
			Timestamp: ts,
		})
		ts = ts.Add(200 * time.Millisecond)
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func TestNewRequiresCoreDeps(t *testing.T) {
	if _, err := New(Deps{}, domain.DefaultFraudConfig()); err == nil {
		t.Fatal("expected error without dependencies")
	}
}

func TestEvaluateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("Allow", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{IPAddress: "10.0.0.1"},
			Endpoint: "/api/search",
			Method:   "GET",
		})
		if err != nil {
			t.Fatalf("EvaluateRequest failed: %v", err)
		}
		if d.Action != domain.ActionAllow || d.Reason != "ok" || !d.Countable {
			t.Errorf("expected countable allow, got %+v", d)
		}
		if d.Tier != domain.TierMedium || d.TrustScore != neutralScore {
			t.Errorf("expected neutral MEDIUM caller, got %v/%d", d.Tier, d.TrustScore)
		}
		if d.RateLimit == nil || !d.RateLimit.Allowed || d.RateLimit.Sensitivity != domain.SensitivityLow {
			t.Errorf("expected an allowed LOW rate limit result, got %+v", d.RateLimit)
		}
		if d.ID == "" || d.EvaluatedAt.IsZero() {
			t.Error("expected decision id and timestamp")
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		_, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{Endpoint: "/api/search"})
		if !domain.IsValidationError(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("RepeatedDenialsEscalateToBlock", func(t *testing.T) {
		cfg := domain.DefaultFraudConfig()
		cfg.DenialsBeforeBlock = 3
		h := newHarness(t, cfg)
		in := domain.RequestInput{
			Identity: domain.IdentityContext{IPAddress: "10.0.0.2"},
			Endpoint: "/api/payments/charge",
			Method:   "POST",
		}

		var d *domain.Decision
		for i := 0; i < 10; i++ {
			var err error
			d, err = h.orch.EvaluateRequest(ctx, in)
			if err != nil {
				t.Fatalf("EvaluateRequest failed: %v", err)
			}
			if d.Action == domain.ActionDelay {
				break
			}
		}
		if d.Action != domain.ActionDelay || d.Reason != "rate_limited" {
			t.Fatalf("expected a rate limit delay, got %s (%s)", d.Action, d.Reason)
		}
		if d.RateLimit.Allowed || d.RateLimit.RetryAfter < 1 {
			t.Errorf("expected denied result with retry, got %+v", d.RateLimit)
		}
		if d.Countable {
			t.Error("delayed requests must not be countable")
		}

		d, _ = h.orch.EvaluateRequest(ctx, in)
		if d.Action != domain.ActionDelay {
			t.Fatalf("expected second denial to delay, got %s", d.Action)
		}
		d, _ = h.orch.EvaluateRequest(ctx, in)
		if d.Action != domain.ActionBlock || d.Reason != "repeated_rate_limit_violations" {
			t.Fatalf("expected third denial to block, got %s (%s)", d.Action, d.Reason)
		}

		penalty, _ := h.store.Get(ctx, "ratelimit:penalty:ip:10.0.0.2")
		if penalty == nil {
			t.Error("expected a rate limit penalty after the block")
		}
	})

	t.Run("ShadowBanned", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		_ = h.store.Set(ctx, shadowKey("u-banned"), []byte("x"), time.Hour)

		d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{UserID: "u-banned"},
			Endpoint: "/api/search",
		})
		if err != nil {
			t.Fatalf("EvaluateRequest failed: %v", err)
		}
		if d.Action != domain.ActionAllow || !d.ShadowBanned || d.Countable {
			t.Errorf("expected silent uncountable allow, got %+v", d)
		}
		if !slices.Contains(d.Flags, FlagShadowBanned) {
			t.Errorf("expected shadow ban flag, got %v", d.Flags)
		}
	})

	t.Run("UntrustedIsChallenged", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		h.putScore(t, "u-low", 10, domain.TierUntrusted)

		d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{UserID: "u-low"},
			Endpoint: "/api/search",
		})
		if err != nil {
			t.Fatalf("EvaluateRequest failed: %v", err)
		}
		if d.Action != domain.ActionChallenge || d.Challenge == nil {
			t.Fatalf("expected a challenge, got %+v", d)
		}
		if d.Challenge.Type != domain.ChallengeProofOfWork {
			t.Errorf("expected proof of work for untrusted tier, got %s", d.Challenge.Type)
		}
		if d.Tier != domain.TierUntrusted || d.TrustScore != 10 {
			t.Errorf("expected stored score to be used, got %v/%d", d.Tier, d.TrustScore)
		}
		stored, _ := h.challenges.GetChallenge(ctx, "user:u-low", d.Challenge.ID)
		if stored == nil {
			t.Error("expected issued challenge to be stored")
		}
	})

	t.Run("TierHintOverridesScore", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		h.putScore(t, "u-hint", 10, domain.TierUntrusted)
		tier := domain.TierHigh

		d, _ := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{UserID: "u-hint"},
			Endpoint: "/api/search",
			TierHint: &tier,
		})
		if d.Tier != domain.TierHigh {
			t.Errorf("expected hinted tier, got %v", d.Tier)
		}
	})
}

func TestChallengeSubmission(t *testing.T) {
	ctx := context.Background()

	t.Run("SolvedChallengePasses", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		c, err := h.challenges.IssueChallenge(ctx, "user:u-solver", domain.ChallengeProofOfWork, 1)
		if err != nil {
			t.Fatalf("IssueChallenge failed: %v", err)
		}
		sol, err := challenge.SolveProofOfWork(ctx, c.Payload.ProofOfWork, 1<<22)
		if err != nil {
			t.Fatalf("SolveProofOfWork failed: %v", err)
		}

		d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{UserID: "u-solver"},
			Endpoint: "/api/search",
			Submission: &domain.ChallengeSubmission{
				ChallengeID: c.ID,
				Response:    domain.ChallengeResponse{Solution: sol},
			},
		})
		if err != nil {
			t.Fatalf("EvaluateRequest failed: %v", err)
		}
		if d.Verification == nil || !d.Verification.Success {
			t.Fatalf("expected successful verification, got %+v", d.Verification)
		}
		if d.Action != domain.ActionAllow {
			t.Errorf("expected allow after solving, got %s", d.Action)
		}

		doc, _ := h.trust.GetTrustScore(ctx, "u-solver")
		if doc == nil || len(doc.Signals) != 1 || doc.Signals[0].Type != domain.SignalChallengePassed {
			t.Errorf("expected a challenge passed signal, got %+v", doc)
		}
	})

	t.Run("WrongAnswerIsChallengedAgain", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		c, _ := h.challenges.IssueChallenge(ctx, "ip:10.0.0.3", domain.ChallengeProofOfWork, 1)

		d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity: domain.IdentityContext{IPAddress: "10.0.0.3"},
			Endpoint: "/api/search",
			Submission: &domain.ChallengeSubmission{
				ChallengeID: c.ID,
				Response: domain.ChallengeResponse{
					Solution: &domain.ProofOfWorkSolution{Nonce: "1", Hash: "ffff"},
				},
			},
		})
		if err != nil {
			t.Fatalf("EvaluateRequest failed: %v", err)
		}
		if d.Verification == nil || d.Verification.Success {
			t.Fatalf("expected failed verification, got %+v", d.Verification)
		}
		if !slices.Contains(d.Flags, FlagChallengeFailed) {
			t.Errorf("expected failure flag, got %v", d.Flags)
		}
		if d.Action != domain.ActionChallenge || d.Challenge.Type != domain.ChallengeProofOfWork {
			t.Errorf("expected a fresh proof of work, got %s %+v", d.Action, d.Challenge)
		}
	})

	t.Run("UnknownChallengeIsIgnored", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, _ := h.orch.EvaluateRequest(ctx, domain.RequestInput{
			Identity:   domain.IdentityContext{UserID: "u-stale"},
			Endpoint:   "/api/search",
			Submission: &domain.ChallengeSubmission{ChallengeID: "missing"},
		})
		if d.Verification == nil || d.Verification.Reason != domain.ReasonNotFound {
			t.Fatalf("expected not found verification, got %+v", d.Verification)
		}
		if doc, _ := h.trust.GetTrustScore(ctx, "u-stale"); doc != nil {
			t.Errorf("stale challenge ids must not move trust, got %+v", doc)
		}
	})
}

func TestEvaluateMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("AutomatedTyping", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, err := h.orch.EvaluateMessage(ctx, domain.MessageInput{
			RequestInput: domain.RequestInput{Identity: domain.IdentityContext{UserID: "bot-1"}},
			Keystrokes:   uniformKeys(120, 180),
		})
		if err != nil {
			t.Fatalf("EvaluateMessage failed: %v", err)
		}
		if d.Typing == nil || !d.Typing.IsSuspicious {
			t.Fatalf("expected suspicious typing, got %+v", d.Typing)
		}
		if !slices.Contains(d.Flags, FlagAutomatedTyping) {
			t.Errorf("expected automated typing flag, got %v", d.Flags)
		}
		if d.Action != domain.ActionChallenge || d.Challenge.Type != domain.ChallengeProofOfWork {
			t.Errorf("expected proof of work for automation, got %s %+v", d.Action, d.Challenge)
		}

		doc, _ := h.trust.GetTrustScore(ctx, "bot-1")
		if doc == nil || len(doc.Signals) != 1 || doc.Signals[0].Type != domain.SignalAutomatedTyping {
			t.Errorf("expected an automation signal, got %+v", doc)
		}
		if p, _ := h.profiles.Get(ctx, "bot-1"); p != nil {
			t.Errorf("automated sessions must not train the profile, got %+v", p)
		}
	})

	t.Run("HumanTypingTrainsProfile", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, err := h.orch.EvaluateMessage(ctx, domain.MessageInput{
			RequestInput: domain.RequestInput{Identity: domain.IdentityContext{UserID: "human-1"}},
			Keystrokes:   humanKeys(120),
		})
		if err != nil {
			t.Fatalf("EvaluateMessage failed: %v", err)
		}
		if d.Typing == nil || d.Typing.IsSuspicious {
			t.Fatalf("expected human typing, got %+v", d.Typing)
		}
		p, _ := h.profiles.Get(ctx, "human-1")
		if p == nil || p.SessionCount != 1 {
			t.Errorf("expected a one-session profile, got %+v", p)
		}
	})

	t.Run("LowQualityIsNotCountable", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, err := h.orch.EvaluateMessage(ctx, domain.MessageInput{
			RequestInput:   domain.RequestInput{Identity: domain.IdentityContext{UserID: "farmer-1"}},
			ConversationID: "c1",
			Messages:       lowEffortDialogue(),
		})
		if err != nil {
			t.Fatalf("EvaluateMessage failed: %v", err)
		}
		if d.Quality == nil || !d.Quality.IsLowQuality {
			t.Fatalf("expected low quality, got %+v", d.Quality)
		}
		if d.Countable {
			t.Error("low quality messages must not be countable")
		}
		if d.Action != domain.ActionAllow {
			t.Errorf("low quality alone should not interrupt, got %s", d.Action)
		}
		if !slices.Contains(d.Flags, FlagLowQuality) {
			t.Errorf("expected low quality flag, got %v", d.Flags)
		}
	})

	t.Run("DefaultEndpoint", func(t *testing.T) {
		h := newHarness(t, domain.DefaultFraudConfig())
		d, _ := h.orch.EvaluateMessage(ctx, domain.MessageInput{
			RequestInput: domain.RequestInput{Identity: domain.IdentityContext{IPAddress: "10.0.0.4"}},
		})
		if d.RateLimit == nil || d.RateLimit.Sensitivity != domain.SensitivityHigh {
			t.Errorf("expected messages to use the HIGH message endpoint, got %+v", d.RateLimit)
		}
	})
}

func TestEvaluateConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.DefaultFraudConfig())
	in := domain.ConnectionInput{Identity: domain.IdentityContext{UserID: "u-ws", IPAddress: "10.0.0.5"}}

	var d *domain.Decision
	for i := 0; i < 10; i++ {
		var err error
		d, err = h.orch.EvaluateConnection(ctx, in)
		if err != nil {
			t.Fatalf("EvaluateConnection failed: %v", err)
		}
		if d.Action == domain.ActionDelay {
			break
		}
	}
	if d.Action != domain.ActionDelay || !slices.Contains(d.Flags, FlagRateLimited) {
		t.Fatalf("expected connection opens to be limited, got %s %v", d.Action, d.Flags)
	}

	// Opens are budgeted per address, not per account.
	other := domain.ConnectionInput{Identity: domain.IdentityContext{UserID: "u-ws", IPAddress: "10.0.0.6"}}
	d, _ = h.orch.EvaluateConnection(ctx, other)
	if d.Action == domain.ActionDelay || d.Action == domain.ActionBlock {
		t.Errorf("expected a fresh budget for a new address, got %s", d.Action)
	}
}

func TestPolicyEscalation(t *testing.T) {
	ctx := context.Background()
	rule := &domain.PolicyRule{
		ID:         "no-search",
		Name:       "Block search",
		Expression: `endpoint == "/api/search"`,
		Bands: []domain.PolicyBand{
			{UpperLimit: ptr(1), Outcome: domain.OutcomeAllow},
			{LowerLimit: ptr(1), Outcome: domain.OutcomeBlock, Reason: "search disabled"},
		},
		Enabled: true,
	}
	h := newHarness(t, domain.DefaultFraudConfig(), rule)
	events := h.events(t)

	d, err := h.orch.EvaluateRequest(ctx, domain.RequestInput{
		Identity: domain.IdentityContext{UserID: "u-policy"},
		Endpoint: "/api/search",
	})
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if d.Action != domain.ActionBlock || d.Reason != "search disabled" {
		t.Fatalf("expected policy block, got %s (%s)", d.Action, d.Reason)
	}
	if len(d.PolicyResults) != 1 || d.PolicyResults[0].RuleID != "no-search" {
		t.Errorf("expected one policy result, got %+v", d.PolicyResults)
	}

	select {
	case ev := <-events:
		if ev.EventType != domain.EventPolicyTriggered || ev.Severity != domain.SeverityHigh {
			t.Errorf("unexpected event type/severity: %s/%s", ev.EventType, ev.Severity)
		}
		if ev.UserID != "u-policy" || ev.Action != domain.ActionBlock || ev.Endpoint != "/api/search" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fraud event on the bus")
	}

	// Other endpoints are untouched by the rule.
	d, _ = h.orch.EvaluateRequest(ctx, domain.RequestInput{
		Identity: domain.IdentityContext{UserID: "u-policy"},
		Endpoint: "/api/characters/abc",
	})
	if d.Action != domain.ActionAllow {
		t.Errorf("expected allow elsewhere, got %s", d.Action)
	}
}

func TestPlainAllowEmitsNothing(t *testing.T) {
	h := newHarness(t, domain.DefaultFraudConfig())
	events := h.events(t)

	_, _ = h.orch.EvaluateRequest(context.Background(), domain.RequestInput{
		Identity: domain.IdentityContext{IPAddress: "10.0.0.8"},
		Endpoint: "/api/search",
	})
	select {
	case ev := <-events:
		t.Errorf("expected no event for a plain allow, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGuard(t *testing.T) {
	v, ok := guard("test", func() int { return 7 })
	if !ok || v != 7 {
		t.Errorf("expected 7, got %d %v", v, ok)
	}

	v, ok = guard("test", func() int { panic("boom") })
	if ok || v != 0 {
		t.Errorf("expected zero value after panic, got %d %v", v, ok)
	}
}

func TestMark(t *testing.T) {
	ev := &evaluation{}
	ev.mark(domain.EventRateLimited, domain.SeverityLow)
	ev.mark(domain.EventBlocked, domain.SeverityHigh)
	ev.mark(domain.EventChallengeIssued, domain.SeverityMedium)
	if ev.eventType != domain.EventBlocked || ev.severity != domain.SeverityHigh {
		t.Errorf("expected most severe event kept, got %s/%s", ev.eventType, ev.severity)
	}
}
