package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/warden/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func blockRule(id, expr string) *domain.PolicyRule {
	return &domain.PolicyRule{
		ID:         id,
		Name:       id,
		Expression: expr,
		Bands: []domain.PolicyBand{
			{LowerLimit: ptr(0), UpperLimit: ptr(1), Outcome: domain.OutcomeAllow, Reason: "ok"},
			{LowerLimit: ptr(1), Outcome: domain.OutcomeBlock, Reason: id + " matched"},
		},
		Enabled: true,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if results := engine.EvaluateAll(context.Background(), &EvaluateInput{}); results != nil {
		t.Errorf("expected no results without rules, got %v", results)
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	t.Run("Valid", func(t *testing.T) {
		if err := engine.LoadRule(blockRule("low-trust", "trust_score < 10")); err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		err := engine.LoadRule(blockRule("broken", "this is not valid CEL !!!"))
		if !domain.IsValidationError(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		err := engine.LoadRule(blockRule("stringy", "tier"))
		if !domain.IsValidationError(err) {
			t.Errorf("expected validation error for string output, got %v", err)
		}
	})

	t.Run("MissingBands", func(t *testing.T) {
		rule := blockRule("no-bands", "failures > 3")
		rule.Bands = nil
		if err := engine.ValidateRule(rule); !domain.IsValidationError(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("UnknownOutcome", func(t *testing.T) {
		rule := blockRule("bad-outcome", "failures > 3")
		rule.Bands[1].Outcome = ".ban"
		if err := engine.ValidateRule(rule); !domain.IsValidationError(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestEvaluate(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()
	ctx := context.Background()

	graded := &domain.PolicyRule{
		ID:         "bot-typing",
		Name:       "Bot typing on sensitive endpoints",
		Expression: `sensitivity in ["HIGH", "CRITICAL"] ? typing_suspicion : 0.0`,
		Bands: []domain.PolicyBand{
			{UpperLimit: ptr(50), Outcome: domain.OutcomeAllow},
			{LowerLimit: ptr(50), UpperLimit: ptr(80), Outcome: domain.OutcomeChallenge, Reason: "suspicious typing"},
			{LowerLimit: ptr(80), Outcome: domain.OutcomeDelay, Reason: "automated typing"},
		},
		Enabled: true,
	}
	if err := engine.LoadRule(graded); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if err := engine.LoadRule(blockRule("flagged-anon", `!authenticated && "low_effort_messages" in flags`)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	tests := []struct {
		name   string
		input  EvaluateInput
		action domain.Action
	}{
		{"Quiet", EvaluateInput{Sensitivity: domain.SensitivityHigh, TypingSuspicion: 10}, domain.ActionAllow},
		{"LowSensitivityIgnored", EvaluateInput{Sensitivity: domain.SensitivityLow, TypingSuspicion: 95}, domain.ActionAllow},
		{"BandLowerInclusive", EvaluateInput{Sensitivity: domain.SensitivityHigh, TypingSuspicion: 50}, domain.ActionChallenge},
		{"UpperBand", EvaluateInput{Sensitivity: domain.SensitivityCritical, TypingSuspicion: 80}, domain.ActionDelay},
		{
			"MostSevereWins",
			EvaluateInput{
				Sensitivity:     domain.SensitivityCritical,
				TypingSuspicion: 90,
				Flags:           []string{domain.FlagLowEffort},
				Identity:        domain.IdentityContext{IPAddress: "10.0.0.1"},
			},
			domain.ActionBlock,
		},
		{
			"AuthenticatedNotBlocked",
			EvaluateInput{Flags: []string{domain.FlagLowEffort}, Identity: domain.IdentityContext{UserID: "u1"}},
			domain.ActionAllow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := engine.EvaluateAll(ctx, &tt.input)
			if len(results) != 2 {
				t.Fatalf("expected 2 results, got %d", len(results))
			}
			if results[0].RuleID != "bot-typing" || results[1].RuleID != "flagged-anon" {
				t.Errorf("expected results ordered by rule id, got %s, %s", results[0].RuleID, results[1].RuleID)
			}
			if action, _ := Decide(results); action != tt.action {
				t.Errorf("expected %s, got %s (%+v)", tt.action, action, results)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	action, reason := Decide([]domain.PolicyResult{
		{RuleID: "a", Outcome: domain.OutcomeError, Reason: "evaluation error"},
		{RuleID: "b", Outcome: domain.OutcomeChallenge, Reason: "b"},
		{RuleID: "c", Outcome: domain.OutcomeAllow},
	})
	if action != domain.ActionChallenge || reason != "b" {
		t.Errorf("expected challenge from b, got %s / %s", action, reason)
	}

	if action, _ := Decide(nil); action != domain.ActionAllow {
		t.Errorf("expected allow for no results, got %s", action)
	}
}

func TestMatchBandDefault(t *testing.T) {
	outcome, reason := matchBand(5, []domain.PolicyBand{{LowerLimit: ptr(10), Outcome: domain.OutcomeBlock}})
	if outcome != domain.OutcomeAllow || reason != "no matching band" {
		t.Errorf("expected default allow, got %s / %s", outcome, reason)
	}
}

type staticSource struct {
	rules []*domain.PolicyRule
	err   error
}

func (s staticSource) ListPolicyRules(context.Context) ([]*domain.PolicyRule, error) {
	return s.rules, s.err
}

func TestReload(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()
	ctx := context.Background()

	disabled := blockRule("disabled", "true")
	disabled.Enabled = false

	err := engine.ReloadFrom(ctx, staticSource{rules: []*domain.PolicyRule{
		blockRule("r2", "failures > 5"),
		blockRule("r1", "trust_score < 5"),
		disabled,
	}})
	if err != nil {
		t.Fatalf("ReloadFrom failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 2 || loaded[0].ID != "r1" || loaded[1].ID != "r2" {
		t.Fatalf("expected r1 and r2 loaded, got %v", loaded)
	}

	t.Run("BadRuleKeepsPreviousSet", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.PolicyRule{blockRule("r3", "nope(")})
		if err == nil {
			t.Fatal("expected compile error")
		}
		if engine.RulesCount() != 2 {
			t.Errorf("expected previous rules to stay loaded, got %d", engine.RulesCount())
		}
	})

	t.Run("SourceError", func(t *testing.T) {
		boom := errors.New("db down")
		if err := engine.ReloadFrom(ctx, staticSource{err: boom}); !errors.Is(err, boom) {
			t.Errorf("expected wrapped source error, got %v", err)
		}
	})
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		if err := engine.LoadRule(blockRule(fmt.Sprintf("rule-%d", i), "failures > 0")); err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
	}

	results := engine.EvaluateAll(context.Background(), &EvaluateInput{Failures: 2})
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Score != 1.0 || r.Outcome != domain.OutcomeBlock {
			t.Errorf("rule %d: expected block with score 1.0, got %s %.2f", i, r.Outcome, r.Score)
		}
	}
}
