// Package policy provides the CEL-based override rules evaluated after the
// built-in fraud checks.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/warden/internal/domain"
)

// Engine is the CEL-based policy evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	validate      *validator.Validate
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.PolicyRule
	Program cel.Program
}

// RuleSource lists the stored policy rules. The repository satisfies it.
type RuleSource interface {
	ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error)
}

// NewEngine creates a new policy engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Variables exposed to policy expressions
	env, err := cel.NewEnv(
		cel.Variable("trust_score", cel.IntType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("sensitivity", cel.StringType),
		cel.Variable("failures", cel.IntType),
		cel.Variable("typing_suspicion", cel.DoubleType),
		cel.Variable("quality_score", cel.DoubleType),
		cel.Variable("rate_remaining_ratio", cel.DoubleType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("authenticated", cel.BoolType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		validate:      validator.New(),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule validates and compiles a rule without mutating loaded rules.
func (e *Engine) ValidateRule(rule *domain.PolicyRule) error {
	if rule == nil {
		return domain.NewValidationError("rule", "rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiledRules[rule.ID] = compiled

	return nil
}

// EvaluateInput holds the signals a policy can see.
type EvaluateInput struct {
	TrustScore         int
	Tier               domain.TrustTier
	Sensitivity        domain.EndpointSensitivity
	Failures           int64
	TypingSuspicion    float64
	QualityScore       float64
	RateRemainingRatio float64
	Endpoint           string
	Method             string
	Identity           domain.IdentityContext
	Flags              []string
}

func (in *EvaluateInput) activation() map[string]any {
	flags := in.Flags
	if flags == nil {
		flags = []string{}
	}
	return map[string]any{
		"trust_score":          int64(in.TrustScore),
		"tier":                 in.Tier.String(),
		"sensitivity":          string(in.Sensitivity),
		"failures":             in.Failures,
		"typing_suspicion":     in.TypingSuspicion,
		"quality_score":        in.QualityScore,
		"rate_remaining_ratio": in.RateRemainingRatio,
		"endpoint":             in.Endpoint,
		"method":               in.Method,
		"ip":                   in.Identity.IPAddress,
		"user_id":              in.Identity.UserID,
		"authenticated":        in.Identity.IsAuthenticated(),
		"flags":                flags,
	}
}

// EvaluateAll evaluates all loaded rules in parallel. Results are ordered by
// rule id.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) []domain.PolicyResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := input.activation()

	// Parallel evaluation using worker pool pattern
	results := make([]domain.PolicyResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()

	return results
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.PolicyResult {
	start := time.Now()

	result := domain.PolicyResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Outcome = domain.OutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		slog.Warn("policy evaluation failed", "ruleId", rule.Config.ID, "error", err)
		return result
	}

	result.Score = toScore(out)
	result.Outcome, result.Reason = matchBand(result.Score, rule.Config.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// Decide folds policy results into the most severe action. Errored rules
// never escalate.
func Decide(results []domain.PolicyResult) (domain.Action, string) {
	action, reason := domain.ActionAllow, ""
	for _, r := range results {
		a := domain.OutcomeAction(r.Outcome)
		if a.Severity() > action.Severity() {
			action, reason = a, r.Reason
		}
	}
	return action, reason
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score.
// Bands are evaluated in order, lower inclusive and upper exclusive. A nil
// upper bound means no upper limit.
func matchBand(score float64, bands []domain.PolicyBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Outcome, band.Reason
		}
	}

	// Default to allow if no band matches
	return domain.OutcomeAllow, "no matching band"
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules replaces the loaded rules atomically. Disabled rules are
// skipped. On error the previous rule set stays active.
func (e *Engine) ReloadRules(rules []*domain.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// ReloadFrom hot-reloads the rule set from source.
func (e *Engine) ReloadFrom(ctx context.Context, source RuleSource) error {
	rules, err := source.ListPolicyRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policy rules: %w", err)
	}
	if err := e.ReloadRules(rules); err != nil {
		return err
	}
	slog.Info("policy rules reloaded", "count", e.RulesCount())
	return nil
}

// GetLoadedRules returns the currently loaded rules ordered by id.
func (e *Engine) GetLoadedRules() []*domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.PolicyRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.PolicyRule) (*CompiledRule, error) {
	if err := e.validate.Struct(rule); err != nil {
		return nil, domain.NewValidationError("rule", err.Error())
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, domain.NewValidationError("expression", fmt.Sprintf("failed to compile rule %s: %v", rule.ID, issues.Err()))
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, domain.NewValidationError("expression", fmt.Sprintf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType))
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Config:  rule,
		Program: program,
	}, nil
}
