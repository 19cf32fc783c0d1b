package domain

// PolicyRule is an operator-defined CEL rule evaluated by the orchestrator
// after the built-in checks. The expression yields a number (or a bool,
// read as 1/0) that bands map to an action.
type PolicyRule struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression" validate:"required"`

	// Outcome bands for score-to-action mapping
	Bands []PolicyBand `json:"bands" validate:"required,min=1,dive"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// PolicyBand maps a score range [lower, upper) to an outcome.
type PolicyBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Outcome    string   `json:"outcome" validate:"required,oneof=.allow .challenge .delay .block"`
	Reason     string   `json:"reason"`
}

// PolicyResult is the output of a rule evaluation.
type PolicyResult struct {
	RuleID    string  `json:"ruleId"`
	Outcome   string  `json:"outcome"` // ".allow", ".challenge", ".delay", ".block", ".err"
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	ProcessMs int64   `json:"processMs"`
}

// Predefined policy outcomes
const (
	OutcomeAllow     = ".allow"
	OutcomeChallenge = ".challenge"
	OutcomeDelay     = ".delay"
	OutcomeBlock     = ".block"
	OutcomeError     = ".err"
)

// OutcomeAction maps a band outcome to an action. Errors map to allow.
func OutcomeAction(outcome string) Action {
	switch outcome {
	case OutcomeChallenge:
		return ActionChallenge
	case OutcomeDelay:
		return ActionDelay
	case OutcomeBlock:
		return ActionBlock
	default:
		return ActionAllow
	}
}
