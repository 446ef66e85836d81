package domain

import "context"

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine record progression and quality scoring.
const (
	// SeverityHard marks a validation failure that excludes the record from
	// resolution and commit.
	SeverityHard Severity = "hard"
	// SeverityFlag marks a soft finding that feeds quality scoring but does
	// not halt the record.
	SeverityFlag Severity = "flag"
)

// Violation reports a failed rule evaluation against one canonical field.
type Violation struct {
	Rule     string
	Severity Severity
	Field    CanonicalField
	Message  string
}

// Result aggregates violations from the rule engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasHard returns true if the result contains hard validation failures.
func (r Result) HasHard() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityHard {
			return true
		}
	}
	return false
}

// FieldErrors converts hard violations into the persisted error shape.
func (r Result) FieldErrors() []FieldError {
	var out []FieldError
	for _, v := range r.Violations {
		if v.Severity != SeverityHard {
			continue
		}
		out = append(out, FieldError{Field: v.Field, Rule: v.Rule, Message: v.Message})
	}
	return out
}

// Rule defines one validation check executed against a mapped record.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, fields map[CanonicalField]FieldValue) (Result, error)
}

// RuleEngine orchestrates rule evaluation over a record's canonical fields.
type RuleEngine struct {
	rules []Rule
}

// NewRuleEngine constructs an engine instance.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

// Register appends a rule to the engine.
func (e *RuleEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in registration order.
func (e *RuleEngine) Rules() []Rule {
	return e.rules
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RuleEngine) Evaluate(ctx context.Context, fields map[CanonicalField]FieldValue) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, fields)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
