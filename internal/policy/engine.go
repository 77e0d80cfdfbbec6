// Package policy decides the Evaluating exit of the research loop with an
// OPA rego policy. The default policy writes when the evaluator is satisfied
// or the loop budget is spent, and replans otherwise; a policy file can
// replace it. The engine owns the iteration bound regardless of what a
// policy returns.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Actions a decision evaluation can produce.
const (
	ActionWrite  = "write"
	ActionReplan = "replan"
)

// DecisionInput is what the policy sees after each evaluation stage.
type DecisionInput struct {
	Sufficient    bool
	CoverageScore int
	Iteration     int
	MaxIterations int
	GapCount      int
	ForceWrite    bool
}

// Engine is the prepared decision policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.research_policy.decision"),
		rego.Module("research_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load builds an engine from a policy file, or from the default policy when
// path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Decide evaluates the policy for one loop decision.
func (e *Engine) Decide(ctx context.Context, in DecisionInput) (string, error) {
	input := map[string]interface{}{
		"sufficient":     in.Sufficient,
		"coverage_score": in.CoverageScore,
		"iteration":      in.Iteration,
		"max_iterations": in.MaxIterations,
		"gap_count":      in.GapCount,
		"force_write":    in.ForceWrite,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return ActionWrite, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned a non-string decision")
}

// DefaultPolicy is the default decision policy content.
const DefaultPolicy = `
package research_policy

import rego.v1

default decision := "replan"

decision := "write" if input.force_write

decision := "write" if input.sufficient

decision := "write" if input.iteration >= input.max_iterations

decision := "write" if input.gap_count == 0
`
