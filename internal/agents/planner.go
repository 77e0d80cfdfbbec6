package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dejisec/lode/internal/domain"
)

const plannerInstructionsFmt = `You are a helpful research assistant. Given a query, come up with a set of web searches to perform to best answer the query. Output %d terms to query for.

Respond with a JSON object of the form {"searches": [{"query": "<search term>", "reason": "<why this search matters for the query>"}]}.`

// PlanContext carries everything the planner sees beyond the raw query.
type PlanContext struct {
	SearchCount int
	Answers     []string
	// Findings and Gaps are set when the plan is a gap-filling revision
	// after an insufficient evaluation.
	Findings []string
	Gaps     []domain.Gap
}

// Plan builds the search-plan prompt for a query, folding in clarifying
// answers and, on later iterations, the previous evaluation.
func Plan(query string, pc PlanContext) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Research Query: %s\n", query)

	answered := false
	for _, a := range pc.Answers {
		if strings.TrimSpace(a) == "" {
			continue
		}
		if !answered {
			b.WriteString("\nUser provided additional context:\n")
			answered = true
		}
		fmt.Fprintf(&b, "- %s\n", a)
	}

	if len(pc.Gaps) > 0 {
		if len(pc.Findings) > 0 {
			b.WriteString("\nKey findings from previous searches:\n")
			for _, f := range pc.Findings {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
		b.WriteString("\nThe evaluation found these gaps; plan searches that fill them:\n")
		for _, g := range pc.Gaps {
			fmt.Fprintf(&b, "- %s: %s (suggested query: %s)\n", g.Topic, g.Reason, g.SuggestedQuery)
		}
	}

	return Prompt{
		Role:         domain.RolePlanner,
		Instructions: fmt.Sprintf(plannerInstructionsFmt, pc.SearchCount),
		Input:        b.String(),
	}
}

// ParseSearchPlan checks a planner response: at least one search, every
// query non-empty.
func ParseSearchPlan(content string) (*domain.SearchPlan, error) {
	var plan domain.SearchPlan
	if err := json.Unmarshal([]byte(StripFences(content)), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse search plan: %w", err)
	}
	if len(plan.Searches) == 0 {
		return nil, fmt.Errorf("search plan is empty")
	}
	for i, s := range plan.Searches {
		if strings.TrimSpace(s.Query) == "" {
			return nil, fmt.Errorf("search %d has an empty query", i+1)
		}
	}
	return &plan, nil
}
