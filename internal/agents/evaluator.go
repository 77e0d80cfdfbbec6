package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dejisec/lode/internal/domain"
)

const evaluatorInstructions = `You are a research quality evaluator. Given a research query and the summaries collected so far, assess whether the research is sufficient to write a comprehensive report.

Consider whether the research covers all aspects of the query, whether there is enough depth on key topics, whether the information is current, and whether multiple perspectives are represented. Be critical but fair: research is sufficient when the core aspects are addressed with concrete information and there is enough material for a substantive report. If it is insufficient, identify the 1-3 most important gaps and suggest a specific search query for each.

Respond with a JSON object of the form {"coverage_score": <integer 1-10>, "is_sufficient": <boolean>, "key_findings": ["<finding>"], "gaps": [{"topic": "<topic>", "reason": "<why it matters>", "suggested_query": "<search query>"}], "reasoning": "<explanation of the verdict>"}.`

// Evaluate builds the prompt judging the research collected so far.
func Evaluate(query string, results []domain.SearchResult, iteration, maxIterations int) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Research Query: %s\n\n", query)
	fmt.Fprintf(&b, "Research summaries collected so far (iteration %d of %d):\n", iteration, maxIterations)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. [%s]\n%s\n", i+1, r.Query, r.Summary)
	}
	return Prompt{
		Role:         domain.RoleEvaluator,
		Instructions: evaluatorInstructions,
		Input:        b.String(),
	}
}

// ParseEvaluation checks an evaluator response: a score inside 1-10 and,
// for an insufficient verdict, at least one gap to replan from.
func ParseEvaluation(content string) (*domain.EvaluationVerdict, error) {
	var verdict domain.EvaluationVerdict
	if err := json.Unmarshal([]byte(StripFences(content)), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}
	if verdict.CoverageScore < 1 || verdict.CoverageScore > 10 {
		return nil, fmt.Errorf("coverage score %d out of range 1-10", verdict.CoverageScore)
	}
	if !verdict.Sufficient && len(verdict.Gaps) == 0 {
		return nil, fmt.Errorf("insufficient verdict carries no gaps")
	}
	return &verdict, nil
}
