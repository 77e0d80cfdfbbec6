package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dejisec/lode/internal/domain"
)

const writerInstructions = `You are a senior researcher tasked with writing a cohesive report for a research query. You will be provided with the original query and summarized research gathered by an assistant. First work out an outline that describes the structure and flow of the report, then generate the report. The report must be in markdown format, lengthy and detailed, at least 1000 words.

Respond with a JSON object of the form {"short_summary": "<2-3 sentence summary of the findings>", "markdown_report": "<the full report in markdown>", "follow_up_questions": ["<suggested topic to research further>"]}.`

// Write builds the final report prompt from the query and everything the
// research produced.
func Write(query string, findings []string, results []domain.SearchResult) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", query)
	if len(findings) > 0 {
		b.WriteString("\nKey findings:\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nSummarized search results:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. [%s]\n%s\n", i+1, r.Query, r.Summary)
	}
	return Prompt{
		Role:         domain.RoleWriter,
		Instructions: writerInstructions,
		Input:        b.String(),
	}
}

// ParseReport checks a writer response: the markdown report must not be
// empty.
func ParseReport(content string) (*domain.Report, error) {
	var report domain.Report
	if err := json.Unmarshal([]byte(StripFences(content)), &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if strings.TrimSpace(report.Markdown) == "" {
		return nil, fmt.Errorf("markdown report is empty")
	}
	return &report, nil
}
