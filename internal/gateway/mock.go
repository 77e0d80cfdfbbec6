package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dejisec/lode/internal/domain"
)

// MockGateway returns canned per-role responses without any network calls.
// Useful for local development and tests.
type MockGateway struct{}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Invoke generates a deterministic response for the requested role and runs
// it through the same validation as a real provider response.
func (m *MockGateway) Invoke(ctx context.Context, req Request, validate ValidateFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Kind: domain.ErrKindCancelled, Role: req.Role, Attempts: 0, Err: err}
	}

	content := m.generateResponse(req)
	if validate != nil {
		if err := validate(content); err != nil {
			return nil, &Failure{Kind: domain.ErrKindInvalidResponse, Role: req.Role, Attempts: 1, Err: err}
		}
	}

	return &Result{
		Content: content,
		Usage: domain.TokenUsage{
			PromptTokens:     estimateTokens(messagesText(req.Messages)),
			CompletionTokens: estimateTokens(content),
			TotalTokens:      estimateTokens(messagesText(req.Messages)) + estimateTokens(content),
		},
		Attempts: 1,
	}, nil
}

func (m *MockGateway) generateResponse(req Request) string {
	subject := truncate(lastUserMessage(req.Messages), 60)

	switch req.Role {
	case domain.RoleClarifier:
		return mustJSON(map[string]interface{}{
			"questions": []domain.ClarifyingQuestion{
				{Label: "Scope", Question: "Which aspects matter most to you?"},
				{Label: "Depth", Question: "Do you want a broad overview or a deep dive?"},
				{Label: "Audience", Question: "Who is the report for?"},
			},
		})
	case domain.RolePlanner:
		return mustJSON(domain.SearchPlan{
			Searches: []domain.SearchItem{
				{Query: subject + " overview", Reason: "Establish baseline context"},
				{Query: subject + " recent developments", Reason: "Capture current state"},
				{Query: subject + " criticism", Reason: "Surface opposing views"},
			},
		})
	case domain.RoleSearcher:
		return mustJSON(domain.SearchResult{
			Summary: fmt.Sprintf("Mock findings for %q: the topic is well covered by multiple sources.", subject),
			Citations: []domain.Citation{
				{Title: "Example source", URL: "https://example.com/source"},
			},
		})
	case domain.RoleEvaluator:
		return mustJSON(domain.EvaluationVerdict{
			CoverageScore: 8,
			Sufficient:    true,
			KeyFindings:   []string{"Mock finding one", "Mock finding two"},
			Reasoning:     "Mock evaluation judged the findings sufficient.",
		})
	case domain.RoleWriter:
		return mustJSON(domain.Report{
			ShortSummary:      fmt.Sprintf("Mock report on %q.", subject),
			Markdown:          fmt.Sprintf("# Research Report\n\nThis is a mock report on %q.\n\n## Findings\n\n- Mock finding one\n- Mock finding two\n", subject),
			FollowUpQuestions: []string{"What should be explored next?"},
		})
	default:
		return mustJSON(map[string]string{"response": "Mock response to: " + subject})
	}
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func messagesText(messages []ChatMessage) string {
	var total string
	for _, m := range messages {
		total += m.Content
	}
	return total
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// estimateTokens approximates token count as length/4.
func estimateTokens(s string) int {
	return len(s) / 4
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
