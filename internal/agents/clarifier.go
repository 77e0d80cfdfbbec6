package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dejisec/lode/internal/domain"
)

const clarifierInstructions = `You are a research assistant helping to sharpen a user's query before research begins. Given a query, generate exactly 3 clarifying questions that would help you understand what the user is looking for.

Your questions should narrow the scope or focus of the research, clarify ambiguous terms, and surface the user's goals or constraints.

Respond with a JSON object of the form {"questions": [{"label": "<brief 2-4 word label>", "question": "<the full question>"}]} containing exactly 3 questions.`

// Clarify builds the clarifying-questions prompt for a query.
func Clarify(query string) Prompt {
	return Prompt{
		Role:         domain.RoleClarifier,
		Instructions: clarifierInstructions,
		Input:        "Query: " + query,
	}
}

// ParseClarifyingQuestions checks a clarifier response: exactly three
// questions, none empty.
func ParseClarifyingQuestions(content string) ([]domain.ClarifyingQuestion, error) {
	var parsed struct {
		Questions []domain.ClarifyingQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(StripFences(content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse clarifier response: %w", err)
	}
	if len(parsed.Questions) != 3 {
		return nil, fmt.Errorf("expected exactly 3 clarifying questions, got %d", len(parsed.Questions))
	}
	for i, q := range parsed.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("clarifying question %d is empty", i+1)
		}
	}
	return parsed.Questions, nil
}
