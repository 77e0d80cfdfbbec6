package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dejisec/lode/internal/domain"
)

const searcherInstructions = `You are a research assistant. Given a search term, you search the web for that term and produce a concise summary of the results. The summary must be 2-3 paragraphs and less than 300 words. Capture the main points; write succinctly, complete sentences are not required. The summary is consumed by someone synthesizing a report, so capture the essence and ignore fluff. Do not add commentary beyond the summary itself.

Respond with a JSON object of the form {"summary": "<the summary>", "citations": [{"title": "<source title>", "url": "<source url>"}]}. Citations may be empty.`

// Search builds the prompt for one planned search.
func Search(item domain.SearchItem) Prompt {
	return Prompt{
		Role:         domain.RoleSearcher,
		Instructions: searcherInstructions,
		Input:        fmt.Sprintf("Search term: %s\nReason for searching: %s", item.Query, item.Reason),
	}
}

// ParseSearchResult checks a searcher response: a non-empty summary,
// citations optional.
func ParseSearchResult(content string) (*domain.SearchResult, error) {
	var result domain.SearchResult
	if err := json.Unmarshal([]byte(StripFences(content)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse search result: %w", err)
	}
	if strings.TrimSpace(result.Summary) == "" {
		return nil, fmt.Errorf("search summary is empty")
	}
	return &result, nil
}
