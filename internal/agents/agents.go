// Package agents defines the prompt contracts for the five research roles
// and the parsers that hold provider responses to them. Every role replies
// with a single JSON object; parsers reject replies that break the role's
// contract so the gateway can attempt a repair.
package agents

import (
	"strings"

	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/gateway"
)

// Prompt is one ready-to-send stage invocation. Input is the user-visible
// prompt text that gets persisted alongside the stage record.
type Prompt struct {
	Role         domain.StageRole
	Instructions string
	Input        string
}

// Messages assembles the conversation for the gateway.
func (p Prompt) Messages() []gateway.ChatMessage {
	return []gateway.ChatMessage{
		{Role: "system", Content: p.Instructions},
		{Role: "user", Content: p.Input},
	}
}

// StripFences unwraps a markdown code fence around a JSON payload. Models
// occasionally fence their reply even in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
