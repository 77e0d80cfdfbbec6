// Package gateway invokes the agent roles through an OpenAI-compatible
// chat-completions provider. It owns timeouts, retries with backoff, and the
// single repair retry for structurally invalid responses; callers see either
// a validated result or a typed Failure.
package gateway

import (
	"context"
	"time"

	"github.com/dejisec/lode/internal/domain"
)

// Request is one agent invocation.
type Request struct {
	Role     domain.StageRole
	Messages []ChatMessage
	// Timeout bounds a single attempt. Zero means the client default.
	Timeout time.Duration
}

// Result is a validated agent response.
type Result struct {
	Content string
	Usage   domain.TokenUsage
	// Attempts counts every provider call made, including backoff retries
	// and the repair retry. Stage retry counts are Attempts-1.
	Attempts int
}

// ValidateFunc checks a raw response against the role's structural
// contract. A non-nil error marks the response invalid and triggers the one
// repair retry.
type ValidateFunc func(content string) error

// Gateway is the uniform capability interface the engine drives roles with.
type Gateway interface {
	Invoke(ctx context.Context, req Request, validate ValidateFunc) (*Result, error)
}

// Ensure implementations satisfy Gateway.
var (
	_ Gateway = (*Client)(nil)
	_ Gateway = (*MockGateway)(nil)
)
