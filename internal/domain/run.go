package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run represents one research session from query to report or failure.
type Run struct {
	RunID         string     `json:"run_id"`
	Query         string     `json:"query"`
	ResolvedQuery string     `json:"resolved_query,omitempty"`
	Config        RunConfig  `json:"config"`
	Status        RunStatus  `json:"status"`
	Degraded      bool       `json:"degraded,omitempty"`
	Iterations    int        `json:"iterations"`
	TotalTokens   int        `json:"total_tokens"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// StageRecord captures one agent invocation within a run. Sequence numbers
// are assigned by the artifact store, 1-based and strictly increasing. The
// input prompt is persisted as its own artifact, not inside the record file.
type StageRecord struct {
	Seq        int             `json:"seq"`
	Role       StageRole       `json:"role"`
	Input      string          `json:"-"`
	Output     json.RawMessage `json:"output,omitempty"`
	Failure    *StageFailure   `json:"failure,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Retries    int             `json:"retries"`
	Usage      TokenUsage      `json:"token_usage"`
}

// StageFailure is the persisted form of a stage that did not produce output.
type StageFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// TokenUsage accumulates provider token counts for a stage or a whole run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// RunMetadata is the run-level summary persisted at finalize time.
type RunMetadata struct {
	RunID       string    `json:"run_id"`
	Query       string    `json:"query"`
	Model       string    `json:"model"`
	Status      RunStatus `json:"status"`
	Degraded    bool      `json:"degraded"`
	Iterations  int       `json:"iterations"`
	Stages      int       `json:"stages"`
	TotalTokens int       `json:"total_tokens"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// NewRunID returns a run identifier unique across concurrent runs:
// a UTC timestamp plus a random suffix.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8]
}

// NewEventID returns a short unique identifier for a journaled event.
func NewEventID() string {
	return "evt_" + uuid.New().String()[:8]
}
