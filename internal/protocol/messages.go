// Package protocol defines the newline-delimited JSON message protocol
// between the controller and the engine process. The same encoding is used
// for the per-run event journal and the serve stream, so any ordered byte
// stream can carry it.
package protocol

import "github.com/dejisec/lode/internal/domain"

// Version is the protocol version accepted in request messages.
const Version = "v1"

// Message types from controller to engine.
const (
	TypeRequest   = "request"
	TypeAnswers   = "answers"
	TypeInterrupt = "interrupt"
)

// Message types from engine to controller.
const (
	TypeRunStarted          = "run_started"
	TypeStageStarted        = "stage_started"
	TypeStageCompleted      = "stage_completed"
	TypeStageFailed         = "stage_failed"
	TypeClarifyingQuestions = "clarifying_questions"
	TypeDecision            = "decision"
	TypeMetadata            = "metadata"
	TypeRunCompleted        = "run_completed"
	TypeRunFailed           = "run_failed"
	TypeRunCancelled        = "run_cancelled"
)

// Interrupt commands.
const (
	CommandForceWrite = "force_write"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type    string `json:"type"`
	Ts      int64  `json:"ts,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// RequestMessage is the first line the controller writes to the engine.
type RequestMessage struct {
	BaseMessage
	Version string           `json:"version"`
	Query   string           `json:"query"`
	Config  domain.RunConfig `json:"config"`
}

// AnswersMessage carries the user's replies to the clarifying questions.
type AnswersMessage struct {
	BaseMessage
	Answers []string `json:"answers"`
}

// InterruptMessage asks the engine to change course mid-run.
type InterruptMessage struct {
	BaseMessage
	Command string `json:"command"`
}

// RunStartedMessage announces the engine-generated run identifier and the
// normalized configuration snapshot.
type RunStartedMessage struct {
	BaseMessage
	Query  string           `json:"query"`
	Config domain.RunConfig `json:"config"`
}

// StageStartedMessage marks the dispatch of one agent invocation.
type StageStartedMessage struct {
	BaseMessage
	Seq  int              `json:"seq"`
	Role domain.StageRole `json:"role"`
}

// StageCompletedMessage marks a durably recorded, successful stage.
type StageCompletedMessage struct {
	BaseMessage
	Seq        int              `json:"seq"`
	Role       domain.StageRole `json:"role"`
	Summary    string           `json:"summary,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Retries    int              `json:"retries"`
}

// StageFailedMessage marks a durably recorded, failed stage.
type StageFailedMessage struct {
	BaseMessage
	Seq       int              `json:"seq"`
	Role      domain.StageRole `json:"role"`
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
}

// ClarifyingQuestionsMessage carries the clarifier's questions to the
// controller, which replies with an AnswersMessage.
type ClarifyingQuestionsMessage struct {
	BaseMessage
	Seq       int                         `json:"seq"`
	Questions []domain.ClarifyingQuestion `json:"questions"`
}

// DecisionMessage reports the evaluating-exit decision for one iteration.
type DecisionMessage struct {
	BaseMessage
	Action              string `json:"action"`
	Reason              string `json:"reason"`
	Iteration           int    `json:"iteration"`
	RemainingIterations int    `json:"remaining_iterations"`
}

// MetadataMessage reports run totals just before the terminal event.
type MetadataMessage struct {
	BaseMessage
	Stages      int   `json:"stages"`
	TotalTokens int   `json:"total_tokens"`
	DurationMs  int64 `json:"duration_ms"`
	Degraded    bool  `json:"degraded"`
}

// RunCompletedMessage is the terminal event of a successful run.
type RunCompletedMessage struct {
	BaseMessage
	ReportRef string `json:"report_ref"`
	Degraded  bool   `json:"degraded"`
}

// RunFailedMessage is the terminal event of a failed run.
type RunFailedMessage struct {
	BaseMessage
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
}

// RunCancelledMessage is the terminal event of a cancelled run.
type RunCancelledMessage struct {
	BaseMessage
}
