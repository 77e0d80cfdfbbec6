package domain

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a terminal state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StageRole identifies which agent role a stage invoked.
type StageRole string

const (
	RoleClarifier StageRole = "clarifier"
	RolePlanner   StageRole = "planner"
	RoleSearcher  StageRole = "searcher"
	RoleEvaluator StageRole = "evaluator"
	RoleWriter    StageRole = "writer"
)

// ErrorKind classifies failures across the gateway, store, and engine.
type ErrorKind string

const (
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindProviderError    ErrorKind = "provider_error"
	ErrKindInvalidResponse  ErrorKind = "invalid_response"
	ErrKindNoUsableResults  ErrorKind = "no_usable_results"
	ErrKindPersistenceError ErrorKind = "persistence_error"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindInvalidRequest   ErrorKind = "invalid_request"
)

// Retryable reports whether the gateway may retry a failure of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindProviderError:
		return true
	}
	return false
}
