package models

import "fmt"

// ErrorCode classifies task-level failures. Codes, not Go types, cross the
// API boundary so callers can switch on them.
type ErrorCode string

const (
	ErrCodeValidation       ErrorCode = "VALIDATION"
	ErrCodeAgentError       ErrorCode = "AGENT_ERROR"
	ErrCodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeAgentBusy        ErrorCode = "AGENT_BUSY"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeMaxDepthExceeded ErrorCode = "MAX_DEPTH_EXCEEDED"
	ErrCodeNoSubTasks       ErrorCode = "NO_SUBTASKS"
	ErrCodeToolTimeout      ErrorCode = "TOOL_TIMEOUT"
	ErrCodeToolHandler      ErrorCode = "TOOL_HANDLER_ERROR"
	ErrCodeStorage          ErrorCode = "STORAGE_ERROR"
	ErrCodeCancelled        ErrorCode = "CANCELLED"
	ErrCodeDryRunBlocked    ErrorCode = "DRY_RUN_BLOCKED"
	ErrCodeMaxSteps         ErrorCode = "EXCEEDED_MAX_STEPS"
	ErrCodeSkipped          ErrorCode = "SKIPPED"
)

// TaskError is the structured, user-visible failure payload carried in
// TaskResult.Errors.
type TaskError struct {
	Code        ErrorCode         `json:"code"`
	Message     string            `json:"message"`
	Recoverable bool              `json:"recoverable"`
	Suggestion  string            `json:"suggestion,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Error implements the error interface.
func (e TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTaskError builds a TaskError with the given code and formatted message.
func NewTaskError(code ErrorCode, recoverable bool, format string, args ...any) TaskError {
	return TaskError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable,
	}
}

// FailedResult wraps a single error into a failed TaskResult.
func FailedResult(err TaskError) *TaskResult {
	return &TaskResult{Success: false, Errors: []TaskError{err}}
}
