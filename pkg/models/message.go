package models

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolDefinition describes a tool offered to the decision oracle.
// ParametersSchema is a JSON-Schema document serialized as a string.
type ToolDefinition struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ParametersSchema string `json:"parameters_schema"`
}

// ToolCall is a single tool invocation requested by the oracle.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	ToolCallID    string `json:"tool_call_id"`
	Output        string `json:"output"`
	IsError       bool   `json:"is_error"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"execution_time_ms,omitempty"`
}

// ConversationMessage is one turn in an agent conversation. Tool results
// are attached to a user-role message whose ToolResults mirror the
// originating assistant ToolCalls.
type ConversationMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// CloneMessages deep-copies a message slice for checkpoint snapshots.
func CloneMessages(msgs []ConversationMessage) []ConversationMessage {
	if msgs == nil {
		return nil
	}
	out := make([]ConversationMessage, len(msgs))
	for i, m := range msgs {
		cp := m
		if m.ToolCalls != nil {
			cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				tcc := tc
				if tc.Input != nil {
					tcc.Input = make(map[string]any, len(tc.Input))
					for k, v := range tc.Input {
						tcc.Input[k] = v
					}
				}
				cp.ToolCalls[j] = tcc
			}
		}
		if m.ToolResults != nil {
			cp.ToolResults = append([]ToolResult(nil), m.ToolResults...)
		}
		out[i] = cp
	}
	return out
}
