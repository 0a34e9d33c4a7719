// Package agent implements the agent registry and the built-in agent
// kinds. Every agent runs the same oracle-driven tool-calling loop;
// kinds differ in their toolsets and in hooks layered around the loop.
package agent

import (
	"context"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// OracleRequest is one conversational turn sent to the decision oracle.
type OracleRequest struct {
	SystemPrompt string
	Messages     []models.ConversationMessage
	Tools        []models.ToolDefinition
	MaxTokens    int
	Temperature  float64
}

// OracleReply is the oracle's answer: free text, tool calls, or both.
type OracleReply struct {
	Content    string
	ToolCalls  []models.ToolCall
	TokensUsed int
}

// DecisionOracle produces replies for agent loops and orchestration
// decisions. Implementations must be safe for concurrent use.
type DecisionOracle interface {
	Decide(ctx context.Context, req OracleRequest) (*OracleReply, error)
}
