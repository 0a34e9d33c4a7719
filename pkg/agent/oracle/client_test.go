package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("CONDUCTOR_TEST_ORACLE_KEY", "secret-key")
	return NewClient(config.OracleConfig{
		BaseURL:     srv.URL,
		APIKeyEnv:   "CONDUCTOR_TEST_ORACLE_KEY",
		Model:       "gpt-4o",
		MaxTokens:   1024,
		Temperature: 0.2,
		TimeoutMs:   5000,
	})
}

func TestDecideParsesTextReply(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "the answer is 42"}},
			},
			"usage": map[string]any{"total_tokens": 77},
		})
	})

	reply, err := client.Decide(context.Background(), agent.OracleRequest{
		SystemPrompt: "you are helpful",
		Messages: []models.ConversationMessage{
			{Role: models.RoleUser, Content: "what is the answer?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", reply.Content)
	assert.Empty(t, reply.ToolCalls)
	assert.Equal(t, 77, reply.TokensUsed)

	assert.Equal(t, "gpt-4o", captured["model"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestDecideParsesToolCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "read_file",
								"arguments": `{"path":"main.go"}`,
							},
						},
					},
				}},
			},
		})
	})

	reply, err := client.Decide(context.Background(), agent.OracleRequest{
		Messages: []models.ConversationMessage{{Role: models.RoleUser, Content: "read it"}},
		Tools: []models.ToolDefinition{
			{Name: "read_file", Description: "read", ParametersSchema: `{"type":"object"}`},
		},
	})
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "read_file", reply.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, reply.ToolCalls[0].Input)
}

func TestDecideSendsToolResultsAsToolMessages(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "done"}},
			},
		})
	})

	_, err := client.Decide(context.Background(), agent.OracleRequest{
		Messages: []models.ConversationMessage{
			{Role: models.RoleUser, Content: "read it"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "main.go"}},
			}},
			{Role: models.RoleUser, ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Output: "package main"},
			}},
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 3)
	toolMsg := msgs[2].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "package main", toolMsg["content"])

	assistant := msgs[1].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 1)
}

func TestDecideHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.Decide(context.Background(), agent.OracleRequest{
		Messages: []models.ConversationMessage{{Role: models.RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDecideAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key"},
		})
	})

	_, err := client.Decide(context.Background(), agent.OracleRequest{
		Messages: []models.ConversationMessage{{Role: models.RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}
