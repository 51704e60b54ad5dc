package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagen-run/metagen-core/internal/agentcore"
	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/llmclient/mockllm"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
)

func openStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(memory.Config{Path: ":memory:"}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(t *testing.T, ch <-chan stream.Message) []stream.Message {
	t.Helper()
	var out []stream.Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestRouter_ExecuteTask_UnknownTaskYieldsExecutionError(t *testing.T) {
	store := openStore(t)
	tools := tooling.New(nil)
	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{ID: "call-1", Name: "execute_task", Input: json.RawMessage(`{"task_id":"does-not-exist","input_values":{}}`)}},
		mockllm.Turn{Text: "sorry, that task doesn't exist"},
	)

	rt := New(store, tools, llm, Config{Model: "claude-test", Loop: toolloop.DefaultConfig()})
	msgs := drain(t, rt.ChatStream(context.Background(), "session-1", "run task X"))

	var sawExecErr bool
	for _, m := range msgs {
		if m.Kind == stream.KindToolError && m.ToolName == "execute_task" {
			sawExecErr = true
			assert.Equal(t, string(tooling.ErrorExecution), m.ErrorType)
		}
	}
	assert.True(t, sawExecErr, "expected a ToolErrorMessage for the unknown task_id")

	last := msgs[len(msgs)-1]
	assert.Equal(t, stream.KindAgent, last.Kind)
	assert.True(t, last.Final)
}

func TestRouter_ExecuteTask_EndToEnd(t *testing.T) {
	store := openStore(t)
	tools := tooling.New(nil)

	// Stub Meta-LLM for the first session: one turn issues create_task,
	// the next finalizes. execute_task is driven below through a second
	// Router with its own stub.
	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{
			ID: "call-create", Name: "create_task",
			Input: json.RawMessage(`{"name":"Echo","description":"echoes a message","instructions":"Echo back: {message}","input_schema":[{"name":"message","type":"string","required":true}]}`),
		}},
		mockllm.Turn{Text: "created the Echo task"},
	)
	rt := New(store, tools, llm, Config{Model: "claude-test", Loop: toolloop.DefaultConfig()})

	msgs := drain(t, rt.ChatStream(context.Background(), "session-1", "create an Echo task"))
	require.NotEmpty(t, msgs)

	var taskID string
	for _, m := range msgs {
		if m.Kind == stream.KindToolResult && m.ToolName == "create_task" {
			var payload struct {
				TaskID string `json:"task_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(m.Result), &payload))
			taskID = payload.TaskID
		}
	}
	require.NotEmpty(t, taskID, "expected create_task to return a task_id")

	// Now drive execute_task for that task; the Task-agent's stub LLM
	// replies with a final AgentMessage the Router must fold into the
	// synthesized ToolResultMessage instead of forwarding directly.
	llm2 := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{
			ID: "call-exec", Name: "execute_task",
			Input: json.RawMessage(`{"task_id":"` + taskID + `","input_values":{"message":"hello"}}`),
		}},
		mockllm.Turn{Text: "done running Echo"},
	)
	rt2 := New(store, tools, llm2, Config{Model: "claude-test", Loop: toolloop.DefaultConfig()})
	// re-register interceptor/tools overwrote the previous Router's
	// registrations on the shared registry; that's fine, New is
	// idempotent for this test's purposes since tools are keyed by name.

	msgs2 := drain(t, rt2.ChatStream(context.Background(), "session-2", "run Echo with message=hello"))

	var sawSynthesizedResult bool
	var sawTaskAgentFinalLeaked bool
	var metaToolCallIdx, metaToolStartedIdx, taskAgentMsgIdx, synthesizedResultIdx = -1, -1, -1, -1
	for i, m := range msgs2 {
		if m.Kind == stream.KindToolCall && m.AgentID == agentcore.MetaAgentID {
			for _, tc := range m.ToolCalls {
				if tc.ToolName == "execute_task" {
					metaToolCallIdx = i
				}
			}
		}
		if m.Kind == stream.KindToolStart && m.AgentID == agentcore.MetaAgentID && m.ToolName == "execute_task" {
			metaToolStartedIdx = i
		}
		if m.AgentID != agentcore.MetaAgentID && agentIDLooksLikeTaskAgent(m.AgentID) && taskAgentMsgIdx == -1 {
			taskAgentMsgIdx = i
		}
		if m.Kind == stream.KindToolResult && m.ToolName == "execute_task" {
			sawSynthesizedResult = true
			synthesizedResultIdx = i
			var payload struct {
				TaskID   string `json:"task_id"`
				TaskName string `json:"task_name"`
				AgentID  string `json:"agent_id"`
				Output   string `json:"output"`
			}
			require.NoError(t, json.Unmarshal([]byte(m.Result), &payload))
			assert.Equal(t, taskID, payload.TaskID)
			assert.Equal(t, "Echo", payload.TaskName)
			assert.Contains(t, payload.AgentID, "TASK_AGENT_")
		}
		if m.Kind == stream.KindAgent && m.Final && m.AgentID != agentcore.MetaAgentID && agentIDLooksLikeTaskAgent(m.AgentID) {
			sawTaskAgentFinalLeaked = true
		}
	}
	assert.True(t, sawSynthesizedResult, "expected a synthesized ToolResultMessage for execute_task")
	assert.False(t, sawTaskAgentFinalLeaked, "the Task-agent's own final AgentMessage must not leak to the external stream")

	// Total ordering on the external stream must mirror causal
	// precedence (spec §4.7/§8 Scenario 2): the Meta's own
	// ToolCall/ToolStarted for execute_task precede every message the
	// Task-agent forwards, which in turn precede the synthesized
	// ToolResultMessage the interceptor returns once the Task-agent's
	// stream is fully drained.
	require.NotEqual(t, -1, metaToolCallIdx, "expected a ToolCallMessage for execute_task")
	require.NotEqual(t, -1, metaToolStartedIdx, "expected a ToolStartedMessage for execute_task")
	require.NotEqual(t, -1, taskAgentMsgIdx, "expected at least one forwarded Task-agent message")
	require.NotEqual(t, -1, synthesizedResultIdx, "expected a synthesized ToolResultMessage for execute_task")
	assert.Less(t, metaToolCallIdx, metaToolStartedIdx)
	assert.Less(t, metaToolStartedIdx, taskAgentMsgIdx)
	assert.Less(t, taskAgentMsgIdx, synthesizedResultIdx)

	last := msgs2[len(msgs2)-1]
	assert.Equal(t, stream.KindAgent, last.Kind)
	assert.True(t, last.Final)
	assert.Equal(t, agentcore.MetaAgentID, last.AgentID)
}

func agentIDLooksLikeTaskAgent(id string) bool {
	return len(id) > len("TASK_AGENT_") && id[:len("TASK_AGENT_")] == "TASK_AGENT_"
}

func TestRouter_ExecuteTask_MissingRequiredParameter(t *testing.T) {
	store := openStore(t)
	_, err := store.StoreTaskConfig(context.Background(), &memory.TaskConfig{
		Name: "Echo",
		Definition: memory.TaskDefinition{
			Name:         "Echo",
			Instructions: "Echo back: {message}",
			InputSchema:  []memory.Parameter{{Name: "message", Type: memory.ParamString, Required: true}},
		},
	})
	require.NoError(t, err)

	tasks, err := store.ListTaskConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	tools := tooling.New(nil)
	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{
			ID: "call-exec", Name: "execute_task",
			Input: json.RawMessage(`{"task_id":"` + taskID + `","input_values":{}}`),
		}},
		mockllm.Turn{Text: "missing a parameter"},
	)
	rt := New(store, tools, llm, Config{Model: "claude-test", Loop: toolloop.DefaultConfig()})
	msgs := drain(t, rt.ChatStream(context.Background(), "session-1", "run Echo"))

	var sawMissingParam bool
	for _, m := range msgs {
		if m.Kind == stream.KindToolError && m.ToolName == "execute_task" {
			sawMissingParam = true
			assert.Contains(t, m.Error, "message")
		}
	}
	assert.True(t, sawMissingParam)
}
