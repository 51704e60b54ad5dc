package agentcore

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/llmclient/mockllm"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
)

type echoHandler struct{}

func (echoHandler) Descriptor() tooling.Descriptor {
	return tooling.Descriptor{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (echoHandler) Invoke(ctx context.Context, args map[string]any) (*tooling.Result, error) {
	return &tooling.Result{Success: true, Content: "echoed"}, nil
}

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

func TestAgent_ChatStream_PersistsTurnAndFinalizesCompleted(t *testing.T) {
	store := openStore(t)
	tools := tooling.New(nil)
	llm := mockllm.New(mockllm.Turn{Text: "hello there"})

	agent := NewMeta(llm, tools, store, "claude-test", "you are a test agent", toolloop.DefaultConfig())
	msgs := drain(t, agent.ChatStream(context.Background(), "session-1", "hi"))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, stream.KindAgent, last.Kind)
	assert.True(t, last.Final)

	turns, err := store.GetTurnsByAgent(context.Background(), MetaAgentID, 0, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, memory.TurnCompleted, turns[0].Status)
	assert.Equal(t, "hello there", turns[0].AgentResponse)
	assert.Equal(t, "hi", turns[0].UserQuery)
	assert.Equal(t, 1, turns[0].TurnNumber)
}

func TestAgent_ChatStream_PersistsToolUsageForExecutedCall(t *testing.T) {
	store := openStore(t)
	tools := tooling.New(nil)
	require.NoError(t, tools.Register(echoHandler{}))

	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
		mockllm.Turn{Text: "done"},
	)
	agent := NewMeta(llm, tools, store, "claude-test", "system", toolloop.DefaultConfig())
	drain(t, agent.ChatStream(context.Background(), "session-1", "run echo"))

	turns, err := store.GetTurnsByAgent(context.Background(), MetaAgentID, 0, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].ToolsUsed)

	usages, err := store.GetToolUsagesByTurn(context.Background(), turns[0].ID)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, memory.ExecCompleted, usages[0].ExecutionStatus)
	assert.Equal(t, "echo", usages[0].ToolName)
}

func TestNewTask_ExcludesExecuteTaskFromCatalog(t *testing.T) {
	tools := tooling.New(nil)
	require.NoError(t, tools.Register(executeTaskStub{}))
	require.NoError(t, tools.Register(echoHandler{}))

	llm := mockllm.New(mockllm.Turn{Text: "ok"})
	store := openStore(t)

	task := NewTask("TASK_AGENT_abcd1234", llm, tools, store, "claude-test", "do the thing", toolloop.DefaultConfig())
	drain(t, task.ChatStream(context.Background(), "session-1", "go"))

	// The request the loop issued to the LLM must not have offered
	// execute_task, even though it's registered in the shared registry.
	require.NotEmpty(t, llm.Requests)
	for _, tool := range llm.Requests[0].Tools {
		assert.NotEqual(t, "execute_task", tool.Name)
	}
}

type executeTaskStub struct{}

func (executeTaskStub) Descriptor() tooling.Descriptor {
	return tooling.Descriptor{Name: "execute_task", Description: "stub", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (executeTaskStub) Invoke(ctx context.Context, args map[string]any) (*tooling.Result, error) {
	return &tooling.Result{Success: true}, nil
}
