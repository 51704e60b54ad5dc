package toolloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/llmclient/mockllm"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
)

type echoHandler struct{}

func (echoHandler) Descriptor() tooling.Descriptor {
	return tooling.Descriptor{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (echoHandler) Invoke(ctx context.Context, args map[string]any) (*tooling.Result, error) {
	return &tooling.Result{Success: true, Content: "echoed"}, nil
}

func drain(t *testing.T, ch <-chan stream.Message) []stream.Message {
	t.Helper()
	var out []stream.Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestLoop_NoToolCallEndsInSingleFinalAgentMessage(t *testing.T) {
	registry := tooling.New(nil)
	llm := mockllm.New(mockllm.Turn{Text: "hello there"})
	loop := New(llm, registry, DefaultConfig())

	msgs := drain(t, loop.Run(context.Background(), "agent-1", "session-1", "claude", "system", nil))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, stream.KindAgent, last.Kind)
	assert.True(t, last.Final)
	assert.Equal(t, "hello there", last.Content)

	for _, m := range msgs[:len(msgs)-1] {
		if m.Kind == stream.KindAgent {
			assert.False(t, m.Final, "no AgentMessage before the last one may be final")
		}
	}
}

func TestLoop_ExecutesToolThenFinalizes(t *testing.T) {
	registry := tooling.New(nil)
	require.NoError(t, registry.Register(echoHandler{}))

	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
		mockllm.Turn{Text: "done"},
	)
	loop := New(llm, registry, DefaultConfig())

	msgs := drain(t, loop.Run(context.Background(), "agent-1", "session-1", "claude", "system", nil))

	var sawCall, sawResult, sawFinal bool
	for _, m := range msgs {
		switch m.Kind {
		case stream.KindToolCall:
			sawCall = true
		case stream.KindToolResult:
			sawResult = true
			assert.Equal(t, "echoed", m.Result)
		case stream.KindAgent:
			if m.Final {
				sawFinal = true
				assert.Equal(t, "done", m.Content)
			}
		}
	}
	assert.True(t, sawCall, "expected a ToolCallMessage")
	assert.True(t, sawResult, "expected a ToolResultMessage")
	assert.True(t, sawFinal, "expected exactly one final AgentMessage")
}

func TestLoop_LoopDetectionTripsAtMaxRepeatedCalls(t *testing.T) {
	registry := tooling.New(nil)
	require.NoError(t, registry.Register(echoHandler{}))

	cfg := DefaultConfig()
	cfg.MaxRepeatedCalls = 2
	cfg.MaxIterations = 10

	turns := make([]mockllm.Turn, 0, cfg.MaxIterations)
	for i := 0; i < cfg.MaxIterations; i++ {
		turns = append(turns, mockllm.Turn{ToolCall: &llmclient.ToolCall{ID: "call", Name: "echo", Input: json.RawMessage(`{"x":1}`)}})
	}
	llm := mockllm.New(turns...)
	loop := New(llm, registry, cfg)

	msgs := drain(t, loop.Run(context.Background(), "agent-1", "session-1", "claude", "system", nil))

	var sawLoopDetected bool
	for _, m := range msgs {
		if m.Kind == stream.KindToolError && m.ErrorType == string(tooling.ErrorLoopDetected) {
			sawLoopDetected = true
		}
	}
	assert.True(t, sawLoopDetected, "expected a loop_detected ToolErrorMessage once MaxRepeatedCalls is reached")
}

func TestLoop_UnknownToolSurfacesAsExecutionError(t *testing.T) {
	registry := tooling.New(nil)

	llm := mockllm.New(
		mockllm.Turn{ToolCall: &llmclient.ToolCall{ID: "call-1", Name: "does-not-exist", Input: json.RawMessage(`{}`)}},
		mockllm.Turn{Text: "done"},
	)
	loop := New(llm, registry, DefaultConfig())

	msgs := drain(t, loop.Run(context.Background(), "agent-1", "session-1", "claude", "system", nil))

	var sawExecErr bool
	for _, m := range msgs {
		if m.Kind == stream.KindToolError {
			sawExecErr = true
			assert.Equal(t, string(tooling.ErrorExecution), m.ErrorType)
		}
	}
	assert.True(t, sawExecErr)
}
