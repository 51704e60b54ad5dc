// Package router implements the Agent Manager / Router (spec §4.7):
// it owns the Meta-agent for a session, mediates chat_stream for the
// external caller, and implements the execute_task interception that
// turns one tool call into a subordinate Task-agent session whose
// messages interleave with the parent's.
//
// Grounded on internal/multiagent/orchestrator.go's Orchestrator,
// generalized from peer-to-peer agent handoffs to the spec's single
// fixed Meta-agent plus ephemeral, on-demand Task-agents. The
// handoff-as-tool-result pattern in internal/multiagent/handoff_tool.go
// (a tool call whose result payload carries structured routing
// instructions the orchestrator interprets) is the model for treating
// execute_task as an ordinary tool dispatch intercepted before it
// reaches the registry's in-process table (spec §9 "Interception vs.
// inheritance" explicitly asks for exactly this redesign: "an
// interceptor table keyed by tool name ... keeps the Agent layer
// ignorant of the mechanism").
package router

import (
	"context"

	"github.com/metagen-run/metagen-core/internal/agentcore"
	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
)

const defaultMetaSystemPrompt = `You are METAGEN, the orchestrating assistant for this session. You can answer directly, or use create_task/list_tasks/execute_task and any connector tools registered with you to get work done on the user's behalf.`

// Config configures a Router.
type Config struct {
	Model        string
	SystemPrompt string
	Loop         toolloop.Config
}

// Router owns the Meta-agent's lifecycle for one session and the
// execute_task interception (spec §4.7).
type Router struct {
	store *memory.Store
	tools *tooling.Registry
	llm   llmclient.Client
	cfg   Config
	meta  *agentcore.Agent
}

// New brings up a Router: it registers the create_task/list_tasks
// tools and the execute_task interceptor against tools, then
// instantiates the session's Meta-agent (spec §4.7 "Initialization").
// Memory Store recovery already ran inside memory.Open; any
// subprocess tool servers are expected to already be wired into tools
// via a ServerDispatcher before New is called.
func New(store *memory.Store, tools *tooling.Registry, llm llmclient.Client, cfg Config) *Router {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultMetaSystemPrompt
	}

	rt := &Router{store: store, tools: tools, llm: llm, cfg: cfg}

	tools.Register(&createTaskTool{store: store})
	tools.Register(&listTasksTool{store: store})
	tools.Intercept("execute_task", rt.executeTaskIntercept)

	rt.meta = agentcore.NewMeta(llm, tools, store, cfg.Model, cfg.SystemPrompt, cfg.Loop)

	return rt
}

// ChatStream mediates one user turn through the Meta-agent (spec
// §4.7's chat_stream algorithm). Because execute_task is handled as a
// registry interceptor rather than by inspecting the Message stream
// here, this is a direct pass-through: the Meta-agent's own channel
// already terminates right after its final=true AgentMessage.
func (rt *Router) ChatStream(ctx context.Context, sessionID, userContent string) <-chan stream.Message {
	return rt.meta.ChatStream(ctx, sessionID, userContent)
}

// Close releases the Memory Store.
func (rt *Router) Close() error {
	return rt.store.Close()
}
