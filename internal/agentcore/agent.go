// Package agentcore implements the Agent (Meta + Task) component
// (spec §4.6): a stateful conversation participant that owns a system
// prompt, an in-memory Message history for its current session, a
// filtered tool catalog, and a chat_stream entry point that opens a
// turn in the Memory Store, delegates to the Agentic Tool Loop, and
// finalizes the turn once the loop terminates.
//
// Grounded on the AgenticRuntime facade in internal/agent/loop.go: the
// teacher wraps AgenticLoop with per-session history and Process(),
// the surface this package generalizes into chat_stream plus the two
// named variants (METAGEN, TASK_AGENT_<id>) spec §4.6 requires.
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
)

// MetaAgentID is the fixed id of the single Meta-agent in a session
// (spec §4.6).
const MetaAgentID = "METAGEN"

// Agent is a stateful session participant driving its own Tool Loop.
type Agent struct {
	id           string
	systemPrompt string
	model        string

	llm    llmclient.Client
	tools  *tooling.Registry
	store  *memory.Store
	loop   *toolloop.Loop
	logger *slog.Logger

	mu      sync.Mutex
	history []llmclient.Message
}

// NewMeta constructs the session's Meta-agent (spec §4.6): its tool
// catalog is unrestricted (create_task/list_tasks/execute_task and all
// connectors are simply whatever is registered in tools).
func NewMeta(llm llmclient.Client, tools *tooling.Registry, store *memory.Store, model, systemPrompt string, loopCfg toolloop.Config) *Agent {
	return newAgent(MetaAgentID, llm, tools, store, model, systemPrompt, loopCfg)
}

// NewTask constructs an ephemeral Task-agent (spec §4.6/§4.7): its
// catalog excludes execute_task, since it must not spawn nested tasks.
// id is expected to be built with internal/idgen.TaskAgentID().
func NewTask(id string, llm llmclient.Client, tools *tooling.Registry, store *memory.Store, model, systemPrompt string, loopCfg toolloop.Config) *Agent {
	if loopCfg.ExcludedTools == nil {
		loopCfg.ExcludedTools = map[string]bool{}
	} else {
		cloned := make(map[string]bool, len(loopCfg.ExcludedTools)+1)
		for k, v := range loopCfg.ExcludedTools {
			cloned[k] = v
		}
		loopCfg.ExcludedTools = cloned
	}
	loopCfg.ExcludedTools["execute_task"] = true
	return newAgent(id, llm, tools, store, model, systemPrompt, loopCfg)
}

func newAgent(id string, llm llmclient.Client, tools *tooling.Registry, store *memory.Store, model, systemPrompt string, loopCfg toolloop.Config) *Agent {
	return &Agent{
		id:           id,
		systemPrompt: systemPrompt,
		model:        model,
		llm:          llm,
		tools:        tools,
		store:        store,
		loop:         toolloop.New(llm, tools, loopCfg),
		logger:       slog.Default().With("agent_id", id),
	}
}

// ID returns the agent's id.
func (a *Agent) ID() string { return a.id }

// ChatStream implements spec §4.6's contract: open a turn, append the
// user message to history, delegate to the Tool Loop, persist
// artifacts for every yielded Message, finalize the turn, and forward
// everything downstream. The returned channel closes when the turn
// ends, after the final AgentMessage (or an ErrorMessage on an
// unrecoverable failure).
func (a *Agent) ChatStream(ctx context.Context, sessionID, userContent string) <-chan stream.Message {
	out := make(chan stream.Message, 8)

	go func() {
		defer close(out)
		start := time.Now()

		turnNumber, err := a.store.NextTurnNumber(ctx, a.id)
		if err != nil {
			out <- stream.Err(a.id, sessionID, fmt.Sprintf("open turn: %s", err.Error()))
			return
		}
		turn := &memory.ConversationTurn{
			AgentID:      a.id,
			SessionID:    sessionID,
			TurnNumber:   turnNumber,
			SourceEntity: "user",
			TargetEntity: a.id,
			ConvType:     memory.ConversationUserAgent,
			UserQuery:    userContent,
			Status:       memory.TurnInProgress,
		}
		turnID, err := a.store.StoreTurn(ctx, turn)
		if err != nil {
			out <- stream.Err(a.id, sessionID, fmt.Sprintf("open turn: %s", err.Error()))
			return
		}

		a.mu.Lock()
		a.history = append(a.history, llmclient.Message{Role: llmclient.RoleUser, Content: userContent})
		history := append([]llmclient.Message(nil), a.history...)
		a.mu.Unlock()

		var response strings.Builder
		var toolsUsed bool
		var toolsMs int64
		var finalSeen bool
		status := memory.TurnCompleted
		var errDetails map[string]any

		type pendingTool struct {
			usageID string
			started time.Time
		}
		pending := map[string]pendingTool{}

		for msg := range a.loop.Run(ctx, a.id, sessionID, a.model, a.systemPrompt, history) {
			switch msg.Kind {
			case stream.KindAgent:
				if msg.Content != "" {
					response.WriteString(msg.Content)
				}
				if msg.Final {
					finalSeen = true
				}
			case stream.KindToolCall:
				toolsUsed = true
				for _, tc := range msg.ToolCalls {
					started := time.Now()
					tu := &memory.ToolUsage{
						TurnID:             turnID,
						AgentID:            a.id,
						ToolName:           tc.ToolName,
						ToolArgs:           tc.ToolArgs,
						ToolCallID:         tc.ToolID,
						ExecutionStatus:    memory.ExecExecuting,
						ExecutionStartedAt: &started,
					}
					id, err := a.store.StoreToolUsage(ctx, tu)
					if err == nil {
						pending[tc.ToolID] = pendingTool{usageID: id, started: started}
					}
				}
			case stream.KindToolResult:
				if p, ok := pending[msg.ToolID]; ok {
					completed := time.Now()
					dur := completed.Sub(p.started).Milliseconds()
					toolsMs += dur
					execStatus := memory.ExecCompleted
					a.store.UpdateToolUsage(ctx, p.usageID, memory.ToolUsagePatch{
						ExecutionStatus:      &execStatus,
						ExecutionCompletedAt: &completed,
						ExecutionResult:      map[string]any{"content": msg.Result},
						DurationMs:           &dur,
					})
					delete(pending, msg.ToolID)
				}
			case stream.KindToolError:
				if p, ok := pending[msg.ToolID]; ok {
					completed := time.Now()
					dur := completed.Sub(p.started).Milliseconds()
					toolsMs += dur
					execStatus := memory.ExecFailed
					errMsg := msg.Error
					a.store.UpdateToolUsage(ctx, p.usageID, memory.ToolUsagePatch{
						ExecutionStatus:      &execStatus,
						ExecutionCompletedAt: &completed,
						ExecutionError:       &errMsg,
						DurationMs:           &dur,
					})
					delete(pending, msg.ToolID)
				}
			case stream.KindError:
				status = memory.TurnError
				errDetails = map[string]any{"error": msg.Error}
			}

			out <- msg
		}

		if status == memory.TurnCompleted && !finalSeen {
			status = memory.TurnPartial
		}

		agentResponse := response.String()
		if agentResponse != "" {
			a.mu.Lock()
			a.history = append(a.history, llmclient.Message{Role: llmclient.RoleAssistant, Content: agentResponse})
			a.mu.Unlock()
		}

		totalMs := time.Since(start).Milliseconds()
		patch := memory.TurnPatch{
			AgentResponse: &agentResponse,
			TotalMs:       &totalMs,
			ToolsMs:       &toolsMs,
			Status:        &status,
			ToolsUsed:     &toolsUsed,
		}
		if errDetails != nil {
			patch.ErrorDetails = errDetails
		}
		if _, err := a.store.UpdateTurn(ctx, turnID, patch); err != nil {
			a.logger.Error("finalize turn failed", "turn_id", turnID, "error", err)
		}
	}()

	return out
}
