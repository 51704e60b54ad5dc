// Package toolloop implements the Agentic Tool Loop (spec §4.5): the
// per-turn state machine that repeatedly calls the LLM Client,
// dispatches any requested tool call through the Tool Registry, and
// feeds the result back, until the model stops requesting tools or a
// budget is exhausted.
//
// Grounded on internal/agent/loop.go's AgenticLoop.Run state machine
// (Init -> Stream -> Execute Tools -> Continue, looping until no tool
// calls or MaxIterations) generalized to spec §4.5's fixed budgets and
// fingerprint-based loop detection, neither of which the teacher's
// loop implements (it has MaxToolCalls/MaxWallTime but no repeated-call
// detection).
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metagen-run/metagen-core/internal/jsonutil"
	"github.com/metagen-run/metagen-core/internal/llmclient"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
)

// Config bounds one turn's worth of tool-loop execution (spec §4.5 /
// §6 configuration table).
type Config struct {
	MaxIterations    int
	MaxToolsPerTurn  int
	MaxRepeatedCalls int
	MaxTokenBudget   int64

	// ExcludedTools hides names from the catalog offered to the LLM
	// without disabling them registry-wide (spec §4.6: a Task-agent's
	// catalog excludes execute_task so it cannot spawn nested tasks,
	// while the Meta-agent's catalog still includes it).
	ExcludedTools map[string]bool
}

// DefaultConfig returns the budgets spec §4.5 names explicitly.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    50,
		MaxToolsPerTurn:  100,
		MaxRepeatedCalls: 5,
		MaxTokenBudget:   1_000_000,
	}
}

// Loop executes the tool loop for one turn.
type Loop struct {
	llm    llmclient.Client
	tools  *tooling.Registry
	config Config
}

// New constructs a Loop. A zero Config is replaced with DefaultConfig.
func New(llm llmclient.Client, tools *tooling.Registry, config Config) *Loop {
	if config.MaxIterations <= 0 {
		excluded := config.ExcludedTools
		config = DefaultConfig()
		config.ExcludedTools = excluded
	}
	return &Loop{llm: llm, tools: tools, config: config}
}

// Run drives one turn: it calls the LLM, dispatches any requested tool
// through the registry, and repeats until the model produces a final
// answer, the turn's token usage reaches max_token_budget, or
// max_iterations is reached. The other limits only refuse the tool
// call at hand and the loop goes on. Every
// yielded Message belongs to agentID/sessionID. The returned channel
// is closed once the loop ends; per spec §8 it carries exactly one
// final=true AgentMessage (on normal completion) and nothing after it,
// or an ErrorMessage with no trailing AgentMessage (on early
// termination).
func (l *Loop) Run(ctx context.Context, agentID, sessionID, model, systemPrompt string, history []llmclient.Message) <-chan stream.Message {
	out := make(chan stream.Message, 8)

	// runCtx carries a forwarder bound to this call's own out channel,
	// so an interceptor invoked synchronously inside Execute (e.g. the
	// Router's execute_task, which streams a Task-agent's own messages)
	// writes onto the exact same channel this Run call owns, rather
	// than racing a second, independently-synchronized channel.
	runCtx := withForwarder(ctx, func(m stream.Message) { out <- m })

	go func() {
		defer close(out)

		messages := append([]llmclient.Message(nil), history...)
		repeated := map[string]int{}
		toolCallsThisTurn := 0
		var tokensThisTurn int64

		for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
			select {
			case <-runCtx.Done():
				out <- stream.Err(agentID, sessionID, runCtx.Err().Error())
				return
			default:
			}

			if tokensThisTurn >= l.config.MaxTokenBudget {
				out <- stream.Err(agentID, sessionID, fmt.Sprintf("tool loop exceeded max_token_budget (%d/%d)", tokensThisTurn, l.config.MaxTokenBudget))
				return
			}

			req := llmclient.Request{
				Model:    model,
				System:   systemPrompt,
				Messages: messages,
				Tools:    l.catalog(),
			}

			text, toolCall, usage, err := l.collect(runCtx, req)
			if err != nil {
				out <- stream.Err(agentID, sessionID, err.Error())
				return
			}
			tokensThisTurn += int64(usage.TotalTokens)
			out <- stream.Usage(agentID, sessionID, usage.InputTokens, usage.OutputTokens)

			if toolCall == nil {
				out <- stream.Agent(agentID, sessionID, text, true)
				return
			}

			var args map[string]any
			if len(toolCall.Input) > 0 {
				if err := json.Unmarshal(toolCall.Input, &args); err != nil {
					out <- stream.Err(agentID, sessionID, fmt.Sprintf("invalid tool call arguments: %s", err.Error()))
					return
				}
			}

			if text != "" {
				out <- stream.Agent(agentID, sessionID, text, false)
			}
			out <- stream.ToolCall(agentID, sessionID, []stream.ToolCallRequest{{
				ToolID:   toolCall.ID,
				ToolName: toolCall.Name,
				ToolArgs: args,
			}})

			canonArgs, err := jsonutil.Canonical(args)
			if err != nil {
				out <- stream.Err(agentID, sessionID, err.Error())
				return
			}
			fingerprint := toolCall.Name + canonArgs

			if limitMsg, limited := l.checkLimits(toolCallsThisTurn, repeated, fingerprint, toolCall.Name, canonArgs, tokensThisTurn); limited {
				errType := string(tooling.ErrorResourceLimit)
				if strings.HasPrefix(limitMsg, "Tool '") {
					errType = string(tooling.ErrorLoopDetected)
				}
				out <- stream.ToolError(agentID, sessionID, toolCall.ID, toolCall.Name, errType, limitMsg)
				messages = appendToolRound(messages, *toolCall, llmclient.ToolResultContent(toolCall.Name, false, errType, limitMsg))
				continue
			}

			toolCallsThisTurn++
			repeated[fingerprint]++

			out <- stream.ToolStarted(agentID, sessionID, toolCall.ID, toolCall.Name)

			result, execErr := l.tools.Execute(runCtx, tooling.Call{ID: toolCall.ID, Name: toolCall.Name, Args: args})
			if execErr != nil {
				msg := fmt.Sprintf("Tool execution failed: %s", execErr.Error())
				out <- stream.ToolError(agentID, sessionID, toolCall.ID, toolCall.Name, string(tooling.ErrorExecution), msg)
				messages = appendToolRound(messages, *toolCall, llmclient.ToolResultContent(toolCall.Name, false, string(tooling.ErrorExecution), msg))
				continue
			}

			if result.Success {
				out <- stream.ToolResult(agentID, sessionID, toolCall.ID, toolCall.Name, result.Content)
				messages = appendToolRound(messages, *toolCall, llmclient.ToolResultContent(toolCall.Name, true, "", ""))
			} else {
				out <- stream.ToolError(agentID, sessionID, toolCall.ID, toolCall.Name, string(result.ErrorType), result.Error)
				messages = appendToolRound(messages, *toolCall, llmclient.ToolResultContent(toolCall.Name, false, string(result.ErrorType), result.Error))
			}
		}

		out <- stream.Err(agentID, sessionID, fmt.Sprintf("tool loop exceeded max_iterations (%d)", l.config.MaxIterations))
	}()

	return out
}

// checkLimits enforces spec §4.5's three caps in order: repeated
// identical calls, total tool calls per turn, and token budget.
func (l *Loop) checkLimits(toolCallsThisTurn int, repeated map[string]int, fingerprint, toolName, canonArgs string, tokensThisTurn int64) (string, bool) {
	if n := repeated[fingerprint]; n >= l.config.MaxRepeatedCalls {
		return fmt.Sprintf("Tool '%s' with arguments %s has been called %d times. Skipping to prevent infinite loop.",
			toolName, canonArgs, n), true
	}
	if toolCallsThisTurn >= l.config.MaxToolsPerTurn {
		return fmt.Sprintf("Resource limit exceeded: tool_calls (%d/%d). Cannot execute tool '%s'.",
			toolCallsThisTurn, l.config.MaxToolsPerTurn, toolName), true
	}
	if tokensThisTurn >= l.config.MaxTokenBudget {
		return fmt.Sprintf("Resource limit exceeded: token_budget (%d/%d). Cannot execute tool '%s'.",
			tokensThisTurn, l.config.MaxTokenBudget, toolName), true
	}
	return "", false
}

// collect runs one LLM generate() call, assembling its unified chunks
// into a single text/tool-call/usage result (spec §4.4's guarantee:
// at most one tool call per generate() call).
func (l *Loop) collect(ctx context.Context, req llmclient.Request) (string, *llmclient.ToolCall, llmclient.Usage, error) {
	chunks, err := l.llm.Generate(ctx, req)
	if err != nil {
		return "", nil, llmclient.Usage{}, err
	}

	var text strings.Builder
	var toolCall *llmclient.ToolCall
	var usage llmclient.Usage

	for chunk := range chunks {
		switch chunk.Kind {
		case llmclient.ChunkText:
			text.WriteString(chunk.Text)
		case llmclient.ChunkToolCall:
			toolCall = chunk.ToolCall
		case llmclient.ChunkUsage:
			usage = chunk.Usage
		case llmclient.ChunkDone:
			if chunk.Err != nil {
				return "", nil, llmclient.Usage{}, chunk.Err
			}
		}
	}

	return text.String(), toolCall, usage, nil
}

func (l *Loop) catalog() []llmclient.ToolSpec {
	descriptors := l.tools.Descriptors()
	specs := make([]llmclient.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		if l.config.ExcludedTools[d.Name] {
			continue
		}
		specs = append(specs, llmclient.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return specs
}

// appendToolRound appends the assistant's tool-call message and the
// tool-result message that follows it, preserving the causal ordering
// the LLM Client requires on the next round-trip (spec §4.5 "ordering
// guarantee").
func appendToolRound(messages []llmclient.Message, call llmclient.ToolCall, resultContent string) []llmclient.Message {
	messages = append(messages, llmclient.Message{
		Role:      llmclient.RoleAssistant,
		ToolCalls: []llmclient.ToolCall{call},
	})
	messages = append(messages, llmclient.Message{
		Role: llmclient.RoleUser,
		ToolResults: []llmclient.ToolResult{{
			ToolCallID: call.ID,
			Content:    resultContent,
			IsError:    strings.Contains(resultContent, "Error"),
		}},
	})
	return messages
}
