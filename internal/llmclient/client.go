// Package llmclient implements the LLM Client (spec §4.4): the single
// boundary across which agent code ever talks to a model provider.
// Agents see only Message, Response, and ToolSpec values defined here
// — never a provider SDK type — so that swapping or adding a provider
// never touches internal/toolloop, internal/agentcore, or
// internal/router.
//
// Grounded on internal/agent/provider_types.go's LLMProvider interface
// and internal/agent/loop.go's use of it: Complete(ctx, req) returning
// a channel of chunks, generalized here into spec §4.4's generate /
// generate_structured vocabulary. Generate returns a channel of chunks
// whether or not streaming is requested; GenerateStructured returns
// raw JSON. No Client method returns a Response.
package llmclient

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a single tool invocation requested by the model within
// an assistant Message.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a previously requested ToolCall, fed
// back to the model in a subsequent user-role Message.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of conversation passed to Generate. Unlike
// stream.Message (the agent-facing runtime event stream), Message
// here is the provider-agnostic *input* representation the LLM Client
// converts into whatever shape the concrete provider needs.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec is the catalog entry advertised to the model for a single
// tool (spec §4.4: "agents never see provider-specific tool types").
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request bundles one generate() call's parameters (spec §4.4).
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
	Stream      bool
}

// Usage reports token accounting for one generate() call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response holds one completion's content, tool call and usage as a
// single value; Generate reports the same data as a channel of chunks.
type Response struct {
	Content  string
	ToolCall *ToolCall
	Usage    Usage
}

// ChunkKind discriminates the unified streaming events emitted by
// Generate when Request.Stream is set. These mirror stream.Kind but
// are scoped to what an LLM response can actually produce: text,
// at most one tool call, and a trailing usage report (spec §4.4).
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkUsage    ChunkKind = "usage"
	ChunkDone     ChunkKind = "done"
)

// Chunk is one unified streaming event. Only the field matching Kind
// is populated.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Err      error
}

// Client is the provider-agnostic LLM boundary every agent talks to.
// Concrete providers (see internal/llmclient/anthropic) and test
// doubles (see internal/llmclient/mockllm) implement this.
type Client interface {
	// Generate performs one completion. When req.Stream is false the
	// returned channel carries exactly one ChunkText (if any content),
	// at most one ChunkToolCall, one ChunkUsage, then one ChunkDone,
	// emitted after the underlying provider call returns in full —
	// spec §4.4 requires streaming mode to still perform a single
	// non-streaming completion internally and then replay it as
	// unified messages, so callers see the same shape either way.
	Generate(ctx context.Context, req Request) (<-chan Chunk, error)

	// GenerateStructured performs one completion constrained to the
	// given JSON schema and returns the decoded result as raw JSON.
	GenerateStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, error)
}

// ProviderError wraps any failure from a concrete provider so callers
// can branch on it without importing provider packages (spec §4.4:
// "Failures surface as ProviderError; no retries inside the client").
type ProviderError struct {
	Provider string
	Model    string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	if e.Cause != nil {
		return e.Provider + ": " + e.Cause.Error()
	}
	return e.Provider + ": request failed"
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ToolResultContent renders a finished tool dispatch into the
// message-assembly contract spec §4.4 requires every provider adapter
// to produce before handing the result back to the model:
// "[tool_name] Success" on success, "[tool_name] Error (<type>): <msg>"
// on failure.
func ToolResultContent(toolName string, success bool, errType, errMsg string) string {
	if success {
		return "[" + toolName + "] Success"
	}
	return "[" + toolName + "] Error (" + errType + "): " + errMsg
}
