// Package stream defines the unified Message stream shared by the
// agentic tool loop, the agents, and the router. Every type here is a
// plain, persistence-agnostic runtime value — see internal/memory for
// the durable records the agent derives from this stream.
package stream

// Kind discriminates the variants of Message. Router and agent logic
// switch on Kind rather than relying on type assertions, so the wire
// encoding (and any future transport) stays a flat, discriminated
// union instead of a class hierarchy.
type Kind string

const (
	KindUser       Kind = "user"
	KindAgent      Kind = "agent"
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolStart  Kind = "tool_started"
	KindToolResult Kind = "tool_result"
	KindToolError  Kind = "tool_error"
	KindError      Kind = "error"
	KindUsage      Kind = "usage"
)

// ToolCallRequest is one LLM-issued tool invocation request.
type ToolCallRequest struct {
	ToolID   string         `json:"tool_id"`
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// Message is the single tagged-union event type flowing through the
// Router, Agents, and Tool Loop. Only the fields relevant to Kind are
// populated; this mirrors a sum type more closely than an interface
// hierarchy would, and keeps serialization to the external stream
// trivial (see spec.md §9 "Message polymorphism").
type Message struct {
	Kind      Kind   `json:"type"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`

	// UserMessage / AgentMessage / ThinkingMessage
	Content string `json:"content,omitempty"`

	// AgentMessage only: marks the last message of the agent's current turn.
	Final bool `json:"final,omitempty"`

	// ToolCallMessage
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolStartedMessage / ToolResultMessage / ToolErrorMessage
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// ToolResultMessage
	Result string `json:"result,omitempty"`

	// ToolErrorMessage / ErrorMessage
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// UsageMessage
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// User builds a UserMessage.
func User(agentID, sessionID, content string) Message {
	return Message{Kind: KindUser, AgentID: agentID, SessionID: sessionID, Content: content}
}

// Agent builds an AgentMessage.
func Agent(agentID, sessionID, content string, final bool) Message {
	return Message{Kind: KindAgent, AgentID: agentID, SessionID: sessionID, Content: content, Final: final}
}

// Thinking builds a ThinkingMessage.
func Thinking(agentID, sessionID, content string) Message {
	return Message{Kind: KindThinking, AgentID: agentID, SessionID: sessionID, Content: content}
}

// ToolCall builds a ToolCallMessage.
func ToolCall(agentID, sessionID string, calls []ToolCallRequest) Message {
	return Message{Kind: KindToolCall, AgentID: agentID, SessionID: sessionID, ToolCalls: calls}
}

// ToolStarted builds a ToolStartedMessage.
func ToolStarted(agentID, sessionID, toolID, toolName string) Message {
	return Message{Kind: KindToolStart, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName}
}

// ToolResult builds a ToolResultMessage.
func ToolResult(agentID, sessionID, toolID, toolName, result string) Message {
	return Message{Kind: KindToolResult, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName, Result: result}
}

// ToolError builds a ToolErrorMessage.
func ToolError(agentID, sessionID, toolID, toolName, errType, errMsg string) Message {
	return Message{Kind: KindToolError, AgentID: agentID, SessionID: sessionID, ToolID: toolID, ToolName: toolName, ErrorType: errType, Error: errMsg}
}

// Err builds an ErrorMessage.
func Err(agentID, sessionID, errMsg string) Message {
	return Message{Kind: KindError, AgentID: agentID, SessionID: sessionID, Error: errMsg}
}

// Usage builds a UsageMessage.
func Usage(agentID, sessionID string, in, out int) Message {
	return Message{Kind: KindUsage, AgentID: agentID, SessionID: sessionID, InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
