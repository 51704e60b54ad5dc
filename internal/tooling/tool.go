// Package tooling implements the Tool Registry & Executor (spec §4.2):
// a single catalog merging in-process tools and subprocess-hosted
// tool servers, with uniform dispatch and an interceptor mechanism
// that reroutes selected tool calls to another owner (the Router's
// execute_task handling, see internal/router).
//
// Grounded on internal/agent/tool_registry.go and tool_exec.go from
// the teacher repository: an RWMutex-protected name->Tool map, a
// global disabled set, and a schema-validated dispatch path.
package tooling

import (
	"context"
	"encoding/json"
)

// ErrorType categorizes a failed tool dispatch (spec §4.2).
type ErrorType string

const (
	ErrorExecution       ErrorType = "execution_error"
	ErrorLoopDetected    ErrorType = "loop_detected"
	ErrorResourceLimit   ErrorType = "resource_limit"
	ErrorUserRejected    ErrorType = "user_rejected"
	ErrorInvalidArgs     ErrorType = "invalid_args"
	ErrorPermissionDenied ErrorType = "permission_denied"
)

// Result is the outcome of a single tool dispatch.
type Result struct {
	Success     bool
	Content     string // LLM-visible
	UserDisplay string // optional human-facing rendering
	Error       string
	ErrorType   ErrorType
}

// Call is one tool invocation request, as issued by the LLM.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Descriptor is the catalog entry an LLM sees for a tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Handler is the in-process implementation of a tool.
type Handler interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (*Result, error)
}

// ServerDispatcher forwards a call to the subprocess owning a tool
// name (see internal/toolserver.Supervisor). It is a narrow interface
// so the Registry doesn't depend on the supervisor's full surface.
type ServerDispatcher interface {
	// Owner returns the tool-server id owning toolName, or false if no
	// subprocess server exposes it.
	Owner(toolName string) (serverID string, ok bool)
	// Call forwards a tool invocation to the given server.
	Call(ctx context.Context, serverID, toolName string, args map[string]any) (content any, isError bool, err error)
}

// Interceptor short-circuits dispatch for a specific tool name. If it
// returns a non-nil result, that result is the dispatch outcome and
// the Registry never consults the in-process table or subprocess
// servers (spec §4.2 step 2; §9 "Interception vs. inheritance").
type Interceptor func(ctx context.Context, call Call) (*Result, error)
