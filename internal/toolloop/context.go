package toolloop

import (
	"context"

	"github.com/metagen-run/metagen-core/internal/stream"
)

// forwarder lets a tool-registry interceptor invoked deep inside a
// Run call push Message values directly onto that same call's own
// output channel, interleaved at the exact point the interceptor runs
// (between a ToolStartedMessage and its ToolResultMessage). Run
// installs the forwarder itself, bound to the very channel it returns,
// so every message an interceptor forwards shares one single writer
// and is never raced against the Loop's own writes to that channel.
// This is how the Router's execute_task interceptor (internal/router)
// streams a Task-agent's messages into the Meta-agent's stream without
// toolloop needing any awareness of Task-agents.
//
// Grounded on the currentAgentKey/handoffStackKey context-value pair
// in internal/multiagent/orchestrator.go.
type forwarderKey struct{}

// withForwarder attaches fn to ctx.
func withForwarder(ctx context.Context, fn func(stream.Message)) context.Context {
	return context.WithValue(ctx, forwarderKey{}, fn)
}

// ForwarderFromContext retrieves the forwarder Run installed on ctx,
// or a no-op if none is present (e.g. in tests that call a handler
// directly without going through a Run call).
func ForwarderFromContext(ctx context.Context) func(stream.Message) {
	if fn, ok := ctx.Value(forwarderKey{}).(func(stream.Message)); ok {
		return fn
	}
	return func(stream.Message) {}
}
