package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Limits mirror the teacher's tool_registry.go resource guards, applied
// here to the name and to the marshaled argument payload.
const (
	MaxToolNameLength  = 256
	MaxToolParamsBytes = 10 << 20
)

// Registry is the single catalog of tools an agent can call: some
// in-process (Handler), some owned by a subprocess tool server
// (ServerDispatcher), with a small table of per-name interceptors
// that take priority over both (spec §4.2 step 2).
type Registry struct {
	mu sync.RWMutex

	handlers     map[string]Handler
	schemas      map[string]*jsonschema.Schema
	interceptors map[string]Interceptor
	disabled     map[string]struct{}

	servers ServerDispatcher
}

// New builds an empty Registry. servers may be nil if no subprocess
// tool servers are configured.
func New(servers ServerDispatcher) *Registry {
	return &Registry{
		handlers:     make(map[string]Handler),
		schemas:      make(map[string]*jsonschema.Schema),
		interceptors: make(map[string]Interceptor),
		disabled:     make(map[string]struct{}),
		servers:      servers,
	}
}

// Register adds or replaces an in-process tool. If the tool's
// InputSchema is non-empty it is compiled eagerly so a malformed
// schema fails at startup rather than at first dispatch.
func (r *Registry) Register(h Handler) error {
	d := h.Descriptor()
	if d.Name == "" {
		return fmt.Errorf("tooling: register: empty tool name")
	}

	var compiled *jsonschema.Schema
	if len(d.InputSchema) > 0 {
		c := jsonschema.NewCompiler()
		url := "mem://" + d.Name + ".json"
		if err := c.AddResource(url, strings.NewReader(string(d.InputSchema))); err != nil {
			return fmt.Errorf("tooling: register %q: add schema: %w", d.Name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tooling: register %q: compile schema: %w", d.Name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[d.Name] = h
	if compiled != nil {
		r.schemas[d.Name] = compiled
	} else {
		delete(r.schemas, d.Name)
	}
	return nil
}

// Unregister removes an in-process tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
	delete(r.schemas, name)
}

// Intercept installs an interceptor for name, replacing any existing
// one. A nil fn removes the interceptor.
func (r *Registry) Intercept(name string, fn Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.interceptors, name)
		return
	}
	r.interceptors[name] = fn
}

// Disable marks a tool name as globally unavailable: Execute returns a
// permission_denied result without consulting handlers or servers.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = struct{}{}
}

// Enable reverses Disable.
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

// Descriptors returns the catalog of in-process tool descriptors, for
// building an LLM-facing tool list. Names in the global disabled-set
// are excluded: a tool disabled mid-session must disappear from the
// catalog, not just fail when called. Subprocess-server tools are
// expected to be merged in by the caller from the supervisor's own
// catalog (internal/toolserver), since the Registry doesn't own their
// schemas.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.handlers))
	for name, h := range r.handlers {
		if _, disabled := r.disabled[name]; disabled {
			continue
		}
		out = append(out, h.Descriptor())
	}
	return out
}

// Execute dispatches one tool call per spec §4.2's algorithm:
//  1. name/size validation
//  2. disabled-set check
//  3. interceptor lookup (a non-nil result or error short-circuits
//     everything below)
//  4. in-process handler
//  5. subprocess tool-server
//  6. tool-not-found
func (r *Registry) Execute(ctx context.Context, call Call) (*Result, error) {
	if len(call.Name) > MaxToolNameLength {
		return &Result{ErrorType: ErrorInvalidArgs, Error: fmt.Sprintf("tool name exceeds %d characters", MaxToolNameLength)}, nil
	}
	if raw, err := json.Marshal(call.Args); err == nil && len(raw) > MaxToolParamsBytes {
		return &Result{ErrorType: ErrorInvalidArgs, Error: fmt.Sprintf("tool arguments exceed %d bytes", MaxToolParamsBytes)}, nil
	}

	r.mu.RLock()
	_, isDisabled := r.disabled[call.Name]
	interceptor := r.interceptors[call.Name]
	handler, hasHandler := r.handlers[call.Name]
	schema := r.schemas[call.Name]
	servers := r.servers
	r.mu.RUnlock()

	if isDisabled {
		return &Result{ErrorType: ErrorPermissionDenied, Error: "tool is disabled: " + call.Name}, nil
	}

	if interceptor != nil {
		res, err := interceptor(ctx, call)
		if res != nil || err != nil {
			return res, err
		}
	}

	if hasHandler {
		if schema != nil {
			if err := validateArgs(schema, call.Args); err != nil {
				return &Result{ErrorType: ErrorInvalidArgs, Error: err.Error()}, nil
			}
		}
		res, err := handler.Invoke(ctx, call.Args)
		if err != nil {
			return &Result{ErrorType: ErrorExecution, Error: err.Error()}, nil
		}
		return res, nil
	}

	if servers != nil {
		if serverID, ok := servers.Owner(call.Name); ok {
			content, isError, err := servers.Call(ctx, serverID, call.Name, call.Args)
			if err != nil {
				return &Result{ErrorType: ErrorExecution, Error: err.Error()}, nil
			}
			text := fmt.Sprint(content)
			if isError {
				return &Result{ErrorType: ErrorExecution, Error: text}, nil
			}
			return &Result{Success: true, Content: text}, nil
		}
	}

	return &Result{ErrorType: ErrorExecution, Error: "tool not found: " + call.Name}, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	// jsonschema validates against any (map[string]interface{}, etc.),
	// decoded the same way encoding/json would decode it, per the
	// library's own contract.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal tool arguments: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal tool arguments: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("tool arguments failed validation: %w", err)
	}
	return nil
}
