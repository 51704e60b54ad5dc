package tooling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) Descriptor() Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "echoes the message argument",
		InputSchema: []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
	}
}

func (echoHandler) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	return &Result{Success: true, Content: args["message"].(string)}, nil
}

func TestRegistry_ExecuteInProcessHandler(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoHandler{}))

	res, err := r.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Content)
}

func TestRegistry_SchemaValidationRejectsMissingField(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoHandler{}))

	res, err := r.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorInvalidArgs, res.ErrorType)
}

func TestRegistry_UnknownToolReturnsExecutionError(t *testing.T) {
	r := New(nil)
	res, err := r.Execute(context.Background(), Call{Name: "does-not-exist"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorExecution, res.ErrorType)
}

func TestRegistry_DisabledToolReturnsPermissionDenied(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoHandler{}))
	r.Disable("echo")

	res, err := r.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, ErrorPermissionDenied, res.ErrorType)

	r.Enable("echo")
	res, err = r.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRegistry_DescriptorsExcludesDisabledTools(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoHandler{}))

	descriptors := r.Descriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Name)

	r.Disable("echo")
	assert.Empty(t, r.Descriptors(), "a disabled tool must disappear from the catalog, not just fail when called")

	r.Enable("echo")
	descriptors = r.Descriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Name)
}

func TestRegistry_InterceptorShortCircuitsHandler(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(echoHandler{}))
	r.Intercept("echo", func(ctx context.Context, call Call) (*Result, error) {
		return &Result{Success: true, Content: "intercepted"}, nil
	})

	res, err := r.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "intercepted", res.Content)
}

type stubDispatcher struct {
	owner   string
	content any
	isError bool
}

func (s stubDispatcher) Owner(toolName string) (string, bool) {
	if toolName == "remote_tool" {
		return s.owner, true
	}
	return "", false
}

func (s stubDispatcher) Call(ctx context.Context, serverID, toolName string, args map[string]any) (any, bool, error) {
	return s.content, s.isError, nil
}

func TestRegistry_FallsBackToSubprocessServer(t *testing.T) {
	r := New(stubDispatcher{owner: "srv-1", content: "server said hi"})

	res, err := r.Execute(context.Background(), Call{Name: "remote_tool"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "server said hi", res.Content)
}
