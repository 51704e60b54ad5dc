package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metagen-run/metagen-core/internal/agentcore"
	"github.com/metagen-run/metagen-core/internal/idgen"
	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/stream"
	"github.com/metagen-run/metagen-core/internal/tooling"
	"github.com/metagen-run/metagen-core/internal/toolloop"
)

// executeTaskIntercept implements spec §4.7's execute_task interceptor.
// It is registered against the Tool Registry (tools.Intercept), so it
// runs on the Meta-agent's own Tool Loop goroutine the moment
// execute_task is dispatched — no separate message-stream inspection
// in ChatStream is needed (spec §9's redesign note).
func (rt *Router) executeTaskIntercept(ctx context.Context, call tooling.Call) (*tooling.Result, error) {
	taskID, _ := call.Args["task_id"].(string)
	if taskID == "" {
		return &tooling.Result{
			ErrorType: tooling.ErrorExecution,
			Error:     "execute_task: missing required field task_id",
		}, nil
	}

	task, err := rt.store.GetTaskConfig(ctx, taskID)
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorExecution, Error: err.Error()}, nil
	}
	if task == nil {
		return &tooling.Result{
			ErrorType: tooling.ErrorExecution,
			Error:     fmt.Sprintf("execute_task: unknown task_id %q", taskID),
		}, nil
	}

	inputValues, _ := call.Args["input_values"].(map[string]any)
	if inputValues == nil {
		inputValues = map[string]any{}
	}

	if missing := missingRequiredParams(task.Definition.InputSchema, inputValues); len(missing) > 0 {
		return &tooling.Result{
			ErrorType: tooling.ErrorExecution,
			Error:     fmt.Sprintf("execute_task: %s", fmtMissing(missing)),
		}, nil
	}
	applyDefaults(task.Definition.InputSchema, inputValues)

	taskAgentID := idgen.TaskAgentID()
	systemPrompt := substituteParams(task.Definition.Instructions, inputValues)
	taskAgent := agentcore.NewTask(taskAgentID, rt.llm, rt.tools, rt.store, rt.cfg.Model, systemPrompt, rt.cfg.Loop)

	sessionID := fmt.Sprintf("%s/%s", call.ID, taskAgentID)
	userContent := buildTaskUserMessage(task, inputValues)

	forward := toolloop.ForwarderFromContext(ctx)
	var output string
	for m := range taskAgent.ChatStream(ctx, sessionID, userContent) {
		if m.Kind == stream.KindAgent && m.Final {
			// The Task-agent's own final AgentMessage is suppressed
			// from the external stream and recorded as the task
			// result string instead (spec §4.7 step 5).
			output = m.Content
			continue
		}
		forward(m)
	}

	resultJSON, err := json.Marshal(map[string]any{
		"task_id":  task.ID,
		"task_name": task.Name,
		"agent_id": taskAgentID,
		"output":   output,
	})
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorExecution, Error: err.Error()}, nil
	}

	return &tooling.Result{Success: true, Content: string(resultJSON)}, nil
}

func missingRequiredParams(params []memory.Parameter, values map[string]any) []string {
	var missing []string
	for _, p := range params {
		if !p.Required {
			continue
		}
		if _, ok := values[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func applyDefaults(params []memory.Parameter, values map[string]any) {
	for _, p := range params {
		if _, ok := values[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			values[p.Name] = p.Default
		}
	}
}

// substituteParams fills "{param}" placeholders in instructions from
// values (spec §4.6 "with {param} placeholders filled from the call's
// input_values").
func substituteParams(instructions string, values map[string]any) string {
	out := instructions
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}

func buildTaskUserMessage(task *memory.TaskConfig, values map[string]any) string {
	raw, _ := json.Marshal(values)
	return fmt.Sprintf("Run task %q: %s\nInputs: %s", task.Name, task.Definition.Description, string(raw))
}
