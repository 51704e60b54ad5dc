package router

import (
	"context"
	"encoding/json"

	"github.com/metagen-run/metagen-core/internal/memory"
	"github.com/metagen-run/metagen-core/internal/tooling"
)

// createTaskTool lets the Meta-agent persist a reusable TaskConfig
// (spec §3 "TaskConfig", §4.6 "its tool catalog includes create_task").
type createTaskTool struct {
	store *memory.Store
}

func (t *createTaskTool) Descriptor() tooling.Descriptor {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Unique task name"},
			"description": {"type": "string"},
			"instructions": {"type": "string", "description": "Instructions template; use {param} placeholders for input_schema parameter names"},
			"task_type": {"type": "string"},
			"input_schema": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"description": {"type": "string"},
						"type": {"type": "string", "enum": ["string", "integer", "float", "boolean", "list", "dict"]},
						"required": {"type": "boolean"},
						"default": {}
					},
					"required": ["name", "type"]
				}
			},
			"output_schema": {"type": "array", "items": {"type": "object"}}
		},
		"required": ["name", "instructions"]
	}`)
	return tooling.Descriptor{
		Name:        "create_task",
		Description: "Create a reusable, parameterized task definition that can later be run with execute_task.",
		InputSchema: schema,
	}
}

func (t *createTaskTool) Invoke(ctx context.Context, args map[string]any) (*tooling.Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorInvalidArgs, Error: err.Error()}, nil
	}
	var def memory.TaskDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorInvalidArgs, Error: err.Error()}, nil
	}
	if def.Name == "" {
		return &tooling.Result{ErrorType: tooling.ErrorInvalidArgs, Error: "create_task: name is required"}, nil
	}

	id, err := t.store.StoreTaskConfig(ctx, &memory.TaskConfig{Name: def.Name, Definition: def})
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorExecution, Error: err.Error()}, nil
	}

	result, _ := json.Marshal(map[string]any{"task_id": id, "name": def.Name})
	return &tooling.Result{Success: true, Content: string(result)}, nil
}

// listTasksTool lets the Meta-agent discover available TaskConfigs
// (spec §4.6 "its tool catalog includes ... list_tasks").
type listTasksTool struct {
	store *memory.Store
}

func (t *listTasksTool) Descriptor() tooling.Descriptor {
	return tooling.Descriptor{
		Name:        "list_tasks",
		Description: "List all task definitions that can be run with execute_task.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *listTasksTool) Invoke(ctx context.Context, args map[string]any) (*tooling.Result, error) {
	configs, err := t.store.ListTaskConfigs(ctx)
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorExecution, Error: err.Error()}, nil
	}

	type summary struct {
		TaskID      string `json:"task_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]summary, 0, len(configs))
	for _, c := range configs {
		out = append(out, summary{TaskID: c.ID, Name: c.Name, Description: c.Definition.Description})
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return &tooling.Result{ErrorType: tooling.ErrorExecution, Error: err.Error()}, nil
	}
	return &tooling.Result{Success: true, Content: string(raw)}, nil
}

func fmtMissing(names []string) string {
	s := "missing required parameter(s): "
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += n
	}
	return s
}
