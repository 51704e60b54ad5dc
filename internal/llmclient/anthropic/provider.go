// Package anthropic implements internal/llmclient.Client against
// Anthropic's Claude API.
//
// The SDK client construction and message/tool conversion helpers are
// collapsed from a streaming-only Complete() into the generate()
// contract, which requires streaming mode to perform one
// non-streaming completion internally and then replay it as a
// sequence of unified chunks — so this provider always issues a
// single non-streaming anthropic.Message call and fans it out
// afterward, rather than consuming Anthropic's SSE stream directly.
// This provider does not retry: the client performs no retries of its
// own, leaving the tool loop to decide whether to continue after a
// failure.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/metagen-run/metagen-core/internal/llmclient"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements llmclient.Client against Anthropic's Messages API.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required; DefaultModel falls
// back to a fixed default model when unset.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

var _ llmclient.Client = (*Provider)(nil)

// Generate implements llmclient.Client. It always performs a single
// non-streaming completion and replays the result as unified chunks,
// per spec §4.4.
func (p *Provider) Generate(ctx context.Context, req llmclient.Request) (<-chan llmclient.Chunk, error) {
	out := make(chan llmclient.Chunk)

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)

		msg, err := p.complete(ctx, params)
		if err != nil {
			out <- llmclient.Chunk{Kind: llmclient.ChunkDone, Err: err}
			return
		}

		var text strings.Builder
		var toolCall *llmclient.ToolCall
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(variant.Text)
			case anthropic.ToolUseBlock:
				toolCall = &llmclient.ToolCall{
					ID:    variant.ID,
					Name:  variant.Name,
					Input: json.RawMessage(variant.Input),
				}
			}
		}

		if text.Len() > 0 {
			out <- llmclient.Chunk{Kind: llmclient.ChunkText, Text: text.String()}
		}
		if toolCall != nil {
			out <- llmclient.Chunk{Kind: llmclient.ChunkToolCall, ToolCall: toolCall}
		}

		usage := llmclient.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		out <- llmclient.Chunk{Kind: llmclient.ChunkUsage, Usage: usage}
		out <- llmclient.Chunk{Kind: llmclient.ChunkDone}
	}()

	return out, nil
}

// GenerateStructured requests a single tool-shaped completion whose
// input schema is the caller's response schema, then returns the
// model's tool-call arguments as the structured result. Anthropic has
// no bespoke "structured output" mode, so this reuses tool-calling —
// the only structured-output mechanism anthropic-sdk-go's surface
// exposes.
func (p *Provider) GenerateStructured(ctx context.Context, req llmclient.Request, schema json.RawMessage) (json.RawMessage, error) {
	const structuredToolName = "emit_structured_result"

	structuredReq := req
	structuredReq.Tools = append([]llmclient.ToolSpec{{
		Name:        structuredToolName,
		Description: "Emit the final structured result.",
		InputSchema: schema,
	}}, req.Tools...)

	params, err := p.buildParams(structuredReq)
	if err != nil {
		return nil, err
	}
	params.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredToolName)

	msg, err := p.complete(ctx, params)
	if err != nil {
		return nil, err
	}

	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == structuredToolName {
			return json.RawMessage(tu.Input), nil
		}
	}
	return nil, &llmclient.ProviderError{Provider: "anthropic", Model: p.modelOrDefault(req.Model), Message: "model did not emit a structured result"}
}

func (p *Provider) buildParams(req llmclient.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.modelOrDefault(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// complete issues a single, non-retried completion request. Spec §4.4
// leaves the decision to retry entirely to the caller.
func (p *Provider) complete(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, string(params.Model))
	}
	return msg, nil
}

func (p *Provider) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func convertMessages(messages []llmclient.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == llmclient.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if msg.Role == llmclient.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertTools(tools []llmclient.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *Provider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &llmclient.ProviderError{
			Provider: "anthropic",
			Model:    model,
			Message:  fmt.Sprintf("status %d", apiErr.StatusCode),
			Cause:    err,
		}
	}
	return &llmclient.ProviderError{Provider: "anthropic", Model: model, Cause: err}
}
