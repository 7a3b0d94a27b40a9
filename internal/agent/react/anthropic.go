package react

import (
	"context"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/malbeclabs/concierge/internal/metrics"
)

// AnthropicAgent implements LLMClient for the Anthropic Messages API.
type AnthropicAgent struct {
	client          anthropic.Client
	model           anthropic.Model
	maxOutputTokens int64
	system          string
}

func NewAnthropicAgent(client anthropic.Client, model anthropic.Model, maxOutputTokens int64, system string) *AnthropicAgent {
	return &AnthropicAgent{
		client:          client,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		system:          system,
	}
}

func (a *AnthropicAgent) Call(ctx context.Context, messages []Message, tools []Tool) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxOutputTokens,
		Tools:     toAnthropicTools(tools),
	}
	for _, msg := range messages {
		param, err := toAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, param)
	}
	if a.system != "" {
		// The system prompt only changes with the clock minute and profile,
		// so consecutive rounds hit the prompt cache.
		params.System = []anthropic.TextBlockParam{
			{
				Text:         a.system,
				CacheControl: anthropic.NewCacheControlEphemeralParam(),
			},
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("anthropic", "error").Inc()
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	metrics.LLMCallsTotal.WithLabelValues("anthropic", "success").Inc()
	return anthropicResponse{resp: resp}, nil
}

func toAnthropicMessage(msg Message) (anthropic.MessageParam, error) {
	switch m := msg.ToParam().(type) {
	case anthropic.MessageParam:
		return m, nil
	case GenericMessage:
		if m.Role == "assistant" {
			return anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)), nil
		}
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil
	default:
		return anthropic.MessageParam{}, fmt.Errorf("expected anthropic.MessageParam, got %T", m)
	}
}

func (a *AnthropicAgent) ConvertToolResults(_ []ToolUse, results []ToolResult) ([]Message, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, result := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(result.ID, result.Content, result.IsError))
	}
	return []Message{AnthropicMessage{Msg: anthropic.NewUserMessage(blocks...)}}, nil
}

func (a *AnthropicAgent) CreateUserMessage(content string) Message {
	return AnthropicMessage{Msg: anthropic.NewUserMessage(anthropic.NewTextBlock(content))}
}

func (a *AnthropicAgent) CreateAssistantMessage(content string) Message {
	return AnthropicMessage{Msg: anthropic.NewAssistantMessage(anthropic.NewTextBlock(content))}
}

// AnthropicMessage wraps Anthropic's MessageParam to implement Message.
type AnthropicMessage struct {
	Msg anthropic.MessageParam
}

func (m AnthropicMessage) ToParam() any {
	return m.Msg
}

type anthropicResponse struct {
	resp *anthropic.Message
}

func (r anthropicResponse) Content() []ContentBlock {
	blocks := make([]ContentBlock, len(r.resp.Content))
	for i, blk := range r.resp.Content {
		blocks[i] = anthropicContentBlock{blk}
	}
	return blocks
}

func (r anthropicResponse) ToMessage() Message {
	return AnthropicMessage{Msg: r.resp.ToParam()}
}

type anthropicContentBlock struct {
	blk anthropic.ContentBlockUnion
}

func (b anthropicContentBlock) AsText() (string, bool) {
	text := b.blk.AsText()
	if text.Text == "" {
		return "", false
	}
	return text.Text, true
}

func (b anthropicContentBlock) AsToolUse() (string, string, []byte, bool) {
	tu := b.blk.AsToolUse()
	if tu.ID == "" || tu.Name == "" {
		return "", "", nil, false
	}
	return tu.ID, tu.Name, tu.Input, true
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props, _ := t.InputSchema["properties"].(map[string]any)
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.Opt(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: props,
				Required:   requiredFields(t.InputSchema),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

// requiredFields reads the schema's required list, which is []string when
// built in process and []any after a JSON round trip.
func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
