package react

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/malbeclabs/concierge/internal/metrics"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	defaultOpenAIMaxTries = 3
)

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int64
	System          string
	HTTPClient      *http.Client
	MaxTries        uint
	BackOff         func() backoff.BackOff
}

// OpenAIAgent implements LLMClient for OpenAI chat completions.
type OpenAIAgent struct {
	cfg OpenAIConfig
}

func NewOpenAIAgent(cfg OpenAIConfig) *OpenAIAgent {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultOpenAIMaxTries
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &OpenAIAgent{cfg: cfg}
}

func (a *OpenAIAgent) Call(ctx context.Context, messages []Message, tools []Tool) (Response, error) {
	req := openaiChatRequest{
		Model:               a.cfg.Model,
		Messages:            make([]openaiMessage, 0, len(messages)+1),
		Tools:               toOpenAITools(tools),
		MaxCompletionTokens: a.cfg.MaxOutputTokens,
	}
	if a.cfg.System != "" {
		req.Messages = append(req.Messages, openaiMessage{Role: "system", Content: a.cfg.System})
	}
	for _, msg := range messages {
		switch m := msg.ToParam().(type) {
		case openaiMessage:
			req.Messages = append(req.Messages, m)
		case GenericMessage:
			req.Messages = append(req.Messages, openaiMessage{Role: m.Role, Content: m.Content})
		default:
			return nil, fmt.Errorf("expected openai message, got %T", m)
		}
	}

	resp, err := a.chat(ctx, req)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("openai", "error").Inc()
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.LLMCallsTotal.WithLabelValues("openai", "error").Inc()
		return nil, fmt.Errorf("failed to get response: no choices returned")
	}
	metrics.LLMCallsTotal.WithLabelValues("openai", "success").Inc()
	return openaiResponse{msg: resp.Choices[0].Message}, nil
}

// chat posts one chat completion request, retrying rate limits and server
// errors.
func (a *OpenAIAgent) chat(ctx context.Context, req openaiChatRequest) (*openaiChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	return backoff.Retry(ctx, func() (*openaiChatResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("new request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

		resp, err := a.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("do: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			err := fmt.Errorf("openai chat http %d: %s", resp.StatusCode, string(msg))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		var out openaiChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode: %w", err))
		}
		if out.Error != nil {
			return nil, backoff.Permanent(fmt.Errorf("openai error: %s", out.Error.Message))
		}
		return &out, nil
	}, backoff.WithBackOff(a.cfg.BackOff()), backoff.WithMaxTries(a.cfg.MaxTries))
}

func (a *OpenAIAgent) ConvertToolResults(_ []ToolUse, results []ToolResult) ([]Message, error) {
	msgs := make([]Message, 0, len(results))
	for _, result := range results {
		msgs = append(msgs, OpenAIMessage{Msg: openaiMessage{
			Role:       "tool",
			Content:    result.Content,
			ToolCallID: result.ID,
		}})
	}
	return msgs, nil
}

func (a *OpenAIAgent) CreateUserMessage(content string) Message {
	return OpenAIMessage{Msg: openaiMessage{Role: "user", Content: content}}
}

func (a *OpenAIAgent) CreateAssistantMessage(content string) Message {
	return OpenAIMessage{Msg: openaiMessage{Role: "assistant", Content: content}}
}

// OpenAIMessage wraps a chat completions message to implement Message.
type OpenAIMessage struct {
	Msg openaiMessage
}

func (m OpenAIMessage) ToParam() any {
	return m.Msg
}

type openaiResponse struct {
	msg openaiMessage
}

func (r openaiResponse) Content() []ContentBlock {
	blocks := make([]ContentBlock, 0, len(r.msg.ToolCalls)+1)
	if r.msg.Content != "" {
		blocks = append(blocks, openaiContentBlock{text: r.msg.Content})
	}
	for _, tc := range r.msg.ToolCalls {
		blocks = append(blocks, openaiContentBlock{toolCall: &tc})
	}
	return blocks
}

func (r openaiResponse) ToMessage() Message {
	return OpenAIMessage{Msg: r.msg}
}

type openaiContentBlock struct {
	text     string
	toolCall *openaiToolCall
}

func (b openaiContentBlock) AsText() (string, bool) {
	if b.toolCall != nil || b.text == "" {
		return "", false
	}
	return b.text, true
}

func (b openaiContentBlock) AsToolUse() (string, string, []byte, bool) {
	if b.toolCall == nil {
		return "", "", nil, false
	}
	args := []byte(b.toolCall.Function.Arguments)
	if len(bytes.TrimSpace(args)) == 0 {
		args = []byte(`{}`)
	}
	return b.toolCall.ID, b.toolCall.Function.Name, args, true
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

// openaiFunctionCall carries arguments as a JSON-encoded string.
type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolDef struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiChatRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Tools               []openaiToolDef `json:"tools,omitempty"`
	MaxCompletionTokens int64           `json:"max_completion_tokens,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toOpenAITools(tools []Tool) []openaiToolDef {
	out := make([]openaiToolDef, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openaiToolDef{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
