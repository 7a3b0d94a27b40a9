package react

import (
	"context"
)

// Message represents a message in the conversation.
type Message interface {
	// ToParam converts the message to a provider-specific parameter type.
	ToParam() any
}

// Response represents a response from the LLM.
type Response interface {
	Content() []ContentBlock
	// ToMessage converts the response to a Message for the conversation history.
	ToMessage() Message
}

// ContentBlock represents a content block in a response.
type ContentBlock interface {
	AsText() (text string, ok bool)
	AsToolUse() (id, name string, input []byte, ok bool)
}

// ToolUse represents a tool use request from the LLM.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolExecution records one executed tool call.
type ToolExecution struct {
	ID      string         `json:"id"`
	Name    string         `json:"tool_name"`
	Input   map[string]any `json:"tool_input"`
	Output  string         `json:"tool_output"`
	IsError bool           `json:"is_error"`
}

// RunResult contains the result of running an agent.
type RunResult struct {
	FinalText string
	// FullConversation is the complete conversation history including tool calls and results.
	FullConversation []Message
	ToolExecutions   []ToolExecution
	Rounds           int
}

// ToolClient is an interface for calling tools.
type ToolClient interface {
	ListTools(ctx context.Context) ([]Tool, error)
	// CallToolText calls a tool and returns the result as text. A tool-level
	// failure is reported through isError; err is reserved for failures to
	// reach the tool at all.
	CallToolText(ctx context.Context, name string, args map[string]any) (result string, isError bool, err error)
}

// Tool represents an available tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// LLMClient is an interface for interacting with an LLM.
type LLMClient interface {
	Call(ctx context.Context, messages []Message, tools []Tool) (Response, error)
	// ConvertToolResults converts tool results to messages for the LLM.
	ConvertToolResults(toolUses []ToolUse, results []ToolResult) ([]Message, error)
	CreateUserMessage(content string) Message
	CreateAssistantMessage(content string) Message
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// GenericMessage is a provider-neutral text message.
type GenericMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m GenericMessage) ToParam() any {
	return m
}
