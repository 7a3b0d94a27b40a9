package react

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLMClient struct {
	responses []mockResponse
	callIndex int

	// calls holds the messages of every non-summary call.
	calls        [][]Message
	summaryCalls int
}

type mockResponse struct {
	text      string
	toolCalls []mockToolCall
}

type mockToolCall struct {
	id    string
	name  string
	input map[string]any
}

func (m *mockLLMClient) Call(ctx context.Context, messages []Message, tools []Tool) (Response, error) {
	if tools == nil {
		m.summaryCalls++
		return &mockLLMResponse{text: "summary"}, nil
	}
	m.calls = append(m.calls, append([]Message(nil), messages...))
	if m.callIndex >= len(m.responses) {
		return &mockLLMResponse{}, nil
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return &mockLLMResponse{text: resp.text, toolCalls: resp.toolCalls}, nil
}

func (m *mockLLMClient) ConvertToolResults(toolUses []ToolUse, results []ToolResult) ([]Message, error) {
	var msgs []Message
	for i, tu := range toolUses {
		msgs = append(msgs, GenericMessage{Role: "tool", Content: "Tool " + tu.Name + ": " + results[i].Content})
	}
	return msgs, nil
}

func (m *mockLLMClient) CreateUserMessage(content string) Message {
	return GenericMessage{Role: "user", Content: content}
}

func (m *mockLLMClient) CreateAssistantMessage(content string) Message {
	return GenericMessage{Role: "assistant", Content: content}
}

type mockLLMResponse struct {
	text      string
	toolCalls []mockToolCall
}

func (r *mockLLMResponse) Content() []ContentBlock {
	var blocks []ContentBlock
	if r.text != "" {
		blocks = append(blocks, &mockTextBlock{text: r.text})
	}
	for _, tc := range r.toolCalls {
		blocks = append(blocks, &mockToolUseBlock{id: tc.id, name: tc.name, input: tc.input})
	}
	return blocks
}

func (r *mockLLMResponse) ToMessage() Message {
	return GenericMessage{Role: "assistant", Content: r.text}
}

type mockTextBlock struct {
	text string
}

func (b *mockTextBlock) AsText() (string, bool) {
	return b.text, true
}

func (b *mockTextBlock) AsToolUse() (string, string, []byte, bool) {
	return "", "", nil, false
}

type mockToolUseBlock struct {
	id    string
	name  string
	input map[string]any
}

func (b *mockToolUseBlock) AsText() (string, bool) {
	return "", false
}

func (b *mockToolUseBlock) AsToolUse() (string, string, []byte, bool) {
	inputBytes, _ := json.Marshal(b.input)
	return b.id, b.name, inputBytes, true
}

type mockToolClient struct {
	tools    []Tool
	listErr  error
	callFunc func(ctx context.Context, name string, args map[string]any) (string, bool, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockToolClient) ListTools(ctx context.Context) ([]Tool, error) {
	return m.tools, m.listErr
}

func (m *mockToolClient) CallToolText(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	if m.callFunc == nil {
		return "no result", false, nil
	}
	return m.callFunc(ctx, name, args)
}

func staticResults(results map[string]string) func(context.Context, string, map[string]any) (string, bool, error) {
	return func(_ context.Context, name string, _ map[string]any) (string, bool, error) {
		return results[name], false, nil
	}
}

var searchTools = []Tool{{Name: "search_stores", Description: "Search stores", InputSchema: map[string]any{}}}

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	if cfg.FinalizationPrompt == "" {
		cfg.FinalizationPrompt = "Please provide a final answer."
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 50000
	}
	agent, err := NewAgent(&cfg)
	require.NoError(t, err)
	return agent
}

func userMsg(content string) []Message {
	return []Message{GenericMessage{Role: "user", Content: content}}
}

func TestAgent_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewAgent(&Config{ToolClient: &mockToolClient{}, FinalizationPrompt: "x"})
	require.EqualError(t, err, "LLM is required")

	_, err = NewAgent(&Config{LLM: &mockLLMClient{}, FinalizationPrompt: "x"})
	require.EqualError(t, err, "tool client is required")

	_, err = NewAgent(&Config{LLM: &mockLLMClient{}, ToolClient: &mockToolClient{}})
	require.EqualError(t, err, "finalization prompt is required")

	_, err = NewAgent(&Config{LLM: &mockLLMClient{}, ToolClient: &mockToolClient{}, FinalizationPrompt: "x", MaxRounds: -1})
	require.EqualError(t, err, "max rounds must be greater than 0")

	cfg := &Config{LLM: &mockLLMClient{}, ToolClient: &mockToolClient{}, FinalizationPrompt: "x"}
	_, err = NewAgent(cfg)
	require.NoError(t, err)
	require.Equal(t, defaultMaxRounds, cfg.MaxRounds)
	require.Equal(t, defaultMaxContextTokens, cfg.MaxContextTokens)
	require.Equal(t, defaultMaxRetries, cfg.MaxRetries)
	require.NotNil(t, cfg.Pool)
	require.NotNil(t, cfg.Logger)
}

func TestAgent_Run_NoRetryWhenToolContentContainsErrorWord(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{
			{
				text:      "Let me look that up.",
				toolCalls: []mockToolCall{{id: "1", name: "search_stores", input: map[string]any{"sql_query": "SELECT * FROM 'stores'"}}},
			},
			{text: "The store lists an error_code column with 3 entries."},
		},
	}
	toolClient := &mockToolClient{
		tools:    searchTools,
		callFunc: staticResults(map[string]string{"search_stores": `{"results":[{"error_code":"3"}],"count":1}`}),
	}

	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, MaxRounds: 5})
	result, err := agent.Run(context.Background(), userMsg("Show store errors"), nil)
	require.NoError(t, err)

	assert.Contains(t, result.FinalText, "error_code")
	assert.Equal(t, 2, llm.callIndex, "retry must not be triggered by tool output text")
}

func TestAgent_Run_RetryWhenToolReturnsExplicitError(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{
			{
				text:      "I'll query the data.",
				toolCalls: []mockToolCall{{id: "1", name: "search_stores", input: map[string]any{"sql_query": "SELECT * FROM nonexistent"}}},
			},
			{text: "I couldn't get the data."},
			{
				text:      "Let me try a different query.",
				toolCalls: []mockToolCall{{id: "2", name: "search_stores", input: map[string]any{"sql_query": "SELECT * FROM 'stores'"}}},
			},
			{text: "Here are the matching stores."},
		},
	}

	callCount := 0
	toolClient := &mockToolClient{
		tools: searchTools,
		callFunc: func(ctx context.Context, name string, args map[string]any) (string, bool, error) {
			callCount++
			if callCount == 1 {
				return `{"error":"table nonexistent does not exist"}`, true, nil
			}
			return `{"results":[{"store_name":"Azabu Bakery"}],"count":1}`, false, nil
		},
	}

	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, RetryPrompt: "retry please"})
	result, err := agent.Run(context.Background(), userMsg("Find stores"), nil)
	require.NoError(t, err)

	assert.Contains(t, result.FinalText, "matching stores")
	assert.Equal(t, 4, llm.callIndex)

	// user, assistant(tool call), tool result, assistant(gave up), retry prompt
	retryCall := llm.calls[2]
	require.Len(t, retryCall, 5)
	assert.Equal(t, GenericMessage{Role: "assistant", Content: "I couldn't get the data."}, retryCall[3])
	assert.Equal(t, GenericMessage{Role: "user", Content: "retry please"}, retryCall[4])

	require.Len(t, result.ToolExecutions, 2)
	assert.True(t, result.ToolExecutions[0].IsError)
	assert.Equal(t, `Error: {"error":"table nonexistent does not exist"}`, result.ToolExecutions[0].Output)
	assert.False(t, result.ToolExecutions[1].IsError)
}

func TestAgent_Run_RetriesAreBounded(t *testing.T) {
	t.Parallel()

	failing := mockResponse{
		toolCalls: []mockToolCall{{id: "1", name: "search_stores", input: map[string]any{}}},
	}
	giveUp := mockResponse{text: "I give up."}
	llm := &mockLLMClient{
		responses: []mockResponse{failing, giveUp, failing, giveUp, failing, giveUp},
	}
	toolClient := &mockToolClient{
		tools: searchTools,
		callFunc: func(context.Context, string, map[string]any) (string, bool, error) {
			return "bad query", true, nil
		},
	}

	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, MaxRetries: 2})
	result, err := agent.Run(context.Background(), userMsg("Find stores"), nil)
	require.NoError(t, err)
	assert.Equal(t, "I give up.", result.FinalText)
	assert.Equal(t, 6, llm.callIndex)
}

func TestAgent_Run_NoRetryOnSuccessfulCompletion(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{
			{
				text:      "Checking data.",
				toolCalls: []mockToolCall{{id: "1", name: "search_stores", input: map[string]any{}}},
			},
			{text: "There are 14 cafes."},
		},
	}
	toolClient := &mockToolClient{
		tools:    searchTools,
		callFunc: staticResults(map[string]string{"search_stores": `{"count":14}`}),
	}

	var out strings.Builder
	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, MaxRounds: 5})
	result, err := agent.Run(context.Background(), userMsg("How many cafes?"), &out)
	require.NoError(t, err)

	assert.Equal(t, "There are 14 cafes.", result.FinalText)
	assert.Equal(t, "There are 14 cafes.", out.String())
	assert.Equal(t, 2, llm.callIndex)
	assert.Equal(t, 2, result.Rounds)
	// user, assistant, tool result, assistant
	assert.Len(t, result.FullConversation, 4)
}

func TestAgent_Run_FinalizationOnLastRound(t *testing.T) {
	t.Parallel()

	loop := mockResponse{
		text:      "Still searching.",
		toolCalls: []mockToolCall{{id: "1", name: "search_stores", input: map[string]any{}}},
	}
	llm := &mockLLMClient{responses: []mockResponse{loop, loop, loop}}
	toolClient := &mockToolClient{tools: searchTools}

	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, MaxRounds: 2, FinalizationPrompt: "wrap up now"})
	result, err := agent.Run(context.Background(), userMsg("Find everything"), nil)
	require.NoError(t, err)

	assert.Equal(t, "Still searching.", result.FinalText)
	assert.Equal(t, 2, llm.callIndex)
	require.Len(t, llm.calls, 2)
	last := llm.calls[1]
	assert.Equal(t, GenericMessage{Role: "user", Content: "wrap up now"}, last[len(last)-1])
	assert.Len(t, toolClient.calls, 1, "tools requested on the last round are not executed")
}

func TestAgent_Run_ParallelToolCalls(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{
			{
				toolCalls: []mockToolCall{
					{id: "a", name: "get_current_time", input: map[string]any{}},
					{id: "b", name: "get_weather", input: map[string]any{"location": "東京"}},
				},
			},
			{text: "It is sunny at noon."},
		},
	}

	var started sync.WaitGroup
	started.Add(2)
	toolClient := &mockToolClient{
		tools: []Tool{{Name: "get_current_time"}, {Name: "get_weather"}},
		callFunc: func(ctx context.Context, name string, args map[string]any) (string, bool, error) {
			started.Done()
			done := make(chan struct{})
			go func() {
				started.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				return "", false, errors.New("tools did not run concurrently")
			}
			if name == "get_weather" {
				return `{"weather":"晴れ"}`, false, nil
			}
			return `{"current_time":"12:00"}`, false, nil
		},
	}

	var hooked []ToolExecution
	agent := newTestAgent(t, Config{
		LLM:              llm,
		ToolClient:       toolClient,
		MaxParallelTools: 2,
		OnToolExecution:  func(e ToolExecution) { hooked = append(hooked, e) },
	})
	result, err := agent.Run(context.Background(), userMsg("Time and weather?"), nil)
	require.NoError(t, err)

	require.Len(t, hooked, 2)
	assert.Equal(t, "get_current_time", hooked[0].Name)
	assert.Equal(t, `{"current_time":"12:00"}`, hooked[0].Output)
	assert.Equal(t, "get_weather", hooked[1].Name)
	assert.Equal(t, map[string]any{"location": "東京"}, hooked[1].Input)
	assert.Equal(t, hooked, result.ToolExecutions)
}

func TestAgent_Run_ToolClientErrorBecomesErrorResult(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{
			{toolCalls: []mockToolCall{{id: "1", name: "unknown_tool", input: map[string]any{}}}},
			{text: "That tool is not available."},
		},
	}
	toolClient := &mockToolClient{
		tools: searchTools,
		callFunc: func(context.Context, string, map[string]any) (string, bool, error) {
			return "", false, errors.New("unknown tool: unknown_tool")
		},
	}

	agent := newTestAgent(t, Config{LLM: llm, ToolClient: toolClient, MaxRetries: -1})
	result, err := agent.Run(context.Background(), userMsg("hi"), nil)
	require.NoError(t, err)

	require.Len(t, result.ToolExecutions, 1)
	assert.True(t, result.ToolExecutions[0].IsError)
	assert.Equal(t, "Error: unknown tool: unknown_tool", result.ToolExecutions[0].Output)
	assert.Equal(t, "That tool is not available.", result.FinalText)
}

func TestAgent_Run_ListToolsError(t *testing.T) {
	t.Parallel()

	agent := newTestAgent(t, Config{
		LLM:        &mockLLMClient{},
		ToolClient: &mockToolClient{listErr: errors.New("connection refused")},
	})
	_, err := agent.Run(context.Background(), userMsg("hi"), nil)
	require.ErrorContains(t, err, "failed to list tools: connection refused")
}

func TestAgent_Run_CompactsLongConversations(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{{text: "done"}}}
	agent := newTestAgent(t, Config{LLM: llm, ToolClient: &mockToolClient{tools: searchTools}, MaxContextTokens: 50})

	var history []Message
	for range 15 {
		history = append(history, GenericMessage{Role: "user", Content: strings.Repeat("x", 100)})
	}

	result, err := agent.Run(context.Background(), history, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.FinalText)

	assert.Equal(t, 5, llm.summaryCalls)
	require.Len(t, llm.calls, 1)
	sent := llm.calls[0]
	require.Len(t, sent, 4)
	assert.Equal(t, history[0], sent[0])
	assert.Equal(t, GenericMessage{Role: "user", Content: "[Previous conversation summary]: summary"}, sent[1])
}

func TestAgent_SummarizeMessages_KeepsToolResultsWithTheirCall(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{}
	agent := newTestAgent(t, Config{LLM: llm, ToolClient: &mockToolClient{}})

	msgs := []Message{
		GenericMessage{Role: "user", Content: "first"},
		GenericMessage{Role: "assistant", Content: "a1"},
		GenericMessage{Role: "user", Content: "u2"},
		GenericMessage{Role: "assistant", Content: "a2"},
		GenericMessage{Role: "user", Content: "u3"},
		GenericMessage{Role: "user", Content: "u4"},
		GenericMessage{Role: "assistant", Content: "calling tools"},
		GenericMessage{Role: "tool", Content: "result 1"},
		GenericMessage{Role: "tool", Content: "result 2"},
		GenericMessage{Role: "assistant", Content: "a5"},
		GenericMessage{Role: "user", Content: "u6"},
		GenericMessage{Role: "assistant", Content: "a6"},
	}

	// A tail of four would open on "result 2".
	compacted, err := agent.summarizeMessages(context.Background(), msgs, 4)
	require.NoError(t, err)
	require.Len(t, compacted, 8)
	assert.Equal(t, msgs[0], compacted[0])
	assert.Equal(t, GenericMessage{Role: "user", Content: "[Previous conversation summary]: summary"}, compacted[1])
	assert.Equal(t, msgs[6:], compacted[2:])
	assert.Equal(t, 1, llm.summaryCalls)

	t.Run("leaves the conversation alone when only tool results could be cut", func(t *testing.T) {
		t.Parallel()

		llm := &mockLLMClient{}
		agent := newTestAgent(t, Config{LLM: llm, ToolClient: &mockToolClient{}})
		msgs := []Message{
			GenericMessage{Role: "user", Content: "first"},
			GenericMessage{Role: "assistant", Content: "calling tools"},
			GenericMessage{Role: "tool", Content: "result 1"},
			GenericMessage{Role: "tool", Content: "result 2"},
			GenericMessage{Role: "tool", Content: "result 3"},
			GenericMessage{Role: "tool", Content: "result 4"},
		}

		compacted, err := agent.summarizeMessages(context.Background(), msgs, 2)
		require.NoError(t, err)
		assert.Equal(t, msgs, compacted)
		assert.Zero(t, llm.summaryCalls)
	})
}

func TestAgent_ExtractToolUses(t *testing.T) {
	t.Parallel()

	uses := extractToolUses([]ContentBlock{
		&mockTextBlock{text: "thinking"},
		&mockToolUseBlock{id: "1", name: "multiply", input: map[string]any{"a": 2.0}},
		&mockToolUseBlock{id: "", name: "multiply"},
		&mockToolUseBlock{id: "2", name: ""},
	})
	require.Equal(t, []ToolUse{{ID: "1", Name: "multiply", Input: map[string]any{"a": 2.0}}}, uses)
}
