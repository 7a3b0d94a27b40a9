package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
)

const (
	defaultMaxContextTokens = 20000
	defaultMaxRounds        = 10
	defaultMaxParallelTools = 4
	defaultMaxRetries       = 2

	defaultRetryPrompt = "The previous tool call returned an error. Read the error message, fix the input, and call the tool again. " +
		"Do not ask for clarification, correct the call based on the error."
	defaultSummaryPrompt = "Summarize the following conversation between a user and an assistant. " +
		"Keep every fact, tool result and open question the assistant still needs.\n\n%s"
)

// Config is the configuration for the Agent.
type Config struct {
	Logger     *slog.Logger
	LLM        LLMClient
	ToolClient ToolClient

	MaxRounds        int
	MaxContextTokens int
	MaxRetries       int

	// FinalizationPrompt is appended as a user message on the last round.
	FinalizationPrompt string
	// SummaryPrompt is a format string with one %s for the conversation text.
	SummaryPrompt string
	RetryPrompt   string

	// Pool runs tool calls of one round concurrently. A pool sized
	// MaxParallelTools is created when nil.
	Pool             pond.Pool
	MaxParallelTools int

	// OnToolExecution is called once per executed tool call, in the order
	// the model requested them.
	OnToolExecution func(ToolExecution)
}

func (cfg *Config) Validate() error {
	if cfg.LLM == nil {
		return errors.New("LLM is required")
	}
	if cfg.ToolClient == nil {
		return errors.New("tool client is required")
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxRounds <= 0 {
		return errors.New("max rounds must be greater than 0")
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = defaultMaxContextTokens
	}
	if cfg.MaxContextTokens <= 0 {
		return errors.New("max context tokens must be greater than 0")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.FinalizationPrompt == "" {
		return errors.New("finalization prompt is required")
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = defaultSummaryPrompt
	}
	if cfg.RetryPrompt == "" {
		cfg.RetryPrompt = defaultRetryPrompt
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	if cfg.Pool == nil {
		cfg.Pool = pond.NewPool(cfg.MaxParallelTools)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// Agent is a ReAct agent that can use tools to interact with an LLM.
type Agent struct {
	log *slog.Logger
	cfg *Config
}

func NewAgent(cfg *Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Agent{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run executes the ReAct tool-calling loop. The final answer text is also
// written to output when it is not nil.
func (a *Agent) Run(ctx context.Context, initialMessages []Message, output io.Writer) (*RunResult, error) {
	msgs := make([]Message, len(initialMessages))
	copy(msgs, initialMessages)

	fullConversation := make([]Message, len(initialMessages))
	copy(fullConversation, initialMessages)

	tools, err := a.cfg.ToolClient.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var (
		executions       []ToolExecution
		lastToolHadError bool
		retryCount       int
	)

	for round := 0; round < a.cfg.MaxRounds; round++ {
		roundNum := round + 1
		a.log.Info("react: starting round", "round", roundNum, "max_rounds", a.cfg.MaxRounds)

		msgs = a.compact(ctx, roundNum, msgs, tools)

		isLastRound := round == a.cfg.MaxRounds-1
		if isLastRound {
			a.log.Info("react: injecting finalization prompt on last round", "round", roundNum)
			finalizationMsg := a.cfg.LLM.CreateUserMessage(a.cfg.FinalizationPrompt)
			msgs = append(msgs, finalizationMsg)
			fullConversation = append(fullConversation, finalizationMsg)
		}

		response, err := a.cfg.LLM.Call(ctx, msgs, tools)
		if err != nil {
			return nil, fmt.Errorf("failed to get response: %w", err)
		}
		a.log.Debug("react: received response", "round", roundNum, "content_blocks", len(response.Content()))

		assistantMsg := response.ToMessage()
		msgs = append(msgs, assistantMsg)
		fullConversation = append(fullConversation, assistantMsg)

		text := responseText(response)
		toolUses := extractToolUses(response.Content())
		if len(toolUses) > 0 && text != "" {
			a.log.Debug("react: assistant reasoning", "round", roundNum, "text", text)
		}

		if len(toolUses) == 0 && lastToolHadError && retryCount < a.cfg.MaxRetries && !isLastRound {
			retryCount++
			a.log.Info("react: no tool calls after error, injecting retry prompt", "round", roundNum, "retry", retryCount)

			retryMsg := a.cfg.LLM.CreateUserMessage(a.cfg.RetryPrompt)
			msgs = append(msgs, retryMsg)
			fullConversation = append(fullConversation, retryMsg)
			lastToolHadError = false
			continue
		}

		if len(toolUses) == 0 || isLastRound {
			if len(toolUses) > 0 {
				a.log.Info("react: last round reached, returning response despite tool calls", "round", roundNum, "tool_calls", len(toolUses))
			} else {
				a.log.Info("react: no tool calls, returning final response", "round", roundNum)
			}
			if output != nil && text != "" {
				if _, err := io.WriteString(output, text); err != nil {
					return nil, fmt.Errorf("failed to write response: %w", err)
				}
			}
			return &RunResult{
				FinalText:        strings.TrimSpace(text),
				FullConversation: fullConversation,
				ToolExecutions:   executions,
				Rounds:           roundNum,
			}, nil
		}

		a.log.Info("react: executing tool calls", "round", roundNum, "count", len(toolUses))

		toolResults, err := a.executeTools(ctx, toolUses)
		if err != nil {
			return nil, fmt.Errorf("failed to execute tools: %w", err)
		}

		// Only the explicit error flag counts; tool output that merely
		// mentions an error must not trigger a retry.
		lastToolHadError = false
		for i, tr := range toolResults {
			if tr.IsError {
				lastToolHadError = true
			}
			exec := ToolExecution{
				ID:      toolUses[i].ID,
				Name:    toolUses[i].Name,
				Input:   toolUses[i].Input,
				Output:  tr.Content,
				IsError: tr.IsError,
			}
			executions = append(executions, exec)
			if a.cfg.OnToolExecution != nil {
				a.cfg.OnToolExecution(exec)
			}
		}

		toolResultMsgs, err := a.cfg.LLM.ConvertToolResults(toolUses, toolResults)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tool results: %w", err)
		}
		msgs = append(msgs, toolResultMsgs...)
		fullConversation = append(fullConversation, toolResultMsgs...)
	}

	return nil, fmt.Errorf("exceeded maximum rounds (%d)", a.cfg.MaxRounds)
}

func responseText(resp Response) string {
	var sb strings.Builder
	for _, blk := range resp.Content() {
		if text, ok := blk.AsText(); ok && text != "" {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

func extractToolUses(content []ContentBlock) []ToolUse {
	var toolUses []ToolUse
	for _, blk := range content {
		id, name, inputBytes, ok := blk.AsToolUse()
		if !ok || id == "" || name == "" {
			continue
		}
		input := map[string]any{}
		if len(inputBytes) > 0 {
			if err := json.Unmarshal(inputBytes, &input); err != nil {
				continue
			}
		}
		toolUses = append(toolUses, ToolUse{ID: id, Name: name, Input: input})
	}
	return toolUses
}

// executeTools runs every tool use of a round on the pool and returns the
// results in request order.
func (a *Agent) executeTools(ctx context.Context, toolUses []ToolUse) ([]ToolResult, error) {
	results := make([]ToolResult, len(toolUses))
	group := a.cfg.Pool.NewGroupContext(ctx)
	for i, tu := range toolUses {
		group.Submit(func() {
			out, isErr, err := a.cfg.ToolClient.CallToolText(ctx, tu.Name, tu.Input)
			switch {
			case err != nil:
				a.log.Error("react: tool execution error", "error", err, "tool", tu.Name, "tool_id", tu.ID)
				results[i] = ToolResult{ID: tu.ID, Content: fmt.Sprintf("Error: %v", err), IsError: true}
			case isErr:
				results[i] = ToolResult{ID: tu.ID, Content: "Error: " + out, IsError: true}
			default:
				results[i] = ToolResult{ID: tu.ID, Content: out}
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// compact summarizes older turns until the estimated context fits under
// MaxContextTokens, keeping the first message and a shrinking tail.
func (a *Agent) compact(ctx context.Context, roundNum int, msgs []Message, tools []Tool) []Message {
	contextChars, contextTokens := calculateContextSize(msgs, tools)
	a.log.Debug("react: context size", "round", roundNum, "chars", contextChars, "tokens_est", contextTokens)

	originalTokens := contextTokens
	for iteration := 0; iteration < 5 && contextTokens > a.cfg.MaxContextTokens; iteration++ {
		keepRecent := max(10-iteration*2, 2)
		if len(msgs) <= keepRecent+1 {
			a.log.Warn("react: cannot compact further, not enough messages", "round", roundNum, "messages", len(msgs))
			break
		}

		compacted, err := a.summarizeMessages(ctx, msgs, keepRecent)
		if err != nil {
			a.log.Warn("react: failed to summarize messages", "round", roundNum, "error", err)
			break
		}
		msgs = compacted

		previous := contextTokens
		_, contextTokens = calculateContextSize(msgs, tools)
		a.log.Info("react: conversation compacted",
			"round", roundNum,
			"keep_recent", keepRecent,
			"original_tokens_est", originalTokens,
			"new_tokens_est", contextTokens)
		if contextTokens >= previous {
			break
		}
	}
	if contextTokens > a.cfg.MaxContextTokens {
		a.log.Warn("react: context still exceeds threshold after compaction",
			"round", roundNum, "tokens", contextTokens, "threshold", a.cfg.MaxContextTokens)
	}
	return msgs
}

// calculateContextSize estimates the context size at roughly four
// characters per token.
func calculateContextSize(msgs []Message, tools []Tool) (chars int, tokens int) {
	for _, msg := range msgs {
		if data, err := json.Marshal(msg.ToParam()); err == nil {
			chars += len(data)
		}
	}
	for _, tool := range tools {
		if data, err := json.Marshal(tool); err == nil {
			chars += len(data)
		}
	}
	return chars, chars / 4
}

func (a *Agent) summarizeMessages(ctx context.Context, msgs []Message, keepRecent int) ([]Message, error) {
	if len(msgs) <= keepRecent+1 {
		return msgs, nil
	}

	// The kept tail must not open with a tool result whose tool call would
	// be summarized away.
	cut := len(msgs) - keepRecent
	for cut > 1 && isToolResult(msgs[cut]) {
		cut--
	}
	if cut <= 1 {
		return msgs, nil
	}

	toSummarize := msgs[1:cut]
	var conversation strings.Builder
	for i, msg := range toSummarize {
		data, err := json.MarshalIndent(msg.ToParam(), "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&conversation, "Message %d: %s\n", i+1, data)
	}

	prompt := a.cfg.LLM.CreateUserMessage(fmt.Sprintf(a.cfg.SummaryPrompt, conversation.String()))
	response, err := a.cfg.LLM.Call(ctx, []Message{prompt}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate summary: %w", err)
	}

	summary := a.cfg.LLM.CreateUserMessage("[Previous conversation summary]: " + responseText(response))

	compacted := make([]Message, 0, 2+len(msgs)-cut)
	compacted = append(compacted, msgs[0], summary)
	compacted = append(compacted, msgs[cut:]...)

	a.log.Info("react: compacted conversation",
		"original_messages", len(msgs),
		"compacted_messages", len(compacted),
		"summarized_messages", len(toSummarize))
	return compacted, nil
}

func isToolResult(msg Message) bool {
	switch m := msg.(type) {
	case GenericMessage:
		return m.Role == "tool"
	case OpenAIMessage:
		return m.Msg.Role == "tool"
	case AnthropicMessage:
		for _, block := range m.Msg.Content {
			if block.OfToolResult != nil {
				return true
			}
		}
	}
	return false
}
