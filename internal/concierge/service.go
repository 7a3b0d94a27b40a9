// Package concierge answers one chat turn: it renders the system prompt,
// runs the agent over the tool set and reports tool executions and the
// answer as they happen.
package concierge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/concierge/internal/agent/prompts"
	"github.com/malbeclabs/concierge/internal/agent/react"
	"github.com/malbeclabs/concierge/internal/tools"
)

const (
	EventChunk         = "chunk"
	EventToolExecution = "tool_execution"

	defaultMaxParallelTools = 4
)

var ErrEmptyMessage = errors.New("message is required")

// ModelFactory builds an LLM client for a model and system prompt.
type ModelFactory interface {
	New(model, system string) (react.LLMClient, error)
}

type Config struct {
	Logger  *slog.Logger
	Models  ModelFactory
	Prompts *prompts.Prompts

	// Registry formats tool input for display and, when ToolClient is nil,
	// serves the tools in process.
	Registry   *tools.Registry
	ToolClient react.ToolClient

	Clock    clockwork.Clock
	Location *time.Location

	MaxRounds        int
	MaxParallelTools int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Models == nil {
		return errors.New("model factory is required")
	}
	if cfg.Prompts == nil {
		return errors.New("prompts are required")
	}
	if cfg.ToolClient == nil {
		if cfg.Registry == nil {
			return errors.New("registry or tool client is required")
		}
		cfg.ToolClient = NewRegistryClient(cfg.Registry)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	return nil
}

// Turn is one message of the text history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Message   string
	History   []Turn
	ProfileID string
}

// ToolExecution is a tool call as shown to the user.
type ToolExecution struct {
	Name    string `json:"tool_name"`
	Input   string `json:"tool_input"`
	Output  string `json:"tool_output"`
	IsError bool   `json:"is_error"`
}

type Response struct {
	Answer         string          `json:"response"`
	ToolExecutions []ToolExecution `json:"tool_executions"`
	Rounds         int             `json:"rounds"`
}

// Event is reported to the caller while a turn runs. Data is a string for
// chunks and a ToolExecution for tool executions.
type Event struct {
	Type string
	Data any
}

type EmitFunc func(Event)

type Service struct {
	log  *slog.Logger
	cfg  Config
	pool pond.Pool
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewPool(cfg.MaxParallelTools),
	}, nil
}

// Tools lists the tools the agent can use.
func (s *Service) Tools(ctx context.Context) ([]react.Tool, error) {
	return s.cfg.ToolClient.ListTools(ctx)
}

// Respond answers req. emit may be nil.
func (s *Service) Respond(ctx context.Context, req Request, emit EmitFunc) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if emit == nil {
		emit = func(Event) {}
	}

	available, err := s.cfg.ToolClient.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	infos := make([]prompts.ToolInfo, 0, len(available))
	for _, t := range available {
		infos = append(infos, prompts.ToolInfo{Name: t.Name, Description: t.Description})
	}

	now := s.cfg.Clock.Now().In(s.cfg.Location)
	system, err := s.cfg.Prompts.BuildSystemPrompt(now, req.ProfileID, infos)
	if err != nil {
		return nil, err
	}

	llm, err := s.cfg.Models.New(req.Model, system)
	if err != nil {
		return nil, err
	}

	msgs := make([]react.Message, 0, len(req.History)+1)
	for _, turn := range req.History {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		if turn.Role == "assistant" {
			msgs = append(msgs, llm.CreateAssistantMessage(turn.Content))
		} else {
			msgs = append(msgs, llm.CreateUserMessage(turn.Content))
		}
	}
	msgs = append(msgs, llm.CreateUserMessage(message))

	var executions []ToolExecution
	agent, err := react.NewAgent(&react.Config{
		Logger:             s.log,
		LLM:                llm,
		ToolClient:         s.cfg.ToolClient,
		MaxRounds:          s.cfg.MaxRounds,
		FinalizationPrompt: s.cfg.Prompts.Finalization,
		SummaryPrompt:      s.cfg.Prompts.Summary,
		RetryPrompt:        s.cfg.Prompts.Retry,
		Pool:               s.pool,
		OnToolExecution: func(e react.ToolExecution) {
			exec := ToolExecution{
				Name:    e.Name,
				Input:   s.formatInput(e.Name, e.Input),
				Output:  e.Output,
				IsError: e.IsError,
			}
			executions = append(executions, exec)
			emit(Event{Type: EventToolExecution, Data: exec})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	s.log.Info("concierge: responding", "model", req.Model, "history", len(req.History), "profile_id", req.ProfileID)
	result, err := agent.Run(ctx, msgs, chunkWriter(emit))
	if err != nil {
		return nil, fmt.Errorf("failed to run agent: %w", err)
	}
	s.log.Info("concierge: responded", "rounds", result.Rounds, "tool_executions", len(executions))

	if executions == nil {
		executions = []ToolExecution{}
	}
	return &Response{
		Answer:         result.FinalText,
		ToolExecutions: executions,
		Rounds:         result.Rounds,
	}, nil
}

func (s *Service) formatInput(name string, input map[string]any) string {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	if s.cfg.Registry != nil {
		if t, ok := s.cfg.Registry.Get(name); ok {
			return tools.FormatInput(t, raw)
		}
	}
	return tools.FormatJSON(input)
}

// chunkWriter turns text the agent writes into chunk events.
type chunkWriter EmitFunc

func (w chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w(Event{Type: EventChunk, Data: string(p)})
	}
	return len(p), nil
}
