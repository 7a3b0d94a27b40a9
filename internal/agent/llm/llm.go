// Package llm maps model names to LLM clients for the agent.
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/malbeclabs/concierge/internal/agent/react"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultMaxOutputTokens = 4096
)

var (
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrMissingAPIKey    = errors.New("missing API key")
)

// Model is a selectable model.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Models lists the supported models, default first.
var Models = []Model{
	{ID: DefaultModel, Name: "Claude Sonnet 4", Provider: ProviderAnthropic},
	{ID: "gpt-5", Name: "GPT-5", Provider: ProviderOpenAI},
	{ID: "gpt-5-mini", Name: "GPT-5 mini", Provider: ProviderOpenAI},
}

func Lookup(id string) (Model, bool) {
	i := slices.IndexFunc(Models, func(m Model) bool { return m.ID == id })
	if i < 0 {
		return Model{}, false
	}
	return Models[i], true
}

type Config struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	MaxOutputTokens  int64
	HTTPClient       *http.Client
}

// Factory builds an LLM client per request, since the system prompt carries
// the request time.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return &Factory{cfg: cfg}
}

// Available returns the models whose provider has an API key configured.
func (f *Factory) Available() []Model {
	var out []Model
	for _, m := range Models {
		if f.apiKey(m.Provider) != "" {
			out = append(out, m)
		}
	}
	return out
}

func (f *Factory) apiKey(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return f.cfg.AnthropicAPIKey
	case ProviderOpenAI:
		return f.cfg.OpenAIAPIKey
	}
	return ""
}

// New returns a client for model with system as its system prompt. An empty
// model selects DefaultModel.
func (f *Factory) New(model, system string) (react.LLMClient, error) {
	if model == "" {
		model = DefaultModel
	}
	m, ok := Lookup(model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	key := f.apiKey(m.Provider)
	if key == "" {
		return nil, fmt.Errorf("%w: %s requires a %s API key", ErrMissingAPIKey, m.ID, m.Provider)
	}

	switch m.Provider {
	case ProviderAnthropic:
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if f.cfg.AnthropicBaseURL != "" {
			opts = append(opts, option.WithBaseURL(f.cfg.AnthropicBaseURL))
		}
		if f.cfg.HTTPClient != nil {
			opts = append(opts, option.WithHTTPClient(f.cfg.HTTPClient))
		}
		client := anthropic.NewClient(opts...)
		return react.NewAnthropicAgent(client, anthropic.Model(m.ID), f.cfg.MaxOutputTokens, system), nil
	default:
		return react.NewOpenAIAgent(react.OpenAIConfig{
			APIKey:          key,
			BaseURL:         f.cfg.OpenAIBaseURL,
			Model:           m.ID,
			MaxOutputTokens: f.cfg.MaxOutputTokens,
			System:          system,
			HTTPClient:      f.cfg.HTTPClient,
		}), nil
	}
}
