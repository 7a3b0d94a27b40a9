// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/guard"
	"github.com/malbeclabs/concierge/internal/sqlwire"
)

const (
	defaultDataDir    = "data"
	defaultTimezone   = "Asia/Tokyo"
	defaultSessionTTL = 24 * time.Hour

	// DefaultNarrativeDataFile is looked up in the data directory when
	// NARRATIVE_DATA_FILE is unset.
	DefaultNarrativeDataFile = "narrative_data.csv"
)

type Config struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	Model            string

	DataDir    string
	Location   *time.Location
	MaxRows    int
	SessionTTL time.Duration

	MCPAllowedTokens []string
	MCPAuthDisabled  bool

	PostgresAccounts map[string]string

	// NarrativeDataFile is the user profile CSV. See ProfilesPath.
	NarrativeDataFile string
}

// LoadFromEnv loads the given env files, or .env when none are named,
// without overriding variables already set, then reads the environment.
// Missing env files are ignored.
func LoadFromEnv(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return Load(os.Getenv)
}

// Load reads settings through getenv.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		AnthropicAPIKey:  strings.TrimSpace(getenv("ANTHROPIC_API_KEY")),
		AnthropicBaseURL: strings.TrimSpace(getenv("ANTHROPIC_BASE_URL")),
		OpenAIAPIKey:     strings.TrimSpace(getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:    strings.TrimSpace(getenv("OPENAI_BASE_URL")),
		Model:            orDefault(getenv("CONCIERGE_MODEL"), llm.DefaultModel),
		DataDir:          orDefault(getenv("CONCIERGE_DATA_DIR"), defaultDataDir),
		MaxRows:          guard.DefaultMaxRows,
		SessionTTL:       defaultSessionTTL,
	}

	if _, ok := llm.Lookup(cfg.Model); !ok {
		return nil, fmt.Errorf("CONCIERGE_MODEL: %w: %s", llm.ErrUnsupportedModel, cfg.Model)
	}

	loc, err := time.LoadLocation(orDefault(getenv("CONCIERGE_TIMEZONE"), defaultTimezone))
	if err != nil {
		return nil, fmt.Errorf("CONCIERGE_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if v := strings.TrimSpace(getenv("CONCIERGE_MAX_ROWS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CONCIERGE_MAX_ROWS: %w", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("CONCIERGE_MAX_ROWS must be greater than 0, got %d", n)
		}
		cfg.MaxRows = n
	}

	if v := strings.TrimSpace(getenv("CONCIERGE_SESSION_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CONCIERGE_SESSION_TTL: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("CONCIERGE_SESSION_TTL must be positive, got %s", d)
		}
		cfg.SessionTTL = d
	}

	for _, token := range strings.Split(getenv("MCP_ALLOWED_TOKENS"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			cfg.MCPAllowedTokens = append(cfg.MCPAllowedTokens, token)
		}
	}
	if v := strings.TrimSpace(getenv("MCP_AUTH_DISABLED")); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MCP_AUTH_DISABLED: %w", err)
		}
		cfg.MCPAuthDisabled = disabled
	}

	accounts, err := sqlwire.ParseAccounts(getenv("POSTGRES_ACCOUNTS"))
	if err != nil {
		return nil, fmt.Errorf("POSTGRES_ACCOUNTS: %w", err)
	}
	cfg.PostgresAccounts = accounts

	cfg.NarrativeDataFile = strings.TrimSpace(getenv("NARRATIVE_DATA_FILE"))

	return cfg, nil
}

// ProfilesPath returns NarrativeDataFile, or the default file in DataDir
// when that exists. Empty disables get_user_profile.
func (c *Config) ProfilesPath() string {
	if c.NarrativeDataFile != "" {
		return c.NarrativeDataFile
	}
	candidate := filepath.Join(c.DataDir, DefaultNarrativeDataFile)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// LLM returns the model client settings.
func (c *Config) LLM() llm.Config {
	return llm.Config{
		AnthropicAPIKey:  c.AnthropicAPIKey,
		AnthropicBaseURL: c.AnthropicBaseURL,
		OpenAIAPIKey:     c.OpenAIAPIKey,
		OpenAIBaseURL:    c.OpenAIBaseURL,
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
