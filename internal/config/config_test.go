package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/guard"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestConfig_Load(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(env(map[string]string{"CONCIERGE_DATA_DIR": t.TempDir()}))
		require.NoError(t, err)
		require.Equal(t, llm.DefaultModel, cfg.Model)
		require.Equal(t, "Asia/Tokyo", cfg.Location.String())
		require.Equal(t, guard.DefaultMaxRows, cfg.MaxRows)
		require.Equal(t, defaultSessionTTL, cfg.SessionTTL)
		require.Empty(t, cfg.MCPAllowedTokens)
		require.False(t, cfg.MCPAuthDisabled)
		require.Empty(t, cfg.PostgresAccounts)
		require.Empty(t, cfg.ProfilesPath())
	})

	t.Run("reads every variable", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(env(map[string]string{
			"ANTHROPIC_API_KEY":     " sk-ant ",
			"OPENAI_API_KEY":        "sk-openai",
			"OPENAI_BASE_URL":       "http://localhost:8000/v1",
			"CONCIERGE_MODEL":       "gpt-5-mini",
			"CONCIERGE_DATA_DIR":    "/srv/data",
			"CONCIERGE_TIMEZONE":    "UTC",
			"CONCIERGE_MAX_ROWS":    "25",
			"CONCIERGE_SESSION_TTL": "90m",
			"MCP_ALLOWED_TOKENS":    "a, b,,",
			"MCP_AUTH_DISABLED":     "true",
			"POSTGRES_ACCOUNTS":     "ops:secret",
			"NARRATIVE_DATA_FILE":   "/srv/profiles.csv",
		}))
		require.NoError(t, err)

		want := &Config{
			AnthropicAPIKey:   "sk-ant",
			OpenAIAPIKey:      "sk-openai",
			OpenAIBaseURL:     "http://localhost:8000/v1",
			Model:             "gpt-5-mini",
			DataDir:           "/srv/data",
			Location:          time.UTC,
			MaxRows:           25,
			SessionTTL:        90 * time.Minute,
			MCPAllowedTokens:  []string{"a", "b"},
			MCPAuthDisabled:   true,
			PostgresAccounts:  map[string]string{"ops": "secret"},
			NarrativeDataFile: "/srv/profiles.csv",
		}
		if diff := cmp.Diff(want, cfg, cmp.Comparer(func(a, b *time.Location) bool {
			return a.String() == b.String()
		})); diff != "" {
			t.Fatalf("config mismatch (-want +got):\n%s", diff)
		}

		require.Equal(t, "sk-openai", cfg.LLM().OpenAIAPIKey)
	})

	t.Run("finds the narrative file in the data directory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		path := filepath.Join(dir, DefaultNarrativeDataFile)
		require.NoError(t, os.WriteFile(path, []byte("id\n"), 0o644))

		cfg, err := Load(env(map[string]string{}))
		require.NoError(t, err)
		require.Empty(t, cfg.NarrativeDataFile)
		cfg.DataDir = dir
		require.Equal(t, path, cfg.ProfilesPath())

		cfg.NarrativeDataFile = "/srv/profiles.csv"
		require.Equal(t, "/srv/profiles.csv", cfg.ProfilesPath())
	})

	errorCases := []struct {
		name    string
		vars    map[string]string
		wantErr string
	}{
		{name: "unknown model", vars: map[string]string{"CONCIERGE_MODEL": "gpt-2"}, wantErr: "unsupported model"},
		{name: "bad timezone", vars: map[string]string{"CONCIERGE_TIMEZONE": "Mars/Olympus"}, wantErr: "CONCIERGE_TIMEZONE"},
		{name: "bad max rows", vars: map[string]string{"CONCIERGE_MAX_ROWS": "ten"}, wantErr: "CONCIERGE_MAX_ROWS"},
		{name: "zero max rows", vars: map[string]string{"CONCIERGE_MAX_ROWS": "0"}, wantErr: "greater than 0"},
		{name: "bad ttl", vars: map[string]string{"CONCIERGE_SESSION_TTL": "forever"}, wantErr: "CONCIERGE_SESSION_TTL"},
		{name: "negative ttl", vars: map[string]string{"CONCIERGE_SESSION_TTL": "-1h"}, wantErr: "must be positive"},
		{name: "bad auth flag", vars: map[string]string{"MCP_AUTH_DISABLED": "maybe"}, wantErr: "MCP_AUTH_DISABLED"},
		{name: "bad accounts", vars: map[string]string{"POSTGRES_ACCOUNTS": "nopassword"}, wantErr: "POSTGRES_ACCOUNTS"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(env(tt.vars))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// Not parallel: godotenv writes the process environment.
func TestConfig_LoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CONCIERGE_MAX_ROWS=7\nCONCIERGE_MODEL=gpt-5\n"), 0o644))

	t.Setenv("CONCIERGE_MAX_ROWS", "")
	require.NoError(t, os.Unsetenv("CONCIERGE_MAX_ROWS"))
	t.Setenv("CONCIERGE_MODEL", "gpt-5-mini")

	cfg, err := LoadFromEnv(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxRows)
	// Variables already set win over the file.
	require.Equal(t, "gpt-5-mini", cfg.Model)
}
