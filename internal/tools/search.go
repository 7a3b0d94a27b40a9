package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/guard"
	"github.com/malbeclabs/concierge/internal/metrics"
)

// SearchInput is what the model sends to a search tool. SQLQuery names the
// dataset by its CSV file, e.g. FROM 'stores.csv', which the tool rewrites
// to the configured path before execution.
type SearchInput struct {
	SQLQuery string `json:"sql_query" jsonschema:"a single SELECT statement; use the dataset table placeholder in FROM"`
}

func (in SearchInput) Validate() error {
	if strings.TrimSpace(in.SQLQuery) == "" {
		return errors.New("sql_query is required")
	}
	return nil
}

// SearchResult is the success variant of a search. Results holds at most
// MaxRows rows in the order the query returned them. Message is only set
// when nothing matched.
type SearchResult struct {
	Results []duck.QueryRow `json:"results"`
	Count   int             `json:"count"`
	Message string          `json:"message,omitempty"`
}

func (r SearchResult) Empty() bool {
	return r.Count == 0
}

// SearchToolConfig configures one search tool. The tool is named after
// Dataset.Name and reads Dataset.Path. MaxRows defaults to
// guard.DefaultMaxRows.
type SearchToolConfig struct {
	Logger  *slog.Logger
	DB      duck.DB
	Dataset dataset.Dataset
	MaxRows int
}

func (cfg *SearchToolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Dataset.Name == "" {
		return errors.New("dataset name is required")
	}
	if cfg.Dataset.Path == "" {
		return errors.New("dataset path is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = guard.DefaultMaxRows
	}
	if cfg.Dataset.EmptyMessage == "" {
		cfg.Dataset.EmptyMessage = "No rows matched the search conditions."
	}
	return nil
}

// SearchTool runs guarded SELECT statements against one CSV dataset.
type SearchTool struct {
	log  *slog.Logger
	cfg  SearchToolConfig
	tool Tool
}

// NewSearchTool validates cfg and builds the tool's definition, including
// the dataset's schema and example queries in its description.
func NewSearchTool(cfg SearchToolConfig) (*SearchTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate search tool config: %w", err)
	}
	t := &SearchTool{
		log: cfg.Logger,
		cfg: cfg,
	}
	tool, err := New(cfg.Dataset.Name, cfg.Dataset.Description(cfg.MaxRows), func(ctx context.Context, in SearchInput) (SearchResult, error) {
		return t.Search(ctx, in.SQLQuery)
	})
	if err != nil {
		return nil, err
	}
	t.tool = tool
	return t, nil
}

func (t *SearchTool) Name() string                   { return t.tool.Name() }
func (t *SearchTool) Description() string            { return t.tool.Description() }
func (t *SearchTool) InputSchema() *jsonschema.Schema { return t.tool.InputSchema() }

func (t *SearchTool) Call(ctx context.Context, input json.RawMessage) (Output, error) {
	return t.tool.Call(ctx, input)
}

// FormatInput shows the SQL text rather than its JSON envelope.
func (t *SearchTool) FormatInput(input json.RawMessage) string {
	var in SearchInput
	if err := json.Unmarshal(input, &in); err != nil || in.SQLQuery == "" {
		return string(input)
	}
	return in.SQLQuery
}

// Search validates sql, caps its rows and runs it. Rejections come back
// as a *guard.RejectionError without touching the engine, and engine
// failures as a wrapped *duck.ExecutorError.
func (t *SearchTool) Search(ctx context.Context, sql string) (SearchResult, error) {
	name := t.cfg.Dataset.Name

	if err := guard.Validate(sql); err != nil {
		for _, rule := range guard.Rules(err) {
			metrics.GuardRejectionsTotal.WithLabelValues(name, rule).Inc()
		}
		t.log.Warn("search: rejected query", "tool", name, "error", err)
		return SearchResult{}, err
	}

	capped := guard.EnforceRowCap(sql, t.cfg.MaxRows)
	resolved := t.cfg.Dataset.Resolve(capped)
	t.log.Debug("search: running query", "tool", name, "sql", capped)

	start := time.Now()
	res, err := duck.Query(ctx, t.cfg.DB, t.cfg.MaxRows, resolved)
	metrics.DatabaseQueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseQueriesTotal.WithLabelValues(name, "error").Inc()
		t.log.Warn("search: query failed", "tool", name, "error", err)
		return SearchResult{}, fmt.Errorf("query execution failed: %w", err)
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(name, "success").Inc()
	t.log.Info("search: query executed", "tool", name, "count", res.Count)

	if res.Count == 0 {
		return SearchResult{
			Results: []duck.QueryRow{},
			Count:   0,
			Message: t.cfg.Dataset.EmptyMessage,
		}, nil
	}
	return SearchResult{
		Results: res.Rows,
		Count:   res.Count,
	}, nil
}

// NewSearchTools builds one search tool per dataset.
func NewSearchTools(log *slog.Logger, db duck.DB, datasets []dataset.Dataset, maxRows int) ([]Tool, error) {
	out := make([]Tool, 0, len(datasets))
	for _, ds := range datasets {
		t, err := NewSearchTool(SearchToolConfig{
			Logger:  log,
			DB:      db,
			Dataset: ds,
			MaxRows: maxRows,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", ds.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}
