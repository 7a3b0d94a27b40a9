package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/concierge/internal/agent/react"
	"github.com/malbeclabs/concierge/internal/concierge"
	"github.com/malbeclabs/concierge/internal/config"
	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/logger"
	mcpclient "github.com/malbeclabs/concierge/internal/mcp/client"
	"github.com/malbeclabs/concierge/internal/tools"
)

// env is what a command needs to run: settings, and either the local
// datasets and registry or a remote tool client.
type env struct {
	log *slog.Logger
	cfg *config.Config

	db       duck.DB
	datasets []dataset.Dataset
	registry *tools.Registry

	tools   react.ToolClient
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Debug("cli: close failed", "error", err)
		}
	}
}

// newEnv reads the root flags and the environment. With local set it opens
// the datasets even when --mcp-url is given.
func newEnv(ctx context.Context, cmd *cobra.Command, local bool) (*env, error) {
	flags := cmd.Root().PersistentFlags()
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	dataDir, err := flags.GetString("data-dir")
	if err != nil {
		return nil, fmt.Errorf("failed to get data-dir flag: %w", err)
	}
	mcpURL, err := flags.GetString("mcp-url")
	if err != nil {
		return nil, fmt.Errorf("failed to get mcp-url flag: %w", err)
	}
	mcpToken, err := flags.GetString("mcp-token")
	if err != nil {
		return nil, fmt.Errorf("failed to get mcp-token flag: %w", err)
	}

	log := logger.NewWithWriter(cmd.ErrOrStderr(), verbose)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	e := &env{log: log, cfg: cfg}

	if mcpURL != "" {
		if mcpToken == "" {
			mcpToken = os.Getenv("MCP_TOKEN")
		}
		client, err := mcpclient.New(ctx, mcpclient.Config{
			Logger:   log,
			Endpoint: mcpURL,
			Token:    mcpToken,
		})
		if err != nil {
			return nil, err
		}
		e.tools = client
		e.closers = append(e.closers, client.Close)
		if !local {
			return e, nil
		}
	}

	if err := e.openLocal(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if e.tools == nil {
		e.tools = concierge.NewRegistryClient(e.registry)
	}
	return e, nil
}

func (e *env) openLocal(ctx context.Context) error {
	db, err := duck.NewDB(ctx, "", e.log)
	if err != nil {
		return err
	}
	e.db = db
	e.closers = append(e.closers, db.Close)

	e.datasets, err = dataset.Load(e.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load datasets: %w", err)
	}

	e.registry, err = tools.NewDefaultRegistry(tools.Config{
		Logger:       e.log,
		DB:           db,
		Datasets:     e.datasets,
		MaxRows:      e.cfg.MaxRows,
		Location:     e.cfg.Location,
		ProfilesPath: e.cfg.ProfilesPath(),
	})
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}
	return nil
}

var errDatasetNotFound = errors.New("dataset not found")

func findDataset(datasets []dataset.Dataset, name string) (dataset.Dataset, error) {
	for _, ds := range datasets {
		if ds.Name == name || ds.Table == name || ds.File == name {
			return ds, nil
		}
	}
	names := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		names = append(names, ds.Name)
	}
	return dataset.Dataset{}, fmt.Errorf("%w: %s (available: %v)", errDatasetNotFound, name, names)
}
