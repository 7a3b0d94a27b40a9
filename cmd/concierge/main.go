package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/agent/prompts"
	"github.com/malbeclabs/concierge/internal/chat"
	"github.com/malbeclabs/concierge/internal/concierge"
	"github.com/malbeclabs/concierge/internal/config"
	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/logger"
	mcpserver "github.com/malbeclabs/concierge/internal/mcp/server"
	"github.com/malbeclabs/concierge/internal/metrics"
	"github.com/malbeclabs/concierge/internal/sqlwire"
	"github.com/malbeclabs/concierge/internal/tools"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr    = "0.0.0.0:8501"
	defaultMCPListenAddr = "0.0.0.0:8010"
	defaultMetricsAddr   = "0.0.0.0:8080"
	shutdownGracePeriod  = 35 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "chat API listen address")
	mcpListenAddrFlag := flag.String("mcp-listen-addr", defaultMCPListenAddr, "MCP server listen address (set to empty string to disable)")
	pgListenAddrFlag := flag.String("pg-listen-addr", "", "PostgreSQL wire protocol console listen address (empty disables it)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	dataDirFlag := flag.String("data-dir", "", "directory holding the dataset CSV files (or set CONCIERGE_DATA_DIR env var)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	db, err := duck.NewDB(ctx, "", log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	datasets, err := dataset.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load datasets: %w", err)
	}
	log.Info("datasets loaded", "dataDir", cfg.DataDir, "count", len(datasets))

	registry, err := tools.NewDefaultRegistry(tools.Config{
		Logger:       log,
		DB:           db,
		Datasets:     datasets,
		MaxRows:      cfg.MaxRows,
		Location:     cfg.Location,
		ProfilesPath: cfg.ProfilesPath(),
	})
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}
	log.Info("tools registered", "tools", registry.Names())

	factory := llm.NewFactory(cfg.LLM())
	models := factory.Available()
	if len(models) == 0 {
		log.Warn("server: no LLM API key configured, chat requests will fail until one is set")
	}
	defaultModel := ""
	for _, m := range models {
		if m.ID == cfg.Model {
			defaultModel = m.ID
		}
	}

	prompt, err := prompts.Load()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	svc, err := concierge.New(concierge.Config{
		Logger:   log,
		Models:   factory,
		Prompts:  prompt,
		Registry: registry,
		Location: cfg.Location,
	})
	if err != nil {
		return fmt.Errorf("failed to create concierge: %w", err)
	}

	chatServer, err := chat.New(chat.Config{
		Logger:       log,
		Responder:    svc,
		Models:       models,
		DefaultModel: defaultModel,
		ListenAddr:   *listenAddrFlag,
		SessionTTL:   cfg.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat server: %w", err)
	}

	serverErrCh := make(chan error, 3)
	running := 1
	go func() {
		serverErrCh <- chatServer.Run(ctx)
	}()

	switch {
	case *mcpListenAddrFlag == "":
		log.Info("MCP server disabled")
	case len(cfg.MCPAllowedTokens) == 0 && !cfg.MCPAuthDisabled:
		log.Warn("MCP server disabled: set MCP_ALLOWED_TOKENS or MCP_AUTH_DISABLED=true to enable it")
	default:
		mcpServer, err := mcpserver.New(mcpserver.Config{
			Logger:        log,
			Registry:      registry,
			Version:       version,
			ListenAddr:    *mcpListenAddrFlag,
			AllowedTokens: cfg.MCPAllowedTokens,
			AuthDisabled:  cfg.MCPAuthDisabled,
			Ready: func(ctx context.Context) error {
				conn, err := db.Conn(ctx)
				if err != nil {
					return err
				}
				return conn.Close()
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		running++
		go func() {
			serverErrCh <- mcpServer.Run(ctx)
		}()
	}

	if *pgListenAddrFlag != "" {
		listener, err := net.Listen("tcp", *pgListenAddrFlag)
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL listener: %w", err)
		}
		defer listener.Close()

		console, err := sqlwire.New(sqlwire.Config{
			Logger:          log,
			DB:              db,
			Datasets:        datasets,
			Listener:        listener,
			MaxRows:         cfg.MaxRows,
			ShutdownTimeout: 10 * time.Second,
			Accounts:        cfg.PostgresAccounts,
		})
		if err != nil {
			return fmt.Errorf("failed to create SQL console: %w", err)
		}
		running++
		go func() {
			serverErrCh <- console.Run(ctx)
		}()
		log.Info("PostgreSQL wire protocol enabled", "address", listener.Addr().String())
	} else {
		log.Info("PostgreSQL wire protocol disabled")
	}

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		waitForServers(log, serverErrCh, running)
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}

// waitForServers lets the servers finish their graceful shutdown before the
// database is closed.
func waitForServers(log *slog.Logger, errCh <-chan error, n int) {
	timeout := time.After(shutdownGracePeriod)
	for range n {
		select {
		case err := <-errCh:
			if err != nil {
				log.Error("server: shutdown error", "error", err)
			}
		case <-timeout:
			log.Warn("server: shutdown grace period elapsed")
			return
		}
	}
}
