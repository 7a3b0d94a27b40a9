package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/concierge/internal/tools"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

type Config struct {
	Logger   *slog.Logger
	Registry *tools.Registry

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// AllowedTokens are the bearer tokens accepted on the MCP endpoint.
	// At least one is required unless AuthDisabled is set.
	AllowedTokens []string
	AuthDisabled  bool

	// Ready reports whether the backing store can serve queries. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if !c.AuthDisabled && len(c.AllowedTokens) == 0 {
		return errors.New("allowed tokens are required unless auth is disabled")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
