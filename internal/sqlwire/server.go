// Package sqlwire serves the CSV datasets over the Postgres wire protocol
// for operators. Statements get the same guard and row cap as the search
// tools.
package sqlwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	wire "github.com/jeroenrinzema/psql-wire"
)

type Server struct {
	log      *slog.Logger
	cfg      Config
	psql     *wire.Server
	listener net.Listener
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		listener: cfg.Listener,
	}

	if len(cfg.Accounts) > 0 {
		s.log.Info("sqlwire: authentication enabled", "account_count", len(cfg.Accounts))
	} else {
		s.log.Info("sqlwire: authentication disabled (no accounts configured)")
	}

	psql, err := wire.NewServer(
		s.queryHandler,
		wire.Logger(s.log),
		wire.SessionAuthStrategy(authStrategy(s.log, cfg.Accounts)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres wire server: %w", err)
	}
	s.psql = psql
	return s, nil
}

// Addr is the address the console listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.psql.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
			serveErrCh <- fmt.Errorf("failed to serve postgres wire: %w", err)
		}
	}()
	s.log.Info("sqlwire: listening", "address", s.listener.Addr(), "datasets", len(s.cfg.Datasets))

	select {
	case <-ctx.Done():
		s.log.Info("sqlwire: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.psql.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown postgres wire server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		s.log.Error("sqlwire: server error causing shutdown", "error", err)
		return err
	}
}
