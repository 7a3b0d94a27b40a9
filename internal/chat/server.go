// Package chat serves the concierge over HTTP: a JSON endpoint, a
// server-sent events stream and in-memory sessions.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/agent/react"
	"github.com/malbeclabs/concierge/internal/concierge"
	"github.com/malbeclabs/concierge/internal/metrics"
)

const (
	defaultSessionTTL        = 24 * time.Hour
	defaultHeartbeatInterval = 15 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// Responder answers chat turns.
type Responder interface {
	Respond(ctx context.Context, req concierge.Request, emit concierge.EmitFunc) (*concierge.Response, error)
	Tools(ctx context.Context) ([]react.Tool, error)
}

type Config struct {
	Logger    *slog.Logger
	Responder Responder

	// Models are the selectable models; the first is the default when
	// DefaultModel is empty.
	Models       []llm.Model
	DefaultModel string

	ListenAddr        string
	AllowedOrigins    []string
	SessionTTL        time.Duration
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Responder == nil {
		return errors.New("responder is required")
	}
	if cfg.DefaultModel == "" {
		if len(cfg.Models) > 0 {
			cfg.DefaultModel = cfg.Models[0].ID
		} else {
			cfg.DefaultModel = llm.DefaultModel
		}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log      *slog.Logger
	cfg      Config
	sessions *SessionStore
	handler  http.Handler
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		sessions: NewSessionStore(cfg.SessionTTL, cfg.Clock),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Get("/tools", s.handleTools)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.sessions.Start()
	defer s.sessions.Stop()

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("chat: listening", "address", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("chat: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// instrument records request metrics against the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := s.cfg.Clock.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues("chat", r.Method, endpoint, fmt.Sprint(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues("chat").Observe(duration.Seconds())
		s.log.Debug("chat: request", "method", r.Method, "endpoint", endpoint, "status", status, "duration", duration)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := s.cfg.Models
	if models == nil {
		models = []llm.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  models,
		"default": s.cfg.DefaultModel,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Responder.Tools(r.Context())
	if err != nil {
		s.log.Error("chat: failed to list tools", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sess.Lock()
	snap := sess.Snapshot()
	sess.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
