package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/concierge"
)

// ChatRequest is one user turn. An empty or unknown session id, or a model
// other than the session's, starts a new session.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Message   string `json:"message"`
	ProfileID string `json:"profile_id"`
}

type ChatResponse struct {
	SessionID      string                    `json:"session_id"`
	Model          string                    `json:"model"`
	Response       string                    `json:"response"`
	ToolExecutions []concierge.ToolExecution `json:"tool_executions"`
	Rounds         int                       `json:"rounds"`
}

type sessionEvent struct {
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	NewSession bool   `json:"new_session"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, concierge.ErrEmptyMessage.Error())
		return req, false
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}
	if _, ok := llm.Lookup(req.Model); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", llm.ErrUnsupportedModel, req.Model))
		return req, false
	}
	return req, true
}

// turn runs req on sess and records it in the history when it succeeds.
func (s *Server) turn(ctx context.Context, sess *Session, req ChatRequest, emit concierge.EmitFunc) (*ChatResponse, error) {
	sess.Lock()
	defer sess.Unlock()

	history := make([]concierge.Turn, len(sess.History))
	copy(history, sess.History)

	resp, err := s.cfg.Responder.Respond(ctx, concierge.Request{
		Model:     sess.Model,
		Message:   req.Message,
		History:   history,
		ProfileID: req.ProfileID,
	}, emit)
	if err != nil {
		return nil, err
	}

	s.sessions.Append(sess,
		concierge.Turn{Role: "user", Content: req.Message},
		concierge.Turn{Role: "assistant", Content: resp.Answer},
	)
	return &ChatResponse{
		SessionID:      sess.ID,
		Model:          sess.Model,
		Response:       resp.Answer,
		ToolExecutions: resp.ToolExecutions,
		Rounds:         resp.Rounds,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	sess, _ := s.sessions.Resolve(req.SessionID, req.Model)

	resp, err := s.turn(r.Context(), sess, req, nil)
	if err != nil {
		s.log.Error("chat: failed to respond", "session_id", sess.ID, "error", err)
		writeError(w, errorStatus(err), publicError(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Heartbeats and agent callbacks write from different goroutines.
	var mu sync.Mutex
	sendEvent := func(eventType string, data any) {
		mu.Lock()
		defer mu.Unlock()
		jsonData, err := json.Marshal(data)
		if err != nil {
			s.log.Error("chat: failed to marshal event", "event", eventType, "error", err)
			eventType = "error"
			jsonData = []byte(`{"error":"failed to serialize response"}`)
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
		flusher.Flush()
	}

	sess, created := s.sessions.Resolve(req.SessionID, req.Model)
	sendEvent("session", sessionEvent{SessionID: sess.ID, Model: sess.Model, NewSession: created})

	ctx := r.Context()
	heartbeatDone := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				sendEvent("heartbeat", map[string]string{})
			case <-heartbeatDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := s.turn(ctx, sess, req, func(e concierge.Event) {
		switch e.Type {
		case concierge.EventChunk:
			sendEvent("chunk", map[string]any{"content": e.Data})
		default:
			sendEvent(e.Type, e.Data)
		}
	})
	close(heartbeatDone)
	heartbeatWG.Wait()

	if err != nil {
		s.log.Error("chat: failed to respond", "session_id", sess.ID, "error", err)
		sendEvent("error", map[string]string{"error": publicError(err)})
		return
	}
	sendEvent("done", resp)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, concierge.ErrEmptyMessage), errors.Is(err, llm.ErrUnsupportedModel):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicError is what the client sees; internal failures are only logged.
func publicError(err error) string {
	switch errorStatus(err) {
	case http.StatusInternalServerError:
		return "failed to generate a response"
	case http.StatusGatewayTimeout:
		return "timed out generating a response"
	default:
		return err.Error()
	}
}
