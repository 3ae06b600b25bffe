// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/happyahluwalia/filingagent/internal/agent"
	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/history"
	"github.com/happyahluwalia/filingagent/internal/types"
)

// HealthChecker reports whether a named backend is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// CheckFunc adapts a function to the HealthChecker interface.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Healthy(ctx context.Context) error { return f(ctx) }

// Server exposes the agent over HTTP.
type Server struct {
	supervisor *agent.Supervisor
	registry   *entity.Registry
	checks     map[string]HealthChecker
	mux        *http.ServeMux
}

func NewServer(supervisor *agent.Supervisor, registry *entity.Registry, checks map[string]HealthChecker) *Server {
	s := &Server{
		supervisor: supervisor,
		registry:   registry,
		checks:     checks,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/companies", s.handleCompanies)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// chatRequest is the JSON body for POST /api/chat and /api/chat/stream.
type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (r chatRequest) toAgent() agent.Request {
	return agent.Request{
		Query:    r.Query,
		ThreadID: types.ThreadID(r.SessionID),
		UserID:   r.UserID,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidThreadID),
		errors.Is(err, history.ErrMessageTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrCheckpointUnavailable):
		return http.StatusServiceUnavailable
	default:
		var backend *types.BackendUnavailableError
		if errors.As(err, &backend) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.supervisor.Handle(r.Context(), req.toAgent())
	if err != nil {
		slog.Error("chat turn failed", "session_id", req.SessionID, "error", err)
		writeError(w, errorStatus(err), "failed to answer")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink(w, flusher)
	if err := s.supervisor.HandleStream(r.Context(), req.toAgent(), sink); err != nil {
		// headers are already on the wire; the error event (or the closed
		// connection) is all the client gets
		slog.Error("streamed chat turn failed", "session_id", req.SessionID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]string, len(s.checks))
	failed := 0
	for name, check := range s.checks {
		if err := check.Healthy(ctx); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			components[name] = "unhealthy"
			failed++
		} else {
			components[name] = "healthy"
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case failed == len(s.checks) && failed > 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case failed > 0:
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": components,
	})
}

type companyResponse struct {
	Ticker types.EntityID `json:"ticker"`
	Name   string         `json:"name"`
}

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	companies := s.registry.All()
	result := make([]companyResponse, 0, len(companies))
	for _, c := range companies {
		result = append(result, companyResponse{Ticker: c.Ticker, Name: c.Name})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"companies": result})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	threadID := types.ThreadID(r.PathValue("id"))
	messages, err := s.supervisor.Messages(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidThreadID) {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		slog.Error("load session messages failed", "session_id", threadID, "error", err)
		writeError(w, errorStatus(err), "failed to load session")
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"session_id": threadID,
		"messages":   messages,
	})
}
