// ABOUTME: HTTP control surface for managing sessions and sending messages.
// ABOUTME: JSON REST handlers with bearer/API-key auth in front of the orchestrator.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bigconect/conect-gateway/internal/auth"
	"github.com/bigconect/conect-gateway/internal/governor"
	"github.com/bigconect/conect-gateway/internal/orchestrator"
	"github.com/bigconect/conect-gateway/internal/registry"
)

// sessionService is the orchestrator surface the handlers need.
// This allows injecting mock implementations for testing.
type sessionService interface {
	Create(ctx context.Context, displayName string) (*registry.Session, error)
	Get(ctx context.Context, id string) (*registry.Session, error)
	List(ctx context.Context) ([]*registry.Session, error)
	PairingCode(ctx context.Context, id string) (string, error)
	Reconnect(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, target, content string) (string, error)
	SetWebhook(ctx context.Context, id, url string) error
	ClearWebhook(ctx context.Context, id string) error
	Webhook(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context) (map[registry.Status]int, error)
}

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	DisplayName string `json:"display_name"`
}

// SessionResponse is the JSON representation of one session.
type SessionResponse struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	Status            string `json:"status"`
	PairingCode       string `json:"pairing_code,omitempty"`
	WebhookOverride   string `json:"webhook_override,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	CreatedAt         string `json:"created_at"`
	LastActivityAt    string `json:"last_activity_at"`
}

// SendMessageRequest is the JSON request body for POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	Target  string `json:"target"`
	Content string `json:"content"`
}

// SendMessageResponse is the JSON response for a successful send.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
}

// SetWebhookRequest is the JSON request body for POST /api/sessions/{id}/webhook.
type SetWebhookRequest struct {
	URL string `json:"url"`
}

// Server is the HTTP control surface.
type Server struct {
	service sessionService
	auth    *auth.Authenticator
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires the handlers onto a fresh mux.
func NewServer(service sessionService, authenticator *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		auth:    authenticator,
		logger:  logger.With("component", "httpapi"),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	s.mux.HandleFunc("/api/sessions/", s.requireAuth(s.handleSessionByID))

	return s
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// requireAuth wraps a handler with credential checking. The credential comes
// from the Authorization bearer header or the X-API-Key header.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get("X-API-Key")
		if credential == "" {
			credential = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		principal, err := s.auth.Authenticate(credential)
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		s.logger.Debug("authenticated request",
			"principal", principal,
			"method", r.Method,
			"path", r.URL.Path,
		)
		next(w, r)
	}
}

// handleHealth handles GET /health. Unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	total := 0
	byStatus := make(map[string]int, len(stats))
	for status, n := range stats {
		byStatus[string(status)] = n
		total += n
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"by_status": byStatus,
	})
}

// handleSessions routes collection-level requests by HTTP method.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSessions(w, r)
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCreateSession handles POST /api/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DisplayName == "" {
		s.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	session, err := s.service.Create(r.Context(), req.DisplayName)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusCreated, sessionToResponse(session))
}

// handleListSessions handles GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, sessionToResponse(session))
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"sessions": response})
}

// handleSessionByID routes /api/sessions/{id} and its sub-resources.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	switch sub {
	case "":
		s.handleSession(w, r, id)
	case "pairing":
		s.handlePairing(w, r, id)
	case "reconnect":
		s.handleReconnect(w, r, id)
	case "webhook":
		s.handleWebhook(w, r, id)
	case "messages":
		s.handleSendMessage(w, r, id)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSession handles GET and DELETE /api/sessions/{id}.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		session, err := s.service.Get(r.Context(), id)
		if err != nil {
			s.sendServiceError(w, err, "failed to get session")
			return
		}
		s.sendJSON(w, http.StatusOK, sessionToResponse(session))

	case http.MethodDelete:
		if err := s.service.Delete(r.Context(), id); err != nil {
			s.sendServiceError(w, err, "failed to delete session")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePairing handles GET /api/sessions/{id}/pairing.
func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	code, err := s.service.PairingCode(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "failed to get pairing code")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"pairing_code": code})
}

// handleReconnect handles POST /api/sessions/{id}/reconnect.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.Reconnect(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "failed to reconnect session")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// handleWebhook handles GET, POST, and DELETE /api/sessions/{id}/webhook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		url, err := s.service.Webhook(r.Context(), id)
		if err != nil {
			s.sendServiceError(w, err, "failed to get webhook override")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"url": url})

	case http.MethodPost:
		var req SetWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.URL == "" {
			s.sendJSONError(w, http.StatusBadRequest, "url is required")
			return
		}
		if err := s.service.SetWebhook(r.Context(), id, req.URL); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.sendJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"url": req.URL})

	case http.MethodDelete:
		if err := s.service.ClearWebhook(r.Context(), id); err != nil {
			s.sendServiceError(w, err, "failed to clear webhook override")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSendMessage handles POST /api/sessions/{id}/messages. Governor
// rejections map to 429 with the suggested wait so clients can back off.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Target == "" || req.Content == "" {
		s.sendJSONError(w, http.StatusBadRequest, "target and content are required")
		return
	}

	messageID, err := s.service.SendMessage(r.Context(), id, req.Target, req.Content)
	if err != nil {
		var rle *governor.RateLimitError
		switch {
		case errors.Is(err, registry.ErrNotFound):
			s.sendJSONError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, orchestrator.ErrNotConnected):
			s.sendJSONError(w, http.StatusConflict, "session is not connected")
		case errors.Is(err, orchestrator.ErrInvalidTarget):
			s.sendJSONError(w, http.StatusBadRequest, "invalid target address")
		case errors.As(err, &rle):
			s.sendJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   rle.Reason,
				"wait_ms": rle.Wait.Milliseconds(),
			})
		default:
			s.logger.Error("failed to send message", "session_id", id, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.sendJSON(w, http.StatusOK, SendMessageResponse{MessageID: messageID})
}

// sendServiceError maps common service errors onto status codes.
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logMsg string) {
	if errors.Is(err, registry.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error(logMsg, "error", err)
	s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// sendJSON writes a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

func sessionToResponse(session *registry.Session) SessionResponse {
	return SessionResponse{
		ID:                session.ID,
		DisplayName:       session.DisplayName,
		Status:            string(session.Status),
		PairingCode:       session.PairingCode,
		WebhookOverride:   session.WebhookOverride,
		ReconnectAttempts: session.ReconnectAttempts,
		CreatedAt:         session.CreatedAt.Format(time.RFC3339),
		LastActivityAt:    session.LastActivityAt.Format(time.RFC3339),
	}
}
