package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/ingest"
	"github.io/infrasutra/mailsync/internal/mailer"
	"github.io/infrasutra/mailsync/internal/oauth"
	"github.io/infrasutra/mailsync/internal/sse"
	"github.io/infrasutra/mailsync/internal/store"
)

const maxBodyBytes = 1 << 20

// OAuthProvider runs the Google consent flow for Gmail registrations.
type OAuthProvider interface {
	ConsentURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	ProfileEmail(ctx context.Context, tok *oauth2.Token) (string, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	service *ingest.Service
	oauth   OAuthProvider
	auth    *auth.Manager
	hub     *sse.Hub
	db      Pinger
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(service *ingest.Service, oauthProvider OAuthProvider, authManager *auth.Manager, hub *sse.Hub, db Pinger, logger *slog.Logger) *Server {
	server := &Server{
		service: service,
		oauth:   oauthProvider,
		auth:    authManager,
		hub:     hub,
		db:      db,
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)

	mux.HandleFunc("POST /v1/mail-configs", server.authed(server.handleCreateMailbox))
	mux.HandleFunc("GET /v1/mail-configs", server.authed(server.handleListMailboxes))
	mux.HandleFunc("GET /v1/mail-configs/{id}", server.authed(server.handleGetMailbox))
	mux.HandleFunc("PATCH /v1/mail-configs/{id}", server.authed(server.handleUpdateMailbox))
	mux.HandleFunc("DELETE /v1/mail-configs/{id}", server.authed(server.handleDeleteMailbox))
	mux.HandleFunc("GET /v1/mail-configs/{id}/listener", server.authed(server.handleListenerState))
	mux.HandleFunc("POST /v1/mail-configs/{id}/send-email", server.authed(server.handleSend))

	mux.HandleFunc("GET /v1/oauth-mail-configs/google", server.authed(server.handleGoogleConsent))
	mux.HandleFunc("GET /v1/oauth-mail-configs/google/callback", server.handleGoogleCallback)

	mux.HandleFunc("GET /v1/received-emails", server.authed(server.handleMessages))
	mux.HandleFunc("GET /v1/received-emails/stream", server.authed(server.handleStream))

	mux.HandleFunc("POST /v1/webhooks/gmail", server.handleGmailPush)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed resolves the bearer token before calling next. The SSE stream
// also accepts the token as access_token since EventSource cannot set
// headers.
func (s *Server) authed(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && strings.HasSuffix(r.URL.Path, "/stream") {
			token = r.URL.Query().Get("access_token")
		}
		p, err := s.auth.Parse(token, time.Now())
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "please authenticate")
			return
		}
		next(w, r, p)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Code: status, Message: message})
}

// fail maps service errors onto HTTP statuses. Unknown errors are logged
// and reported as 500 without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *ingest.ValidationError
		sendErr    *mailer.SendError
	)
	switch {
	case errors.As(err, &validation):
		s.respondJSON(w, http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: validation.Message,
			Field:   validation.Field,
		})
	case errors.Is(err, store.ErrDuplicateMailbox):
		s.respondError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ingest.ErrForbidden):
		s.respondError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &sendErr):
		s.logger.Warn("send mail", "error", err)
		s.respondError(w, http.StatusBadGateway, sendErr.Error())
	case errors.Is(err, oauth.ErrDisabled):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("readiness check", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
