package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/oauth"
	"github.io/infrasutra/mailsync/internal/store"
)

func (s *Server) handleGoogleConsent(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if s.oauth == nil {
		s.fail(w, r, oauth.ErrDisabled)
		return
	}
	state, err := s.auth.IssueState(p, time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	url, err := s.oauth.ConsentURL(state)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleGoogleCallback completes the consent flow. The caller is identified
// by the signed state, not by a bearer token.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.fail(w, r, oauth.ErrDisabled)
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		s.respondError(w, http.StatusBadRequest, "consent denied: "+reason)
		return
	}
	p, err := s.auth.ParseState(q.Get("state"), time.Now())
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid oauth state")
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		s.respondError(w, http.StatusBadRequest, "missing code")
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("oauth exchange", "user", p.UserID, "error", err)
		s.respondError(w, http.StatusBadGateway, "google token exchange failed")
		return
	}
	email, err := s.oauth.ProfileEmail(r.Context(), tok)
	if err != nil {
		s.logger.Warn("oauth profile", "user", p.UserID, "error", err)
		s.respondError(w, http.StatusBadGateway, "google profile lookup failed")
		return
	}
	mb, created, err := s.service.RegisterOAuthMailbox(r.Context(), p, email, tok)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, toMailboxView(mb))
}

// handleGmailPush receives Pub/Sub push deliveries. Notifications for
// unknown mailboxes are acknowledged so Pub/Sub does not redeliver them.
func (s *Server) handleGmailPush(w http.ResponseWriter, r *http.Request) {
	if !s.auth.VerifyPushToken(r.URL.Query().Get("token")) {
		s.respondError(w, http.StatusUnauthorized, "invalid push token")
		return
	}
	var envelope pushEnvelope
	if !s.decode(w, r, &envelope) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "message data is not base64")
		return
	}
	var notification gmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		s.respondError(w, http.StatusBadRequest, "message data is not a gmail notification")
		return
	}

	err = s.service.HandleGmailPush(r.Context(), notification.EmailAddress)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("push for unknown mailbox", "email", notification.EmailAddress, "history_id", notification.HistoryID.String())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("gmail push", "email", notification.EmailAddress, "history_id", notification.HistoryID.String())
	w.WriteHeader(http.StatusNoContent)
}
