package api

import (
	"net/http"
	"time"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/ingest"
	"github.io/infrasutra/mailsync/internal/mailer"
	"github.io/infrasutra/mailsync/internal/pagination"
	"github.io/infrasutra/mailsync/internal/store"
)

var mailboxSortFields = []string{"createdAt", "updatedAt", "email"}

func (s *Server) handleCreateMailbox(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var payload createMailboxRequest
	if !s.decode(w, r, &payload) {
		return
	}
	host := payload.Domain
	if host == "" {
		host = payload.IMAPHost
	}
	mb, err := s.service.RegisterMailbox(r.Context(), p, ingest.MailboxInput{
		Email:    payload.Email,
		Password: payload.Password,
		Host:     host,
		Port:     payload.Port,
		TLS:      payload.TLS,
		SMTPHost: payload.SMTPHost,
		SMTPPort: payload.SMTPPort,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toMailboxView(mb))
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	q := r.URL.Query()
	params := pagination.GetPaginationParams(q, mailboxSortFields, pagination.WithDefaultSort("createdAt", false))
	host := q.Get("domain")
	if host == "" {
		host = q.Get("imap_host")
	}
	mailboxes, total, err := s.service.ListMailboxes(r.Context(), p, store.MailboxFilter{
		Email: q.Get("email"),
		Host:  host,
	}, toPage(params))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]mailboxView, 0, len(mailboxes))
	for _, mb := range mailboxes {
		views = append(views, toMailboxView(mb))
	}
	s.respondJSON(w, http.StatusOK, newPageResponse(views, params, total))
}

func (s *Server) handleGetMailbox(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	mb, err := s.service.GetMailbox(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toMailboxView(mb))
}

func (s *Server) handleUpdateMailbox(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var payload updateMailboxRequest
	if !s.decode(w, r, &payload) {
		return
	}
	host := payload.Domain
	if host == nil {
		host = payload.IMAPHost
	}
	mb, err := s.service.UpdateMailbox(r.Context(), p, r.PathValue("id"), ingest.MailboxPatch{
		Email:    payload.Email,
		Password: payload.Password,
		Host:     host,
		Port:     payload.Port,
		TLS:      payload.TLS,
		SMTPHost: payload.SMTPHost,
		SMTPPort: payload.SMTPPort,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toMailboxView(mb))
}

func (s *Server) handleDeleteMailbox(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.service.DeregisterMailbox(r.Context(), p, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListenerState(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	state, err := s.service.ListenerState(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var payload sendRequest
	if !s.decode(w, r, &payload) {
		return
	}
	receipt, err := s.service.SendMail(r.Context(), p, r.PathValue("id"), mailer.Draft{
		To:      payload.To,
		Subject: payload.Subject,
		Text:    payload.Text,
		HTML:    payload.HTML,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, receiptView{
		MessageID: receipt.MessageID,
		From:      receipt.From,
		To:        receipt.To,
		SentAt:    receipt.SentAt.UTC().Format(time.RFC3339),
	})
}
