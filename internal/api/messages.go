package api

import (
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/pagination"
	"github.io/infrasutra/mailsync/internal/sse"
	"github.io/infrasutra/mailsync/internal/store"
)

var messageSortFields = []string{"receivedAt", "sentAt", "subject"}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	q := r.URL.Query()
	params := pagination.GetPaginationParams(q, messageSortFields, pagination.WithDefaultSort("receivedAt", true))
	filter := store.MessageFilter{
		MailboxID:    strings.TrimSpace(q.Get("mailbox_id")),
		MailboxEmail: strings.TrimSpace(q.Get("email")),
		Subject:      strings.TrimSpace(q.Get("subject")),
	}
	var ok bool
	if filter.Since, ok = s.parseTime(w, q.Get("since"), "since"); !ok {
		return
	}
	if filter.Until, ok = s.parseTime(w, q.Get("until"), "until"); !ok {
		return
	}

	messages, total, err := s.service.QueryMessages(r.Context(), p, filter, toPage(params))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, toMessageView(msg))
	}
	s.respondJSON(w, http.StatusOK, newPageResponse(views, params, total))
}

func (s *Server) parseTime(w http.ResponseWriter, value, field string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: "must be an RFC 3339 timestamp",
			Field:   field,
		})
		return time.Time{}, false
	}
	return parsed, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	key := p.UserID
	if p.IsAdmin() {
		key = sse.All
	}
	ch, unsubscribe := s.hub.Subscribe(key)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
