// Package ingest exposes the mailbox and message operations used by the
// HTTP layer and feeds listener output into storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/mailer"
	"github.io/infrasutra/mailsync/internal/store"
	"github.io/infrasutra/mailsync/internal/supervisor"
)

// Sender submits outbound mail for a mailbox.
type Sender interface {
	Send(ctx context.Context, mb store.Mailbox, draft mailer.Draft) (mailer.Receipt, error)
}

type Service struct {
	logger    *slog.Logger
	store     *store.Store
	listeners *supervisor.Supervisor
	sender    Sender
	now       func() time.Time
}

func NewService(logger *slog.Logger, st *store.Store, listeners *supervisor.Supervisor, sender Sender) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:    logger,
		store:     st,
		listeners: listeners,
		sender:    sender,
		now:       time.Now,
	}
}

// RegisterMailbox stores an IMAP mailbox for p and starts listening to it.
func (s *Service) RegisterMailbox(ctx context.Context, p auth.Principal, in MailboxInput) (store.Mailbox, error) {
	mb, err := in.toMailbox()
	if err != nil {
		return store.Mailbox{}, err
	}
	now := s.now().UTC()
	mb.ID = uuid.NewString()
	mb.OwnerUserID = p.UserID
	mb.CreatedAt = now
	mb.UpdatedAt = now
	if err := s.store.CreateMailbox(ctx, mb); err != nil {
		return store.Mailbox{}, err
	}
	s.listeners.Start(mb)
	s.logger.Info("mailbox registered", "mailbox", mb.ID, "email", mb.Email, "protocol", mb.Protocol)
	return mb, nil
}

// RegisterOAuthMailbox stores the Gmail mailbox behind tok for p. When p
// already registered email the stored tokens are replaced instead. It
// reports whether a new mailbox was created.
func (s *Service) RegisterOAuthMailbox(ctx context.Context, p auth.Principal, email string, tok *oauth2.Token) (store.Mailbox, bool, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return store.Mailbox{}, false, invalid("email", err.Error())
	}
	if tok == nil || tok.AccessToken == "" {
		return store.Mailbox{}, false, invalid("token", "access token is required")
	}

	existing, err := s.store.GetMailboxByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Protocol != store.ProtocolGmailOAuth || !canAccess(p, existing) {
			return store.Mailbox{}, false, store.ErrDuplicateMailbox
		}
		if err := s.store.UpdateOAuthTokens(ctx, existing.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
			return store.Mailbox{}, false, err
		}
		updated, err := s.store.GetMailbox(ctx, existing.ID)
		if err != nil {
			return store.Mailbox{}, false, err
		}
		s.listeners.Restart(updated)
		s.logger.Info("oauth mailbox refreshed", "mailbox", updated.ID, "email", updated.Email)
		return updated, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.Mailbox{}, false, err
	}

	if tok.RefreshToken == "" {
		return store.Mailbox{}, false, invalid("token", "google did not return a refresh token")
	}
	now := s.now().UTC()
	mb := store.Mailbox{
		ID:                uuid.NewString(),
		OwnerUserID:       p.UserID,
		Email:             email,
		Protocol:          store.ProtocolGmailOAuth,
		OAuthAccessToken:  tok.AccessToken,
		OAuthRefreshToken: tok.RefreshToken,
		OAuthExpiry:       tok.Expiry,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateMailbox(ctx, mb); err != nil {
		return store.Mailbox{}, false, err
	}
	s.listeners.Start(mb)
	s.logger.Info("mailbox registered", "mailbox", mb.ID, "email", mb.Email, "protocol", mb.Protocol)
	return mb, true, nil
}

func (s *Service) GetMailbox(ctx context.Context, p auth.Principal, id string) (store.Mailbox, error) {
	mb, err := s.store.GetMailbox(ctx, id)
	if err != nil {
		return store.Mailbox{}, err
	}
	if !canAccess(p, mb) {
		return store.Mailbox{}, ErrForbidden
	}
	return mb, nil
}

// ListMailboxes returns one page of mailboxes and the total count. Only
// admins see mailboxes of other users.
func (s *Service) ListMailboxes(ctx context.Context, p auth.Principal, filter store.MailboxFilter, page store.Page) ([]store.Mailbox, int32, error) {
	if !p.IsAdmin() {
		filter.OwnerUserID = p.UserID
	}
	return s.store.ListMailboxes(ctx, filter, page)
}

// UpdateMailbox applies patch and restarts the listener with the new
// settings.
func (s *Service) UpdateMailbox(ctx context.Context, p auth.Principal, id string, patch MailboxPatch) (store.Mailbox, error) {
	mb, err := s.GetMailbox(ctx, p, id)
	if err != nil {
		return store.Mailbox{}, err
	}
	updated, err := patch.apply(mb)
	if err != nil {
		return store.Mailbox{}, err
	}
	updated.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateMailbox(ctx, updated); err != nil {
		return store.Mailbox{}, err
	}
	s.listeners.Restart(updated)
	s.logger.Info("mailbox updated", "mailbox", updated.ID, "email", updated.Email)
	return updated, nil
}

// DeregisterMailbox retires the listener before deleting the mailbox so no
// message is written for a mailbox that no longer exists. Concurrent starts
// holding an older copy of the mailbox are ignored from then on.
func (s *Service) DeregisterMailbox(ctx context.Context, p auth.Principal, id string) error {
	mb, err := s.GetMailbox(ctx, p, id)
	if err != nil {
		return err
	}
	s.listeners.Remove(mb.ID)
	if err := s.store.DeleteMailbox(ctx, mb.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.listeners.Reinstate(mb)
		}
		return err
	}
	s.logger.Info("mailbox deregistered", "mailbox", mb.ID, "email", mb.Email)
	return nil
}

func (s *Service) SendMail(ctx context.Context, p auth.Principal, id string, draft mailer.Draft) (mailer.Receipt, error) {
	mb, err := s.GetMailbox(ctx, p, id)
	if err != nil {
		return mailer.Receipt{}, err
	}
	draft, err = checkDraft(draft)
	if err != nil {
		return mailer.Receipt{}, err
	}
	return s.sender.Send(ctx, mb, draft)
}

// QueryMessages returns one page of stored messages and the total count.
// Only admins see messages of other users.
func (s *Service) QueryMessages(ctx context.Context, p auth.Principal, filter store.MessageFilter, page store.Page) ([]store.InboundMessage, int32, error) {
	if !p.IsAdmin() {
		filter.OwnerUserID = p.UserID
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		return nil, 0, invalid("until", "must be after since")
	}
	return s.store.QueryMessages(ctx, filter, page)
}

// ListenerState reports the listener state of a mailbox. A mailbox without
// a running task is STOPPED.
func (s *Service) ListenerState(ctx context.Context, p auth.Principal, id string) (supervisor.State, error) {
	mb, err := s.GetMailbox(ctx, p, id)
	if err != nil {
		return "", err
	}
	state, _ := s.listeners.State(mb.ID)
	return state, nil
}

// HandleGmailPush wakes the listener of the Gmail mailbox named in a push
// notification, starting one if none is running.
func (s *Service) HandleGmailPush(ctx context.Context, emailAddress string) error {
	email := strings.ToLower(strings.TrimSpace(emailAddress))
	if email == "" {
		return invalid("emailAddress", "is required")
	}
	mb, err := s.store.GetMailboxByEmail(ctx, email)
	if err != nil {
		return err
	}
	if mb.Protocol != store.ProtocolGmailOAuth {
		return fmt.Errorf("push for %s: %w", email, store.ErrNotFound)
	}
	if !s.listeners.Notify(mb.ID) {
		s.logger.Info("push for idle mailbox, starting listener", "mailbox", mb.ID, "email", mb.Email)
		s.listeners.Start(mb)
	}
	return nil
}

// StartAll starts a listener for every stored mailbox.
func (s *Service) StartAll(ctx context.Context) (int, error) {
	n, err := s.listeners.StartAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("listeners started", "mailboxes", n)
	return n, nil
}

func canAccess(p auth.Principal, mb store.Mailbox) bool {
	return p.IsAdmin() || (p.UserID != "" && p.UserID == mb.OwnerUserID)
}
