package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/normalize"
	"github.io/infrasutra/mailsync/internal/sse"
	"github.io/infrasutra/mailsync/internal/store"
)

// MessageEvent is published to subscribers when a message is stored.
type MessageEvent struct {
	ID           string          `json:"id"`
	MailboxID    string          `json:"mailboxId"`
	MailboxEmail string          `json:"mailboxEmail"`
	Subject      string          `json:"subject"`
	From         []store.Address `json:"from"`
	ReceivedAt   string          `json:"receivedAt"`
}

// Pipeline normalizes listener output, stores new messages and notifies
// the owner's subscribers.
type Pipeline struct {
	logger *slog.Logger
	store  *store.Store
	hub    *sse.Hub
	now    func() time.Time
}

func NewPipeline(logger *slog.Logger, st *store.Store, hub *sse.Hub) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger, store: st, hub: hub, now: time.Now}
}

// Handle stores raw for mb. A message that cannot be normalized is logged
// and skipped so the listener keeps running.
func (p *Pipeline) Handle(ctx context.Context, mb store.Mailbox, raw connector.RawMessage) error {
	logger := p.logger.With("mailbox", mb.ID, "email", mb.Email)
	msg, err := normalize.Normalize(raw)
	if err != nil {
		logger.Warn("skip message", "error", err)
		return nil
	}
	msg.ID = uuid.NewString()
	msg.MailboxID = mb.ID
	msg.OwnerUserID = mb.OwnerUserID
	msg.MailboxEmail = mb.Email
	msg.ReceivedAt = p.now().UTC()

	inserted, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		logger.Debug("duplicate message", "provider_id", msg.ProviderMessageID)
		return nil
	}
	logger.Info("message stored", "id", msg.ID, "provider_id", msg.ProviderMessageID)
	p.publish(logger, msg)
	return nil
}

func (p *Pipeline) publish(logger *slog.Logger, msg store.InboundMessage) {
	if p.hub == nil {
		return
	}
	frame, err := sse.Event("message", MessageEvent{
		ID:           msg.ID,
		MailboxID:    msg.MailboxID,
		MailboxEmail: msg.MailboxEmail,
		Subject:      msg.Subject,
		From:         msg.From,
		ReceivedAt:   msg.ReceivedAt.Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("encode message event", "error", err)
		return
	}
	p.hub.Broadcast([]string{msg.OwnerUserID}, frame)
}
