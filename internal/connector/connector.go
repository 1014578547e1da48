package connector

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.io/infrasutra/mailsync/internal/store"
)

// IMAPMessage is one message as fetched over IMAP, with the full RFC 822
// bytes of the message.
type IMAPMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         int64
	Raw          []byte
}

// RawMessage is a provider message before normalization. Exactly one of
// IMAP or Gmail is set, matching Protocol.
type RawMessage struct {
	Protocol  store.Protocol
	MailboxID string
	IMAP      *IMAPMessage
	Gmail     *gmail.Message
}

// Handler receives messages from a running listener.
type Handler interface {
	// Connected is called once per session after authentication succeeds.
	Connected()
	Handle(ctx context.Context, msg RawMessage) error
}

// Connector listens to a single mailbox. Listen blocks until ctx is done,
// in which case it returns ctx.Err(), or until the session fails. Values on
// wake ask the connector to check for new mail right away.
type Connector interface {
	Listen(ctx context.Context, mb store.Mailbox, wake <-chan struct{}, h Handler) error
}

// FatalError marks failures that will not heal by reconnecting, such as a
// rejected login or a revoked refresh token.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// sessionError picks the error a Listen call reports once its session ends.
func sessionError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
