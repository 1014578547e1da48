// Package normalize turns provider specific messages into store records.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"

	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/store"
)

var ErrEmptyMessage = errors.New("raw message has no payload")

// Normalize converts raw into an InboundMessage. The result carries the
// provider id, mailbox id and content; ownership and receipt time are left
// for the caller.
func Normalize(raw connector.RawMessage) (store.InboundMessage, error) {
	var (
		msg store.InboundMessage
		err error
	)
	switch raw.Protocol {
	case store.ProtocolIMAP:
		if raw.IMAP == nil {
			return store.InboundMessage{}, ErrEmptyMessage
		}
		msg, err = fromIMAP(raw.MailboxID, raw.IMAP)
	case store.ProtocolGmailOAuth:
		if raw.Gmail == nil {
			return store.InboundMessage{}, ErrEmptyMessage
		}
		msg, err = fromGmail(raw.Gmail)
	default:
		return store.InboundMessage{}, fmt.Errorf("unsupported protocol %q", raw.Protocol)
	}
	if err != nil {
		return store.InboundMessage{}, err
	}
	msg.MailboxID = raw.MailboxID
	if msg.BodyText == "" && msg.BodyHTML != "" {
		if text, err := html2text.FromString(msg.BodyHTML, html2text.Options{}); err == nil {
			msg.BodyText = text
		}
	}
	return msg, nil
}

func trimMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}
