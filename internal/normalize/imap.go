package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/store"
)

func fromIMAP(mailboxID string, raw *connector.IMAPMessage) (store.InboundMessage, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return store.InboundMessage{}, fmt.Errorf("parse imap message %d: %w", raw.UID, err)
	}
	defer reader.Close()

	headers := headerSet{}
	fields := reader.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		headers.add(fields.Key(), value)
	}

	subject, err := reader.Header.Subject()
	if err != nil {
		subject = reader.Header.Get("Subject")
	}

	msg := store.InboundMessage{
		Subject:    subject,
		SentAt:     ParseDate(reader.Header.Get("Date")),
		From:       imapAddresses(reader.Header, "From"),
		To:         imapAddresses(reader.Header, "To"),
		RawHeaders: headers,
		ProviderAttributes: map[string]any{
			"uid":   raw.UID,
			"flags": raw.Flags,
			"size":  raw.Size,
		},
	}
	if !raw.InternalDate.IsZero() {
		msg.ProviderAttributes["internalDate"] = raw.InternalDate.UTC().Format(time.RFC3339)
	}

	msg.ProviderMessageID = trimMessageID(reader.Header.Get("Message-Id"))
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = fmt.Sprintf("imap:%s:%d", mailboxID, raw.UID)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.BodyText == "":
			msg.BodyText = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.BodyHTML == "":
			msg.BodyHTML = string(body)
		case contentType == "" && msg.BodyText == "":
			msg.BodyText = string(body)
		}
	}
	return msg, nil
}

func imapAddresses(header mail.Header, key string) []store.Address {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		if value := header.Get(key); value != "" {
			return ParseAddressList(value)
		}
		return nil
	}
	addresses := make([]store.Address, 0, len(list))
	for _, addr := range list {
		addresses = append(addresses, store.Address{Name: addr.Name, Address: addr.Address})
	}
	return addresses
}
