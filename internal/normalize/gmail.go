package normalize

import (
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.io/infrasutra/mailsync/internal/store"
)

func fromGmail(raw *gmail.Message) (store.InboundMessage, error) {
	headers := headerSet{}
	if raw.Payload != nil {
		for _, header := range raw.Payload.Headers {
			if header == nil {
				continue
			}
			headers.add(header.Name, header.Value)
		}
	}

	msg := store.InboundMessage{
		Subject:    headers.first("subject"),
		SentAt:     ParseDate(headers.first("date")),
		From:       gmailAddresses(headers, "from"),
		To:         gmailAddresses(headers, "to"),
		RawHeaders: headers,
		ProviderAttributes: map[string]any{
			"id":       raw.Id,
			"threadId": raw.ThreadId,
			"labelIds": raw.LabelIds,
		},
	}
	if raw.HistoryId != 0 {
		msg.ProviderAttributes["historyId"] = raw.HistoryId
	}
	if raw.Snippet != "" {
		msg.ProviderAttributes["snippet"] = raw.Snippet
	}
	if raw.SizeEstimate != 0 {
		msg.ProviderAttributes["sizeEstimate"] = raw.SizeEstimate
	}
	if raw.InternalDate > 0 {
		msg.ProviderAttributes["internalDate"] = time.UnixMilli(raw.InternalDate).UTC().Format(time.RFC3339)
	}

	msg.ProviderMessageID = trimMessageID(headers.first("messageId"))
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = "gmail:" + raw.Id
	}

	walkParts(raw.Payload, func(part *gmail.MessagePart) {
		if part.Body == nil || part.Body.Data == "" || part.Filename != "" {
			return
		}
		mimeType := strings.ToLower(part.MimeType)
		switch {
		case strings.HasPrefix(mimeType, "text/plain") && msg.BodyText == "":
			msg.BodyText = decodeBody(part.Body.Data)
		case strings.HasPrefix(mimeType, "text/html") && msg.BodyHTML == "":
			msg.BodyHTML = decodeBody(part.Body.Data)
		}
	})
	return msg, nil
}

func gmailAddresses(headers headerSet, key string) []store.Address {
	var addresses []store.Address
	for _, value := range headers[key] {
		addresses = append(addresses, ParseAddressList(value)...)
	}
	return addresses
}

func walkParts(part *gmail.MessagePart, visit func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	visit(part)
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

// decodeBody decodes Gmail's base64url body data, padded or not.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(decoded)
	}
	return ""
}
