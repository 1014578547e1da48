package normalize

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/store"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want store.Address
	}{
		{"Jane Doe <jane@example.com>", store.Address{Name: "Jane Doe", Address: "jane@example.com"}},
		{`"Doe, Jane" <jane@example.com>`, store.Address{Name: "Doe, Jane", Address: "jane@example.com"}},
		{"<jane@example.com>", store.Address{Address: "jane@example.com"}},
		{"jane@example.com", store.Address{}},
		{"", store.Address{}},
	}
	for _, tc := range cases {
		if got := ParseAddress(tc.in); got != tc.want {
			t.Fatalf("ParseAddress(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList(`"Doe, Jane" <jane@example.com>, Bob <bob@example.com>, carol@example.com`)
	want := []store.Address{
		{Name: "Doe, Jane", Address: "jane@example.com"},
		{Name: "Bob", Address: "bob@example.com"},
		{},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d addresses, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("address %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if list := ParseAddressList("  "); list != nil {
		t.Fatalf("expected nil for blank header, got %+v", list)
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-01-15T10:00:00Z",
		"Mon, 15 Jan 2024 10:00:00 +0000",
		"Mon, 15 Jan 2024 11:00:00 +0100 (CET)",
		"15 Jan 2024 05:00:00 -0500",
		"2024-01-15 10:00:00",
	} {
		got := ParseDate(in)
		if got == nil {
			t.Fatalf("ParseDate(%q) returned nil", in)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}
	for _, in := range []string{"not-a-date", "", "   "} {
		if got := ParseDate(in); got != nil {
			t.Fatalf("ParseDate(%q) = %v, want nil", in, got)
		}
	}
}

func TestHeaderKey(t *testing.T) {
	cases := map[string]string{
		"Message-ID":           "messageId",
		"X-GM-THRID":           "xGmThrid",
		"Content-Type":         "contentType",
		"subject":              "subject",
		"DKIM-Signature":       "dkimSignature",
		"X-Google-Smtp-Source": "xGoogleSmtpSource",
		"ARC-Seal":             "arcSeal",
		"--":                   "",
	}
	for in, want := range cases {
		if got := HeaderKey(in); got != want {
			t.Fatalf("HeaderKey(%q) = %q, want %q", in, got, want)
		}
	}
}

const multipartMessage = "Message-ID: <abc123@example.com>\r\n" +
	"Date: Mon, 15 Jan 2024 10:00:00 +0000\r\n" +
	"From: Jane Doe <jane@example.com>\r\n" +
	"To: a@example.com, Bob <bob@example.com>\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9?=\r\n" +
	"Received: from a\r\n" +
	"Received: from b\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--XYZ--\r\n"

func TestNormalizeIMAP(t *testing.T) {
	internal := time.Date(2024, 1, 15, 10, 0, 5, 0, time.UTC)
	msg, err := Normalize(connector.RawMessage{
		Protocol:  store.ProtocolIMAP,
		MailboxID: "m1",
		IMAP: &connector.IMAPMessage{
			UID:          42,
			Flags:        []string{"\\Recent"},
			InternalDate: internal,
			Size:         int64(len(multipartMessage)),
			Raw:          []byte(multipartMessage),
		},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ProviderMessageID != "abc123@example.com" {
		t.Fatalf("unexpected provider id %q", msg.ProviderMessageID)
	}
	if msg.MailboxID != "m1" {
		t.Fatalf("unexpected mailbox id %q", msg.MailboxID)
	}
	if msg.Subject != "Café" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if msg.SentAt == nil || !msg.SentAt.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sentAt %v", msg.SentAt)
	}
	if len(msg.From) != 1 || msg.From[0].Name != "Jane Doe" || msg.From[0].Address != "jane@example.com" {
		t.Fatalf("unexpected from %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0].Address != "a@example.com" || msg.To[1].Name != "Bob" {
		t.Fatalf("unexpected to %+v", msg.To)
	}
	if strings.TrimSpace(msg.BodyText) != "plain body" {
		t.Fatalf("unexpected text body %q", msg.BodyText)
	}
	if strings.TrimSpace(msg.BodyHTML) != "<p>html body</p>" {
		t.Fatalf("unexpected html body %q", msg.BodyHTML)
	}
	if got := msg.RawHeaders["received"]; len(got) != 2 || got[0] == got[1] {
		t.Fatalf("repeated header not preserved: %v", got)
	}
	if _, ok := msg.RawHeaders["messageId"]; !ok {
		t.Fatalf("expected messageId header key, got %v", msg.RawHeaders)
	}
	if msg.ProviderAttributes["uid"] != uint32(42) {
		t.Fatalf("unexpected uid attribute %v", msg.ProviderAttributes["uid"])
	}
	if msg.ProviderAttributes["internalDate"] != "2024-01-15T10:00:05Z" {
		t.Fatalf("unexpected internalDate %v", msg.ProviderAttributes["internalDate"])
	}
}

func TestNormalizeIMAPFallbacks(t *testing.T) {
	raw := "From: jane@example.com\r\n" +
		"Date: sometime last week\r\n" +
		"Subject: no id\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>Hello <b>there</b></p>\r\n"
	msg, err := Normalize(connector.RawMessage{
		Protocol:  store.ProtocolIMAP,
		MailboxID: "m1",
		IMAP:      &connector.IMAPMessage{UID: 7, Raw: []byte(raw)},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ProviderMessageID != "imap:m1:7" {
		t.Fatalf("unexpected fallback id %q", msg.ProviderMessageID)
	}
	if msg.SentAt != nil {
		t.Fatalf("expected nil sentAt for unparsable date, got %v", msg.SentAt)
	}
	if !strings.Contains(msg.BodyText, "Hello") || strings.Contains(msg.BodyText, "<p>") {
		t.Fatalf("expected text derived from html, got %q", msg.BodyText)
	}
	if len(msg.From) != 1 || msg.From[0].Address != "jane@example.com" {
		t.Fatalf("unexpected from %+v", msg.From)
	}
}

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestNormalizeGmail(t *testing.T) {
	raw := &gmail.Message{
		Id:           "18c1",
		ThreadId:     "18c0",
		LabelIds:     []string{"INBOX", "UNREAD"},
		HistoryId:    991,
		InternalDate: 1705312800000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Jane Doe <jane@example.com>"},
				{Name: "To", Value: "g@example.com"},
				{Name: "Subject", Value: "Gmail hello"},
				{Name: "Date", Value: "2024-01-15T10:00:00Z"},
				{Name: "Message-Id", Value: "<gm-1@mail.gmail.com>"},
				{Name: "X-GM-THRID", Value: "123"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/related",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: encode("plain ü")}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: encode("<p>html</p>")}},
					},
				},
				{MimeType: "text/plain", Filename: "notes.txt", Body: &gmail.MessagePartBody{AttachmentId: "att"}},
			},
		},
	}

	msg, err := Normalize(connector.RawMessage{Protocol: store.ProtocolGmailOAuth, MailboxID: "g1", Gmail: raw})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ProviderMessageID != "gm-1@mail.gmail.com" {
		t.Fatalf("unexpected provider id %q", msg.ProviderMessageID)
	}
	if msg.Subject != "Gmail hello" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if len(msg.From) != 1 || msg.From[0] != (store.Address{Name: "Jane Doe", Address: "jane@example.com"}) {
		t.Fatalf("unexpected from %+v", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != (store.Address{}) {
		t.Fatalf("bare address must parse to an empty address, got %+v", msg.To)
	}
	if msg.BodyText != "plain ü" || msg.BodyHTML != "<p>html</p>" {
		t.Fatalf("unexpected bodies %q %q", msg.BodyText, msg.BodyHTML)
	}
	if msg.RawHeaders["xGmThrid"][0] != "123" {
		t.Fatalf("unexpected headers %v", msg.RawHeaders)
	}
	if msg.ProviderAttributes["threadId"] != "18c0" || msg.ProviderAttributes["historyId"] != uint64(991) {
		t.Fatalf("unexpected attributes %v", msg.ProviderAttributes)
	}
	if msg.ProviderAttributes["internalDate"] != "2024-01-15T10:00:00Z" {
		t.Fatalf("unexpected internalDate %v", msg.ProviderAttributes["internalDate"])
	}
}

func TestNormalizeGmailFallbackID(t *testing.T) {
	msg, err := Normalize(connector.RawMessage{
		Protocol: store.ProtocolGmailOAuth,
		Gmail: &gmail.Message{Id: "abc", Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{{Name: "Date", Value: "garbage"}},
		}},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.ProviderMessageID != "gmail:abc" {
		t.Fatalf("unexpected fallback id %q", msg.ProviderMessageID)
	}
	if msg.SentAt != nil {
		t.Fatalf("expected nil sentAt, got %v", msg.SentAt)
	}
}

func TestNormalizeRejectsEmptyVariant(t *testing.T) {
	if _, err := Normalize(connector.RawMessage{Protocol: store.ProtocolIMAP}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Normalize(connector.RawMessage{Protocol: store.ProtocolGmailOAuth}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Normalize(connector.RawMessage{Protocol: "POP3"}); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}
