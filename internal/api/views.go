package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.io/infrasutra/mailsync/internal/pagination"
	"github.io/infrasutra/mailsync/internal/store"
)

// mailboxView never carries the password or OAuth tokens.
type mailboxView struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Protocol  string `json:"protocol"`
	Domain    string `json:"domain,omitempty"`
	Port      int    `json:"port,omitempty"`
	TLS       bool   `json:"tls"`
	SMTPHost  string `json:"smtpHost,omitempty"`
	SMTPPort  int    `json:"smtpPort,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toMailboxView(mb store.Mailbox) mailboxView {
	return mailboxView{
		ID:        mb.ID,
		UserID:    mb.OwnerUserID,
		Email:     mb.Email,
		Protocol:  string(mb.Protocol),
		Domain:    mb.Host,
		Port:      mb.Port,
		TLS:       mb.UseTLS,
		SMTPHost:  mb.SMTPHost,
		SMTPPort:  mb.SMTPPort,
		CreatedAt: mb.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: mb.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// addressView renders missing parts as null.
type addressView struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
}

func toAddressViews(addrs []store.Address) []addressView {
	views := make([]addressView, 0, len(addrs))
	for _, addr := range addrs {
		views = append(views, addressView{Name: optional(addr.Name), Address: optional(addr.Address)})
	}
	return views
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

type messageView struct {
	ID                string              `json:"id"`
	ProviderMessageID string              `json:"providerMessageId"`
	MailboxID         string              `json:"mailboxId"`
	MailboxEmail      string              `json:"mailboxEmail"`
	UserID            string              `json:"userId"`
	Subject           string              `json:"subject"`
	SentAt            *string             `json:"sentAt"`
	From              []addressView       `json:"from"`
	To                []addressView       `json:"to"`
	Text              string              `json:"text"`
	HTML              string              `json:"html"`
	Headers           map[string][]string `json:"headers"`
	Attributes        map[string]any      `json:"attributes"`
	ReceivedAt        string              `json:"receivedAt"`
}

func toMessageView(msg store.InboundMessage) messageView {
	view := messageView{
		ID:                msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		MailboxID:         msg.MailboxID,
		MailboxEmail:      msg.MailboxEmail,
		UserID:            msg.OwnerUserID,
		Subject:           msg.Subject,
		From:              toAddressViews(msg.From),
		To:                toAddressViews(msg.To),
		Text:              msg.BodyText,
		HTML:              msg.BodyHTML,
		Headers:           msg.RawHeaders,
		Attributes:        msg.ProviderAttributes,
		ReceivedAt:        msg.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if msg.SentAt != nil {
		sent := msg.SentAt.UTC().Format(time.RFC3339)
		view.SentAt = &sent
	}
	if view.Headers == nil {
		view.Headers = map[string][]string{}
	}
	if view.Attributes == nil {
		view.Attributes = map[string]any{}
	}
	return view
}

type pageResponse[T any] struct {
	Results      []T   `json:"results"`
	Page         int32 `json:"page"`
	Limit        int32 `json:"limit"`
	TotalPages   int32 `json:"totalPages"`
	TotalResults int32 `json:"totalResults"`
}

func newPageResponse[T any](results []T, params *pagination.Params, total int32) pageResponse[T] {
	if results == nil {
		results = []T{}
	}
	return pageResponse[T]{
		Results:      results,
		Page:         params.Page,
		Limit:        params.Limit,
		TotalPages:   pagination.TotalPages(total, params.Limit),
		TotalResults: total,
	}
}

func toPage(params *pagination.Params) store.Page {
	return store.Page{
		Offset:    params.Offset,
		Limit:     params.Limit,
		SortField: params.SortField,
		SortDesc:  params.SortDesc,
	}
}

type createMailboxRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	IMAPHost string `json:"imap_host"`
	Port     *int   `json:"port"`
	TLS      *bool  `json:"tls"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort *int   `json:"smtp_port"`
}

type updateMailboxRequest struct {
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Domain   *string `json:"domain"`
	IMAPHost *string `json:"imap_host"`
	Port     *int    `json:"port"`
	TLS      *bool   `json:"tls"`
	SMTPHost *string `json:"smtp_host"`
	SMTPPort *int    `json:"smtp_port"`
}

// recipients accepts a single address or a list.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = recipients{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("to must be a string or a list of strings")
	}
	*r = list
	return nil
}

type sendRequest struct {
	To      recipients `json:"to"`
	Subject string     `json:"subject"`
	Text    string     `json:"text"`
	HTML    string     `json:"html"`
}

type receiptView struct {
	MessageID string   `json:"messageId"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	SentAt    string   `json:"sentAt"`
}

// pushEnvelope is the body Pub/Sub posts to push endpoints.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}
