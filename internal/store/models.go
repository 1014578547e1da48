package store

import "time"

type Protocol string

const (
	ProtocolIMAP       Protocol = "IMAP"
	ProtocolGmailOAuth Protocol = "GMAIL_OAUTH"
)

// Mailbox holds one user's mailbox credentials and protocol parameters.
// Exactly one credential set is populated, chosen by Protocol.
type Mailbox struct {
	ID                string
	OwnerUserID       string
	Email             string
	Protocol          Protocol
	Password          string
	Host              string
	Port              int
	UseTLS            bool
	SMTPHost          string
	SMTPPort          int
	OAuthAccessToken  string
	OAuthRefreshToken string
	OAuthExpiry       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// InboundMessage is a normalized message retrieved from a mailbox.
// ProviderMessageID is unique across the whole store.
type InboundMessage struct {
	ID                 string
	ProviderMessageID  string
	MailboxID          string
	OwnerUserID        string
	MailboxEmail       string
	Subject            string
	SentAt             *time.Time
	From               []Address
	To                 []Address
	BodyText           string
	BodyHTML           string
	RawHeaders         map[string][]string
	ProviderAttributes map[string]any
	ReceivedAt         time.Time
}

type MailboxFilter struct {
	OwnerUserID string
	Email       string
	Host        string
}

type MessageFilter struct {
	OwnerUserID  string
	MailboxID    string
	MailboxEmail string
	Subject      string
	Since        time.Time
	Until        time.Time
}

// Page selects a window of rows. SortField must be one of the columns the
// listing accepts; anything else falls back to the default ordering.
type Page struct {
	Offset    int32
	Limit     int32
	SortField string
	SortDesc  bool
}
