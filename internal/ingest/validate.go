package ingest

import (
	"net/url"
	"strings"

	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/mailer"
	"github.io/infrasutra/mailsync/internal/store"
)

const (
	defaultIMAPPort   = 993
	minPasswordLength = 8
)

// MailboxInput is an IMAP mailbox registration. Port and TLS default to
// 993 and true; Host defaults to "imap." plus the email domain.
type MailboxInput struct {
	Email    string
	Password string
	Host     string
	Port     *int
	TLS      *bool
	SMTPHost string
	SMTPPort *int
}

// MailboxPatch changes the listed fields of a mailbox; nil fields are kept.
type MailboxPatch struct {
	Email    *string
	Password *string
	Host     *string
	Port     *int
	TLS      *bool
	SMTPHost *string
	SMTPPort *int
}

func (in MailboxInput) toMailbox() (store.Mailbox, error) {
	email, err := auth.NormalizeEmail(in.Email)
	if err != nil {
		return store.Mailbox{}, invalid("email", err.Error())
	}
	if err := checkPassword(in.Password); err != nil {
		return store.Mailbox{}, err
	}
	host := in.Host
	if strings.TrimSpace(host) == "" {
		_, domain, _ := strings.Cut(email, "@")
		host = "imap." + domain
	}
	host, err = checkHost("domain", host)
	if err != nil {
		return store.Mailbox{}, err
	}
	mb := store.Mailbox{
		Email:    email,
		Protocol: store.ProtocolIMAP,
		Password: in.Password,
		Host:     host,
		Port:     defaultIMAPPort,
		UseTLS:   true,
	}
	if in.Port != nil {
		if err := checkPort("port", *in.Port); err != nil {
			return store.Mailbox{}, err
		}
		mb.Port = *in.Port
	}
	if in.TLS != nil {
		mb.UseTLS = *in.TLS
	}
	if strings.TrimSpace(in.SMTPHost) != "" {
		if mb.SMTPHost, err = checkHost("smtp_host", in.SMTPHost); err != nil {
			return store.Mailbox{}, err
		}
	}
	if in.SMTPPort != nil {
		if err := checkPort("smtp_port", *in.SMTPPort); err != nil {
			return store.Mailbox{}, err
		}
		mb.SMTPPort = *in.SMTPPort
	}
	return mb, nil
}

// apply returns mb with the patch applied, keeping the credential
// invariants of its protocol.
func (p MailboxPatch) apply(mb store.Mailbox) (store.Mailbox, error) {
	if p.Email != nil {
		email, err := auth.NormalizeEmail(*p.Email)
		if err != nil {
			return store.Mailbox{}, invalid("email", err.Error())
		}
		if mb.Protocol == store.ProtocolGmailOAuth && email != mb.Email {
			return store.Mailbox{}, invalid("email", "cannot change the address of an oauth mailbox")
		}
		mb.Email = email
	}
	if p.Password != nil {
		if mb.Protocol != store.ProtocolIMAP {
			return store.Mailbox{}, invalid("password", "only imap mailboxes use a password")
		}
		if err := checkPassword(*p.Password); err != nil {
			return store.Mailbox{}, err
		}
		mb.Password = *p.Password
	}
	if p.Host != nil {
		host, err := checkHost("domain", *p.Host)
		if err != nil {
			return store.Mailbox{}, err
		}
		mb.Host = host
	}
	if p.Port != nil {
		if err := checkPort("port", *p.Port); err != nil {
			return store.Mailbox{}, err
		}
		mb.Port = *p.Port
	}
	if p.TLS != nil {
		mb.UseTLS = *p.TLS
	}
	if p.SMTPHost != nil {
		if strings.TrimSpace(*p.SMTPHost) == "" {
			mb.SMTPHost = ""
		} else {
			host, err := checkHost("smtp_host", *p.SMTPHost)
			if err != nil {
				return store.Mailbox{}, err
			}
			mb.SMTPHost = host
		}
	}
	if p.SMTPPort != nil {
		if err := checkPort("smtp_port", *p.SMTPPort); err != nil {
			return store.Mailbox{}, err
		}
		mb.SMTPPort = *p.SMTPPort
	}
	return mb, nil
}

func checkPassword(password string) error {
	if password == "" {
		return invalid("password", "password is required")
	}
	if len(password) < minPasswordLength {
		return invalid("password", "password must be at least 8 characters")
	}
	return nil
}

// checkHost accepts a bare host name or a URL and returns the host part.
func checkHost(field, value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil || u.Hostname() == "" {
			return "", invalid(field, "not a valid host")
		}
		value = u.Hostname()
	}
	if value == "" || strings.ContainsAny(value, " /@?#:") || strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") {
		return "", invalid(field, "not a valid host")
	}
	return value, nil
}

func checkPort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return invalid(field, "must be between 1 and 65535")
	}
	return nil
}

func checkDraft(draft mailer.Draft) (mailer.Draft, error) {
	seen := map[string]struct{}{}
	recipients := make([]string, 0, len(draft.To))
	for _, raw := range draft.To {
		rcpt, err := auth.NormalizeEmail(raw)
		if err != nil {
			return mailer.Draft{}, invalid("to", err.Error())
		}
		if _, ok := seen[rcpt]; ok {
			continue
		}
		seen[rcpt] = struct{}{}
		recipients = append(recipients, rcpt)
	}
	if len(recipients) == 0 {
		return mailer.Draft{}, invalid("to", "at least one recipient required")
	}
	draft.To = recipients
	draft.Subject = sanitizeHeader(draft.Subject)
	if draft.Subject == "" {
		return mailer.Draft{}, invalid("subject", "is required")
	}
	return draft, nil
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
