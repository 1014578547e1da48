// Package mailer submits outbound mail through a mailbox's SMTP server.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailsync/internal/store"
)

const (
	gmailSMTPHost = "smtp.gmail.com"
	implicitTLS   = 465
	submission    = 587
)

type Draft struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

type Receipt struct {
	MessageID string
	From      string
	To        []string
	SentAt    time.Time
}

// SendError reports the SMTP step that failed. Sends are never retried.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return "send mail: " + e.Op + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TokenSourcer produces token sources for stored Google credentials.
type TokenSourcer interface {
	TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource
}

type TokenStore interface {
	UpdateOAuthTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

type Mailer struct {
	logger  *slog.Logger
	timeout time.Duration
	oauth   TokenSourcer
	tokens  TokenStore
	now     func() time.Time
}

func New(logger *slog.Logger, timeout time.Duration, oauth TokenSourcer, tokens TokenStore) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Mailer{
		logger:  logger,
		timeout: timeout,
		oauth:   oauth,
		tokens:  tokens,
		now:     time.Now,
	}
}

// Endpoint returns the SMTP host and port used for mb. Without an explicit
// SMTP host it is derived from the IMAP host.
func Endpoint(mb store.Mailbox) (string, int) {
	host := strings.TrimSpace(mb.SMTPHost)
	port := mb.SMTPPort
	if host == "" {
		switch {
		case mb.Protocol == store.ProtocolGmailOAuth:
			host, port = gmailSMTPHost, implicitTLS
		case strings.HasPrefix(mb.Host, "imap."):
			host = "smtp." + strings.TrimPrefix(mb.Host, "imap.")
		default:
			host = mb.Host
		}
	}
	if port == 0 {
		port = submission
		if mb.UseTLS || mb.Protocol == store.ProtocolGmailOAuth {
			port = implicitTLS
		}
	}
	return host, port
}

// Send composes draft and submits it once using mb's credentials.
func (m *Mailer) Send(ctx context.Context, mb store.Mailbox, draft Draft) (Receipt, error) {
	sentAt := m.now()
	messageID, body, err := compose(mb.Email, draft, sentAt)
	if err != nil {
		return Receipt{}, &SendError{Op: "compose", Err: err}
	}
	auth, err := m.auth(ctx, mb)
	if err != nil {
		return Receipt{}, &SendError{Op: "auth", Err: err}
	}

	host, port := Endpoint(mb)
	client, err := m.dial(ctx, mb, host, port)
	if err != nil {
		return Receipt{}, err
	}
	defer client.Close()
	// Abort a submission in flight when the caller goes away.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Auth(auth); err != nil {
		return Receipt{}, &SendError{Op: "auth", Err: err}
	}
	if err := client.Mail(mb.Email, nil); err != nil {
		return Receipt{}, &SendError{Op: "mail from", Err: err}
	}
	for _, rcpt := range draft.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return Receipt{}, &SendError{Op: "rcpt to", Err: err}
		}
	}
	w, err := client.Data()
	if err != nil {
		return Receipt{}, &SendError{Op: "data", Err: err}
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return Receipt{}, &SendError{Op: "data", Err: err}
	}
	if err := w.Close(); err != nil {
		return Receipt{}, &SendError{Op: "data", Err: err}
	}
	if err := client.Quit(); err != nil {
		m.logger.Debug("smtp quit", "error", err)
	}

	m.logger.Info("mail sent", "mailbox", mb.ID, "message_id", messageID, "recipients", len(draft.To))
	return Receipt{
		MessageID: messageID,
		From:      mb.Email,
		To:        append([]string(nil), draft.To...),
		SentAt:    sentAt.UTC(),
	}, nil
}

func (m *Mailer) dial(ctx context.Context, mb store.Mailbox, host string, port int) (*smtp.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tlsConfig := &tls.Config{ServerName: host}

	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if port == implicitTLS {
		dialer := &tls.Dialer{Config: tlsConfig}
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, &SendError{Op: "dial " + addr, Err: err}
	}
	if err := conn.SetDeadline(time.Now().Add(m.timeout)); err != nil {
		conn.Close()
		return nil, &SendError{Op: "dial " + addr, Err: err}
	}
	if port != implicitTLS && mb.UseTLS {
		client, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, &SendError{Op: "starttls", Err: err}
		}
		return client, nil
	}
	return smtp.NewClient(conn), nil
}

func (m *Mailer) auth(ctx context.Context, mb store.Mailbox) (sasl.Client, error) {
	if mb.Protocol != store.ProtocolGmailOAuth {
		return sasl.NewPlainClient("", mb.Email, mb.Password), nil
	}
	if m.oauth == nil {
		return nil, errors.New("google oauth is not configured")
	}
	current := &oauth2.Token{
		AccessToken:  mb.OAuthAccessToken,
		RefreshToken: mb.OAuthRefreshToken,
		Expiry:       mb.OAuthExpiry,
		TokenType:    "Bearer",
	}
	tok, err := m.oauth.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if tok.AccessToken != mb.OAuthAccessToken && m.tokens != nil {
		if err := m.tokens.UpdateOAuthTokens(ctx, mb.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
			m.logger.Warn("save refreshed token", "mailbox", mb.ID, "error", err)
		}
	}
	host, port := Endpoint(mb)
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: mb.Email,
		Token:    tok.AccessToken,
		Host:     host,
		Port:     port,
	}), nil
}

func compose(from string, draft Draft, date time.Time) (string, []byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(draft.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	to := make([]*mail.Address, 0, len(draft.To))
	for _, rcpt := range draft.To {
		to = append(to, &mail.Address{Address: rcpt})
	}
	h.SetAddressList("To", to)
	if err := h.GenerateMessageID(); err != nil {
		return "", nil, fmt.Errorf("generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return "", nil, fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	if draft.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return "", nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, draft.Text); err != nil {
			return "", nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", nil, fmt.Errorf("close body: %w", err)
		}
		return messageID, buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, fmt.Errorf("create message: %w", err)
	}
	alternative, err := mw.CreateInline()
	if err != nil {
		return "", nil, fmt.Errorf("create inline: %w", err)
	}
	parts := []struct{ contentType, body string }{
		{"text/plain", draft.Text},
		{"text/html", draft.HTML},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		pw, err := alternative.CreatePart(ph)
		if err != nil {
			return "", nil, fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return "", nil, fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return "", nil, fmt.Errorf("close %s part: %w", part.contentType, err)
		}
	}
	if err := alternative.Close(); err != nil {
		return "", nil, fmt.Errorf("close inline: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", nil, fmt.Errorf("close message: %w", err)
	}
	return messageID, buf.Bytes(), nil
}
