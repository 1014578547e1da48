package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.io/infrasutra/mailsync/internal/store"
)

const fetchBatchSize = 50

var errConnectionClosed = errors.New("imap connection closed")

type imapSession interface {
	UnseenUIDs() ([]uint32, error)
	Fetch(uids []uint32) ([]IMAPMessage, error)
	// Idle waits for new mail, a wake-up or the refresh interval to elapse.
	Idle(ctx context.Context, wake <-chan struct{}, refresh time.Duration) error
	Close() error
}

type IMAPConnector struct {
	logger         *slog.Logger
	connectTimeout time.Duration
	idleRefresh    time.Duration
	dial           func(ctx context.Context, mb store.Mailbox) (imapSession, error)
}

func NewIMAPConnector(logger *slog.Logger, connectTimeout, idleRefresh time.Duration) *IMAPConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if idleRefresh <= 0 {
		idleRefresh = 25 * time.Minute
	}
	c := &IMAPConnector{
		logger:         logger,
		connectTimeout: connectTimeout,
		idleRefresh:    idleRefresh,
	}
	c.dial = c.dialClient
	return c
}

func (c *IMAPConnector) Listen(ctx context.Context, mb store.Mailbox, wake <-chan struct{}, h Handler) error {
	session, err := c.dial(ctx, mb)
	if err != nil {
		return sessionError(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()
	defer session.Close()

	h.Connected()
	logger := c.logger.With("mailbox", mb.ID, "email", mb.Email)
	logger.Info("imap session established")

	seen := make(map[uint32]struct{})
	for {
		if err := c.drain(ctx, session, mb, seen, h); err != nil {
			return sessionError(ctx, err)
		}
		if err := session.Idle(ctx, wake, c.idleRefresh); err != nil {
			return sessionError(ctx, err)
		}
	}
}

// drain hands every unseen message not yet delivered in this session to h.
func (c *IMAPConnector) drain(ctx context.Context, session imapSession, mb store.Mailbox, seen map[uint32]struct{}, h Handler) error {
	uids, err := session.UnseenUIDs()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}
	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if _, ok := seen[uid]; !ok {
			pending = append(pending, uid)
		}
	}

	for start := 0; start < len(pending); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(pending))
		messages, err := session.Fetch(pending[start:end])
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		for i := range messages {
			if err := ctx.Err(); err != nil {
				return err
			}
			msg := messages[i]
			if err := h.Handle(ctx, RawMessage{Protocol: store.ProtocolIMAP, MailboxID: mb.ID, IMAP: &msg}); err != nil {
				return fmt.Errorf("handle message %d: %w", msg.UID, err)
			}
			seen[msg.UID] = struct{}{}
		}
	}
	return nil
}

func (c *IMAPConnector) dialClient(ctx context.Context, mb store.Mailbox) (imapSession, error) {
	port := mb.Port
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(mb.Host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	session := &clientSession{updates: make(chan struct{}, 1)}
	options := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: mb.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					session.signal()
				}
			},
		},
	}

	var (
		conn net.Conn
		err  error
	)
	if mb.UseTLS {
		dialer := &tls.Dialer{Config: options.TLSConfig}
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	// Closing the raw connection unblocks the handshake once the connect
	// timeout fires or ctx is cancelled.
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	fail := func(op string, err error) (imapSession, error) {
		stop()
		conn.Close()
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", op, addr, dialCtx.Err())
		}
		return nil, fmt.Errorf("%s %s: %w", op, addr, err)
	}

	var client *imapclient.Client
	if mb.UseTLS {
		client = imapclient.New(conn, options)
	} else {
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			return fail("starttls", err)
		}
	}
	session.client = client

	if err := client.Login(mb.Email, mb.Password).Wait(); err != nil {
		var imapErr *imap.Error
		if dialCtx.Err() == nil && errors.As(err, &imapErr) {
			stop()
			client.Close()
			return nil, &FatalError{Op: "login " + mb.Email, Err: err}
		}
		client.Close()
		return fail("login", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return fail("select INBOX", err)
	}
	if !stop() {
		client.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, dialCtx.Err())
	}
	return session, nil
}

type clientSession struct {
	client  *imapclient.Client
	updates chan struct{}
}

func (s *clientSession) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *clientSession) UnseenUIDs() ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, err
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *clientSession) Fetch(uids []uint32) ([]IMAPMessage, error) {
	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}
	section := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var messages []IMAPMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collect message: %w", err)
		}
		flags := make([]string, 0, len(buf.Flags))
		for _, flag := range buf.Flags {
			flags = append(flags, string(flag))
		}
		messages = append(messages, IMAPMessage{
			UID:          uint32(buf.UID),
			Flags:        flags,
			InternalDate: buf.InternalDate,
			Size:         buf.RFC822Size,
			Raw:          buf.FindBodySection(section),
		})
	}
	if err := cmd.Close(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *clientSession) Idle(ctx context.Context, wake <-chan struct{}, refresh time.Duration) error {
	cmd, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("start idle: %w", err)
	}
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	select {
	case <-s.updates:
	case <-wake:
	case <-timer.C:
	case <-s.client.Closed():
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("stop idle: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	return nil
}

func (s *clientSession) Close() error {
	return s.client.Close()
}
