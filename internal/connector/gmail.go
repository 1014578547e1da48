package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.io/infrasutra/mailsync/internal/store"
)

const inboxListSize = 10

// watchRenewInterval keeps a push subscription alive well inside the seven
// days after which Gmail expires a watch.
const watchRenewInterval = 24 * time.Hour

// OAuthConfig produces token sources for stored Google credentials.
// *oauth2.Config satisfies it.
type OAuthConfig interface {
	TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource
}

// TokenStore persists refreshed OAuth tokens for a mailbox.
type TokenStore interface {
	UpdateOAuthTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

type gmailAPI interface {
	Watch(ctx context.Context, topic string) error
	ListInbox(ctx context.Context, max int64) ([]string, error)
	Get(ctx context.Context, id string) (*gmail.Message, error)
	// Refresh forces a new access token regardless of the cached expiry.
	Refresh(ctx context.Context) error
}

type GmailConnector struct {
	logger       *slog.Logger
	pollInterval time.Duration
	watchRenew   time.Duration
	topic        string
	newAPI       func(ctx context.Context, mb store.Mailbox) (gmailAPI, error)
}

func NewGmailConnector(logger *slog.Logger, oauthConfig OAuthConfig, tokens TokenStore, pollInterval time.Duration, topic string) *GmailConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &GmailConnector{
		logger:       logger,
		pollInterval: pollInterval,
		watchRenew:   watchRenewInterval,
		topic:        topic,
		newAPI: func(ctx context.Context, mb store.Mailbox) (gmailAPI, error) {
			return newGmailClient(ctx, oauthConfig, tokens, mb)
		},
	}
}

func (c *GmailConnector) Listen(ctx context.Context, mb store.Mailbox, wake <-chan struct{}, h Handler) error {
	api, err := c.newAPI(ctx, mb)
	if err != nil {
		return sessionError(ctx, err)
	}
	logger := c.logger.With("mailbox", mb.ID, "email", mb.Email)

	var renew <-chan time.Time
	if c.topic != "" {
		if err := c.watch(ctx, api, logger); err != nil {
			return sessionError(ctx, err)
		}
		renewTicker := time.NewTicker(c.watchRenew)
		defer renewTicker.Stop()
		renew = renewTicker.C
	}

	h.Connected()
	logger.Info("gmail session established", "interval", c.pollInterval)

	seen := make(map[string]struct{})
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if err := c.poll(ctx, api, mb, seen, h); err != nil {
			return sessionError(ctx, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		case <-renew:
			if err := c.watch(ctx, api, logger); err != nil {
				return sessionError(ctx, err)
			}
		}
	}
}

// watch (re)issues users.watch. Only cancellation and fatal errors are
// returned; other failures leave the session polling.
func (c *GmailConnector) watch(ctx context.Context, api gmailAPI, logger *slog.Logger) error {
	err := withAuthRetry(ctx, api, func() error { return api.Watch(ctx, c.topic) })
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || IsFatal(err) {
		return err
	}
	logger.Warn("gmail watch failed, polling only", "error", err)
	return nil
}

func (c *GmailConnector) poll(ctx context.Context, api gmailAPI, mb store.Mailbox, seen map[string]struct{}, h Handler) error {
	var ids []string
	err := withAuthRetry(ctx, api, func() error {
		var err error
		ids, err = api.ListInbox(ctx, inboxListSize)
		return err
	})
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		var msg *gmail.Message
		err := withAuthRetry(ctx, api, func() error {
			var err error
			msg, err = api.Get(ctx, id)
			return err
		})
		if err != nil {
			return fmt.Errorf("get message %s: %w", id, err)
		}
		if err := h.Handle(ctx, RawMessage{Protocol: store.ProtocolGmailOAuth, MailboxID: mb.ID, Gmail: msg}); err != nil {
			return fmt.Errorf("handle message %s: %w", id, err)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// withAuthRetry runs op and, when it is rejected as unauthorized, refreshes
// the access token once and runs op a second time.
func withAuthRetry(ctx context.Context, api gmailAPI, op func() error) error {
	err := op()
	if err == nil || !isUnauthorized(err) {
		return classifyOAuthError(err)
	}
	if err := api.Refresh(ctx); err != nil {
		return classifyOAuthError(err)
	}
	return classifyOAuthError(op())
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// classifyOAuthError turns a revoked or expired refresh token into a
// FatalError.
func classifyOAuthError(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		return &FatalError{Op: "refresh token", Err: err}
	}
	return err
}

type gmailClient struct {
	mailboxID string
	config    OAuthConfig
	tokens    TokenStore

	mu      sync.Mutex
	token   *oauth2.Token
	service *gmail.Service
}

func newGmailClient(ctx context.Context, config OAuthConfig, tokens TokenStore, mb store.Mailbox) (*gmailClient, error) {
	if config == nil {
		return nil, &FatalError{Op: "gmail client", Err: errors.New("google oauth is not configured")}
	}
	if mb.OAuthRefreshToken == "" {
		return nil, &FatalError{Op: "gmail client", Err: errors.New("mailbox has no refresh token")}
	}
	g := &gmailClient{
		mailboxID: mb.ID,
		config:    config,
		tokens:    tokens,
		token: &oauth2.Token{
			AccessToken:  mb.OAuthAccessToken,
			RefreshToken: mb.OAuthRefreshToken,
			Expiry:       mb.OAuthExpiry,
			TokenType:    "Bearer",
		},
	}
	if err := g.rebuild(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *gmailClient) rebuild(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	source := &savingTokenSource{
		ctx:    ctx,
		client: g,
		base:   oauth2.ReuseTokenSource(g.token, g.config.TokenSource(ctx, g.token)),
	}
	service, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return fmt.Errorf("create gmail service: %w", err)
	}
	g.service = service
	return nil
}

func (g *gmailClient) api() *gmail.Service {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.service
}

// remember records tok when it differs from the last known token.
func (g *gmailClient) remember(ctx context.Context, tok *oauth2.Token) error {
	g.mu.Lock()
	if g.token != nil && g.token.AccessToken == tok.AccessToken {
		g.mu.Unlock()
		return nil
	}
	refresh := tok.RefreshToken
	if refresh == "" && g.token != nil {
		refresh = g.token.RefreshToken
	}
	next := *tok
	next.RefreshToken = refresh
	g.token = &next
	g.mu.Unlock()

	if g.tokens == nil {
		return nil
	}
	if err := g.tokens.UpdateOAuthTokens(ctx, g.mailboxID, next.AccessToken, next.RefreshToken, next.Expiry); err != nil {
		return fmt.Errorf("save oauth tokens: %w", err)
	}
	return nil
}

func (g *gmailClient) Refresh(ctx context.Context) error {
	g.mu.Lock()
	stale := &oauth2.Token{RefreshToken: g.token.RefreshToken, Expiry: time.Now().Add(-time.Minute)}
	g.mu.Unlock()

	tok, err := g.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	if err := g.remember(ctx, tok); err != nil {
		return err
	}
	return g.rebuild(ctx)
}

func (g *gmailClient) Watch(ctx context.Context, topic string) error {
	_, err := g.api().Users.Watch("me", &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	return err
}

func (g *gmailClient) ListInbox(ctx context.Context, max int64) ([]string, error) {
	resp, err := g.api().Users.Messages.List("me").LabelIds("INBOX").MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}
	return ids, nil
}

func (g *gmailClient) Get(ctx context.Context, id string) (*gmail.Message, error) {
	return g.api().Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
}

type savingTokenSource struct {
	ctx    context.Context
	client *gmailClient
	base   oauth2.TokenSource
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if err := s.client.remember(s.ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}
