// Package oauth wraps the Google OAuth2 flow used to register Gmail
// mailboxes.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

var ErrDisabled = errors.New("google oauth is not configured")

var Scopes = []string{
	gmail.GmailModifyScope,
	gmail.GmailSendScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

type Google struct {
	config *oauth2.Config
	// apiEndpoint overrides the Gmail API base URL.
	apiEndpoint string
}

func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	return &Google{config: &oauth2.Config{
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: strings.TrimSpace(clientSecret),
		RedirectURL:  strings.TrimSpace(redirectURL),
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}}
}

func (g *Google) Enabled() bool {
	return g != nil && g.config.ClientID != "" && g.config.ClientSecret != "" && g.config.RedirectURL != ""
}

// ConsentURL asks for offline access and forces the consent screen so that
// Google always returns a refresh token.
func (g *Google) ConsentURL(state string) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (g *Google) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if !g.Enabled() {
		return nil, ErrDisabled
	}
	tok, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// ProfileEmail returns the Gmail address the token belongs to.
func (g *Google) ProfileEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, g.config.TokenSource(ctx, tok)))}
	if g.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.apiEndpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("gmail service: %w", err)
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail profile: %w", err)
	}
	email := strings.ToLower(strings.TrimSpace(profile.EmailAddress))
	if email == "" {
		return "", errors.New("gmail profile: empty email address")
	}
	return email, nil
}

// TokenSource refreshes tok when it expires.
func (g *Google) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return g.config.TokenSource(ctx, tok)
}
