package connector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.io/infrasutra/mailsync/internal/store"
)

type fakeGmail struct {
	mu           sync.Mutex
	ids          []string
	unauthorized int
	refreshes    int
	refreshErr   error
	watchErr     error
	watched      []string
	gets         []string
	lists        int
}

func (f *fakeGmail) Watch(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, topic)
	return f.watchErr
}

func (f *fakeGmail) ListInbox(ctx context.Context, max int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.unauthorized > 0 {
		f.unauthorized--
		return nil, &googleapi.Error{Code: http.StatusUnauthorized, Message: "invalid credentials"}
	}
	return append([]string(nil), f.ids...), nil
}

func (f *fakeGmail) Get(ctx context.Context, id string) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, id)
	return &gmail.Message{Id: id, ThreadId: "t-" + id}, nil
}

func (f *fakeGmail) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeGmail) setIDs(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = ids
}

func (f *fakeGmail) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func newTestGmailConnector(api *fakeGmail, topic string) *GmailConnector {
	c := NewGmailConnector(discardLogger(), nil, nil, time.Hour, topic)
	c.newAPI = func(ctx context.Context, mb store.Mailbox) (gmailAPI, error) {
		return api, nil
	}
	return c
}

func testGmailMailbox() store.Mailbox {
	return store.Mailbox{ID: "g1", Email: "g@example.com", Protocol: store.ProtocolGmailOAuth, OAuthRefreshToken: "r"}
}

func TestGmailListenPollsAndSkipsSeenIDs(t *testing.T) {
	api := &fakeGmail{ids: []string{"a", "b"}}
	c := newTestGmailConnector(api, "projects/p/topics/mail")
	h := &recordingHandler{}
	wake := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, testGmailMailbox(), wake, h) }()

	waitFor(t, func() bool { return h.count() == 2 })
	api.setIDs("c", "a", "b")
	wake <- struct{}{}
	waitFor(t, func() bool { return h.count() == 3 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.watched) != 1 || api.watched[0] != "projects/p/topics/mail" {
		t.Fatalf("expected one watch call, got %v", api.watched)
	}
	if len(api.gets) != 3 {
		t.Fatalf("expected 3 message gets, got %v", api.gets)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.messages[2]
	if last.Protocol != store.ProtocolGmailOAuth || last.MailboxID != "g1" || last.Gmail == nil || last.Gmail.Id != "c" {
		t.Fatalf("unexpected message: %+v", last)
	}
}

func TestGmailListenRefreshesOnceOnUnauthorized(t *testing.T) {
	api := &fakeGmail{ids: []string{"a"}, unauthorized: 1}
	c := newTestGmailConnector(api, "")
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx, testGmailMailbox(), nil, h)

	waitFor(t, func() bool { return h.count() == 1 })
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", api.refreshes)
	}
	if api.lists != 2 {
		t.Fatalf("expected list to be retried once, got %d calls", api.lists)
	}
	if len(api.watched) != 0 {
		t.Fatalf("watch must not be called without a topic")
	}
}

func TestGmailListenSurfacesSecondUnauthorized(t *testing.T) {
	api := &fakeGmail{unauthorized: 2}
	c := newTestGmailConnector(api, "")

	err := c.Listen(context.Background(), testGmailMailbox(), nil, &recordingHandler{})
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if api.refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", api.refreshes)
	}
}

func TestGmailListenRevokedGrantIsFatal(t *testing.T) {
	api := &fakeGmail{
		unauthorized: 1,
		refreshErr:   &oauth2.RetrieveError{ErrorCode: "invalid_grant"},
	}
	c := newTestGmailConnector(api, "")

	err := c.Listen(context.Background(), testGmailMailbox(), nil, &recordingHandler{})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestGmailListenContinuesWhenWatchFails(t *testing.T) {
	api := &fakeGmail{ids: []string{"a"}, watchErr: errors.New("topic not found")}
	c := newTestGmailConnector(api, "projects/p/topics/missing")
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx, testGmailMailbox(), nil, h)

	waitFor(t, func() bool { return h.count() == 1 && api.listCount() == 1 })
}

func TestNewGmailClientRequiresConfig(t *testing.T) {
	_, err := newGmailClient(context.Background(), nil, nil, testGmailMailbox())
	if !IsFatal(err) {
		t.Fatalf("expected fatal error without oauth config, got %v", err)
	}

	mb := testGmailMailbox()
	mb.OAuthRefreshToken = ""
	_, err = newGmailClient(context.Background(), &oauth2.Config{}, nil, mb)
	if !IsFatal(err) {
		t.Fatalf("expected fatal error without refresh token, got %v", err)
	}
}

func TestGmailListenRenewsWatch(t *testing.T) {
	api := &fakeGmail{}
	c := newTestGmailConnector(api, "projects/p/topics/mail")
	c.watchRenew = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, testGmailMailbox(), nil, &recordingHandler{}) }()

	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.watched) >= 3
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGmailListenEndsWhenWatchRenewalIsRevoked(t *testing.T) {
	api := &fakeGmail{}
	c := newTestGmailConnector(api, "projects/p/topics/mail")
	c.watchRenew = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, testGmailMailbox(), nil, &recordingHandler{}) }()

	waitFor(t, func() bool { return api.listCount() >= 1 })
	api.mu.Lock()
	api.watchErr = &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	api.mu.Unlock()

	select {
	case err := <-done:
		if !IsFatal(err) {
			t.Fatalf("expected fatal error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener kept running after the watch was revoked")
	}
}
