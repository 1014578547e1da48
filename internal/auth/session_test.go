package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueAndParse(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1_700_000_000, 0)

	token, err := m.Issue(Principal{UserID: "user-1", Role: "Admin"}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := m.Parse(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.UserID != "user-1" || !p.IsAdmin() {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := m.Parse(token, now.Add(2*time.Hour)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	token, err := m.Issue(Principal{UserID: "user-1"}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(token)
	forged := base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(raw), "|user|", "|admin|", 1)))
	if _, err := m.Parse(forged, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	other, _ := New("other-secret", time.Hour)
	if _, err := other.Parse(token, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token across secrets, got %v", err)
	}
	if _, err := m.Parse("", now); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := m.Parse("%%%", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for garbage, got %v", err)
	}
}

func TestStateTokenIsNotAnAccessToken(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	state, err := m.IssueState(Principal{UserID: "user-1"}, now)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if _, err := m.Parse(state, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("state token accepted as bearer: %v", err)
	}
	p, err := m.ParseState(state, now.Add(5*time.Minute))
	if err != nil || p.UserID != "user-1" || p.Role != RoleUser {
		t.Fatalf("unexpected state principal %+v %v", p, err)
	}
	if _, err := m.ParseState(state, now.Add(11*time.Minute)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected state expiry, got %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	m := newManager(t)
	if _, err := m.Issue(Principal{UserID: " "}, time.Now()); err == nil {
		t.Fatalf("expected error for empty user id")
	}
	if _, err := m.Issue(Principal{UserID: "u", Role: "root"}, time.Now()); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestPushToken(t *testing.T) {
	m := newManager(t)
	token := m.PushToken()
	if !m.VerifyPushToken(token) {
		t.Fatalf("push token must verify")
	}
	if m.VerifyPushToken("") || m.VerifyPushToken(token+"x") {
		t.Fatalf("forged push token accepted")
	}
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Person@Example.COM ")
	if err != nil || got != "person@example.com" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	for _, bad := range []string{"", "not-an-email", "Name <a@b.com>"} {
		if _, err := NormalizeEmail(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
