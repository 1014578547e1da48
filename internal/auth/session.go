package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	purposeAccess = "access"
	purposeState  = "state"
	purposePush   = "gmail-push"

	stateMaxAge = 10 * time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Principal is the caller identified by a bearer token.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type Manager struct {
	secret []byte
	maxAge time.Duration
}

// New returns a Manager signing with secret. An empty secret is replaced by
// a random one, so tokens do not survive a restart.
func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) Issue(p Principal, now time.Time) (string, error) {
	return m.issue(purposeAccess, p, now)
}

func (m *Manager) Parse(token string, now time.Time) (Principal, error) {
	return m.parse(purposeAccess, token, now, m.maxAge)
}

// IssueState signs p into the OAuth state parameter so the callback can be
// attributed to the user who started the flow.
func (m *Manager) IssueState(p Principal, now time.Time) (string, error) {
	return m.issue(purposeState, p, now)
}

func (m *Manager) ParseState(token string, now time.Time) (Principal, error) {
	return m.parse(purposeState, token, now, stateMaxAge)
}

// PushToken is the shared secret expected on Gmail push webhook calls.
func (m *Manager) PushToken() string {
	return m.sign(purposePush)
}

func (m *Manager) VerifyPushToken(token string) bool {
	return token != "" && m.verify(purposePush, token)
}

func (m *Manager) issue(purpose string, p Principal, now time.Time) (string, error) {
	userID := strings.TrimSpace(p.UserID)
	if userID == "" || strings.Contains(userID, "|") {
		return "", errors.New("user id is required")
	}
	role, err := NormalizeRole(p.Role)
	if err != nil {
		return "", err
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	payload := strings.Join([]string{purpose, userID, role, timestamp}, "|")
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (m *Manager) parse(purpose, token string, now time.Time, maxAge time.Duration) (Principal, error) {
	if token == "" {
		return Principal{}, errors.New("missing token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 5 || parts[0] != purpose {
		return Principal{}, ErrInvalidToken
	}
	payload := strings.Join(parts[:4], "|")
	if !m.verify(payload, parts[4]) {
		return Principal{}, ErrInvalidToken
	}
	timestamp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if now.Sub(time.Unix(timestamp, 0)) > maxAge {
		return Principal{}, ErrExpiredToken
	}
	return Principal{UserID: parts[1], Role: parts[2]}, nil
}

func NormalizeRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", errors.New("email must be valid")
	}
	return addr.Address, nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
