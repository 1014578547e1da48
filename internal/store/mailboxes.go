package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type mailboxRow struct {
	ID                string `db:"id"`
	OwnerUserID       string `db:"owner_user_id"`
	Email             string `db:"email"`
	Protocol          string `db:"protocol"`
	Password          string `db:"password"`
	Host              string `db:"imap_host"`
	Port              int    `db:"port"`
	UseTLS            bool   `db:"use_tls"`
	SMTPHost          string `db:"smtp_host"`
	SMTPPort          int    `db:"smtp_port"`
	OAuthAccessToken  string `db:"oauth_access_token"`
	OAuthRefreshToken string `db:"oauth_refresh_token"`
	OAuthExpiry       int64  `db:"oauth_expiry"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

const mailboxColumns = `id, owner_user_id, email, protocol, password, imap_host, port, use_tls,
        smtp_host, smtp_port, oauth_access_token, oauth_refresh_token, oauth_expiry, created_at, updated_at`

var mailboxSorts = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"email":     "email",
}

func (r mailboxRow) toMailbox() Mailbox {
	m := Mailbox{
		ID:                r.ID,
		OwnerUserID:       r.OwnerUserID,
		Email:             r.Email,
		Protocol:          Protocol(r.Protocol),
		Password:          r.Password,
		Host:              r.Host,
		Port:              r.Port,
		UseTLS:            r.UseTLS,
		SMTPHost:          r.SMTPHost,
		SMTPPort:          r.SMTPPort,
		OAuthAccessToken:  r.OAuthAccessToken,
		OAuthRefreshToken: r.OAuthRefreshToken,
		CreatedAt:         time.Unix(r.CreatedAt, 0),
		UpdatedAt:         time.Unix(r.UpdatedAt, 0),
	}
	if r.OAuthExpiry > 0 {
		m.OAuthExpiry = time.Unix(r.OAuthExpiry, 0)
	}
	return m
}

func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// CreateMailbox inserts a new mailbox. A taken email yields ErrDuplicateMailbox.
func (s *Store) CreateMailbox(ctx context.Context, m Mailbox) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO mail_configs (`+mailboxColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		m.ID,
		m.OwnerUserID,
		m.Email,
		string(m.Protocol),
		m.Password,
		m.Host,
		m.Port,
		m.UseTLS,
		m.SMTPHost,
		m.SMTPPort,
		m.OAuthAccessToken,
		m.OAuthRefreshToken,
		expiryUnix(m.OAuthExpiry),
		m.CreatedAt.Unix(),
		m.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMailbox
		}
		return fmt.Errorf("insert mailbox: %w", err)
	}
	return nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (Mailbox, error) {
	return s.getMailbox(ctx, "id", id)
}

func (s *Store) GetMailboxByEmail(ctx context.Context, email string) (Mailbox, error) {
	return s.getMailbox(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) getMailbox(ctx context.Context, column, value string) (Mailbox, error) {
	var row mailboxRow
	query := s.rebind(`SELECT ` + mailboxColumns + ` FROM mail_configs WHERE ` + column + ` = ?;`)
	if err := s.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Mailbox{}, ErrNotFound
		}
		return Mailbox{}, fmt.Errorf("get mailbox: %w", err)
	}
	return row.toMailbox(), nil
}

// AllMailboxes returns every registered mailbox, oldest first.
func (s *Store) AllMailboxes(ctx context.Context) ([]Mailbox, error) {
	var rows []mailboxRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+mailboxColumns+` FROM mail_configs ORDER BY created_at ASC, id ASC;`); err != nil {
		return nil, fmt.Errorf("list all mailboxes: %w", err)
	}
	mailboxes := make([]Mailbox, 0, len(rows))
	for _, row := range rows {
		mailboxes = append(mailboxes, row.toMailbox())
	}
	return mailboxes, nil
}

func (s *Store) ListMailboxes(ctx context.Context, filter MailboxFilter, page Page) ([]Mailbox, int32, error) {
	var conditions []string
	var args []any
	if filter.OwnerUserID != "" {
		conditions = append(conditions, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.Email != "" {
		conditions = append(conditions, "email = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(filter.Email)))
	}
	if filter.Host != "" {
		conditions = append(conditions, "imap_host = ?")
		args = append(args, strings.TrimSpace(filter.Host))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(1) FROM mail_configs"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count mailboxes: %w", err)
	}

	query := "SELECT " + mailboxColumns + " FROM mail_configs" + where +
		orderClause(page, mailboxSorts, "created_at") + " LIMIT ? OFFSET ?"
	listArgs := append(append([]any{}, args...), normalizeLimit(page.Limit), max(page.Offset, 0))

	var rows []mailboxRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list mailboxes: %w", err)
	}
	mailboxes := make([]Mailbox, 0, len(rows))
	for _, row := range rows {
		mailboxes = append(mailboxes, row.toMailbox())
	}
	return mailboxes, clampCount(total), nil
}

// UpdateMailbox overwrites the mutable columns of an existing mailbox.
func (s *Store) UpdateMailbox(ctx context.Context, m Mailbox) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE mail_configs SET
            email = ?, password = ?, imap_host = ?, port = ?, use_tls = ?,
            smtp_host = ?, smtp_port = ?, oauth_access_token = ?, oauth_refresh_token = ?,
            oauth_expiry = ?, updated_at = ?
        WHERE id = ?;`),
		m.Email,
		m.Password,
		m.Host,
		m.Port,
		m.UseTLS,
		m.SMTPHost,
		m.SMTPPort,
		m.OAuthAccessToken,
		m.OAuthRefreshToken,
		expiryUnix(m.OAuthExpiry),
		m.UpdatedAt.Unix(),
		m.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMailbox
		}
		return fmt.Errorf("update mailbox: %w", err)
	}
	return requireAffected(result, "update mailbox")
}

// UpdateOAuthTokens stores a refreshed token pair. An empty refresh token
// keeps the stored one, since Google only returns it on first consent.
func (s *Store) UpdateOAuthTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE mail_configs SET
            oauth_access_token = ?,
            oauth_refresh_token = CASE WHEN ? = '' THEN oauth_refresh_token ELSE ? END,
            oauth_expiry = ?, updated_at = ?
        WHERE id = ?;`),
		accessToken, refreshToken, refreshToken, expiryUnix(expiry), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update oauth tokens: %w", err)
	}
	return requireAffected(result, "update oauth tokens")
}

// DeleteMailbox removes the mailbox and, through the foreign key cascade,
// its stored messages.
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM mail_configs WHERE id = ?;`), id)
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	return requireAffected(result, "delete mailbox")
}

func requireAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func orderClause(page Page, allowed map[string]string, fallback string) string {
	column, ok := allowed[page.SortField]
	if !ok {
		column = fallback
	}
	direction := "ASC"
	if page.SortDesc {
		direction = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", column, direction, direction)
}

func normalizeLimit(limit int32) int32 {
	if limit <= 0 {
		return 10
	}
	return limit
}

func clampCount(total int64) int32 {
	if total < 0 {
		return 0
	}
	if total > int64(^uint32(0)>>1) {
		return int32(^uint32(0) >> 1)
	}
	return int32(total)
}
