package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type messageRow struct {
	ID                 string        `db:"id"`
	ProviderMessageID  string        `db:"provider_message_id"`
	MailboxID          string        `db:"mailbox_id"`
	OwnerUserID        string        `db:"owner_user_id"`
	MailboxEmail       string        `db:"mailbox_email"`
	Subject            string        `db:"subject"`
	SentAt             sql.NullInt64 `db:"sent_at"`
	FromAddrs          string        `db:"from_addrs"`
	ToAddrs            string        `db:"to_addrs"`
	BodyText           string        `db:"body_text"`
	BodyHTML           string        `db:"body_html"`
	RawHeaders         string        `db:"raw_headers"`
	ProviderAttributes string        `db:"provider_attributes"`
	ReceivedAt         int64         `db:"received_at"`
}

const messageColumns = `id, provider_message_id, mailbox_id, owner_user_id, mailbox_email, subject, sent_at,
        from_addrs, to_addrs, body_text, body_html, raw_headers, provider_attributes, received_at`

var messageSorts = map[string]string{
	"receivedAt": "received_at",
	"sentAt":     "sent_at",
	"subject":    "subject",
}

func (r messageRow) toMessage() (InboundMessage, error) {
	msg := InboundMessage{
		ID:                r.ID,
		ProviderMessageID: r.ProviderMessageID,
		MailboxID:         r.MailboxID,
		OwnerUserID:       r.OwnerUserID,
		MailboxEmail:      r.MailboxEmail,
		Subject:           r.Subject,
		BodyText:          r.BodyText,
		BodyHTML:          r.BodyHTML,
		ReceivedAt:        time.Unix(r.ReceivedAt, 0).UTC(),
	}
	if r.SentAt.Valid {
		sent := time.Unix(r.SentAt.Int64, 0).UTC()
		msg.SentAt = &sent
	}
	if err := json.Unmarshal([]byte(r.FromAddrs), &msg.From); err != nil {
		return InboundMessage{}, fmt.Errorf("decode from: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ToAddrs), &msg.To); err != nil {
		return InboundMessage{}, fmt.Errorf("decode to: %w", err)
	}
	if err := json.Unmarshal([]byte(r.RawHeaders), &msg.RawHeaders); err != nil {
		return InboundMessage{}, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ProviderAttributes), &msg.ProviderAttributes); err != nil {
		return InboundMessage{}, fmt.Errorf("decode attributes: %w", err)
	}
	return msg, nil
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// InsertMessage stores msg unless a message with the same provider id is
// already present. It reports whether a row was written. The unique index on
// provider_message_id decides races between concurrent writers.
func (s *Store) InsertMessage(ctx context.Context, msg InboundMessage) (bool, error) {
	if strings.TrimSpace(msg.ProviderMessageID) == "" {
		return false, errors.New("insert message: empty provider message id")
	}
	from, err := encodeJSON(msg.From, "[]")
	if err != nil {
		return false, fmt.Errorf("encode from: %w", err)
	}
	to, err := encodeJSON(msg.To, "[]")
	if err != nil {
		return false, fmt.Errorf("encode to: %w", err)
	}
	headers, err := encodeJSON(msg.RawHeaders, "{}")
	if err != nil {
		return false, fmt.Errorf("encode headers: %w", err)
	}
	attributes, err := encodeJSON(msg.ProviderAttributes, "{}")
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}
	var sentAt sql.NullInt64
	if msg.SentAt != nil {
		sentAt = sql.NullInt64{Int64: msg.SentAt.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO inbound_messages (`+messageColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		msg.ID,
		msg.ProviderMessageID,
		msg.MailboxID,
		msg.OwnerUserID,
		msg.MailboxEmail,
		msg.Subject,
		sentAt,
		from,
		to,
		msg.BodyText,
		msg.BodyHTML,
		headers,
		attributes,
		msg.ReceivedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (InboundMessage, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+messageColumns+` FROM inbound_messages WHERE id = ?;`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboundMessage{}, ErrNotFound
		}
		return InboundMessage{}, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage()
}

func (s *Store) CountMessages(ctx context.Context, mailboxID string) (int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind(`SELECT COUNT(1) FROM inbound_messages WHERE mailbox_id = ?;`), mailboxID); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return total, nil
}

// QueryMessages lists stored messages matching filter, newest first unless
// page asks otherwise, together with the total match count.
func (s *Store) QueryMessages(ctx context.Context, filter MessageFilter, page Page) ([]InboundMessage, int32, error) {
	var conditions []string
	var args []any
	if filter.OwnerUserID != "" {
		conditions = append(conditions, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.MailboxID != "" {
		conditions = append(conditions, "mailbox_id = ?")
		args = append(args, filter.MailboxID)
	}
	if filter.MailboxEmail != "" {
		conditions = append(conditions, "mailbox_email = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(filter.MailboxEmail)))
	}
	if subject := strings.TrimSpace(filter.Subject); subject != "" {
		conditions = append(conditions, "LOWER(subject) LIKE ?")
		args = append(args, "%"+strings.ToLower(subject)+"%")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "received_at < ?")
		args = append(args, filter.Until.Unix())
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(1) FROM inbound_messages"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	if page.SortField == "" {
		page.SortField = "receivedAt"
		page.SortDesc = true
	}
	query := "SELECT " + messageColumns + " FROM inbound_messages" + where +
		orderClause(page, messageSorts, "received_at") + " LIMIT ? OFFSET ?"
	listArgs := append(append([]any{}, args...), normalizeLimit(page.Limit), max(page.Offset, 0))

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]InboundMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, 0, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, clampCount(total), nil
}
