package store

import (
	"context"
	"fmt"
)

type migration struct {
	version    int
	statements []string
}

// migrations must be appended in increasing version order. The DDL sticks to
// types both SQLite and Postgres understand.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS mail_configs (
            id TEXT PRIMARY KEY,
            owner_user_id TEXT NOT NULL,
            email TEXT NOT NULL,
            protocol TEXT NOT NULL,
            password TEXT NOT NULL DEFAULT '',
            imap_host TEXT NOT NULL DEFAULT '',
            port INTEGER NOT NULL DEFAULT 993,
            use_tls BOOLEAN NOT NULL DEFAULT TRUE,
            smtp_host TEXT NOT NULL DEFAULT '',
            smtp_port INTEGER NOT NULL DEFAULT 0,
            oauth_access_token TEXT NOT NULL DEFAULT '',
            oauth_refresh_token TEXT NOT NULL DEFAULT '',
            oauth_expiry BIGINT NOT NULL DEFAULT 0,
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL
        );`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_mail_configs_email ON mail_configs(email);`,
			`CREATE INDEX IF NOT EXISTS idx_mail_configs_owner ON mail_configs(owner_user_id, created_at);`,
			`CREATE TABLE IF NOT EXISTS inbound_messages (
            id TEXT PRIMARY KEY,
            provider_message_id TEXT NOT NULL,
            mailbox_id TEXT NOT NULL REFERENCES mail_configs(id) ON DELETE CASCADE,
            owner_user_id TEXT NOT NULL,
            mailbox_email TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            sent_at BIGINT,
            from_addrs TEXT NOT NULL DEFAULT '[]',
            to_addrs TEXT NOT NULL DEFAULT '[]',
            body_text TEXT NOT NULL DEFAULT '',
            body_html TEXT NOT NULL DEFAULT '',
            raw_headers TEXT NOT NULL DEFAULT '{}',
            provider_attributes TEXT NOT NULL DEFAULT '{}',
            received_at BIGINT NOT NULL
        );`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbound_messages_provider_id ON inbound_messages(provider_message_id);`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_messages_mailbox ON inbound_messages(mailbox_id, received_at);`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_messages_owner ON inbound_messages(owner_user_id, received_at);`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_messages_email ON inbound_messages(mailbox_email, received_at);`,
		},
	},
}

// EnsureSchema applies every migration newer than the recorded schema version.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, statement := range m.statements {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version) VALUES (?);`), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}
