package storage

import (
	"context"
	"fmt"
)

// migrations are applied in order on startup. Each statement is idempotent so
// a restart against an already-migrated database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sender TEXT NOT NULL REFERENCES users (username),
		receiver TEXT NOT NULL REFERENCES users (username),
		content TEXT NOT NULL,
		upvotes INTEGER NOT NULL DEFAULT 0,
		downvotes INTEGER NOT NULL DEFAULT 0,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (sender, receiver, sent_at)`,
	`CREATE TABLE IF NOT EXISTS user_votes (
		user_id TEXT NOT NULL REFERENCES users (username),
		message_id BIGINT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
		vote_type TEXT NOT NULL CHECK (vote_type IN ('upvote', 'downvote')),
		PRIMARY KEY (user_id, message_id)
	)`,
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", mapPostgresError("migrate", err))
		}
	}
	return nil
}
