package postgres

import (
	"context"
	"fmt"
)

const (
	queuesTable      = "txtransport_queues"
	messagesTable    = "txtransport_messages"
	permissionsTable = "txtransport_permissions"
	deadLettersTable = "txtransport_dead_letters"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + queuesTable + ` (
		name          TEXT PRIMARY KEY,
		path          TEXT NOT NULL,
		transactional BOOLEAN NOT NULL,
		incarnation   UUID NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + messagesTable + ` (
		id          UUID PRIMARY KEY,
		seq         BIGSERIAL,
		queue       TEXT NOT NULL REFERENCES ` + queuesTable + `(name) ON DELETE CASCADE,
		label       TEXT NOT NULL DEFAULT '',
		body        BYTEA NOT NULL,
		extension   BYTEA,
		recoverable BOOLEAN NOT NULL DEFAULT TRUE,
		dead_letter BOOLEAN NOT NULL DEFAULT FALSE,
		journal     BOOLEAN NOT NULL DEFAULT FALSE,
		ttl_ms      BIGINT NOT NULL DEFAULT 0,
		sent_at     TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_` + messagesTable + `_queue_seq ON ` + messagesTable + `(queue, seq)`,
	`CREATE TABLE IF NOT EXISTS ` + permissionsTable + ` (
		queue     TEXT NOT NULL REFERENCES ` + queuesTable + `(name) ON DELETE CASCADE,
		principal TEXT NOT NULL,
		rights    TEXT NOT NULL,
		PRIMARY KEY (queue, principal)
	)`,
	`CREATE TABLE IF NOT EXISTS ` + deadLettersTable + ` (
		id        UUID PRIMARY KEY,
		queue     TEXT NOT NULL,
		label     TEXT NOT NULL DEFAULT '',
		body      BYTEA NOT NULL,
		extension BYTEA,
		sent_at   TIMESTAMPTZ NOT NULL,
		dead_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the tables backing the subsystem when missing.
func (s *Subsystem) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.logger.Info().Msg("postgres queue schema is ready")

	return nil
}
