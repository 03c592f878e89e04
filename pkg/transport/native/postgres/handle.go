package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	receiveQuery = `DELETE FROM ` + messagesTable + `
		WHERE id = (
			SELECT id FROM ` + messagesTable + `
			WHERE queue = $1 AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, label, body, extension, recoverable, dead_letter, journal, ttl_ms, sent_at`

	reapQuery = `WITH expired AS (
			DELETE FROM ` + messagesTable + `
			WHERE queue = $1 AND expires_at IS NOT NULL AND expires_at <= $2
			RETURNING id, queue, label, body, extension, sent_at, dead_letter
		)
		INSERT INTO ` + deadLettersTable + ` (id, queue, label, body, extension, sent_at)
		SELECT id, queue, label, body, extension, sent_at FROM expired WHERE dead_letter`
)

var (
	_ native.Queue   = (*handle)(nil)
	_ native.Counter = (*handle)(nil)

	messageColumns = []string{"id", "label", "body", "extension", "recoverable", "dead_letter", "journal", "ttl_ms", "sent_at"}
)

type (
	handle struct {
		s             *Subsystem
		path          string
		name          string
		mode          native.AccessMode
		filter        native.PropertyFilter
		incarnation   string
		transactional bool
		closed        atomic.Bool
	}

	messageRow struct {
		ID          string    `db:"id"`
		Label       string    `db:"label"`
		Body        []byte    `db:"body"`
		Extension   []byte    `db:"extension"`
		Recoverable bool      `db:"recoverable"`
		DeadLetter  bool      `db:"dead_letter"`
		Journal     bool      `db:"journal"`
		TTLMillis   int64     `db:"ttl_ms"`
		SentAt      time.Time `db:"sent_at"`
	}
)

func (h *handle) Path() string {
	return h.path
}

func (h *handle) Transactional() bool {
	return h.transactional
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return native.ErrInvalidHandle
	}

	return nil
}

// state reports whether the queue this handle was opened on still exists
// unchanged: a deleted queue yields ErrQueueNotFound, a recreated one
// ErrInvalidHandle.
func (h *handle) state(ctx context.Context) error {
	if h.closed.Load() {
		return native.ErrInvalidHandle
	}

	row, err := h.s.lookup(ctx, h.name)
	if err != nil {
		return err
	}

	if row.Incarnation != h.incarnation {
		return native.ErrInvalidHandle
	}

	return nil
}

func (h *handle) executor(ntx native.Tx) (sqlx.ExtContext, error) {
	if ntx == nil {
		return h.s.db, nil
	}

	t, ok := ntx.(*tx)
	if !ok {
		return nil, fmt.Errorf("transaction %T does not belong to this subsystem", ntx)
	}

	return t.executor()
}

func (h *handle) Send(ctx context.Context, entry *native.Entry, ntx native.Tx) error {
	if h.mode&native.AccessSend == 0 {
		return fmt.Errorf("handle for %s was not opened for sending", h.path)
	}

	if err := h.state(ctx); err != nil {
		return err
	}

	exec, err := h.executor(ntx)
	if err != nil {
		return err
	}

	row, err := toRow(entry, h.s.now())
	if err != nil {
		return err
	}

	var expiresAt sql.NullTime
	if row.TTLMillis > 0 {
		expiresAt = sql.NullTime{Time: row.SentAt.Add(time.Duration(row.TTLMillis) * time.Millisecond), Valid: true}
	}

	query, args, err := psql.Insert(messagesTable).
		Columns(append([]string{"queue", "expires_at"}, messageColumns...)...).
		Values(h.name, expiresAt, row.ID, row.Label, row.Body, row.Extension, row.Recoverable,
			row.DeadLetter, row.Journal, row.TTLMillis, row.SentAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build message insert: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", native.ErrQueueNotFound, h.name)
		}

		return fmt.Errorf("failed to insert message into %s: %w", h.name, err)
	}

	return nil
}

// Receive polls for the oldest unexpired entry not locked by another
// transaction and deletes it within ntx.
func (h *handle) Receive(ctx context.Context, timeout time.Duration, ntx native.Tx) native.ReceiveResult {
	if h.mode&native.AccessReceive == 0 {
		return native.Failed(fmt.Errorf("handle for %s was not opened for receiving", h.path))
	}

	exec, err := h.executor(ntx)
	if err != nil {
		return native.Failed(err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if ctx.Err() != nil {
			return native.TimedOut()
		}

		switch err := h.state(ctx); {
		case errors.Is(err, native.ErrQueueNotFound):
			return native.QueueDeleted()
		case errors.Is(err, native.ErrInvalidHandle):
			return native.InvalidHandle()
		case err != nil:
			return native.Failed(err)
		}

		now := h.s.now()

		if _, err := h.s.db.ExecContext(ctx, reapQuery, h.name, now); err != nil {
			h.s.logger.Warn().Err(err).Str("queue", h.name).Msg("failed to reap expired messages")
		}

		var row messageRow

		err := sqlx.GetContext(ctx, exec, &row, receiveQuery, h.name, now)
		if err == nil {
			return native.Received(h.filtered(row.entry()))
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return native.Failed(fmt.Errorf("failed to receive from %s: %w", h.name, err))
		}

		select {
		case <-ctx.Done():
			return native.TimedOut()
		case <-deadline.C:
			return native.TimedOut()
		case <-time.After(h.s.pollInterval):
		}
	}
}

func (h *handle) Enumerate(ctx context.Context) iter.Seq2[*native.Entry, error] {
	return func(yield func(*native.Entry, error) bool) {
		if err := h.state(ctx); err != nil {
			yield(nil, err)

			return
		}

		query, args, err := psql.Select(messageColumns...).
			From(messagesTable).
			Where(sq.Eq{"queue": h.name}).
			Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": h.s.now()}}).
			OrderBy("seq").
			ToSql()
		if err != nil {
			yield(nil, fmt.Errorf("failed to build enumeration: %w", err))

			return
		}

		var rows []messageRow

		if err := h.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			yield(nil, fmt.Errorf("failed to enumerate %s: %w", h.name, err))

			return
		}

		for _, row := range rows {
			if !yield(h.filtered(row.entry()), nil) {
				return
			}
		}
	}
}

func (h *handle) Len(ctx context.Context) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(messagesTable).
		Where(sq.Eq{"queue": h.name}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": h.s.now()}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}

	var n int

	if err := h.s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", h.name, err)
	}

	return n, nil
}

func (h *handle) SetPermissions(ctx context.Context, principal string, rights native.AccessRights) error {
	query, args, err := psql.Insert(permissionsTable).
		Columns("queue", "principal", "rights").
		Values(h.name, principal, rights.String()).
		Suffix("ON CONFLICT (queue, principal) DO UPDATE SET rights = EXCLUDED.rights").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build permission upsert: %w", err)
	}

	if _, err := h.s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to grant %s on %s to %s: %w", rights, h.name, principal, err)
	}

	return nil
}

func (h *handle) filtered(e *native.Entry) *native.Entry {
	if !h.filter.ID {
		e.ID = ""
	}

	if !h.filter.Label {
		e.Label = ""
	}

	if !h.filter.Body {
		e.Body = bytes.NewReader(nil)
	}

	if !h.filter.Extension {
		e.Extension = nil
	}

	return e
}

func toRow(entry *native.Entry, now time.Time) (messageRow, error) {
	body := []byte{}

	if entry.Body != nil {
		b, err := io.ReadAll(entry.Body)
		if err != nil {
			return messageRow{}, fmt.Errorf("failed to read entry body: %w", err)
		}

		body = append(body, b...)
	}

	return messageRow{
		ID:          uuid.NewString(),
		Label:       entry.Label,
		Body:        body,
		Extension:   entry.Extension,
		Recoverable: entry.Recoverable,
		DeadLetter:  entry.UseDeadLetterQueue,
		Journal:     entry.UseJournalQueue,
		TTLMillis:   entry.TimeToBeReceived.Milliseconds(),
		SentAt:      now.UTC(),
	}, nil
}

func (r messageRow) entry() *native.Entry {
	return &native.Entry{
		ID:                 r.ID,
		Label:              r.Label,
		Body:               bytes.NewReader(r.Body),
		Extension:          r.Extension,
		Recoverable:        r.Recoverable,
		UseDeadLetterQueue: r.DeadLetter,
		UseJournalQueue:    r.Journal,
		TimeToBeReceived:   time.Duration(r.TTLMillis) * time.Millisecond,
		SentAt:             r.SentAt,
	}
}
