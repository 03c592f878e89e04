// Package postgres provides a native.Subsystem stored in PostgreSQL tables.
//
// A native transaction is a database transaction: sends are inserted and
// receives are deleted inside it, so both become visible together on commit
// and vanish together on rollback. Competing receivers skip rows locked by
// other transactions, which keeps a queue consumable by many processes.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/architeacher/txtransport/pkg/transport"
	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	defaultPollInterval = 100 * time.Millisecond

	// foreign_key_violation
	pqForeignKeyViolation = pq.ErrorCode("23503")
)

var (
	_ native.Subsystem = (*Subsystem)(nil)

	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
)

type (
	// Subsystem implements native.Subsystem over a *sqlx.DB. Thread-safe for
	// concurrent use; call EnsureSchema once before use.
	Subsystem struct {
		db           *sqlx.DB
		hostname     string
		logger       transport.Logger
		pollInterval time.Duration
		now          func() time.Time
	}

	options struct {
		hostname     string
		logger       transport.Logger
		pollInterval time.Duration
		now          func() time.Time
	}

	Option func(*options)

	queueRow struct {
		Incarnation   string `db:"incarnation"`
		Transactional bool   `db:"transactional"`
	}
)

// WithHostname returns an option which sets the name used for the local machine.
func WithHostname(name string) Option {
	return func(o *options) {
		o.hostname = name
	}
}

// WithLogger returns an option which sets the logger.
func WithLogger(l transport.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPollInterval returns an option which sets how often an empty queue is polled during a receive.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithClock returns an option which sets the clock used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New(db *sqlx.DB, opts ...Option) *Subsystem {
	o := options{
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.hostname == "" {
		o.hostname = address.Hostname()
	}

	if o.logger == nil {
		o.logger = transport.NewZerologLogger(zerolog.Nop())
	}

	return &Subsystem{
		db:           db,
		hostname:     o.hostname,
		logger:       o.logger,
		pollInterval: o.pollInterval,
		now:          o.now,
	}
}

func (s *Subsystem) queueName(path string) (string, error) {
	return address.Key(path, s.hostname)
}

func (s *Subsystem) Exists(ctx context.Context, path string) (bool, error) {
	name, err := s.queueName(path)
	if err != nil {
		return false, err
	}

	_, err = s.lookup(ctx, name)
	if errors.Is(err, native.ErrQueueNotFound) {
		return false, nil
	}

	return err == nil, err
}

func (s *Subsystem) lookup(ctx context.Context, name string) (queueRow, error) {
	var row queueRow

	query, args, err := psql.Select("incarnation", "transactional").
		From(queuesTable).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return row, fmt.Errorf("failed to build queue lookup: %w", err)
	}

	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
		}

		return row, fmt.Errorf("failed to look up queue %s: %w", name, err)
	}

	return row, nil
}

func (s *Subsystem) Create(ctx context.Context, path string, transactional bool) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	incarnation := uuid.NewString()

	query, args, err := psql.Insert(queuesTable).
		Columns("name", "path", "transactional", "incarnation").
		Values(name, path, transactional, incarnation).
		Suffix("ON CONFLICT (name) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build queue insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueExists, name)
	}

	return s.newHandle(path, name, native.AccessSendAndReceive, native.DefaultReceiveFilter, queueRow{
		Incarnation:   incarnation,
		Transactional: transactional,
	}), nil
}

func (s *Subsystem) Delete(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	query, args, err := psql.Delete(queuesTable).Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build queue delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
	}

	return nil
}

func (s *Subsystem) Purge(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	if _, err := s.lookup(ctx, name); err != nil {
		return err
	}

	query, args, err := psql.Delete(messagesTable).Where(sq.Eq{"queue": name}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build purge: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to purge queue %s: %w", name, err)
	}

	return nil
}

func (s *Subsystem) Open(ctx context.Context, path string, mode native.AccessMode, filter native.PropertyFilter) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	row, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	return s.newHandle(path, name, mode, filter, row), nil
}

func (s *Subsystem) newHandle(path, name string, mode native.AccessMode, filter native.PropertyFilter, row queueRow) *handle {
	return &handle{
		s:             s,
		path:          path,
		name:          name,
		mode:          mode,
		filter:        filter,
		incarnation:   row.Incarnation,
		transactional: row.Transactional,
	}
}

// Begin starts a database transaction. The transaction outlives the call that
// began it, so it is detached from ctx cancellation.
func (s *Subsystem) Begin(ctx context.Context) (native.Tx, error) {
	sqlTx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &tx{sqlTx: sqlTx}, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}
