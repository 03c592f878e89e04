// Package redis provides a native.Subsystem on Redis (or KeyDB) data
// structures.
//
// Each queue is a list of entry ids next to a hash per entry. A native
// transaction buffers its sends until commit and moves received ids into a
// private in-flight list: commit drops them, abort pushes them back to the
// head of their queue in receive order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/architeacher/txtransport/pkg/transport"
	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	defaultKeyPrefix    = "txtransport:"
	defaultPollInterval = 50 * time.Millisecond

	fieldIncarnation   = "incarnation"
	fieldPath          = "path"
	fieldTransactional = "transactional"
)

var _ native.Subsystem = (*Subsystem)(nil)

type (
	// Subsystem implements native.Subsystem over a go-redis client. Thread-safe
	// for concurrent use.
	Subsystem struct {
		client       goredis.UniversalClient
		prefix       string
		hostname     string
		logger       transport.Logger
		pollInterval time.Duration
		now          func() time.Time
	}

	options struct {
		prefix       string
		hostname     string
		logger       transport.Logger
		pollInterval time.Duration
		now          func() time.Time
	}

	Option func(*options)
)

// WithKeyPrefix returns an option which sets the prefix of every key the subsystem touches.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

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

func New(client goredis.UniversalClient, opts ...Option) *Subsystem {
	o := options{
		prefix:       defaultKeyPrefix,
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
		client:       client,
		prefix:       o.prefix,
		hostname:     o.hostname,
		logger:       o.logger,
		pollInterval: o.pollInterval,
		now:          o.now,
	}
}

func (s *Subsystem) metaKey(name string) string {
	return s.prefix + "queue:" + name
}

func (s *Subsystem) listKey(name string) string {
	return s.metaKey(name) + ":entries"
}

func (s *Subsystem) aclKey(name string) string {
	return s.metaKey(name) + ":acl"
}

func (s *Subsystem) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func (s *Subsystem) inflightKey(txID, name string) string {
	return s.prefix + "tx:" + txID + ":" + name
}

func (s *Subsystem) deadLettersKey() string {
	return s.prefix + "dead-letters"
}

func (s *Subsystem) queueName(path string) (string, error) {
	return address.Key(path, s.hostname)
}

func (s *Subsystem) Exists(ctx context.Context, path string) (bool, error) {
	name, err := s.queueName(path)
	if err != nil {
		return false, err
	}

	n, err := s.client.Exists(ctx, s.metaKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return n == 1, nil
}

// Create claims the queue through HSETNX on its incarnation, so exactly one
// of several racing creators succeeds.
func (s *Subsystem) Create(ctx context.Context, path string, transactional bool) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	incarnation := uuid.NewString()

	created, err := s.client.HSetNX(ctx, s.metaKey(name), fieldIncarnation, incarnation).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	if !created {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueExists, name)
	}

	err = s.client.HSet(ctx, s.metaKey(name),
		fieldPath, path,
		fieldTransactional, strconv.FormatBool(transactional),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to describe queue %s: %w", name, err)
	}

	return s.newHandle(path, name, native.AccessSendAndReceive, native.DefaultReceiveFilter, incarnation, transactional), nil
}

func (s *Subsystem) Delete(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	if _, _, err := s.lookup(ctx, name); err != nil {
		return err
	}

	ids, err := s.client.LRange(ctx, s.listKey(name), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list entries of %s: %w", name, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.metaKey(name), s.listKey(name), s.aclKey(name))

		for _, id := range ids {
			pipe.Del(ctx, s.entryKey(id))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}

	return nil
}

func (s *Subsystem) Purge(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	if _, _, err := s.lookup(ctx, name); err != nil {
		return err
	}

	ids, err := s.client.LRange(ctx, s.listKey(name), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list entries of %s: %w", name, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.listKey(name))

		for _, id := range ids {
			pipe.Del(ctx, s.entryKey(id))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to purge queue %s: %w", name, err)
	}

	return nil
}

func (s *Subsystem) Open(ctx context.Context, path string, mode native.AccessMode, filter native.PropertyFilter) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	incarnation, transactional, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	return s.newHandle(path, name, mode, filter, incarnation, transactional), nil
}

func (s *Subsystem) lookup(ctx context.Context, name string) (string, bool, error) {
	fields, err := s.client.HMGet(ctx, s.metaKey(name), fieldIncarnation, fieldTransactional).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to look up queue %s: %w", name, err)
	}

	incarnation, ok := fields[0].(string)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
	}

	transactional := true
	if v, ok := fields[1].(string); ok {
		transactional, _ = strconv.ParseBool(v)
	}

	return incarnation, transactional, nil
}

func (s *Subsystem) newHandle(path, name string, mode native.AccessMode, filter native.PropertyFilter, incarnation string, transactional bool) *handle {
	return &handle{
		s:             s,
		path:          path,
		name:          name,
		mode:          mode,
		filter:        filter,
		incarnation:   incarnation,
		transactional: transactional,
	}
}

func (s *Subsystem) Begin(_ context.Context) (native.Tx, error) {
	return &tx{s: s, id: uuid.NewString()}, nil
}

// DeadLetters returns the entries that expired while flagged for dead-lettering.
func (s *Subsystem) DeadLetters(ctx context.Context) ([]*native.Entry, error) {
	ids, err := s.client.LRange(ctx, s.deadLettersKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]*native.Entry, 0, len(ids))

	for _, id := range ids {
		e, err := s.load(ctx, id)
		if errors.Is(err, errEntryMissing) {
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, nil
}
