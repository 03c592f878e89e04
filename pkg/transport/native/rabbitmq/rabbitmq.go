// Package rabbitmq provides a native.Subsystem backed by a RabbitMQ broker.
//
// Every native transaction owns one AMQP channel in transaction mode:
// publishes and acknowledgements issued on it take effect on commit, and
// closing the channel without committing discards the publishes and returns
// unacknowledged deliveries to their queues.
//
// Queues are durable and named after the canonical "queue@host" identity of
// the path, so processes on different hosts sharing a broker address each
// other's queues the same way they would address remote machines.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/architeacher/txtransport/pkg/transport"
	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultDialAttempts = 5
)

var _ native.Subsystem = (*Subsystem)(nil)

type (
	// Backoff returns how long to wait before dial attempt number retries+1.
	Backoff interface {
		Backoff(retries int) time.Duration
	}

	constantBackoff time.Duration

	// Subsystem implements native.Subsystem over a single broker connection,
	// redialed on demand. Thread-safe for concurrent use.
	Subsystem struct {
		url          string
		hostname     string
		logger       transport.Logger
		dial         func(url string) (connection, error)
		breaker      *gobreaker.CircuitBreaker
		backoff      Backoff
		dialAttempts int
		pollInterval time.Duration

		mu         sync.Mutex
		conn       connection
		generation uint64
	}

	options struct {
		hostname       string
		logger         transport.Logger
		backoff        Backoff
		dialAttempts   int
		pollInterval   time.Duration
		breakerSetting *gobreaker.Settings
		dial           func(url string) (connection, error)
	}

	option func(*options)
)

func (b constantBackoff) Backoff(int) time.Duration {
	return time.Duration(b)
}

// WithHostname returns an option which sets the name used for the local machine.
func WithHostname(name string) option {
	return func(o *options) {
		o.hostname = name
	}
}

// WithLogger returns an option which sets the logger.
func WithLogger(l transport.Logger) option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBackoff returns an option which sets the delay between dial attempts.
func WithBackoff(b Backoff, attempts int) option {
	return func(o *options) {
		o.backoff = b
		o.dialAttempts = attempts
	}
}

// WithPollInterval returns an option which sets how often an empty queue is polled during a receive.
func WithPollInterval(d time.Duration) option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithCircuitBreaker returns an option which sets the settings of the breaker guarding dials.
func WithCircuitBreaker(settings gobreaker.Settings) option {
	return func(o *options) {
		o.breakerSetting = &settings
	}
}

func withDialer(dial func(url string) (connection, error)) option {
	return func(o *options) {
		o.dial = dial
	}
}

// New creates a subsystem for the broker described by cfg. No connection is
// made until the first operation.
func New(cfg Config, opts ...option) *Subsystem {
	o := options{
		backoff:      constantBackoff(time.Second),
		dialAttempts: defaultDialAttempts,
		pollInterval: defaultPollInterval,
		dial:         dialAMQP,
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

	if o.dialAttempts < 1 {
		o.dialAttempts = 1
	}

	settings := gobreaker.Settings{
		Name:        "rabbitmq-dial",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(o.dialAttempts)*2
		},
	}
	if o.breakerSetting != nil {
		settings = *o.breakerSetting
	}

	logger := o.logger
	settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
		logger.Info().
			Str("name", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
	}

	return &Subsystem{
		url:          getURL(cfg),
		hostname:     o.hostname,
		logger:       o.logger,
		dial:         o.dial,
		breaker:      gobreaker.NewCircuitBreaker(settings),
		backoff:      o.backoff,
		dialAttempts: o.dialAttempts,
		pollInterval: o.pollInterval,
	}
}

// Close closes the broker connection. Open handles become invalid.
func (s *Subsystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	conn := s.conn
	s.conn = nil
	s.generation++

	if conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

func (s *Subsystem) queueName(path string) (string, error) {
	return address.Key(path, s.hostname)
}

// connect returns the live connection and its generation, dialing when the
// previous one is gone.
func (s *Subsystem) connect(ctx context.Context) (connection, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, s.generation, nil
	}

	var lastErr error

	for attempt := range s.dialAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(s.backoff.Backoff(attempt - 1)):
			}
		}

		res, err := s.breaker.Execute(func() (any, error) {
			return s.dial(s.url)
		})
		if err == nil {
			s.conn = res.(connection)
			s.generation++

			s.logger.Info().Msg("successfully connected to RabbitMQ")

			return s.conn, s.generation, nil
		}

		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}

		s.logger.Warn().Err(err).Msg("failed to connect to RabbitMQ, retrying")
	}

	return nil, 0, fmt.Errorf("failed to connect to RabbitMQ: %w", lastErr)
}

func (s *Subsystem) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		return 0
	}

	return s.generation
}

// withChannel runs fn on a short-lived channel. Failed passive declares close
// the channel they run on, so administrative calls never share one.
func (s *Subsystem) withChannel(ctx context.Context, fn func(ch amqpChannel) error) error {
	conn, _, err := s.connect(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	return fn(ch)
}

func (s *Subsystem) Exists(ctx context.Context, path string) (bool, error) {
	name, err := s.queueName(path)
	if err != nil {
		return false, err
	}

	exists := false

	err = s.withChannel(ctx, func(ch amqpChannel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if isNotFound(err) {
			return nil
		}

		if err != nil {
			return err
		}

		exists = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return exists, nil
}

// Create declares a durable queue. The transactional flag is accepted for
// every queue: transactions live on channels, not queues.
func (s *Subsystem) Create(ctx context.Context, path string, _ bool) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, path)
	if err != nil {
		return nil, err
	}

	if exists {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueExists, name)
	}

	err = s.withChannel(ctx, func(ch amqpChannel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return s.newHandle(ctx, path, name, native.AccessSendAndReceive, native.DefaultReceiveFilter)
}

func (s *Subsystem) Delete(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	return s.withChannel(ctx, func(ch amqpChannel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
		}

		return err
	})
}

func (s *Subsystem) Purge(ctx context.Context, path string) error {
	name, err := s.queueName(path)
	if err != nil {
		return err
	}

	return s.withChannel(ctx, func(ch amqpChannel) error {
		_, err := ch.QueuePurge(name, false)
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
		}

		return err
	})
}

func (s *Subsystem) Open(ctx context.Context, path string, mode native.AccessMode, filter native.PropertyFilter) (native.Queue, error) {
	name, err := s.queueName(path)
	if err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, path)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueNotFound, name)
	}

	return s.newHandle(ctx, path, name, mode, filter)
}

func (s *Subsystem) newHandle(ctx context.Context, path, name string, mode native.AccessMode, filter native.PropertyFilter) (*handle, error) {
	_, generation, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return &handle{
		s:          s,
		path:       path,
		name:       name,
		mode:       mode,
		filter:     filter,
		generation: generation,
	}, nil
}

// Begin opens a channel in transaction mode.
func (s *Subsystem) Begin(ctx context.Context) (native.Tx, error) {
	conn, _, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Tx(); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("failed to put channel in transaction mode: %w", err)
	}

	return &tx{ch: ch}, nil
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error

	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

func isClosed(err error) bool {
	var amqpErr *amqp.Error

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	return errors.As(err, &amqpErr) && (amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced)
}
