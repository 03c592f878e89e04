// Package memory provides an in-process native.Subsystem.
// Queues are not persisted; it exists for tests and embedded single-process use.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

var _ native.Subsystem = (*Subsystem)(nil)

type (
	// Subsystem implements native.Subsystem in memory.
	// Thread-safe for concurrent use.
	Subsystem struct {
		hostname string
		now      func() time.Time

		mu          sync.Mutex
		queues      map[string]*queue
		deadLetters []native.Entry
	}

	Option func(*Subsystem)

	queue struct {
		key           string
		path          string
		transactional bool
		entries       []*stored
		acl           map[string]native.AccessRights
		handles       map[*handle]struct{}
		signal        chan struct{}
	}

	stored struct {
		entry native.Entry
		body  []byte
	}
)

// WithHostname sets the name this subsystem treats as the local machine.
func WithHostname(name string) Option {
	return func(s *Subsystem) {
		s.hostname = name
	}
}

// WithClock replaces time.Now, used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Subsystem) {
		s.now = now
	}
}

// New creates an empty subsystem.
func New(opts ...Option) *Subsystem {
	s := &Subsystem{
		hostname: address.Hostname(),
		now:      time.Now,
		queues:   make(map[string]*queue),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Subsystem) key(path string) (string, error) {
	return address.Key(path, s.hostname)
}

func (s *Subsystem) Exists(_ context.Context, path string) (bool, error) {
	key, err := s.key(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.queues[key]

	return ok, nil
}

func (s *Subsystem) Create(_ context.Context, path string, transactional bool) (native.Queue, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[key]; ok {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueExists, path)
	}

	q := &queue{
		key:           key,
		path:          path,
		transactional: transactional,
		acl:           make(map[string]native.AccessRights),
		handles:       make(map[*handle]struct{}),
		signal:        make(chan struct{}),
	}
	s.queues[key] = q

	return s.newHandle(q, path, native.AccessSendAndReceive, native.DefaultReceiveFilter), nil
}

func (s *Subsystem) Delete(_ context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return fmt.Errorf("%w: %s", native.ErrQueueNotFound, path)
	}

	delete(s.queues, key)
	q.entries = nil
	q.wake()

	return nil
}

func (s *Subsystem) Purge(_ context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return fmt.Errorf("%w: %s", native.ErrQueueNotFound, path)
	}

	q.entries = nil

	return nil
}

func (s *Subsystem) Open(_ context.Context, path string, mode native.AccessMode, filter native.PropertyFilter) (native.Queue, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", native.ErrQueueNotFound, path)
	}

	return s.newHandle(q, path, mode, filter), nil
}

func (s *Subsystem) Begin(_ context.Context) (native.Tx, error) {
	return &tx{s: s}, nil
}

// Invalidate makes every open handle to path report an invalid handle on its
// next receive, the way an external administrative action would.
func (s *Subsystem) Invalidate(path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return fmt.Errorf("%w: %s", native.ErrQueueNotFound, path)
	}

	for h := range q.handles {
		h.invalid = true
	}

	q.wake()

	return nil
}

// Permissions returns the access rights granted on the queue at path.
func (s *Subsystem) Permissions(path string) map[string]native.AccessRights {
	key, err := s.key(path)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return nil
	}

	acl := make(map[string]native.AccessRights, len(q.acl))
	for k, v := range q.acl {
		acl[k] = v
	}

	return acl
}

// DeadLetters returns the entries that expired while flagged for dead-lettering.
func (s *Subsystem) DeadLetters() []native.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]native.Entry(nil), s.deadLetters...)
}

// OpenHandles reports how many handles to path are still open.
func (s *Subsystem) OpenHandles(path string) int {
	key, err := s.key(path)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return 0
	}

	return len(q.handles)
}

func (s *Subsystem) newHandle(q *queue, path string, mode native.AccessMode, filter native.PropertyFilter) *handle {
	h := &handle{s: s, q: q, path: path, mode: mode, filter: filter}
	q.handles[h] = struct{}{}

	return h
}

// current returns the live queue for key; callers hold s.mu.
func (s *Subsystem) current(key string) (*queue, bool) {
	q, ok := s.queues[key]

	return q, ok
}

// dropExpired removes expired entries; callers hold s.mu.
func (s *Subsystem) dropExpired(q *queue) {
	now := s.now()
	kept := q.entries[:0]

	for _, st := range q.entries {
		if !st.entry.Expired(now) {
			kept = append(kept, st)

			continue
		}

		if st.entry.UseDeadLetterQueue {
			dead := st.entry
			dead.Body = bytes.NewReader(st.body)
			s.deadLetters = append(s.deadLetters, dead)
		}
	}

	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}

	q.entries = kept
}

func (q *queue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (st *stored) materialize(filter native.PropertyFilter) *native.Entry {
	e := st.entry
	if !filter.ID {
		e.ID = ""
	}

	if !filter.Label {
		e.Label = ""
	}

	if filter.Body {
		e.Body = bytes.NewReader(st.body)
	} else {
		e.Body = bytes.NewReader(nil)
	}

	if filter.Extension {
		e.Extension = append([]byte(nil), st.entry.Extension...)
	} else {
		e.Extension = nil
	}

	return &e
}

func newStored(entry *native.Entry, now time.Time) (*stored, error) {
	var body []byte

	if entry.Body != nil {
		b, err := io.ReadAll(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry body: %w", err)
		}

		body = b
	}

	e := *entry
	e.Body = nil
	e.ID = uuid.NewString()
	e.SentAt = now
	e.Extension = append([]byte(nil), entry.Extension...)

	return &stored{entry: e, body: body}, nil
}

func entries(snapshot []*stored, filter native.PropertyFilter) iter.Seq2[*native.Entry, error] {
	return func(yield func(*native.Entry, error) bool) {
		for _, st := range snapshot {
			if !yield(st.materialize(filter), nil) {
				return
			}
		}
	}
}
