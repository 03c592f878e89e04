package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	fieldLabel       = "label"
	fieldBody        = "body"
	fieldExtension   = "extension"
	fieldRecoverable = "recoverable"
	fieldDeadLetter  = "dead_letter"
	fieldJournal     = "journal"
	fieldTTL         = "ttl_ms"
	fieldSentAt      = "sent_at"
)

var (
	_ native.Queue   = (*handle)(nil)
	_ native.Counter = (*handle)(nil)

	errEntryMissing = errors.New("entry hash is missing")
)

type handle struct {
	s             *Subsystem
	path          string
	name          string
	mode          native.AccessMode
	filter        native.PropertyFilter
	incarnation   string
	transactional bool
	closed        atomic.Bool
}

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

func (h *handle) state(ctx context.Context) error {
	if h.closed.Load() {
		return native.ErrInvalidHandle
	}

	incarnation, _, err := h.s.lookup(ctx, h.name)
	if err != nil {
		return err
	}

	if incarnation != h.incarnation {
		return native.ErrInvalidHandle
	}

	return nil
}

func (h *handle) Send(ctx context.Context, entry *native.Entry, ntx native.Tx) error {
	if h.mode&native.AccessSend == 0 {
		return fmt.Errorf("handle for %s was not opened for sending", h.path)
	}

	if err := h.state(ctx); err != nil {
		return err
	}

	id := uuid.NewString()

	fields, err := encodeEntry(entry, h.s.now())
	if err != nil {
		return err
	}

	if ntx != nil {
		t, ok := ntx.(*tx)
		if !ok || t.s != h.s {
			return fmt.Errorf("transaction %T does not belong to this subsystem", ntx)
		}

		return t.enlistSend(h.name, id, fields)
	}

	_, err = h.s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, h.s.entryKey(id), fields)
		pipe.RPush(ctx, h.s.listKey(h.name), id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", h.name, err)
	}

	return nil
}

func (h *handle) Receive(ctx context.Context, timeout time.Duration, ntx native.Tx) native.ReceiveResult {
	if h.mode&native.AccessReceive == 0 {
		return native.Failed(fmt.Errorf("handle for %s was not opened for receiving", h.path))
	}

	var inflight string

	if ntx != nil {
		t, ok := ntx.(*tx)
		if !ok || t.s != h.s {
			return native.Failed(fmt.Errorf("transaction %T does not belong to this subsystem", ntx))
		}

		key, err := t.inflightFor(h.name)
		if err != nil {
			return native.Failed(err)
		}

		inflight = key
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

		entry, err := h.next(ctx, inflight)

		switch {
		case err == nil:
			return native.Received(h.filtered(entry))
		case errors.Is(err, goredis.Nil):
		default:
			return native.Failed(err)
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

// next pops the oldest live entry, parking it in inflight when set. Expired
// entries met on the way are dropped or dead-lettered. goredis.Nil means the
// queue is empty.
func (h *handle) next(ctx context.Context, inflight string) (*native.Entry, error) {
	for {
		var (
			id  string
			err error
		)

		if inflight != "" {
			id, err = h.s.client.LMove(ctx, h.s.listKey(h.name), inflight, "LEFT", "RIGHT").Result()
		} else {
			id, err = h.s.client.LPop(ctx, h.s.listKey(h.name)).Result()
		}

		if err != nil {
			return nil, err
		}

		entry, err := h.s.load(ctx, id)
		if errors.Is(err, errEntryMissing) {
			h.s.logger.Warn().Str("queue", h.name).Str("id", id).Msg("dropping entry without content")
			h.forget(ctx, id, inflight)

			continue
		}

		if err != nil {
			return nil, err
		}

		if entry.Expired(h.s.now()) {
			h.expire(ctx, entry, inflight)

			continue
		}

		if inflight == "" {
			if err := h.s.client.Del(ctx, h.s.entryKey(id)).Err(); err != nil {
				h.s.logger.Warn().Err(err).Str("id", id).Msg("failed to delete received entry")
			}
		}

		return entry, nil
	}
}

func (h *handle) forget(ctx context.Context, id, inflight string) {
	if inflight == "" {
		return
	}

	if err := h.s.client.LRem(ctx, inflight, 1, id).Err(); err != nil {
		h.s.logger.Warn().Err(err).Str("id", id).Msg("failed to drop in-flight entry")
	}
}

func (h *handle) expire(ctx context.Context, entry *native.Entry, inflight string) {
	_, err := h.s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if inflight != "" {
			pipe.LRem(ctx, inflight, 1, entry.ID)
		}

		if entry.UseDeadLetterQueue {
			pipe.RPush(ctx, h.s.deadLettersKey(), entry.ID)
		} else {
			pipe.Del(ctx, h.s.entryKey(entry.ID))
		}

		return nil
	})
	if err != nil {
		h.s.logger.Warn().Err(err).Str("id", entry.ID).Msg("failed to expire entry")
	}
}

func (h *handle) Enumerate(ctx context.Context) iter.Seq2[*native.Entry, error] {
	return func(yield func(*native.Entry, error) bool) {
		if err := h.state(ctx); err != nil {
			yield(nil, err)

			return
		}

		ids, err := h.s.client.LRange(ctx, h.s.listKey(h.name), 0, -1).Result()
		if err != nil {
			yield(nil, fmt.Errorf("failed to enumerate %s: %w", h.name, err))

			return
		}

		now := h.s.now()

		for _, id := range ids {
			entry, err := h.s.load(ctx, id)
			if errors.Is(err, errEntryMissing) {
				continue
			}

			if err != nil {
				yield(nil, err)

				return
			}

			if entry.Expired(now) {
				continue
			}

			if !yield(h.filtered(entry), nil) {
				return
			}
		}
	}
}

func (h *handle) Len(ctx context.Context) (int, error) {
	n, err := h.s.client.LLen(ctx, h.s.listKey(h.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", h.name, err)
	}

	return int(n), nil
}

func (h *handle) SetPermissions(ctx context.Context, principal string, rights native.AccessRights) error {
	if err := h.s.client.HSet(ctx, h.s.aclKey(h.name), principal, rights.String()).Err(); err != nil {
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

func (s *Subsystem) load(ctx context.Context, id string) (*native.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}

	if len(fields) == 0 {
		return nil, errEntryMissing
	}

	return decodeEntry(id, fields), nil
}

func encodeEntry(entry *native.Entry, now time.Time) (map[string]any, error) {
	var body []byte

	if entry.Body != nil {
		b, err := io.ReadAll(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry body: %w", err)
		}

		body = b
	}

	return map[string]any{
		fieldLabel:       entry.Label,
		fieldBody:        body,
		fieldExtension:   entry.Extension,
		fieldRecoverable: strconv.FormatBool(entry.Recoverable),
		fieldDeadLetter:  strconv.FormatBool(entry.UseDeadLetterQueue),
		fieldJournal:     strconv.FormatBool(entry.UseJournalQueue),
		fieldTTL:         entry.TimeToBeReceived.Milliseconds(),
		fieldSentAt:      now.UnixNano(),
	}, nil
}

func decodeEntry(id string, fields map[string]string) *native.Entry {
	e := &native.Entry{
		ID:    id,
		Label: fields[fieldLabel],
		Body:  bytes.NewReader([]byte(fields[fieldBody])),
	}

	if ext := fields[fieldExtension]; ext != "" {
		e.Extension = []byte(ext)
	}

	e.Recoverable, _ = strconv.ParseBool(fields[fieldRecoverable])
	e.UseDeadLetterQueue, _ = strconv.ParseBool(fields[fieldDeadLetter])
	e.UseJournalQueue, _ = strconv.ParseBool(fields[fieldJournal])

	if ms, err := strconv.ParseInt(fields[fieldTTL], 10, 64); err == nil {
		e.TimeToBeReceived = time.Duration(ms) * time.Millisecond
	}

	if ns, err := strconv.ParseInt(fields[fieldSentAt], 10, 64); err == nil {
		e.SentAt = time.Unix(0, ns)
	}

	return e
}
