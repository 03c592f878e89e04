package rabbitmq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

// AMQP headers carrying entry properties that have no publishing field.
const (
	headerExtension  = "x-txtransport-extension"
	headerLabel      = "x-txtransport-label"
	headerDeadLetter = "x-txtransport-dead-letter"
	headerJournal    = "x-txtransport-journal"
)

var (
	_ native.Queue   = (*handle)(nil)
	_ native.Counter = (*handle)(nil)
)

type handle struct {
	s          *Subsystem
	path       string
	name       string
	mode       native.AccessMode
	filter     native.PropertyFilter
	generation uint64
	closed     atomic.Bool
}

func (h *handle) Path() string {
	return h.path
}

func (h *handle) Transactional() bool {
	return true
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return native.ErrInvalidHandle
	}

	return nil
}

func (h *handle) valid() bool {
	return !h.closed.Load() && h.s.currentGeneration() == h.generation
}

func (h *handle) Send(ctx context.Context, entry *native.Entry, ntx native.Tx) error {
	if h.mode&native.AccessSend == 0 {
		return fmt.Errorf("handle for %s was not opened for sending", h.path)
	}

	if !h.valid() {
		return native.ErrInvalidHandle
	}

	publishing, err := toPublishing(entry)
	if err != nil {
		return err
	}

	if ntx == nil {
		return h.s.withChannel(ctx, func(ch amqpChannel) error {
			return ch.PublishWithContext(ctx, "", h.name, false, false, publishing)
		})
	}

	ch, err := channelOf(ntx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, "", h.name, false, false, publishing); err != nil {
		if isClosed(err) {
			return fmt.Errorf("%w: %v", native.ErrInvalidHandle, err)
		}

		return fmt.Errorf("failed to publish to %s: %w", h.name, err)
	}

	return nil
}

// Receive polls the queue until an entry arrives or timeout elapses. Within a
// transaction the delivery is acknowledged on the transaction's channel, so it
// only leaves the queue on commit.
func (h *handle) Receive(ctx context.Context, timeout time.Duration, ntx native.Tx) native.ReceiveResult {
	if h.mode&native.AccessReceive == 0 {
		return native.Failed(fmt.Errorf("handle for %s was not opened for receiving", h.path))
	}

	if !h.valid() {
		return native.InvalidHandle()
	}

	if ntx == nil {
		var res native.ReceiveResult

		err := h.s.withChannel(ctx, func(ch amqpChannel) error {
			res = h.poll(ctx, ch, timeout, true)

			return nil
		})
		if err != nil {
			return native.Failed(err)
		}

		return res
	}

	ch, err := channelOf(ntx)
	if err != nil {
		return native.Failed(err)
	}

	return h.poll(ctx, ch, timeout, false)
}

func (h *handle) poll(ctx context.Context, ch amqpChannel, timeout time.Duration, autoAck bool) native.ReceiveResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		d, ok, err := ch.Get(h.name, autoAck)

		switch {
		case isNotFound(err):
			return native.QueueDeleted()
		case isClosed(err):
			return native.InvalidHandle()
		case err != nil:
			return native.Failed(fmt.Errorf("failed to get from %s: %w", h.name, err))
		}

		if ok {
			if !autoAck {
				if err := d.Ack(false); err != nil {
					return native.Failed(fmt.Errorf("failed to acknowledge delivery from %s: %w", h.name, err))
				}
			}

			entry := fromDelivery(d)
			if entry.Expired(time.Now()) {
				continue
			}

			return native.Received(h.filtered(entry))
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

// Enumerate browses the queue by fetching every entry without acknowledging
// it; closing the browsing channel returns them all.
func (h *handle) Enumerate(ctx context.Context) iter.Seq2[*native.Entry, error] {
	return func(yield func(*native.Entry, error) bool) {
		var entries []*native.Entry

		err := h.s.withChannel(ctx, func(ch amqpChannel) error {
			for {
				d, ok, err := ch.Get(h.name, false)
				if err != nil {
					return err
				}

				if !ok {
					return nil
				}

				entries = append(entries, h.filtered(fromDelivery(d)))
			}
		})
		if err != nil {
			yield(nil, fmt.Errorf("failed to browse %s: %w", h.name, err))

			return
		}

		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len reports the ready message count from a passive declare.
func (h *handle) Len(ctx context.Context) (int, error) {
	n := 0

	err := h.s.withChannel(ctx, func(ch amqpChannel) error {
		q, err := ch.QueueDeclarePassive(h.name, true, false, false, false, nil)
		if err != nil {
			return err
		}

		n = q.Messages

		return nil
	})

	return n, err
}

// SetPermissions is a no-op: broker permissions are granted per virtual host,
// not per queue.
func (h *handle) SetPermissions(_ context.Context, principal string, rights native.AccessRights) error {
	h.s.logger.Debug().
		Str("queue", h.name).
		Str("principal", principal).
		Str("rights", rights.String()).
		Msg("queue permissions are managed per virtual host, skipping")

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

func channelOf(ntx native.Tx) (amqpChannel, error) {
	t, ok := ntx.(*tx)
	if !ok {
		return nil, fmt.Errorf("transaction %T does not belong to this subsystem", ntx)
	}

	return t.channel()
}

func toPublishing(entry *native.Entry) (amqp.Publishing, error) {
	var body []byte

	if entry.Body != nil {
		b, err := io.ReadAll(entry.Body)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to read entry body: %w", err)
		}

		body = b
	}

	mode := amqp.Transient
	if entry.Recoverable {
		mode = amqp.Persistent
	}

	p := amqp.Publishing{
		Headers: amqp.Table{
			headerExtension:  entry.Extension,
			headerLabel:      entry.Label,
			headerDeadLetter: entry.UseDeadLetterQueue,
			headerJournal:    entry.UseJournalQueue,
		},
		DeliveryMode: mode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if entry.TimeToBeReceived > 0 {
		p.Expiration = strconv.FormatInt(entry.TimeToBeReceived.Milliseconds(), 10)
	}

	return p, nil
}

func fromDelivery(d amqp.Delivery) *native.Entry {
	e := &native.Entry{
		ID:          d.MessageId,
		Body:        bytes.NewReader(d.Body),
		Recoverable: d.DeliveryMode == amqp.Persistent,
		SentAt:      d.Timestamp,
	}

	if v, ok := d.Headers[headerExtension].([]byte); ok {
		e.Extension = v
	}

	if v, ok := d.Headers[headerLabel].(string); ok {
		e.Label = v
	}

	if v, ok := d.Headers[headerDeadLetter].(bool); ok {
		e.UseDeadLetterQueue = v
	}

	if v, ok := d.Headers[headerJournal].(bool); ok {
		e.UseJournalQueue = v
	}

	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
		e.TimeToBeReceived = time.Duration(ms) * time.Millisecond
	}

	return e
}
